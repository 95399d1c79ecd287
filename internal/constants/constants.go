// Package constants defines application-wide constants and version information.
package constants

import "runtime"

// Version holds the application version information
const Version = "1.2-" + runtime.GOOS + "/" + runtime.GOARCH

// Measurement names in the time-series bucket. Writers must not invent
// new measurements; the gap detector and backfill engine key off this
// bounded set.
const (
	MeasurementEnergyPrices = "energy_prices"
	MeasurementWeatherData  = "weather_data"
)

// LinaresStationID is the AEMET station identifier for the factory site.
const LinaresStationID = "5279X"
