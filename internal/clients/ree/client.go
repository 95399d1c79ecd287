// Package ree provides integration with the REE (Red Eléctrica de
// España) spot-price API. PVPC prices arrive in €/MWh at hourly
// resolution; the client normalizes them to €/kWh records tagged with
// their tariff period.
package ree

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/chocops/chocofactory/internal/httpclient"
	"github.com/chocops/chocofactory/internal/tariff"
	"github.com/chocops/chocofactory/internal/types"
	"github.com/chocops/chocofactory/pkg/config"
	"go.uber.org/zap"
)

const defaultEndpoint = "https://apidatos.ree.es/es/datos/mercados/precios-mercados-tiempo-real"

// requestsPerMinute is REE's documented courtesy limit.
const requestsPerMinute = 30

// Client fetches PVPC spot prices. No authentication is required.
type Client struct {
	doer     *httpclient.Doer
	endpoint string
	logger   *zap.SugaredLogger
}

// NewClient creates a REE client with the provider's rate limit and
// the 60-120 s fixed backoff REE expects after a 429.
func NewClient(cfg config.REEData, logger *zap.SugaredLogger) *Client {
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Client{
		doer:     httpclient.New("ree", requestsPerMinute, httpclient.DefaultTimeout, httpclient.FixedRangeBackoff(60*time.Second, 120*time.Second), logger),
		endpoint: endpoint,
		logger:   logger,
	}
}

type apiResponse struct {
	Included []struct {
		Type       string `json:"type"`
		Attributes struct {
			Title  string `json:"title"`
			Values []struct {
				Value    float64 `json:"value"`
				Datetime string  `json:"datetime"`
			} `json:"values"`
		} `json:"attributes"`
	} `json:"included"`
}

// FetchPrices returns hourly prices covering [start, end), ascending.
// Ranges longer than one day are split into daily requests; a failed
// day aborts the fetch so the caller can retry the remainder.
func (c *Client) FetchPrices(ctx context.Context, start, end time.Time) ([]types.PriceRecord, error) {
	if !start.Before(end) {
		return nil, types.NewValidationError("range", "start must be before end")
	}

	var records []types.PriceRecord
	for dayStart := start.UTC(); dayStart.Before(end); {
		dayEnd := dayStart.Add(24 * time.Hour)
		if dayEnd.After(end) {
			dayEnd = end.UTC()
		}

		day, err := c.fetchDay(ctx, dayStart, dayEnd)
		if err != nil {
			return records, fmt.Errorf("fetching REE prices for %s: %w", dayStart.Format("2006-01-02"), err)
		}
		records = append(records, day...)
		dayStart = dayEnd
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp.Before(records[j].Timestamp) })
	return records, nil
}

// CurrentPrice returns the price record for the current hour.
func (c *Client) CurrentPrice(ctx context.Context) (types.PriceRecord, error) {
	now := time.Now().UTC()
	hour := now.Truncate(time.Hour)

	records, err := c.FetchPrices(ctx, hour, hour.Add(time.Hour))
	if err != nil {
		return types.PriceRecord{}, err
	}
	if len(records) == 0 {
		return types.PriceRecord{}, &types.UpstreamError{Provider: "ree", Transient: true,
			Err: fmt.Errorf("no price published for %s yet", hour.Format(time.RFC3339))}
	}
	return records[len(records)-1], nil
}

func (c *Client) fetchDay(ctx context.Context, start, end time.Time) ([]types.PriceRecord, error) {
	v := url.Values{}
	v.Set("start_date", start.Format("2006-01-02T15:04"))
	v.Set("end_date", end.Format("2006-01-02T15:04"))
	v.Set("time_trunc", "hour")

	var resp apiResponse
	if err := c.doer.GetJSON(ctx, c.endpoint+"?"+v.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	var records []types.PriceRecord
	for _, inc := range resp.Included {
		if inc.Type != "PVPC" && inc.Attributes.Title != "PVPC" {
			continue
		}
		for _, val := range inc.Attributes.Values {
			ts, err := parseREETime(val.Datetime)
			if err != nil {
				c.logger.Warnf("skipping REE value with bad datetime %q: %v", val.Datetime, err)
				continue
			}
			ts = ts.UTC().Truncate(time.Hour)
			if ts.Before(start) || !ts.Before(end) {
				continue
			}
			records = append(records, types.PriceRecord{
				Timestamp:    ts,
				PriceEURKWh:  val.Value / 1000.0, // API reports €/MWh
				TariffPeriod: tariff.PeriodForHour(ts),
			})
		}
	}
	return records, nil
}

// parseREETime handles the two datetime layouts the API emits.
func parseREETime(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02T15:04:05.000-07:00", time.RFC3339} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized datetime format: %q", s)
}
