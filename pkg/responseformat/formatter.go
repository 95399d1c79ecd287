// Package responseformat encodes HTTP responses as JSON or MessagePack.
// The dashboard polls with plain JSON; the on-site display panels ask
// for MessagePack to keep payloads small over the factory LAN.
package responseformat

import (
	"encoding/json"
	"net/http"

	"github.com/vmihailenco/msgpack/v5"
)

const msgpackContentType = "application/x-msgpack"

// Formatter writes API payloads in the format the client asked for.
type Formatter struct{}

// NewFormatter creates a new response formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// WriteResponse encodes data and writes it to w with status 200. JSON
// is the default; MessagePack is selected with ?format=msgpack or an
// Accept header of application/x-msgpack. Any extra headers are set
// before the body.
func (f *Formatter) WriteResponse(w http.ResponseWriter, req *http.Request, data any, headers map[string]string) error {
	return f.WriteResponseStatus(w, req, http.StatusOK, data, headers)
}

// WriteResponseStatus is WriteResponse with an explicit status code.
// All headers go out before the status line.
func (f *Formatter) WriteResponseStatus(w http.ResponseWriter, req *http.Request, status int, data any, headers map[string]string) error {
	for k, v := range headers {
		w.Header().Set(k, v)
	}

	// The dashboard is served from a different origin than the API.
	w.Header().Set("Access-Control-Allow-Origin", "*")

	encode := f.writeJSON
	contentType := "application/json"
	if wantsMsgPack(req) {
		encode = f.writeMsgPack
		contentType = msgpackContentType
	}
	w.Header().Set("Content-Type", contentType)

	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	return encode(w, data)
}

func wantsMsgPack(req *http.Request) bool {
	if req.URL.Query().Get("format") == "msgpack" {
		return true
	}
	return req.Header.Get("Accept") == msgpackContentType
}

func (f *Formatter) writeJSON(w http.ResponseWriter, data any) error {
	return json.NewEncoder(w).Encode(data)
}

func (f *Formatter) writeMsgPack(w http.ResponseWriter, data any) error {
	encoder := msgpack.NewEncoder(w)
	// Reuse the json struct tags so both encodings expose the same
	// field names to clients.
	encoder.SetCustomStructTag("json")
	return encoder.Encode(data)
}
