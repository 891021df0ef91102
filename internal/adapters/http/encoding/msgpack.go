// Package encoding selects the wire format of progress streams.
package encoding

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

const ContentTypeMsgpack = "application/msgpack"
const ContentTypeJSON = "application/json"

// Format is the framing used for streamed events
type Format string

const (
	FormatJSON    Format = "json"
	FormatMsgpack Format = "msgpack"
)

// Binary reports whether frames must be sent as binary websocket messages
func (f Format) Binary() bool {
	return f == FormatMsgpack
}

// NegotiateContentType checks the Accept header and returns the preferred content type
func NegotiateContentType(r *http.Request) string {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return ContentTypeJSON
	}

	// Check if MessagePack is explicitly requested
	if strings.Contains(accept, ContentTypeMsgpack) {
		return ContentTypeMsgpack
	}

	return ContentTypeJSON
}

// NegotiateFormat prefers the ?format= query parameter and falls back to the Accept header
func NegotiateFormat(r *http.Request) Format {
	switch strings.ToLower(r.URL.Query().Get("format")) {
	case "msgpack":
		return FormatMsgpack
	case "json":
		return FormatJSON
	}
	if NegotiateContentType(r) == ContentTypeMsgpack {
		return FormatMsgpack
	}
	return FormatJSON
}

// Marshal encodes v in the given format
func Marshal(f Format, v any) ([]byte, error) {
	if f == FormatMsgpack {
		return msgpack.Marshal(v)
	}
	return json.Marshal(v)
}

// WriteMsgpack writes a MessagePack response with the given status code
func WriteMsgpack(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", ContentTypeMsgpack)
	w.WriteHeader(status)

	encoder := msgpack.NewEncoder(w)
	return encoder.Encode(data)
}
