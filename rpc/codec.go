// Package rpc holds the pieces shared by keysmith's Connect clients and
// handlers.
//
// keysmith's own messages are plain Go structs, so instead of protoc output
// the handlers and clients register a JSON codec under connect's "json"
// name.
package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
)

// CodecName is the name the JSON codec is registered under.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Name() string { return CodecName }

func (jsonCodec) Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonCodec) Unmarshal(data []byte, msg any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("rpc: decode %T: %w", msg, err)
	}
	return nil
}

// WithJSON registers the JSON codec on a client or handler.
func WithJSON() connect.Option {
	return connect.WithCodec(jsonCodec{})
}

// Procedure builds a Connect procedure path: /<service>/<method>.
func Procedure(service, method string) string {
	return "/" + service + "/" + method
}

// NewHTTPClient returns the HTTP client used for collaborator calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// BaseURL trims a trailing slash so procedure paths can be appended.
func BaseURL(u string) string {
	return strings.TrimRight(u, "/")
}

// NewClient creates a unary JSON client for one procedure.
func NewClient[Req, Res any](httpClient connect.HTTPClient, baseURL, procedure string) *connect.Client[Req, Res] {
	return connect.NewClient[Req, Res](httpClient, BaseURL(baseURL)+procedure, WithJSON())
}
