package gateway

import (
	"context"
	"errors"
	"time"

	"connectrpc.com/connect"

	"github.com/chazu/keysmith/block"
	"github.com/chazu/keysmith/rpc"
)

// ServiceName is the Connect service the gateway is reached through.
const ServiceName = "keysmith.v1.GatewayService"

var (
	GenerateProcedure = rpc.Procedure(ServiceName, "Generate")
	ParseProcedure    = rpc.Procedure(ServiceName, "Parse")
)

// GenerateRequest asks for the source text of a forest.
type GenerateRequest struct {
	Blocks   block.Forest `json:"blocks"`
	FuncName string       `json:"func_name"`
	Args     string       `json:"args"`
}

// GenerateResponse carries the generated source.
type GenerateResponse struct {
	Code string `json:"code"`
}

// ParseRequest asks for the forest described by source text.
type ParseRequest struct {
	Code string `json:"code"`
}

// ParseResponse reports the parse outcome. Chain is set iff Success.
type ParseResponse struct {
	Success bool         `json:"success"`
	Chain   block.Forest `json:"chain,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// Client is a Gateway backed by a remote GatewayService.
type Client struct {
	generate *connect.Client[GenerateRequest, GenerateResponse]
	parse    *connect.Client[ParseRequest, ParseResponse]
}

// NewClient creates a gateway client for the service at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string) *Client {
	return &Client{
		generate: rpc.NewClient[GenerateRequest, GenerateResponse](httpClient, baseURL, GenerateProcedure),
		parse:    rpc.NewClient[ParseRequest, ParseResponse](httpClient, baseURL, ParseProcedure),
	}
}

// Dial is NewClient with a default HTTP client.
func Dial(baseURL string, timeout time.Duration) *Client {
	return NewClient(rpc.NewHTTPClient(timeout), baseURL)
}

// Generate implements Gateway.
func (c *Client) Generate(ctx context.Context, f block.Forest, entrypoint, argName string) (string, error) {
	resp, err := c.generate.CallUnary(ctx, connect.NewRequest(&GenerateRequest{
		Blocks:   f,
		FuncName: entrypoint,
		Args:     argName,
	}))
	if err != nil {
		return "", &GenerateError{Err: err}
	}
	return resp.Msg.Code, nil
}

// Parse implements Gateway.
func (c *Client) Parse(ctx context.Context, text string) (block.Forest, error) {
	resp, err := c.parse.CallUnary(ctx, connect.NewRequest(&ParseRequest{Code: text}))
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	if !resp.Msg.Success {
		msg := resp.Msg.Error
		if msg == "" {
			msg = "parser rejected the code"
		}
		return nil, &ParseError{Message: msg}
	}
	if resp.Msg.Chain == nil {
		return block.Forest{}, nil
	}
	return resp.Msg.Chain, nil
}

// IsParseError reports whether err is a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
