// Package execute hands generated text to an external executor together
// with an input, encoded as hex.
package execute

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"connectrpc.com/connect"

	"github.com/chazu/keysmith/rpc"
)

// Encoding says how a raw input string is to be read.
type Encoding string

const (
	Hex    Encoding = "hex"
	UTF8   Encoding = "utf8"
	Number Encoding = "number"
)

// ParseEncoding accepts hex, utf8 and number; the empty string means hex.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToLower(s)) {
	case "", Hex:
		return Hex, nil
	case UTF8:
		return UTF8, nil
	case Number:
		return Number, nil
	}
	return "", fmt.Errorf("execute: unknown input encoding %q", s)
}

var twoTo32 = new(big.Int).Lsh(big.NewInt(1), 32)

// EncodeInput converts raw to the hex string the executor expects.
//
// hex is passed through. utf8 is the hex of the text's bytes. number reads
// a leading decimal integer: non-negative values are written big-endian
// with an even number of digits, negative values as their 32-bit two's
// complement in 8 digits. A number that cannot be read encodes as "".
func EncodeInput(raw string, enc Encoding) string {
	switch enc {
	case UTF8:
		return hex.EncodeToString([]byte(raw))
	case Number:
		n, ok := leadingInt(raw)
		if !ok {
			return ""
		}
		if n.Sign() < 0 {
			n.Mod(n, twoTo32)
			return fmt.Sprintf("%08x", n)
		}
		s := n.Text(16)
		if len(s)%2 != 0 {
			s = "0" + s
		}
		return s
	}
	return raw
}

// leadingInt parses an optionally signed run of decimal digits at the
// start of s, ignoring leading whitespace and anything after the digits.
func leadingInt(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return nil, false
	}
	return new(big.Int).SetString(s[:end], 10)
}

// Result is the executor's answer. Output is set iff Success.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Executor runs code against a hex-encoded input.
type Executor interface {
	Execute(ctx context.Context, code, inputHex string) (Result, error)
}

// ServiceName is the Connect service executors are reached through.
const ServiceName = "keysmith.v1.ExecutorService"

// ExecuteProcedure runs one program.
var ExecuteProcedure = rpc.Procedure(ServiceName, "Execute")

// Request is the executor call.
type Request struct {
	Code     string `json:"code"`
	InputHex string `json:"input_hex"`
}

// Client is an Executor backed by a remote ExecutorService.
type Client struct {
	execute *connect.Client[Request, Result]
}

// NewClient creates an executor client for the service at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string) *Client {
	return &Client{
		execute: rpc.NewClient[Request, Result](httpClient, baseURL, ExecuteProcedure),
	}
}

// Dial is NewClient with a default HTTP client.
func Dial(baseURL string, timeout time.Duration) *Client {
	return NewClient(rpc.NewHTTPClient(timeout), baseURL)
}

// Execute implements Executor. A program that ran and failed is a Result
// with Success false; err is reserved for failing to reach the executor.
func (c *Client) Execute(ctx context.Context, code, inputHex string) (Result, error) {
	resp, err := c.execute.CallUnary(ctx, connect.NewRequest(&Request{Code: code, InputHex: inputHex}))
	if err != nil {
		return Result{}, fmt.Errorf("execute: %w", err)
	}
	return *resp.Msg, nil
}
