package server

import (
	"context"
	"errors"

	"connectrpc.com/connect"

	"github.com/chazu/keysmith/gateway"
)

// GatewayService exposes a gateway.Gateway over the protocol gateway.Client
// speaks. Serving the in-process template generator this way lets other
// tools share one generator.
type GatewayService struct {
	gw gateway.Gateway
}

// NewGatewayService creates a GatewayService.
func NewGatewayService(gw gateway.Gateway) *GatewayService {
	return &GatewayService{gw: gw}
}

func (s *GatewayService) register(mux routeMux, opts ...connect.HandlerOption) {
	mux.Handle(gateway.GenerateProcedure, connect.NewUnaryHandler(gateway.GenerateProcedure, s.Generate, opts...))
	mux.Handle(gateway.ParseProcedure, connect.NewUnaryHandler(gateway.ParseProcedure, s.Parse, opts...))
}

// Generate renders a forest to source text.
func (s *GatewayService) Generate(
	ctx context.Context,
	req *connect.Request[gateway.GenerateRequest],
) (*connect.Response[gateway.GenerateResponse], error) {
	entrypoint := req.Msg.FuncName
	if entrypoint == "" {
		entrypoint = gateway.DefaultEntrypoint
	}
	argName := req.Msg.Args
	if argName == "" {
		argName = gateway.DefaultArgName
	}
	code, err := s.gw.Generate(ctx, req.Msg.Blocks, entrypoint, argName)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&gateway.GenerateResponse{Code: code}), nil
}

// Parse turns source text back into a forest. A rejected text is reported
// with Success false.
func (s *GatewayService) Parse(
	ctx context.Context,
	req *connect.Request[gateway.ParseRequest],
) (*connect.Response[gateway.ParseResponse], error) {
	f, err := s.gw.Parse(ctx, req.Msg.Code)
	if err != nil {
		var pe *gateway.ParseError
		if errors.As(err, &pe) {
			return connect.NewResponse(&gateway.ParseResponse{Success: false, Error: parseMessage(pe)}), nil
		}
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&gateway.ParseResponse{Success: true, Chain: f}), nil
}

// parseMessage is the text shown to the user for a failed parse.
func parseMessage(pe *gateway.ParseError) string {
	switch {
	case pe.Message != "":
		return pe.Message
	case pe.Err != nil:
		return pe.Err.Error()
	}
	return "parser rejected the code"
}
