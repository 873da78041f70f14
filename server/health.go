package server

import (
	"context"
	"errors"
	"sync"

	"connectrpc.com/connect"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// HealthCheckProcedure is the standard gRPC health check, served over
// Connect so grpc_health_probe and plain HTTP clients can both use it.
const HealthCheckProcedure = "/grpc.health.v1.Health/Check"

// HealthService reports serving status per service name. The empty name
// is the server as a whole.
type HealthService struct {
	hs *health.Server

	mu     sync.Mutex
	probes map[string]func() bool
}

// NewHealthService creates a HealthService with every keysmith service
// marked serving.
func NewHealthService(services ...string) *HealthService {
	hs := health.NewServer()
	for _, name := range services {
		hs.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
	return &HealthService{hs: hs, probes: make(map[string]func() bool)}
}

// Probe makes the status of service follow fn, evaluated on every check
// of that service.
func (s *HealthService) Probe(service string, fn func() bool) {
	s.mu.Lock()
	s.probes[service] = fn
	s.mu.Unlock()
}

func (s *HealthService) register(mux routeMux, opts ...connect.HandlerOption) {
	// Health messages are real protobufs; connect's default codecs apply.
	mux.Handle(HealthCheckProcedure, connect.NewUnaryHandler(HealthCheckProcedure, s.Check, opts...))
}

// Check reports the status of one service.
func (s *HealthService) Check(
	ctx context.Context,
	req *connect.Request[healthpb.HealthCheckRequest],
) (*connect.Response[healthpb.HealthCheckResponse], error) {
	s.mu.Lock()
	probe := s.probes[req.Msg.GetService()]
	s.mu.Unlock()
	if probe != nil {
		s.SetServing(req.Msg.GetService(), probe())
	}

	resp, err := s.hs.Check(ctx, req.Msg)
	if err != nil {
		st := status.Convert(err)
		return nil, connect.NewError(connect.Code(st.Code()), errors.New(st.Message()))
	}
	return connect.NewResponse(resp), nil
}

// SetServing marks a service serving or not.
func (s *HealthService) SetServing(service string, serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.hs.SetServingStatus(service, st)
}

// Shutdown marks every service not serving.
func (s *HealthService) Shutdown() {
	s.hs.Shutdown()
}
