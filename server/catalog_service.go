package server

import (
	"context"
	"errors"
	"fmt"

	"connectrpc.com/connect"

	"github.com/chazu/keysmith/catalog"
)

// CatalogService serves the block catalog held by a Manager. It speaks the
// same protocol catalog.Client consumes, so one keysmith server can be the
// catalog source of another.
type CatalogService struct {
	manager *catalog.Manager
}

// NewCatalogService creates a CatalogService.
func NewCatalogService(manager *catalog.Manager) *CatalogService {
	return &CatalogService{manager: manager}
}

func (s *CatalogService) register(mux routeMux, opts ...connect.HandlerOption) {
	mux.Handle(catalog.ListProcedure, connect.NewUnaryHandler(catalog.ListProcedure, s.ListDefinitions, opts...))
	mux.Handle(catalog.SaveProcedure, connect.NewUnaryHandler(catalog.SaveProcedure, s.SaveDefinition, opts...))
	mux.Handle(catalog.DeleteProcedure, connect.NewUnaryHandler(catalog.DeleteProcedure, s.DeleteDefinition, opts...))
}

// ListDefinitions returns the current catalog.
func (s *CatalogService) ListDefinitions(
	ctx context.Context,
	req *connect.Request[catalog.ListRequest],
) (*connect.Response[catalog.ListResponse], error) {
	return connect.NewResponse(catalog.NewListResponse(s.manager.Current())), nil
}

// SaveDefinition stores a definition. Without a block id a fresh custom id
// is assigned. Definitions that are invalid or would overwrite a builtin
// are reported in the response rather than as RPC errors.
func (s *CatalogService) SaveDefinition(
	ctx context.Context,
	req *connect.Request[catalog.SaveRequest],
) (*connect.Response[catalog.SaveResponse], error) {
	id := req.Msg.BlockID
	var err error
	if id == "" {
		id, err = s.manager.SaveCustom(ctx, req.Msg.Definition)
	} else {
		err = s.manager.Save(ctx, id, req.Msg.Definition)
	}
	if err != nil {
		if rejected(err) {
			return connect.NewResponse(&catalog.SaveResponse{Success: false, Error: err.Error()}), nil
		}
		return nil, catalogError(err)
	}
	return connect.NewResponse(&catalog.SaveResponse{Success: true, BlockID: id}), nil
}

// DeleteDefinition removes a custom definition.
func (s *CatalogService) DeleteDefinition(
	ctx context.Context,
	req *connect.Request[catalog.DeleteRequest],
) (*connect.Response[catalog.DeleteResponse], error) {
	if req.Msg.BlockID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("block_id is required"))
	}
	if err := s.manager.Delete(ctx, req.Msg.BlockID); err != nil {
		if rejected(err) {
			return connect.NewResponse(&catalog.DeleteResponse{Success: false, Error: err.Error()}), nil
		}
		return nil, catalogError(err)
	}
	return connect.NewResponse(&catalog.DeleteResponse{Success: true}), nil
}

func rejected(err error) bool {
	return errors.Is(err, catalog.ErrInvalid) || errors.Is(err, catalog.ErrBuiltin)
}

func catalogError(err error) error {
	if errors.Is(err, catalog.ErrNotFound) {
		return connect.NewError(connect.CodeNotFound, err)
	}
	return connect.NewError(connect.CodeUnavailable, err)
}
