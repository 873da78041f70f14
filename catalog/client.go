package catalog

import (
	"context"
	"errors"
	"time"

	"connectrpc.com/connect"

	"github.com/chazu/keysmith/block"
	"github.com/chazu/keysmith/rpc"
)

// ServiceName is the Connect service a remote catalog is reached through.
const ServiceName = "keysmith.v1.CatalogService"

var (
	ListProcedure   = rpc.Procedure(ServiceName, "ListDefinitions")
	SaveProcedure   = rpc.Procedure(ServiceName, "SaveDefinition")
	DeleteProcedure = rpc.Procedure(ServiceName, "DeleteDefinition")
)

// SboxOptions is the option source select params use to pick an S-box.
const SboxOptions = "sbox_list"

// ListRequest asks for the whole catalog.
type ListRequest struct{}

// ListResponse is a catalog listing. SboxList mirrors the sbox_list option
// source for clients that only know that one.
type ListResponse struct {
	Categories    map[string]block.Category   `json:"categories"`
	Blocks        map[string]block.Definition `json:"blocks"`
	OptionSources map[string][]string         `json:"option_sources,omitempty"`
	SboxList      []string                    `json:"sbox_list"`
}

// NewListResponse renders a catalog as a listing.
func NewListResponse(c *block.Catalog) *ListResponse {
	if c == nil {
		c = block.NewCatalog()
	}
	sboxes := c.OptionSources[SboxOptions]
	if sboxes == nil {
		sboxes = []string{}
	}
	return &ListResponse{
		Categories:    c.Categories,
		Blocks:        c.Blocks,
		OptionSources: c.OptionSources,
		SboxList:      sboxes,
	}
}

// Catalog converts a listing back into a catalog.
func (r *ListResponse) Catalog() *block.Catalog {
	c := block.NewCatalog()
	for k, v := range r.Categories {
		c.Categories[k] = v
	}
	for k, v := range r.Blocks {
		c.Blocks[k] = v
	}
	for k, v := range r.OptionSources {
		c.OptionSources[k] = v
	}
	if _, ok := c.OptionSources[SboxOptions]; !ok && len(r.SboxList) > 0 {
		c.OptionSources[SboxOptions] = r.SboxList
	}
	return c
}

// SaveRequest stores one definition.
type SaveRequest struct {
	BlockID    string           `json:"block_id"`
	Definition block.Definition `json:"definition"`
}

// SaveResponse reports a save. On success BlockID is the stored id.
type SaveResponse struct {
	Success bool   `json:"success"`
	BlockID string `json:"block_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DeleteRequest removes one definition.
type DeleteRequest struct {
	BlockID string `json:"block_id"`
}

// DeleteResponse reports a delete.
type DeleteResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Client is a Source backed by a remote CatalogService.
type Client struct {
	list   *connect.Client[ListRequest, ListResponse]
	save   *connect.Client[SaveRequest, SaveResponse]
	delete *connect.Client[DeleteRequest, DeleteResponse]
}

// NewClient creates a catalog client for the service at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string) *Client {
	return &Client{
		list:   rpc.NewClient[ListRequest, ListResponse](httpClient, baseURL, ListProcedure),
		save:   rpc.NewClient[SaveRequest, SaveResponse](httpClient, baseURL, SaveProcedure),
		delete: rpc.NewClient[DeleteRequest, DeleteResponse](httpClient, baseURL, DeleteProcedure),
	}
}

// Dial is NewClient with a default HTTP client.
func Dial(baseURL string, timeout time.Duration) *Client {
	return NewClient(rpc.NewHTTPClient(timeout), baseURL)
}

// List implements Source.
func (c *Client) List(ctx context.Context) (*block.Catalog, error) {
	resp, err := c.list.CallUnary(ctx, connect.NewRequest(&ListRequest{}))
	if err != nil {
		return nil, err
	}
	return resp.Msg.Catalog(), nil
}

// Save implements Source.
func (c *Client) Save(ctx context.Context, blockID string, def block.Definition) error {
	resp, err := c.save.CallUnary(ctx, connect.NewRequest(&SaveRequest{BlockID: blockID, Definition: def}))
	if err != nil {
		return err
	}
	if !resp.Msg.Success {
		return remoteError(resp.Msg.Error)
	}
	return nil
}

// Delete implements Source.
func (c *Client) Delete(ctx context.Context, blockID string) error {
	resp, err := c.delete.CallUnary(ctx, connect.NewRequest(&DeleteRequest{BlockID: blockID}))
	if err != nil {
		if connect.CodeOf(err) == connect.CodeNotFound {
			return ErrNotFound
		}
		return err
	}
	if !resp.Msg.Success {
		return remoteError(resp.Msg.Error)
	}
	return nil
}

func remoteError(msg string) error {
	if msg == "" {
		msg = "rejected by catalog service"
	}
	return errors.New(msg)
}
