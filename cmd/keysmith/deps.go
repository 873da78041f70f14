package main

import (
	"context"
	"fmt"

	"github.com/chazu/keysmith/block"
	"github.com/chazu/keysmith/catalog"
	"github.com/chazu/keysmith/config"
	"github.com/chazu/keysmith/execute"
	"github.com/chazu/keysmith/gateway"
)

// deps are the collaborators built from the configuration.
type deps struct {
	catalog  *catalog.Manager
	cache    *catalog.Cache
	gateway  gateway.Gateway
	executor execute.Executor
}

func (d *deps) Close() {
	if d.cache != nil {
		if err := d.cache.Close(); err != nil {
			log.Warningf("closing catalog cache: %v", err)
		}
	}
}

// buildDeps wires the catalog, gateway and executor described by cfg and
// performs the first catalog load.
func buildDeps(ctx context.Context, cfg *config.Config) (*deps, error) {
	d := &deps{}

	src, err := catalogSource(cfg)
	if err != nil {
		return nil, err
	}
	schema, err := catalog.NewSchema()
	if err != nil {
		return nil, err
	}
	opts := []catalog.ManagerOption{catalog.WithSchema(schema)}
	if cfg.Catalog.Cache != "" {
		d.cache, err = catalog.OpenCache(cfg.Catalog.Cache)
		if err != nil {
			return nil, err
		}
		opts = append(opts, catalog.WithCache(d.cache))
	}
	d.catalog = catalog.NewManager(src, opts...)
	if err := d.catalog.Load(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("loading catalog: %w", err)
	}

	if cfg.Gateway.URL != "" {
		d.gateway = gateway.Dial(cfg.Gateway.URL, cfg.Gateway.Timeout)
		log.Infof("using gateway at %s", cfg.Gateway.URL)
	} else {
		d.gateway = gateway.NewTemplate(d.catalog)
		log.Info("no gateway configured, generating in-process; sync to blocks is unavailable")
	}

	if cfg.Executor.URL != "" {
		d.executor = execute.Dial(cfg.Executor.URL, cfg.Executor.Timeout)
	}
	return d, nil
}

// catalogSource picks the remote catalog service, or the local vocabulary
// with custom blocks kept in [catalog].custom.
func catalogSource(cfg *config.Config) (catalog.Source, error) {
	if cfg.Catalog.URL != "" {
		return catalog.Dial(cfg.Catalog.URL, cfg.Gateway.Timeout), nil
	}

	var base *block.Catalog
	if cfg.Catalog.File != "" {
		c, err := catalog.LoadFile(cfg.Catalog.File)
		if err != nil {
			return nil, err
		}
		base = c
	}
	if cfg.Catalog.Custom != "" {
		return catalog.OpenMemory(base, cfg.Catalog.Custom)
	}
	return catalog.NewMemory(base), nil
}
