package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/singleflight"

	"github.com/chazu/keysmith/block"
)

var log = commonlog.GetLogger("keysmith.catalog")

// Manager fronts a Source. It keeps the last catalog that loaded
// successfully and serves it while the source is failing. Every successful
// save or delete is followed by a full re-fetch.
type Manager struct {
	src    Source
	schema *Schema
	cache  *Cache
	group  singleflight.Group
	now    func() time.Time

	mu       sync.RWMutex
	current  *block.Catalog
	loadedAt time.Time
	lastErr  error
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithCache stores every good catalog in c and falls back to it when the
// first load fails.
func WithCache(c *Cache) ManagerOption {
	return func(m *Manager) { m.cache = c }
}

// WithSchema validates definitions before they are saved.
func WithSchema(s *Schema) ManagerOption {
	return func(m *Manager) { m.schema = s }
}

// NewManager creates a manager over src. Nothing is loaded until Load or
// Refresh is called.
func NewManager(src Source, opts ...ManagerOption) *Manager {
	m := &Manager{src: src, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load performs the first fetch. If the source fails and a cache is
// configured, the cached catalog is served instead; the returned error is
// then nil and Status reports the source failure.
func (m *Manager) Load(ctx context.Context) error {
	_, err := m.Refresh(ctx)
	if err == nil {
		return nil
	}
	if m.cache == nil {
		return err
	}
	cat, at, cerr := m.cache.Load(ctx)
	if cerr != nil {
		log.Warningf("catalog cache unavailable: %v", cerr)
		return err
	}
	m.mu.Lock()
	if m.current == nil {
		m.current = cat
		m.loadedAt = at
	}
	m.mu.Unlock()
	log.Noticef("serving cached catalog from %s", at.Format(time.RFC3339))
	return nil
}

// Refresh re-fetches the catalog. Concurrent calls share one fetch. On
// failure the previous catalog stays current.
func (m *Manager) Refresh(ctx context.Context) (*block.Catalog, error) {
	v, err, _ := m.group.Do("list", func() (any, error) {
		cat, err := m.src.List(ctx)
		if err != nil {
			return nil, wrap("list", "", err)
		}
		m.mu.Lock()
		m.current = cat
		m.loadedAt = m.now()
		m.lastErr = nil
		m.mu.Unlock()

		if m.cache != nil {
			if err := m.cache.Store(ctx, cat); err != nil {
				log.Warningf("caching catalog: %v", err)
			}
		}
		log.Debugf("catalog loaded: %d blocks", len(cat.Blocks))
		return cat, nil
	})
	if err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		log.Warningf("catalog refresh failed: %v", err)
		return nil, err
	}
	return v.(*block.Catalog), nil
}

// Current returns the catalog in use. It is empty, not nil, before the
// first successful load.
func (m *Manager) Current() *block.Catalog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return block.NewCatalog()
	}
	return m.current
}

// Definition implements block.Vocabulary over the current catalog.
func (m *Manager) Definition(blockID string) (block.Definition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Definition(blockID)
}

// Status reports when the current catalog was loaded and the error of the
// most recent failed refresh, if no refresh has succeeded since.
func (m *Manager) Status() (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadedAt, m.lastErr
}

// Save validates and stores a definition, then re-fetches the catalog.
func (m *Manager) Save(ctx context.Context, blockID string, def block.Definition) error {
	if blockID == "" {
		return &Error{Op: "save", Err: fmt.Errorf("%w: empty block id", ErrInvalid)}
	}
	if m.schema != nil {
		if err := m.schema.Validate(def); err != nil {
			return &Error{Op: "save", BlockID: blockID, Err: err}
		}
	}
	if err := m.src.Save(ctx, blockID, def); err != nil {
		return wrap("save", blockID, err)
	}
	log.Infof("saved block %s", blockID)
	_, err := m.Refresh(ctx)
	return err
}

// SaveCustom stores def under a fresh custom_<millis> id and returns it.
func (m *Manager) SaveCustom(ctx context.Context, def block.Definition) (string, error) {
	millis := m.now().UnixMilli()
	cur := m.Current()
	id := fmt.Sprintf("custom_%d", millis)
	for {
		if _, taken := cur.Blocks[id]; !taken {
			break
		}
		millis++
		id = fmt.Sprintf("custom_%d", millis)
	}
	if def.Category == "" {
		def.Category = "custom"
	}
	if err := m.Save(ctx, id, def); err != nil {
		return "", err
	}
	return id, nil
}

// Delete removes a definition, then re-fetches the catalog.
func (m *Manager) Delete(ctx context.Context, blockID string) error {
	if err := m.src.Delete(ctx, blockID); err != nil {
		return wrap("delete", blockID, err)
	}
	log.Infof("deleted block %s", blockID)
	_, err := m.Refresh(ctx)
	return err
}
