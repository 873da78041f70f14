package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chazu/keysmith/block"
)

func bg() context.Context { return context.Background() }

func customDef() block.Definition {
	return block.Definition{
		Name:   "Add then mask",
		Params: []block.Param{{Name: "mask", Type: block.ParamHex, Label: "Mask", Default: "7F"}},
		Code:   "data = bytes((b + 1) & 0x{mask} for b in data)",
		Input:  "bytes",
		Output: "bytes",
	}
}

// ---------------------------------------------------------------------------
// Builtin vocabulary
// ---------------------------------------------------------------------------

func TestBuiltin(t *testing.T) {
	c := Builtin()

	loop, ok := c.Definition("for_range")
	if !ok {
		t.Fatal("for_range missing from builtin vocabulary")
	}
	if !loop.Container {
		t.Error("for_range should be a container")
	}
	if len(loop.Params) != 1 || loop.Params[0].Default != "16" {
		t.Errorf("for_range params = %+v", loop.Params)
	}

	xor, _ := c.Definition("xor_key")
	if len(xor.Imports) != 1 || xor.Imports[0] != "itertools" {
		t.Errorf("xor_key imports = %v", xor.Imports)
	}

	sbox, _ := c.Definition("sbox_lookup")
	if opts := c.OptionsFor(sbox.Params[0]); len(opts) == 0 {
		t.Error("sbox_lookup select param has no options")
	}

	for id, def := range c.Blocks {
		if _, ok := c.Categories[def.Category]; !ok {
			t.Errorf("block %s has unknown category %q", id, def.Category)
		}
	}
}

func TestBuiltin_PassesSchema(t *testing.T) {
	s, err := NewSchema()
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	for id, def := range Builtin().Blocks {
		if err := s.Validate(def); err != nil {
			t.Errorf("builtin %s: %v", id, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Schema
// ---------------------------------------------------------------------------

func TestSchema_Rejects(t *testing.T) {
	s, err := NewSchema()
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}

	tests := []struct {
		name string
		edit func(*block.Definition)
	}{
		{"empty code", func(d *block.Definition) { d.Code = "" }},
		{"empty name", func(d *block.Definition) { d.Name = "" }},
		{"unknown param type", func(d *block.Definition) { d.Params[0].Type = "float" }},
		{"select without options", func(d *block.Definition) { d.Params[0].Type = block.ParamSelect }},
		{"bad param name", func(d *block.Definition) { d.Params[0].Name = "has space" }},
		{"duplicate param", func(d *block.Definition) { d.Params = append(d.Params, d.Params[0]) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := customDef()
			tt.edit(&def)
			err := s.Validate(def)
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestSchema_Accepts(t *testing.T) {
	s, err := NewSchema()
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	def := customDef()
	def.Params = append(def.Params, block.Param{Name: "table", Type: block.ParamSelect, Options: "sbox_list"})
	def.Params = append(def.Params, block.Param{Name: "note"})
	if err := s.Validate(def); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if err := s.Validate(block.Definition{Name: "bare", Code: "pass"}); err != nil {
		t.Errorf("Validate without params: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Memory source
// ---------------------------------------------------------------------------

func TestMemory_SaveListDelete(t *testing.T) {
	m := NewMemory(nil)

	if err := m.Save(bg(), "my_block", customDef()); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	c, err := m.List(bg())
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	def, ok := c.Definition("my_block")
	if !ok {
		t.Fatal("saved block missing from listing")
	}
	if !def.Custom {
		t.Error("saved block should be marked custom")
	}
	if def.Category != "custom" {
		t.Errorf("Category = %q, want custom", def.Category)
	}

	if err := m.Delete(bg(), "my_block"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if err := m.Delete(bg(), "my_block"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete err = %v, want ErrNotFound", err)
	}
}

func TestMemory_BuiltinsAreReadOnly(t *testing.T) {
	m := NewMemory(nil)
	if err := m.Save(bg(), "xor_const", customDef()); !errors.Is(err, ErrBuiltin) {
		t.Errorf("Save err = %v, want ErrBuiltin", err)
	}
	if err := m.Delete(bg(), "xor_const"); !errors.Is(err, ErrBuiltin) {
		t.Errorf("Delete err = %v, want ErrBuiltin", err)
	}
}

func TestMemory_ListIsACopy(t *testing.T) {
	m := NewMemory(nil)
	c, _ := m.List(bg())
	delete(c.Blocks, "xor_const")
	again, _ := m.List(bg())
	if _, ok := again.Blocks["xor_const"]; !ok {
		t.Error("mutating a listing changed the source")
	}
}

func TestOpenMemory_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks", "custom.toml")

	m, err := OpenMemory(nil, path)
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	if err := m.Save(bg(), "custom_1", customDef()); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("custom file not written: %v", err)
	}

	reopened, err := OpenMemory(nil, path)
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	c, _ := reopened.List(bg())
	def, ok := c.Definition("custom_1")
	if !ok {
		t.Fatal("custom block did not survive reopening")
	}
	if def.Params[0].Default != "7F" || def.Code != customDef().Code {
		t.Errorf("reloaded def = %+v", def)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.toml")
	content := `
[categories.misc]
name = "Misc"
color = "#000000"
icon = "dot"

[blocks.noop]
name = "No-op"
category = "misc"
code = "pass"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if c.Categories["misc"].Name != "Misc" {
		t.Errorf("categories = %v", c.Categories)
	}
	if _, ok := c.Definition("noop"); !ok {
		t.Error("noop missing")
	}
	if c.OptionSources == nil {
		t.Error("OptionSources should be non-nil")
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// flakySource wraps a Memory and fails List while down is set.
type flakySource struct {
	*Memory
	down  atomic.Bool
	lists atomic.Int32
	gate  chan struct{}
}

func (f *flakySource) List(ctx context.Context) (*block.Catalog, error) {
	f.lists.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.down.Load() {
		return nil, errors.New("connection refused")
	}
	return f.Memory.List(ctx)
}

func TestManager_KeepsLastGoodCatalog(t *testing.T) {
	src := &flakySource{Memory: NewMemory(nil)}
	m := NewManager(src)

	if err := m.Load(bg()); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if _, ok := m.Definition("xor_const"); !ok {
		t.Fatal("xor_const missing after load")
	}

	src.down.Store(true)
	_, err := m.Refresh(bg())
	var ce *Error
	if !errors.As(err, &ce) || ce.Op != "list" {
		t.Fatalf("Refresh err = %v, want *Error{Op: list}", err)
	}
	if _, ok := m.Definition("xor_const"); !ok {
		t.Error("last good catalog was dropped")
	}
	if _, lastErr := m.Status(); lastErr == nil {
		t.Error("Status should report the failed refresh")
	}
}

func TestManager_SaveRefetches(t *testing.T) {
	src := &flakySource{Memory: NewMemory(nil)}
	schema, err := NewSchema()
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	m := NewManager(src, WithSchema(schema))
	m.now = func() time.Time { return time.UnixMilli(1700000000000) }
	if err := m.Load(bg()); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	before := src.lists.Load()

	id, err := m.SaveCustom(bg(), customDef())
	if err != nil {
		t.Fatalf("SaveCustom returned error: %v", err)
	}
	if id != "custom_1700000000000" {
		t.Errorf("id = %q", id)
	}
	if src.lists.Load() != before+1 {
		t.Errorf("List called %d times after save, want 1", src.lists.Load()-before)
	}
	def, ok := m.Definition(id)
	if !ok || !def.Custom {
		t.Fatalf("saved block not visible: %+v", def)
	}

	// Same millisecond: the next id moves on.
	id2, err := m.SaveCustom(bg(), customDef())
	if err != nil {
		t.Fatalf("SaveCustom returned error: %v", err)
	}
	if id2 != "custom_1700000000001" {
		t.Errorf("second id = %q", id2)
	}

	if err := m.Delete(bg(), id); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, ok := m.Definition(id); ok {
		t.Error("deleted block still visible")
	}
}

func TestManager_SaveRejectsInvalid(t *testing.T) {
	schema, _ := NewSchema()
	m := NewManager(NewMemory(nil), WithSchema(schema))
	def := customDef()
	def.Code = ""

	err := m.Save(bg(), "custom_x", def)
	var ce *Error
	if !errors.As(err, &ce) || ce.Op != "save" || ce.BlockID != "custom_x" {
		t.Fatalf("err = %v, want *Error{save custom_x}", err)
	}
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid in chain", err)
	}
}

func TestManager_DeleteFailureIsCatalogError(t *testing.T) {
	m := NewManager(NewMemory(nil))
	err := m.Delete(bg(), "never_saved")
	var ce *Error
	if !errors.As(err, &ce) || !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want *Error wrapping ErrNotFound", err)
	}
}

func TestManager_ConcurrentRefreshSharesFetch(t *testing.T) {
	src := &flakySource{Memory: NewMemory(nil), gate: make(chan struct{})}
	m := NewManager(src)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Refresh(bg()); err != nil {
				t.Errorf("Refresh returned error: %v", err)
			}
		}()
	}
	// Let the goroutines pile up behind the first fetch.
	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	if n := src.lists.Load(); n < 1 || n > 8 {
		t.Fatalf("List called %d times", n)
	}
	if n := src.lists.Load(); n != 1 {
		t.Logf("List called %d times; some refreshes missed the shared flight", n)
	}
}

func TestManager_FallsBackToCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	cache, err := OpenCache(path)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer cache.Close()

	good := NewManager(NewMemory(nil), WithCache(cache))
	if err := good.Load(bg()); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	src := &flakySource{Memory: NewMemory(block.NewCatalog())}
	src.down.Store(true)
	m := NewManager(src, WithCache(cache))
	if err := m.Load(bg()); err != nil {
		t.Fatalf("Load with cache returned error: %v", err)
	}
	if _, ok := m.Definition("for_range"); !ok {
		t.Error("cached catalog not served")
	}
	if _, lastErr := m.Status(); lastErr == nil {
		t.Error("Status should still report the source failure")
	}

	bare := NewManager(src)
	if err := bare.Load(bg()); err == nil {
		t.Error("Load without cache should fail while the source is down")
	}
}

func TestCache_Empty(t *testing.T) {
	cache, err := OpenCache(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer cache.Close()
	if _, _, err := cache.Load(bg()); !errors.Is(err, ErrCacheEmpty) {
		t.Errorf("Load err = %v, want ErrCacheEmpty", err)
	}
}
