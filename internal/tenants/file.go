package tenants

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/pkg/models"
)

// FileConfig configures a FileRegistry.
type FileConfig struct {
	// Path is a YAML, JSON or JSON5 file with a top-level "tenants" list.
	// $include directives are resolved relative to it.
	Path string

	// Debounce delays reloads after a burst of file events. Defaults to 250ms.
	Debounce time.Duration

	Logger *slog.Logger
}

// FileRegistry serves tenants from a static file. When watching, edits are
// picked up without a restart; an invalid edit keeps the previous set.
type FileRegistry struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	tenants map[string]*models.TenantContext

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchWg     sync.WaitGroup
	watchCancel context.CancelFunc
}

// NewFileRegistry loads the registry file. The initial load must succeed.
func NewFileRegistry(cfg FileConfig) (*FileRegistry, error) {
	if cfg.Path == "" {
		return nil, errors.New("tenant registry path is required")
	}
	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, err
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &FileRegistry{
		path:     path,
		debounce: cfg.Debounce,
		logger:   logger.With("component", "tenant-registry"),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Load returns a copy of the tenant's context.
func (r *FileRegistry) Load(ctx context.Context, tenantID string) (*models.TenantContext, error) {
	r.mu.RLock()
	t, ok := r.tenants[tenantID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	clone := *t
	clone.AllowedTools = append([]string(nil), t.AllowedTools...)
	return &clone, nil
}

// Get implements the sweeper's tenant lookup.
func (r *FileRegistry) Get(ctx context.Context, tenantID string) (*models.TenantContext, error) {
	return r.Load(ctx, tenantID)
}

// IDs returns the registered tenant ids in order.
func (r *FileRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tenants))
	for id := range r.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reload re-reads the file. On error the current set is kept.
func (r *FileRegistry) Reload() error {
	loaded, err := ParseFile(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.tenants = loaded
	r.mu.Unlock()
	r.logger.Info("tenant registry loaded", "path", r.path, "tenants", len(loaded))
	return nil
}

// ParseFile reads and validates a tenant registry file.
func ParseFile(path string) (map[string]*models.TenantContext, error) {
	raw, err := config.LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("read tenant registry: %w", err)
	}
	entries, ok := raw["tenants"].([]any)
	if !ok {
		return nil, fmt.Errorf("tenant registry %s: \"tenants\" must be a list", path)
	}

	out := make(map[string]*models.TenantContext, len(entries))
	for i, entry := range entries {
		t, err := decodeTenant(entry)
		if err != nil {
			return nil, fmt.Errorf("tenant registry %s: entry %d: %w", path, i, err)
		}
		if _, dup := out[t.TenantID]; dup {
			return nil, fmt.Errorf("tenant registry %s: duplicate tenant %s", path, t.TenantID)
		}
		out[t.TenantID] = t
	}
	return out, nil
}

func decodeTenant(entry any) (*models.TenantContext, error) {
	payload, err := yaml.Marshal(entry)
	if err != nil {
		return nil, err
	}
	t := Defaults("")
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&t); err != nil && err != io.EOF {
		return nil, err
	}
	ApplyDefaults(&t)
	if err := ValidateForStorage(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// StartWatching reloads the registry when its file changes. The parent
// directory is watched so editors that replace the file are handled.
func (r *FileRegistry) StartWatching(ctx context.Context) error {
	r.watchMu.Lock()
	if r.watcher != nil {
		r.watchMu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.watchMu.Unlock()
		return err
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		r.watchMu.Unlock()
		_ = watcher.Close()
		return err
	}
	r.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	r.watchCancel = cancel
	r.watchMu.Unlock()

	r.watchWg.Add(1)
	go r.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops watching.
func (r *FileRegistry) Close() error {
	r.watchMu.Lock()
	if r.watchCancel != nil {
		r.watchCancel()
		r.watchCancel = nil
	}
	watcher := r.watcher
	r.watcher = nil
	r.watchMu.Unlock()

	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	r.watchWg.Wait()
	return err
}

func (r *FileRegistry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer r.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(r.debounce, func() {
			if err := r.Reload(); err != nil {
				r.logger.Warn("tenant registry reload failed, keeping previous tenants", "error", err)
			}
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("tenant registry watch error", "error", err)
		}
	}
}
