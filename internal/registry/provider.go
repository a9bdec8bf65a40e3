package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/edgeline/edgeline/pkg/domain"
)

// fileService is the on-disk shape of a single service declaration.
type fileService struct {
	Rule        string                  `yaml:"rule"`
	Entrypoint  string                  `yaml:"entrypoint"`
	TLSResolver string                  `yaml:"tls_resolver"`
	Middlewares []domain.MiddlewareSpec `yaml:"middlewares"`
	Targets     []fileTarget            `yaml:"targets"`
	Disabled    bool                    `yaml:"disabled"`
}

// fileTarget accepts either a bare address string or an address/healthy
// mapping. A target without an explicit health flag is considered healthy.
type fileTarget struct {
	Address string
	Healthy bool
}

func (t *fileTarget) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		t.Address = value.Value
		t.Healthy = true
		return nil
	}
	var aux struct {
		Address string `yaml:"address"`
		Healthy *bool  `yaml:"healthy"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	t.Address = aux.Address
	t.Healthy = aux.Healthy == nil || *aux.Healthy
	return nil
}

type fileSchema struct {
	Services map[string]fileService `yaml:"services"`
}

// FileProvider feeds the registry from a YAML metadata file and optionally
// keeps it in sync when the file changes on disk.
type FileProvider struct {
	path     string
	registry *Registry
	logger   *slog.Logger

	reloadChan chan struct{}

	mu      sync.Mutex
	lastIDs map[string]struct{} // ids supplied by the previous load
}

// NewFileProvider creates a provider reading service metadata from path.
func NewFileProvider(path string, reg *Registry, logger *slog.Logger) *FileProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileProvider{
		path:       path,
		registry:   reg,
		logger:     logger,
		reloadChan: make(chan struct{}, 1),
		lastIDs:    make(map[string]struct{}),
	}
}

// Load parses the metadata file and applies it to the registry. The whole file
// is validated before any entry is applied, so a malformed file leaves the
// registry untouched. Entries supplied by a previous load that are absent from
// the file are removed.
func (p *FileProvider) Load() error {
	//nolint:gosec // Metadata file path is controlled by admin/operator
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read service metadata %s: %w", p.path, err)
	}

	var schema fileSchema
	if err := yaml.Unmarshal(data, &schema); err != nil {
		return fmt.Errorf("parse service metadata %s: %w", p.path, err)
	}

	entries := make([]domain.ServiceEntry, 0, len(schema.Services))
	for id, svc := range schema.Services {
		entrypoint := domain.Entrypoint(svc.Entrypoint)
		if svc.Entrypoint == "" {
			entrypoint = domain.EntrypointHTTP
		}
		entry := domain.ServiceEntry{
			ID:          id,
			Rule:        svc.Rule,
			Entrypoint:  entrypoint,
			Resolver:    svc.TLSResolver,
			Middlewares: svc.Middlewares,
			Disabled:    svc.Disabled,
		}
		for _, t := range svc.Targets {
			entry.Targets = append(entry.Targets, domain.Target{Address: t.Address, Healthy: t.Healthy})
		}
		if err := entry.Validate(); err != nil {
			return fmt.Errorf("service metadata %s: %w", p.path, err)
		}
		if _, err := ParseRule(entry.Rule); err != nil {
			return fmt.Errorf("service metadata %s: service %q: %w", p.path, id, err)
		}
		entries = append(entries, entry)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	nextIDs := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if err := p.registry.Upsert(entry); err != nil {
			return err
		}
		nextIDs[entry.ID] = struct{}{}
	}
	for id := range p.lastIDs {
		if _, still := nextIDs[id]; !still {
			if err := p.registry.Remove(id); err != nil {
				p.logger.Warn("failed to remove vanished service", "service", id, "error", err)
			}
		}
	}
	p.lastIDs = nextIDs

	p.logger.Info("service metadata loaded", "path", p.path, "services", len(entries))
	return nil
}

// Watch monitors the metadata file for changes and reloads on writes. The
// parent directory is watched as well so that atomic replace-by-rename, as
// done by most editors and configuration management tools, is picked up.
func (p *FileProvider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}

	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go p.watchLoop(ctx, watcher)
	p.logger.Info("watching service metadata", "path", p.path)
	return nil
}

func (p *FileProvider) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(p.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Small delay to coalesce multiple rapid writes
			go func() {
				time.Sleep(100 * time.Millisecond)
				select {
				case p.reloadChan <- struct{}{}:
					if err := p.Load(); err != nil {
						p.logger.Error("metadata reload failed, keeping previous table", "error", err)
					}
					<-p.reloadChan
				default:
					// Reload already pending
				}
			}()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("service metadata watcher error", "error", err)
		}
	}
}
