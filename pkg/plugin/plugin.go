package plugin

import (
	"context"
	"sync"

	"github.com/dpaschal/meshd/pkg/config"
	"github.com/dpaschal/meshd/pkg/dispatch"
	"github.com/dpaschal/meshd/pkg/log"
	"github.com/dpaschal/meshd/pkg/storage"
	"github.com/rs/zerolog"
)

// ToolHandler executes one tool invocation with its named arguments
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// ToolSpec describes one callable tool a plugin contributes
type ToolSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Handler     ToolHandler `json:"-"`
}

// ResourceSpec describes one readable resource a plugin contributes
type ResourceSpec struct {
	URI         string `json:"uri"`
	Description string `json:"description,omitempty"`
}

// Host is the surface a plugin sees of the daemon: namespaced local KV,
// executor registration and its own options.
type Host struct {
	Options   map[string]any
	Executors *dispatch.Registry
	kv        storage.Store
	name      string
}

// Put writes to the plugin's local KV namespace
func (h *Host) Put(key string, value []byte) error {
	return h.kv.PluginPut(h.name, key, value)
}

// Get reads from the plugin's local KV namespace
func (h *Host) Get(key string) ([]byte, error) {
	return h.kv.PluginGet(h.name, key)
}

// Plugin is one loadable extension. Init runs before Start; Stop runs in
// reverse load order during shutdown.
type Plugin interface {
	Name() string
	Init(ctx context.Context, host *Host) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	Tools() []ToolSpec
	Resources() []ResourceSpec
}

// Factory constructs a plugin instance
type Factory func() Plugin

var (
	factoryMu sync.Mutex
	factories []Factory
)

// RegisterFactory makes a plugin available to the loader. Called from
// plugin package init functions.
func RegisterFactory(f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories = append(factories, f)
}

// Loader owns the lifecycle of the enabled plugins
type Loader struct {
	cfg    *config.Config
	store  storage.Store
	reg    *dispatch.Registry
	logger zerolog.Logger

	loaded []Plugin
}

// NewLoader creates a plugin loader
func NewLoader(cfg *config.Config, store storage.Store, reg *dispatch.Registry) *Loader {
	return &Loader{
		cfg:    cfg,
		store:  store,
		reg:    reg,
		logger: log.WithComponent("plugin"),
	}
}

// Load initializes and starts every registered plugin enabled in config,
// in registration order. A failing plugin is logged and skipped; the
// daemon's own services are never held hostage by an extension.
func (l *Loader) Load(ctx context.Context) {
	factoryMu.Lock()
	fs := make([]Factory, len(factories))
	copy(fs, factories)
	factoryMu.Unlock()

	for _, f := range fs {
		p := f()
		if !l.cfg.PluginEnabled(p.Name()) {
			continue
		}

		host := &Host{
			Options:   l.cfg.Plugins[p.Name()].Options,
			Executors: l.reg,
			kv:        l.store,
			name:      p.Name(),
		}
		if err := p.Init(ctx, host); err != nil {
			l.logger.Error().Str("plugin", p.Name()).Err(err).Msg("plugin init failed, skipping")
			continue
		}
		if err := p.Start(ctx); err != nil {
			l.logger.Error().Str("plugin", p.Name()).Err(err).Msg("plugin start failed, skipping")
			continue
		}
		l.loaded = append(l.loaded, p)
		l.logger.Info().Str("plugin", p.Name()).Msg("plugin started")
	}
}

// Stop stops loaded plugins in reverse load order
func (l *Loader) Stop(ctx context.Context) {
	for i := len(l.loaded) - 1; i >= 0; i-- {
		p := l.loaded[i]
		if err := p.Stop(ctx); err != nil {
			l.logger.Warn().Str("plugin", p.Name()).Err(err).Msg("plugin stop failed")
		}
	}
	l.loaded = nil
}

// Loaded returns the started plugins in load order
func (l *Loader) Loaded() []Plugin {
	return l.loaded
}

// Tools merges every loaded plugin's tools, names prefixed plugin/tool
func (l *Loader) Tools() []ToolSpec {
	var out []ToolSpec
	for _, p := range l.loaded {
		for _, t := range p.Tools() {
			t.Name = p.Name() + "/" + t.Name
			out = append(out, t)
		}
	}
	return out
}

// Resources merges every loaded plugin's resources
func (l *Loader) Resources() []ResourceSpec {
	var out []ResourceSpec
	for _, p := range l.loaded {
		out = append(out, p.Resources()...)
	}
	return out
}
