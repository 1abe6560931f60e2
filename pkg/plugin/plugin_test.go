package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/dpaschal/meshd/pkg/config"
	"github.com/dpaschal/meshd/pkg/dispatch"
	"github.com/dpaschal/meshd/pkg/log"
	"github.com/dpaschal/meshd/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// fakePlugin is a scriptable plugin for loader tests
type fakePlugin struct {
	name     string
	initErr  error
	startErr error
	started  bool
	stopped  bool
	tools    []ToolSpec
}

func (p *fakePlugin) Name() string                               { return p.name }
func (p *fakePlugin) Init(ctx context.Context, host *Host) error { return p.initErr }

func (p *fakePlugin) Start(ctx context.Context) error {
	if p.startErr != nil {
		return p.startErr
	}
	p.started = true
	return nil
}

func (p *fakePlugin) Stop(ctx context.Context) error {
	p.stopped = true
	return nil
}

func (p *fakePlugin) Tools() []ToolSpec         { return p.tools }
func (p *fakePlugin) Resources() []ResourceSpec { return nil }

func testLoader(t *testing.T, plugins map[string]config.PluginConfig) *Loader {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Plugins = plugins
	return NewLoader(cfg, store, dispatch.NewRegistry())
}

func enabled(names ...string) map[string]config.PluginConfig {
	out := make(map[string]config.PluginConfig, len(names))
	for _, n := range names {
		out[n] = config.PluginConfig{Enabled: true}
	}
	return out
}

// A broken extension must not take the daemon's own services down with it:
// the loader logs, skips it and keeps loading the rest.
func TestLoadSkipsFailingPlugins(t *testing.T) {
	good := &fakePlugin{name: "loader-good"}
	badInit := &fakePlugin{name: "loader-bad-init", initErr: errors.New("no config")}
	badStart := &fakePlugin{name: "loader-bad-start", startErr: errors.New("port in use")}
	for _, p := range []*fakePlugin{good, badInit, badStart} {
		p := p
		RegisterFactory(func() Plugin { return p })
	}

	l := testLoader(t, enabled("loader-good", "loader-bad-init", "loader-bad-start"))
	l.Load(context.Background())

	require.Len(t, l.Loaded(), 1)
	assert.Equal(t, "loader-good", l.Loaded()[0].Name())
	assert.True(t, good.started)
	assert.False(t, badInit.started)
	assert.False(t, badStart.started)
}

func TestLoadHonorsEnableFlag(t *testing.T) {
	p := &fakePlugin{name: "loader-disabled"}
	RegisterFactory(func() Plugin { return p })

	l := testLoader(t, nil)
	l.Load(context.Background())

	assert.Empty(t, l.Loaded())
	assert.False(t, p.started)
}

func TestToolsCarryHandlersThroughMerge(t *testing.T) {
	p := &fakePlugin{
		name: "echoer",
		tools: []ToolSpec{{
			Name:        "echo",
			Description: "repeats its input",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return args["text"], nil
			},
		}},
	}
	RegisterFactory(func() Plugin { return p })

	l := testLoader(t, enabled("echoer"))
	l.Load(context.Background())

	tools := l.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "echoer/echo", tools[0].Name)
	require.NotNil(t, tools[0].Handler)

	out, err := tools[0].Handler(context.Background(), map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
}

func TestStopStopsLoadedPlugins(t *testing.T) {
	first := &fakePlugin{name: "stop-first"}
	second := &fakePlugin{name: "stop-second"}
	RegisterFactory(func() Plugin { return first })
	RegisterFactory(func() Plugin { return second })

	l := testLoader(t, enabled("stop-first", "stop-second"))
	l.Load(context.Background())
	require.Len(t, l.Loaded(), 2)

	l.Stop(context.Background())
	assert.True(t, first.stopped)
	assert.True(t, second.stopped)
	assert.Empty(t, l.Loaded())
}
