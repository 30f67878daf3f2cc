package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/lgulliver/cairn/internal/license"
	"github.com/rs/zerolog/log"
)

// Registered is a loaded plugin with its capabilities
type Registered struct {
	Plugin       Plugin
	Metadata     Metadata
	Capabilities Capabilities
}

// PluginRegistry holds the entitled plugins, one per ecosystem key. Lookups
// never block on Load; they see either the previous or the new complete set.
type PluginRegistry struct {
	license license.Checker

	loaded atomic.Pointer[map[string]*Registered]

	mu         sync.Mutex
	candidates []Plugin
	onReload   []func()
}

// NewPluginRegistry creates an empty registry. checker may be nil, in which
// case every candidate is loaded.
func NewPluginRegistry(checker license.Checker) *PluginRegistry {
	r := &PluginRegistry{license: checker}
	empty := make(map[string]*Registered)
	r.loaded.Store(&empty)
	return r
}

// OnReload registers fn to run after every Reload
func (r *PluginRegistry) OnReload(fn func()) {
	r.mu.Lock()
	r.onReload = append(r.onReload, fn)
	r.mu.Unlock()
}

// Load registers the entitled subset of candidates, replacing the current set.
// A candidate without capabilities fails the whole load.
func (r *PluginRegistry) Load(ctx context.Context, candidates []Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*Registered, len(candidates))
	for _, p := range candidates {
		meta := p.Metadata()
		caps := CapabilitiesOf(p)
		if !caps.Any() {
			return fmt.Errorf("plugin %q: %w", meta.Key, ErrNotConformant)
		}
		if _, dup := next[meta.Key]; dup {
			return fmt.Errorf("plugin %q registered twice", meta.Key)
		}
		if r.license != nil && !r.license.IsFeatureEnabled(meta.Key) {
			log.Info().Str("plugin", meta.Key).Msg("plugin not entitled, skipping")
			continue
		}
		next[meta.Key] = &Registered{Plugin: p, Metadata: meta, Capabilities: caps}
	}

	r.loaded.Store(&next)
	r.candidates = append([]Plugin(nil), candidates...)

	log.Info().Int("loaded", len(next)).Int("candidates", len(candidates)).Msg("plugins loaded")
	return nil
}

// Reload re-applies the entitlement filter to the last candidate set
func (r *PluginRegistry) Reload(ctx context.Context) error {
	r.mu.Lock()
	candidates := r.candidates
	hooks := append([]func(){}, r.onReload...)
	r.mu.Unlock()

	if err := r.Load(ctx, candidates); err != nil {
		return err
	}
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// Get returns the plugin for an ecosystem key
func (r *PluginRegistry) Get(key string) (*Registered, bool) {
	p, ok := (*r.loaded.Load())[key]
	return p, ok
}

// List returns the loaded plugins ordered by key
func (r *PluginRegistry) List() []*Registered {
	loaded := *r.loaded.Load()
	out := make([]*Registered, 0, len(loaded))
	for _, p := range loaded {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metadata.Key < out[j].Metadata.Key })
	return out
}
