package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/logging"
)

// Builder constructs a backend from its properties. It must fail with a
// Configuration error before touching the network if properties are
// missing.
type Builder func(ctx context.Context, props Properties, log *logging.Logger) (*Connector, error)

// Registry maps kinds to builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[Kind]Builder
}

func NewRegistry() *Registry {
	return &Registry{builders: make(map[Kind]Builder)}
}

// Register installs b for kind, replacing any previous builder.
func (r *Registry) Register(kind Kind, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[kind] = b
}

// Kinds returns the registered kinds in name order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.builders))
	for k := range r.builders {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Build constructs the connector cfg names.
func (r *Registry) Build(ctx context.Context, cfg Config, log *logging.Logger) (*Connector, error) {
	kind, err := ParseKind(string(cfg.Kind))
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	b, ok := r.builders[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.Newf(errs.Configuration, "kind_not_registered", "no builder registered for %s", kind)
	}

	props := cfg.Properties
	if props == nil {
		props = Properties{}
	}
	log = log.Named(string(kind))
	c, err := b(ctx, props, log)
	if err != nil {
		return nil, fmt.Errorf("build %s connector: %w", kind, err)
	}
	log.Info("connector ready", zap.String("kind", string(kind)))
	return c, nil
}
