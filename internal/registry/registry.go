// Package registry implements ORBIT's adapter registry & manager (C5):
// descriptor loading, unique-name enforcement, lazy per-adapter
// construction, and atomic hot-reload that never disrupts in-flight
// requests holding an older instance.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/orbit-rag/orbit/internal/breaker"
	"github.com/orbit-rag/orbit/internal/config"
	"github.com/orbit-rag/orbit/internal/domain"
	"golang.org/x/sync/singleflight"
)

// Factory builds a concrete Retriever from its descriptor. Supplied by the
// wiring layer (cmd/server) so the registry itself stays free of knowledge
// about concrete vector/sql/intent/http backends.
type Factory func(ctx context.Context, desc domain.AdapterDescriptor) (domain.Retriever, error)

// entry pairs an immutable descriptor with its lazily constructed, possibly
// not-yet-built instance.
type entry struct {
	descriptor domain.AdapterDescriptor
	instance   atomic.Pointer[domain.Retriever]
}

// Registry is the adapter registry. The name->entry map is swapped
// atomically by Load so readers never observe a half-updated registry —
// the copy-on-write discipline spec §5 requires.
type Registry struct {
	entries  atomic.Pointer[map[string]*entry]
	factory  Factory
	group    singleflight.Group
	breakers *breaker.Manager
}

// New builds an empty Registry.
func New(factory Factory, breakers *breaker.Manager) *Registry {
	r := &Registry{factory: factory, breakers: breakers}
	empty := map[string]*entry{}
	r.entries.Store(&empty)
	return r
}

// Load replaces the registry's descriptor set wholesale (first load, or a
// full reload). Duplicate names are rejected per spec §4.5's uniqueness
// invariant.
func (r *Registry) Load(descriptors []domain.AdapterDescriptor) error {
	next := make(map[string]*entry, len(descriptors))
	for _, d := range descriptors {
		if _, dup := next[d.Name]; dup {
			return fmt.Errorf("op=registry.Load adapter=%s: %w: duplicate adapter name", d.Name, domain.ErrValidation)
		}
		next[d.Name] = &entry{descriptor: d}
	}

	// Preserve already-constructed instances for descriptors that are
	// unchanged across a reload, so in-flight requests against them are
	// undisturbed and we avoid a pointless rebuild.
	old := r.entries.Load()
	if old != nil {
		for name, oldEnt := range *old {
			if newEnt, ok := next[name]; ok && reflect.DeepEqual(oldEnt.descriptor, newEnt.descriptor) {
				if inst := oldEnt.instance.Load(); inst != nil {
					newEnt.instance.Store(inst)
				}
			}
		}
	}

	r.entries.Store(&next)
	slog.Info("adapter registry loaded", slog.Int("count", len(next)))
	return nil
}

// List returns every known descriptor.
func (r *Registry) List() []domain.AdapterDescriptor {
	m := *r.entries.Load()
	out := make([]domain.AdapterDescriptor, 0, len(m))
	for _, e := range m {
		out = append(out, e.descriptor)
	}
	return out
}

// Get resolves name to its (lazily constructed) Retriever instance.
// Construction is deduplicated via singleflight so concurrent first-callers
// for the same adapter build it exactly once (spec §4.5 "lazy,
// singleflight-guarded construction"). Initialize runs under 30% of the
// adapter breaker's OpTimeout. A construction or Initialize failure is
// recorded as one failure on the adapter's circuit breaker and is reported
// as ErrAdapterLoad.
func (r *Registry) Get(ctx context.Context, name string) (domain.Retriever, error) {
	m := *r.entries.Load()
	e, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("op=registry.Get adapter=%s: %w", name, domain.ErrAdapterNotFound)
	}

	if inst := e.instance.Load(); inst != nil {
		return *inst, nil
	}

	v, err, _ := r.group.Do(name, func() (any, error) {
		// Re-check under the singleflight key in case another goroutine
		// finished construction while we were waiting to enter Do.
		if inst := e.instance.Load(); inst != nil {
			return *inst, nil
		}
		retr, buildErr := r.factory(ctx, e.descriptor)
		if buildErr != nil {
			if r.breakers != nil {
				r.breakers.GetBreaker(name).RecordFailure()
			}
			return nil, fmt.Errorf("op=registry.Get adapter=%s: %w: %v", name, domain.ErrAdapterLoad, buildErr)
		}
		initCtx := ctx
		if r.breakers != nil {
			if op := r.breakers.GetBreaker(name).OpTimeout(); op > 0 {
				var cancel context.CancelFunc
				initCtx, cancel = context.WithTimeout(ctx, time.Duration(float64(op)*0.3))
				defer cancel()
			}
		}
		if initErr := retr.Initialize(initCtx); initErr != nil {
			if r.breakers != nil {
				r.breakers.GetBreaker(name).RecordFailure()
			}
			return nil, fmt.Errorf("op=registry.Get adapter=%s: %w: %v", name, domain.ErrAdapterLoad, initErr)
		}
		e.instance.Store(&retr)
		return retr, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(domain.Retriever), nil
}

// Descriptor returns the descriptor for name without constructing it.
func (r *Registry) Descriptor(name string) (domain.AdapterDescriptor, bool) {
	m := *r.entries.Load()
	e, ok := m[name]
	if !ok {
		return domain.AdapterDescriptor{}, false
	}
	return e.descriptor, true
}

// FromConfigEntries converts the on-disk adapter entries into immutable
// descriptors, rejecting any entry that fails struct-tag validation or
// names an unknown type/behavior.
func FromConfigEntries(entries []config.AdapterEntry) ([]domain.AdapterDescriptor, error) {
	validate := validator.New()
	out := make([]domain.AdapterDescriptor, 0, len(entries))
	for _, e := range entries {
		if err := validate.Struct(e); err != nil {
			return nil, fmt.Errorf("op=registry.FromConfigEntries adapter=%s: %w: %v", e.Name, domain.ErrValidation, err)
		}
		typ := domain.AdapterType(e.Type)
		switch typ {
		case domain.AdapterTypeRetriever, domain.AdapterTypePassthrough:
		default:
			return nil, fmt.Errorf("op=registry.FromConfigEntries adapter=%s: %w: unknown type %q", e.Name, domain.ErrValidation, e.Type)
		}
		behavior := domain.RetrievalBehavior(e.RetrievalBehavior)
		switch behavior {
		case domain.BehaviorVector, domain.BehaviorSQL, domain.BehaviorIntent, domain.BehaviorHTTP, domain.BehaviorPassthrough, domain.BehaviorComposite:
		default:
			return nil, fmt.Errorf("op=registry.FromConfigEntries adapter=%s: %w: unknown retrieval_behavior %q", e.Name, domain.ErrValidation, e.RetrievalBehavior)
		}
		out = append(out, domain.AdapterDescriptor{
			Name:              e.Name,
			Type:              typ,
			Datasource:        e.Datasource,
			ImplementationRef: e.ImplementationRef,
			Capabilities: domain.Capabilities{
				SupportsAutocomplete: e.SupportsAutocomplete,
				SupportsFiles:        e.SupportsFiles,
				RetrievalBehavior:    behavior,
			},
			Config: e.Config,
		})
	}
	return out, nil
}
