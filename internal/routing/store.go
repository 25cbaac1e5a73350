package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Source loads a complete registry from a persisted store.
type Source interface {
	Load(ctx context.Context, defaultLocale string) (*Registry, error)
}

// SwapHook observes registry swaps, e.g. to export its size.
type SwapHook func(*Registry)

// Store publishes the current registry snapshot. Readers always see a fully
// loaded registry; refreshes build a new one and swap it in atomically.
type Store struct {
	current       atomic.Pointer[Registry]
	source        Source
	defaultLocale string
	logger        *slog.Logger
	refreshes     singleflight.Group
	onSwap        SwapHook

	loads   atomic.Uint64
	swapMu  sync.Mutex
	applied uint64
}

// NewStore returns a Store holding an empty registry until the first refresh.
func NewStore(source Source, defaultLocale string, logger *slog.Logger, onSwap SwapHook) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{source: source, defaultLocale: defaultLocale, logger: logger, onSwap: onSwap}
	s.current.Store(NewRegistry(defaultLocale))
	return s
}

// Registry returns the current snapshot.
func (s *Store) Registry() *Registry {
	return s.current.Load()
}

// Replace swaps in reg directly.
func (s *Store) Replace(reg *Registry) {
	if reg == nil {
		return
	}
	s.swap(s.loads.Add(1), reg)
}

// swap installs reg unless a later load was already installed, and returns
// the snapshot now current.
func (s *Store) swap(seq uint64, reg *Registry) *Registry {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()
	if seq < s.applied {
		return s.current.Load()
	}
	s.applied = seq
	s.current.Store(reg)
	if s.onSwap != nil {
		s.onSwap(reg)
	}
	return reg
}

// Refresh reloads the registry from the source. Concurrent calls share one
// load, which runs detached from the callers' cancellation. On failure the
// previous snapshot stays in place and the error wraps ErrSourceUnavailable.
func (s *Store) Refresh(ctx context.Context) (*Registry, error) {
	if s.source == nil {
		return nil, fmt.Errorf("%w: no source configured", ErrSourceUnavailable)
	}
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := s.refreshes.Do("refresh", func() (interface{}, error) {
		seq := s.loads.Add(1)
		reg, err := s.source.Load(loadCtx, s.defaultLocale)
		if err != nil {
			if errors.Is(err, ErrSourceUnavailable) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}
		reg = s.swap(seq, reg)
		s.logger.Info("route registry refreshed", slog.Int("routes", reg.Len()), slog.Any("locales", reg.Locales()))
		return reg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Registry), nil
}

// Reload is Refresh for callers that know the source just changed: it never
// joins a load that started before the call.
func (s *Store) Reload(ctx context.Context) (*Registry, error) {
	s.refreshes.Forget("refresh")
	return s.Refresh(ctx)
}
