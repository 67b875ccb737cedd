package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/scrypster/cloudml/pkg/types"
)

// BreakerConfig holds the configuration for a BreakerStore.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures required to trip the circuit.
	// Default: 5
	MaxFailures uint32

	// Timeout is how long the circuit stays open before letting a probe through.
	// Default: 30 seconds
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of probes allowed while half-open.
	// Default: 1
	HalfOpenMaxSuccesses uint32

	// OnStateChange, if set, is called on every circuit transition with
	// the state names ("closed", "open", "half-open").
	OnStateChange func(from, to string)
}

// BreakerStore wraps a ModelStore with a circuit breaker. After MaxFailures
// consecutive backend failures every call fails fast with ErrUnavailable
// until the timeout elapses and a probe succeeds.
//
// ErrNotFound, ErrInvalidInput and context cancellation are caller outcomes,
// not backend faults, and never count toward tripping the circuit.
type BreakerStore struct {
	next    ModelStore
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerStore wraps next with a circuit breaker.
func NewBreakerStore(next ModelStore, cfg BreakerConfig) *BreakerStore {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxSuccesses == 0 {
		cfg.HalfOpenMaxSuccesses = 1
	}

	settings := gobreaker.Settings{
		Name:        "ModelStore",
		MaxRequests: cfg.HalfOpenMaxSuccesses,
		Interval:    0, // Don't clear counts periodically
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrNotFound) ||
				errors.Is(err, ErrInvalidInput) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(from.String(), to.String())
			}
		},
	}

	return &BreakerStore{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// State returns the current circuit state: "closed", "open" or "half-open".
func (b *BreakerStore) State() string {
	return b.breaker.State().String()
}

func (b *BreakerStore) do(fn func() (interface{}, error)) (interface{}, error) {
	v, err := b.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, err
}

// Put implements ModelStore.
func (b *BreakerStore) Put(ctx context.Context, model *types.Model) error {
	_, err := b.do(func() (interface{}, error) {
		return nil, b.next.Put(ctx, model)
	})
	return err
}

// Update implements ModelStore.
func (b *BreakerStore) Update(ctx context.Context, model *types.Model) error {
	_, err := b.do(func() (interface{}, error) {
		return nil, b.next.Update(ctx, model)
	})
	return err
}

// Get implements ModelStore.
func (b *BreakerStore) Get(ctx context.Context, id string) (*types.Model, error) {
	v, err := b.do(func() (interface{}, error) {
		return b.next.Get(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Model), nil
}

// List implements ModelStore.
func (b *BreakerStore) List(ctx context.Context) ([]*types.Model, error) {
	v, err := b.do(func() (interface{}, error) {
		return b.next.List(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*types.Model), nil
}

// Delete implements ModelStore.
func (b *BreakerStore) Delete(ctx context.Context, id string) error {
	_, err := b.do(func() (interface{}, error) {
		return nil, b.next.Delete(ctx, id)
	})
	return err
}

// Close closes the wrapped store. It bypasses the breaker.
func (b *BreakerStore) Close() error {
	return b.next.Close()
}
