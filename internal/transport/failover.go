package transport

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/voxwire/voxbridge/internal/engine"
)

// NewFailover wraps a primary and fallback transport. The primary is
// preferred; after it fails to open a stream the fallback stays active
// until the fallback itself fails, at which point the primary is retried.
func NewFailover(primary, fallback engine.Transport) engine.Transport {
	return &failoverTransport{primary: primary, fallback: fallback}
}

type failoverTransport struct {
	primary  engine.Transport
	fallback engine.Transport

	fallbackActive atomic.Bool
}

func (t *failoverTransport) Capabilities() engine.Capabilities {
	if t.fallbackActive.Load() {
		return t.fallback.Capabilities()
	}
	return t.primary.Capabilities()
}

func (t *failoverTransport) Open(ctx context.Context, sessionID string, outbound engine.Generator) (engine.Stream, error) {
	if t.fallbackActive.Load() {
		stream, fbErr := t.fallback.Open(ctx, sessionID, outbound)
		if fbErr == nil {
			return stream, nil
		}
		// Fallback failed after being active; try primary again.
		stream, prErr := t.primary.Open(ctx, sessionID, outbound)
		if prErr == nil {
			t.fallbackActive.Store(false)
			return stream, nil
		}
		return nil, fmt.Errorf("fallback gateway failed: %v; primary gateway failed: %w", fbErr, prErr)
	}

	stream, prErr := t.primary.Open(ctx, sessionID, outbound)
	if prErr == nil {
		return stream, nil
	}
	stream, fbErr := t.fallback.Open(ctx, sessionID, outbound)
	if fbErr != nil {
		return nil, fmt.Errorf("primary gateway failed: %v; fallback gateway failed: %w", prErr, fbErr)
	}
	t.fallbackActive.Store(true)
	return stream, nil
}
