package transport

import (
	"context"
	"log"

	"github.com/voxwire/voxbridge/internal/engine"
	"github.com/voxwire/voxbridge/internal/reliability"
)

// NewResilient wraps a transport with retry and circuit breaking around
// stream opens. Dial failures are transient by default and retried with
// backoff; repeated failures trip the breaker so a dead gateway fails fast
// instead of stalling every new call.
func NewResilient(inner engine.Transport, policy reliability.Policy, breakerCfg reliability.BreakerConfig) engine.Transport {
	return &resilientTransport{
		inner:   inner,
		policy:  policy,
		breaker: reliability.NewBreaker(breakerCfg),
	}
}

type resilientTransport struct {
	inner   engine.Transport
	policy  reliability.Policy
	breaker *reliability.Breaker
}

func (t *resilientTransport) Capabilities() engine.Capabilities {
	return t.inner.Capabilities()
}

func (t *resilientTransport) Open(ctx context.Context, sessionID string, outbound engine.Generator) (engine.Stream, error) {
	if !t.breaker.Allow() {
		return nil, reliability.Wrap(reliability.KindStreaming, "transport", reliability.ErrBreakerOpen)
	}

	var stream engine.Stream
	err := reliability.Do(ctx, t.policy, func(ctx context.Context) error {
		var openErr error
		stream, openErr = t.inner.Open(ctx, sessionID, outbound)
		if openErr != nil {
			log.Printf("transport: open for session %s failed: %v", sessionID, openErr)
			return reliability.Wrap(reliability.KindStreaming, "transport", openErr)
		}
		return nil
	})

	t.breaker.Record(err)
	if err != nil {
		return nil, err
	}
	return stream, nil
}
