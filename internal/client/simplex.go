package client

import (
	"context"
	"fmt"

	"github.com/r3labs/sse/v2"
	"gopkg.in/cenkalti/backoff.v1"
)

type simplexConn struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *simplexConn) close() {
	s.cancel()
	<-s.done
}

func (h *Handler) startSimplex(ctx context.Context) error {
	if !h.caps.EventSource {
		h.logger.Info("EventSource is not supported in this environment")
		return nil
	}

	endpoint := h.Endpoint(h.cfg.RelativeEndpoint)
	stream := sse.NewClient(endpoint, sse.ClientMaxBufferSize(h.cfg.MaxEventSize))
	stream.Connection = h.httpClient
	// A dropped stream is reported, not retried.
	stream.ReconnectStrategy = &backoff.StopBackOff{}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &simplexConn{cancel: cancel, done: make(chan struct{})}

	h.mu.Lock()
	h.simplex = s
	h.mu.Unlock()

	go func() {
		defer close(s.done)
		h.logger.Info("Opening event stream", "endpoint", endpoint)
		err := stream.SubscribeRawWithContext(streamCtx, func(msg *sse.Event) {
			if len(msg.Data) == 0 {
				return
			}
			h.deliver(msg.Data)
		})
		if streamCtx.Err() != nil {
			return
		}
		if err != nil {
			h.reportError(fmt.Errorf("%w: event stream %s: %w", ErrStreamEnded, endpoint, err))
			return
		}
		h.reportError(fmt.Errorf("%w: event stream %s", ErrStreamEnded, endpoint))
	}()
	return nil
}
