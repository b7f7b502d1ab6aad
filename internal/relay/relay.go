// Package relay delivers a generation stream to one live connection.
//
// Each Deliver call owns a private queue drained by a single consumer, so
// fragments from one stream are sent strictly in arrival order and never
// interleave with another request's fragments. The terminal {"end":true}
// message is sent exactly once, after the last fragment, whether the stream
// completed or failed upstream. If the request context ends first, fragments
// still queued are dropped and the end marker is sent anyway. A failed send
// stops delivery and tears the upstream stream down.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"assistant-relay/internal/domain"
)

const (
	defaultQueueSize = 64
	endSendTimeout   = 3 * time.Second
)

// Sender posts one message to a connection.
type Sender interface {
	Send(ctx context.Context, connectionID string, data []byte) error
}

type fragmentMessage struct {
	Data string `json:"data"`
}

type endMessage struct {
	End bool `json:"end"`
}

// Relay drains fragment streams onto connections.
type Relay struct {
	sender    Sender
	queueSize int
}

type Option func(*Relay)

// WithQueueSize bounds how many fragments may be buffered ahead of the
// sender before the producer blocks.
func WithQueueSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

func New(sender Sender, opts ...Option) (*Relay, error) {
	if sender == nil {
		return nil, errors.New("relay: sender must not be nil")
	}
	r := &Relay{sender: sender, queueSize: defaultQueueSize}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Deliver sends every fragment of stream to connectionID followed by one
// end marker. It always closes stream before returning.
func (r *Relay) Deliver(ctx context.Context, connectionID string, stream domain.FragmentStream) domain.DeliveryOutcome {
	if stream == nil {
		return domain.DeliveryOutcome{Status: domain.DeliveryUpstreamFailed, Err: errors.New("relay: nil stream")}
	}

	queue := make(chan domain.StreamEvent, r.queueSize)
	g, gctx := errgroup.WithContext(ctx)

	// Producer: pull from the stream until its terminal event.
	g.Go(func() error {
		defer close(queue)
		for {
			ev := stream.Next(gctx)
			select {
			case queue <- ev:
			case <-gctx.Done():
				return nil
			}
			if ev.Terminal() {
				return nil
			}
		}
	})

	var out domain.DeliveryOutcome
	// Consumer: the only goroutine that touches the connection.
	g.Go(func() error {
		var err error
		out, err = r.drain(gctx, connectionID, queue)
		if err != nil {
			_ = stream.Close()
		}
		return err
	})

	_ = g.Wait()
	_ = stream.Close()
	return out
}

func (r *Relay) drain(ctx context.Context, connectionID string, queue <-chan domain.StreamEvent) (domain.DeliveryOutcome, error) {
	var out domain.DeliveryOutcome
	for ev := range queue {
		if ctx.Err() != nil {
			// Fragments still queued are dropped once the request ends.
			break
		}
		if !ev.Terminal() {
			if err := r.send(ctx, connectionID, fragmentMessage{Data: ev.Text}); err != nil {
				if ctx.Err() != nil {
					break
				}
				out.Status = domain.DeliveryFailed
				out.Err = fmt.Errorf("relay: send fragment %d: %w", out.Fragments+1, err)
				return out, out.Err
			}
			out.Fragments++
			continue
		}

		if err := r.sendEnd(ctx, connectionID); err != nil {
			out.Status = domain.DeliveryFailed
			out.Err = fmt.Errorf("relay: send end: %w", err)
			return out, out.Err
		}
		out.EndSent = true
		if ev.Kind == domain.EventCompleted {
			out.Status = domain.DeliveryCompleted
			return out, nil
		}
		out.Status = domain.DeliveryUpstreamFailed
		out.Err = ev.Err
		if out.Err == nil {
			out.Err = fmt.Errorf("relay: stream ended %s", ev.Kind)
		}
		return out, nil
	}

	// The request context ended mid-stream, or the producer stopped without
	// a terminal event. The client still gets its end marker.
	cause := ctx.Err()
	if cause == nil {
		cause = errors.New("relay: stream closed without terminal event")
	}
	out.Status = domain.DeliveryUpstreamFailed
	out.Err = cause
	if err := r.sendEnd(ctx, connectionID); err != nil {
		out.Status = domain.DeliveryFailed
		out.Err = fmt.Errorf("relay: send end: %w", err)
		return out, out.Err
	}
	out.EndSent = true
	return out, nil
}

// sendEnd uses a context detached from request cancellation, bounded by its
// own timeout, so an aborted stream still closes out the client.
func (r *Relay) sendEnd(ctx context.Context, connectionID string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), endSendTimeout)
	defer cancel()
	return r.send(ctx, connectionID, endMessage{End: true})
}

func (r *Relay) send(ctx context.Context, connectionID string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return r.sender.Send(ctx, connectionID, data)
}
