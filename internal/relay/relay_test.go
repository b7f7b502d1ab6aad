package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"assistant-relay/internal/domain"
)

// sliceStream replays a fixed event list. After the list is exhausted it
// blocks until ctx is done or the stream is closed, like a stalled upstream.
type sliceStream struct {
	events []domain.StreamEvent
	idx    int

	closeOnce sync.Once
	closed    chan struct{}
	closes    atomic.Int32
	terminal  *domain.StreamEvent
}

func newSliceStream(events ...domain.StreamEvent) *sliceStream {
	return &sliceStream{events: events, closed: make(chan struct{})}
}

func fragments(texts ...string) []domain.StreamEvent {
	evs := make([]domain.StreamEvent, 0, len(texts))
	for _, t := range texts {
		evs = append(evs, domain.Fragment(t))
	}
	return evs
}

func (s *sliceStream) Next(ctx context.Context) domain.StreamEvent {
	if s.terminal != nil {
		return *s.terminal
	}
	if s.idx < len(s.events) {
		ev := s.events[s.idx]
		s.idx++
		if ev.Terminal() {
			s.terminal = &ev
		}
		return ev
	}
	select {
	case <-ctx.Done():
		ev := domain.Aborted(ctx.Err())
		s.terminal = &ev
		return ev
	case <-s.closed:
		ev := domain.Aborted(errors.New("closed"))
		s.terminal = &ev
		return ev
	}
}

func (s *sliceStream) Close() error {
	s.closes.Add(1)
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type sent struct {
	conn string
	data string
}

type recordingSender struct {
	mu     sync.Mutex
	sent   []sent
	failAt int // 1-based send number that fails; 0 never fails
	calls  int
	delay  time.Duration
}

func (r *recordingSender) Send(ctx context.Context, connectionID string, data []byte) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failAt > 0 && r.calls == r.failAt {
		return errors.New("GoneException")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.sent = append(r.sent, sent{conn: connectionID, data: string(data)})
	return nil
}

func (r *recordingSender) payloads(conn string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.sent {
		if s.conn == conn {
			out = append(out, s.data)
		}
	}
	return out
}

func newTestRelay(t *testing.T, s Sender, opts ...Option) *Relay {
	t.Helper()
	r, err := New(s, opts...)
	require.NoError(t, err)
	return r
}

func TestNew_NilSender(t *testing.T) {
	_, err := New(nil)
	require.ErrorContains(t, err, "must not be nil")
}

func TestDeliver_FragmentsInOrderThenSingleEnd(t *testing.T) {
	sender := &recordingSender{}
	stream := newSliceStream(append(fragments("a", "b", "c"), domain.Completed())...)

	out := newTestRelay(t, sender).Deliver(context.Background(), "conn-1", stream)

	require.Equal(t, domain.DeliveryCompleted, out.Status)
	require.NoError(t, out.Err)
	require.Equal(t, 3, out.Fragments)
	require.True(t, out.EndSent)
	require.Equal(t, []string{`{"data":"a"}`, `{"data":"b"}`, `{"data":"c"}`, `{"end":true}`}, sender.payloads("conn-1"))
	require.GreaterOrEqual(t, stream.closes.Load(), int32(1))
}

func TestDeliver_ExactlyOneEndForAnyFragmentCount(t *testing.T) {
	for _, n := range []int{0, 1, 25} {
		for _, terminal := range []domain.StreamEvent{domain.Completed(), domain.Failed(errors.New("upstream 500"))} {
			t.Run(fmt.Sprintf("%d fragments %s", n, terminal.Kind), func(t *testing.T) {
				texts := make([]string, n)
				for i := range texts {
					texts[i] = fmt.Sprintf("t%d", i)
				}
				sender := &recordingSender{}
				stream := newSliceStream(append(fragments(texts...), terminal)...)

				out := newTestRelay(t, sender).Deliver(context.Background(), "conn-1", stream)

				got := sender.payloads("conn-1")
				require.Len(t, got, n+1)
				ends := 0
				for _, p := range got {
					if p == `{"end":true}` {
						ends++
					}
				}
				require.Equal(t, 1, ends)
				require.Equal(t, `{"end":true}`, got[len(got)-1])
				require.Equal(t, n, out.Fragments)
			})
		}
	}
}

func TestDeliver_UpstreamFailureStillEnds(t *testing.T) {
	sender := &recordingSender{}
	upstreamErr := errors.New("run failed")
	stream := newSliceStream(domain.Fragment("partial"), domain.Failed(upstreamErr))

	out := newTestRelay(t, sender).Deliver(context.Background(), "conn-1", stream)

	require.Equal(t, domain.DeliveryUpstreamFailed, out.Status)
	require.ErrorIs(t, out.Err, upstreamErr)
	require.True(t, out.EndSent)
	require.Equal(t, []string{`{"data":"partial"}`, `{"end":true}`}, sender.payloads("conn-1"))
}

func TestDeliver_AbortedWithoutErrorGetsDescriptiveError(t *testing.T) {
	sender := &recordingSender{}
	out := newTestRelay(t, sender).Deliver(context.Background(), "conn-1", newSliceStream(domain.Aborted(nil)))

	require.Equal(t, domain.DeliveryUpstreamFailed, out.Status)
	require.ErrorContains(t, out.Err, "aborted")
}

func TestDeliver_SendFailureHaltsDelivery(t *testing.T) {
	// Third send fails: fragments 1 and 2 delivered, 3..5 never sent.
	sender := &recordingSender{failAt: 3}
	stream := newSliceStream(append(fragments("1", "2", "3", "4", "5"), domain.Completed())...)

	out := newTestRelay(t, sender, WithQueueSize(1)).Deliver(context.Background(), "conn-1", stream)

	require.Equal(t, domain.DeliveryFailed, out.Status)
	require.Error(t, out.Err)
	require.Equal(t, 2, out.Fragments)
	require.False(t, out.EndSent)
	require.Equal(t, []string{`{"data":"1"}`, `{"data":"2"}`}, sender.payloads("conn-1"))
	require.Equal(t, 3, sender.calls, "no sends after the failed one")
	require.GreaterOrEqual(t, stream.closes.Load(), int32(1), "upstream must be torn down")
}

func TestDeliver_SendFailureTearsDownStalledStream(t *testing.T) {
	// The stream stalls after its fragments; only Close (or cancellation)
	// can unblock it.
	sender := &recordingSender{failAt: 1}
	stream := newSliceStream(fragments("1")...)

	done := make(chan domain.DeliveryOutcome, 1)
	go func() { done <- newTestRelay(t, sender).Deliver(context.Background(), "conn-1", stream) }()

	select {
	case out := <-done:
		require.Equal(t, domain.DeliveryFailed, out.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not return after send failure")
	}
}

func TestDeliver_EndSendFailure(t *testing.T) {
	sender := &recordingSender{failAt: 2}
	stream := newSliceStream(domain.Fragment("a"), domain.Completed())

	out := newTestRelay(t, sender).Deliver(context.Background(), "conn-1", stream)

	require.Equal(t, domain.DeliveryFailed, out.Status)
	require.False(t, out.EndSent)
	require.Equal(t, []string{`{"data":"a"}`}, sender.payloads("conn-1"))
}

func TestDeliver_CancelledContextStillSendsEnd(t *testing.T) {
	sender := &recordingSender{}
	stream := newSliceStream(fragments("a")...) // stalls after "a"

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	out := newTestRelay(t, sender).Deliver(ctx, "conn-1", stream)

	require.Equal(t, domain.DeliveryUpstreamFailed, out.Status)
	require.ErrorIs(t, out.Err, context.Canceled)
	require.True(t, out.EndSent)
	require.Equal(t, []string{`{"data":"a"}`, `{"end":true}`}, sender.payloads("conn-1"))
}

func TestDeliver_DeadlineWithQueuedFragmentsStillSendsEnd(t *testing.T) {
	sender := &recordingSender{delay: 20 * time.Millisecond}
	stream := newSliceStream(append(fragments("a", "b", "c", "d", "e"), domain.Completed())...)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	out := newTestRelay(t, sender).Deliver(ctx, "conn-1", stream)

	require.Equal(t, domain.DeliveryUpstreamFailed, out.Status)
	require.ErrorIs(t, out.Err, context.DeadlineExceeded)
	require.True(t, out.EndSent)
	require.Less(t, out.Fragments, 5)

	got := sender.payloads("conn-1")
	require.Len(t, got, out.Fragments+1)
	for i, text := range []string{"a", "b", "c", "d", "e"}[:out.Fragments] {
		require.Equal(t, fmt.Sprintf(`{"data":"%s"}`, text), got[i])
	}
	require.Equal(t, `{"end":true}`, got[len(got)-1])
}

func TestDeliver_SlowSenderKeepsOrder(t *testing.T) {
	sender := &recordingSender{delay: time.Millisecond}
	texts := make([]string, 50)
	want := make([]string, 0, 51)
	for i := range texts {
		texts[i] = fmt.Sprintf("%02d", i)
		want = append(want, fmt.Sprintf(`{"data":"%02d"}`, i))
	}
	want = append(want, `{"end":true}`)

	out := newTestRelay(t, sender, WithQueueSize(4)).Deliver(context.Background(), "conn-1",
		newSliceStream(append(fragments(texts...), domain.Completed())...))

	require.Equal(t, domain.DeliveryCompleted, out.Status)
	require.Equal(t, want, sender.payloads("conn-1"))
}

func TestDeliver_ConcurrentConnectionsDoNotInterleave(t *testing.T) {
	sender := &recordingSender{}
	r := newTestRelay(t, sender)

	var wg sync.WaitGroup
	for c := 0; c < 8; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			conn := fmt.Sprintf("conn-%d", c)
			texts := make([]string, 20)
			for i := range texts {
				texts[i] = fmt.Sprintf("%s-%02d", conn, i)
			}
			r.Deliver(context.Background(), conn, newSliceStream(append(fragments(texts...), domain.Completed())...))
		}(c)
	}
	wg.Wait()

	for c := 0; c < 8; c++ {
		conn := fmt.Sprintf("conn-%d", c)
		got := sender.payloads(conn)
		require.Len(t, got, 21)
		for i := 0; i < 20; i++ {
			require.Equal(t, fmt.Sprintf(`{"data":"%s-%02d"}`, conn, i), got[i])
		}
		require.Equal(t, `{"end":true}`, got[20])
	}
}

func TestDeliver_EscapesFragmentText(t *testing.T) {
	sender := &recordingSender{}
	out := newTestRelay(t, sender).Deliver(context.Background(), "conn-1",
		newSliceStream(domain.Fragment("say \"hi\"\n"), domain.Completed()))

	require.Equal(t, domain.DeliveryCompleted, out.Status)
	require.Equal(t, `{"data":"say \"hi\"\n"}`, sender.payloads("conn-1")[0])
}
