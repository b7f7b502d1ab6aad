package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"assistant-relay/internal/domain"
)

const (
	eventMessageDelta  = "thread.message.delta"
	eventRunCompleted  = "thread.run.completed"
	eventRunFailed     = "thread.run.failed"
	eventRunCancelled  = "thread.run.cancelled"
	eventRunExpired    = "thread.run.expired"
	eventRunIncomplete = "thread.run.incomplete"
	eventRequiresInput = "thread.run.requires_action"
	eventError         = "error"
	eventDone          = "done"
)

var (
	errStreamClosed    = errors.New("openai: stream closed")
	errEndedEarly      = errors.New("openai: stream ended before run completed")
	errActionRequested = errors.New("openai: run requires tool output, which is not supported")
)

type messageDelta struct {
	Delta struct {
		Content []struct {
			Type string `json:"type"`
			Text *struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"delta"`
}

type runStatus struct {
	Status    string `json:"status"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
}

type errorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type sseEvent struct {
	name string
	data string
}

// runStream adapts a server-sent-events run body to domain.FragmentStream.
type runStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	cancel context.CancelFunc

	completed bool
	terminal  *domain.StreamEvent

	closeOnce sync.Once
	closed    chan struct{}
}

func newRunStream(body io.ReadCloser, cancel context.CancelFunc) *runStream {
	return &runStream{
		body:   body,
		reader: bufio.NewReader(body),
		cancel: cancel,
		closed: make(chan struct{}),
	}
}

// Next implements domain.FragmentStream.
func (s *runStream) Next(ctx context.Context) domain.StreamEvent {
	if s.terminal != nil {
		return *s.terminal
	}
	if err := ctx.Err(); err != nil {
		return s.finish(domain.Aborted(err))
	}
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	for {
		ev, err := s.readEvent()
		if err != nil {
			if ctx.Err() != nil {
				return s.finish(domain.Aborted(ctx.Err()))
			}
			if s.isClosed() {
				return s.finish(domain.Aborted(errStreamClosed))
			}
			if errors.Is(err, io.EOF) {
				if s.completed {
					return s.finish(domain.Completed())
				}
				return s.finish(domain.Aborted(errEndedEarly))
			}
			return s.finish(domain.Aborted(fmt.Errorf("openai: read stream: %w", err)))
		}

		switch ev.name {
		case eventMessageDelta:
			if text := deltaText(ev.data); text != "" {
				return domain.Fragment(text)
			}
		case eventRunCompleted:
			s.completed = true
		case eventRunFailed, eventRunCancelled, eventRunExpired, eventRunIncomplete:
			return s.finish(domain.Failed(runError(ev)))
		case eventRequiresInput:
			return s.finish(domain.Failed(errActionRequested))
		case eventError:
			return s.finish(domain.Failed(streamError(ev.data)))
		case eventDone:
			if s.completed {
				return s.finish(domain.Completed())
			}
			return s.finish(domain.Aborted(errEndedEarly))
		}
	}
}

// Close implements domain.FragmentStream. It is safe to call concurrently
// with Next and more than once.
func (s *runStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		err = s.body.Close()
	})
	return err
}

func (s *runStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *runStream) finish(ev domain.StreamEvent) domain.StreamEvent {
	s.terminal = &ev
	return ev
}

// readEvent reads one blank-line-terminated SSE event. A final event
// without a trailing blank line is still returned before io.EOF.
func (s *runStream) readEvent() (sseEvent, error) {
	var (
		ev   sseEvent
		data []string
		seen bool
	)
	for {
		line, err := s.reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if seen {
				ev.data = strings.Join(data, "\n")
				return ev, nil
			}
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			seen = true
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			seen = true
		}

		if err != nil {
			if seen && errors.Is(err, io.EOF) {
				ev.data = strings.Join(data, "\n")
				return ev, nil
			}
			return sseEvent{}, err
		}
	}
}

func deltaText(data string) string {
	var d messageDelta
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return ""
	}
	var b strings.Builder
	for _, c := range d.Delta.Content {
		if c.Type == "text" && c.Text != nil {
			b.WriteString(c.Text.Value)
		}
	}
	return b.String()
}

func runError(ev sseEvent) error {
	var r runStatus
	if err := json.Unmarshal([]byte(ev.data), &r); err == nil && r.LastError != nil {
		return fmt.Errorf("openai: %s: %s: %s", ev.name, r.LastError.Code, r.LastError.Message)
	}
	return fmt.Errorf("openai: %s", ev.name)
}

func streamError(data string) error {
	var e errorEvent
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return fmt.Errorf("openai: stream error: %s", strings.TrimSpace(data))
	}
	if e.Error != nil {
		return fmt.Errorf("openai: stream error: %s: %s", e.Error.Code, e.Error.Message)
	}
	return fmt.Errorf("openai: stream error: %s: %s", e.Code, e.Message)
}
