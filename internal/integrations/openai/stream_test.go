package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"assistant-relay/internal/domain"
)

func deltaEvent(text string) string {
	return fmt.Sprintf("event: thread.message.delta\ndata: {\"id\":\"msg_1\",\"object\":\"thread.message.delta\",\"delta\":{\"content\":[{\"index\":0,\"type\":\"text\",\"text\":{\"value\":%q}}]}}\n\n", text)
}

const (
	completedEvent = "event: thread.run.completed\ndata: {\"id\":\"run_1\",\"status\":\"completed\"}\n\n"
	doneEvent      = "event: done\ndata: [DONE]\n\n"
)

func sseServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/threads/thread_c1/runs", r.URL.Path)
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		var req createRunRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, createRunRequest{AssistantID: "asst_1", Stream: true}, req)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func drain(t *testing.T, s domain.FragmentStream) ([]string, domain.StreamEvent) {
	t.Helper()
	var texts []string
	for i := 0; i < 100; i++ {
		ev := s.Next(context.Background())
		if ev.Terminal() {
			return texts, ev
		}
		texts = append(texts, ev.Text)
	}
	t.Fatal("stream did not terminate")
	return nil, domain.StreamEvent{}
}

func openStream(t *testing.T, srv *httptest.Server) domain.FragmentStream {
	t.Helper()
	s, err := newTestClient(t, srv).StreamRun(context.Background(), "thread_c1", "asst_1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStreamRun_FragmentsInOrderThenCompleted(t *testing.T) {
	body := "event: thread.run.created\ndata: {\"id\":\"run_1\"}\n\n" +
		": keep-alive\n\n" +
		deltaEvent("Hi") + deltaEvent(" there") + completedEvent + doneEvent
	s := openStream(t, sseServer(t, body))

	texts, end := drain(t, s)
	require.Equal(t, []string{"Hi", " there"}, texts)
	require.Equal(t, domain.EventCompleted, end.Kind)
	require.NoError(t, end.Err)

	// Terminal is sticky.
	require.Equal(t, domain.EventCompleted, s.Next(context.Background()).Kind)
}

func TestStreamRun_CompletedWithoutDoneAtEOF(t *testing.T) {
	s := openStream(t, sseServer(t, deltaEvent("a")+completedEvent))

	texts, end := drain(t, s)
	require.Equal(t, []string{"a"}, texts)
	require.Equal(t, domain.EventCompleted, end.Kind)
}

func TestStreamRun_TruncatedBodyIsAborted(t *testing.T) {
	s := openStream(t, sseServer(t, deltaEvent("a")+deltaEvent("b")))

	texts, end := drain(t, s)
	require.Equal(t, []string{"a", "b"}, texts)
	require.Equal(t, domain.EventAborted, end.Kind)
	require.ErrorIs(t, end.Err, errEndedEarly)
}

func TestStreamRun_DoneWithoutCompletionIsAborted(t *testing.T) {
	s := openStream(t, sseServer(t, deltaEvent("a")+doneEvent))

	_, end := drain(t, s)
	require.Equal(t, domain.EventAborted, end.Kind)
}

func TestStreamRun_RunFailed(t *testing.T) {
	failed := "event: thread.run.failed\ndata: {\"id\":\"run_1\",\"status\":\"failed\",\"last_error\":{\"code\":\"server_error\",\"message\":\"boom\"}}\n\n"
	s := openStream(t, sseServer(t, deltaEvent("partial")+failed+doneEvent))

	texts, end := drain(t, s)
	require.Equal(t, []string{"partial"}, texts)
	require.Equal(t, domain.EventFailed, end.Kind)
	require.ErrorContains(t, end.Err, "server_error")
	require.ErrorContains(t, end.Err, "boom")
}

func TestStreamRun_ErrorEvent(t *testing.T) {
	s := openStream(t, sseServer(t, "event: error\ndata: {\"code\":\"rate_limit_exceeded\",\"message\":\"slow down\"}\n\n"))

	_, end := drain(t, s)
	require.Equal(t, domain.EventFailed, end.Kind)
	require.ErrorContains(t, end.Err, "rate_limit_exceeded")
}

func TestStreamRun_RequiresActionFails(t *testing.T) {
	s := openStream(t, sseServer(t, "event: thread.run.requires_action\ndata: {\"id\":\"run_1\"}\n\n"))

	_, end := drain(t, s)
	require.Equal(t, domain.EventFailed, end.Kind)
	require.ErrorIs(t, end.Err, errActionRequested)
}

func TestStreamRun_SkipsNonTextDeltas(t *testing.T) {
	image := "event: thread.message.delta\ndata: {\"delta\":{\"content\":[{\"index\":0,\"type\":\"image_file\"}]}}\n\n"
	s := openStream(t, sseServer(t, image+deltaEvent("x")+completedEvent+doneEvent))

	texts, end := drain(t, s)
	require.Equal(t, []string{"x"}, texts)
	require.Equal(t, domain.EventCompleted, end.Kind)
}

func TestStreamRun_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"no such assistant"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).StreamRun(context.Background(), "thread_c1", "asst_1")
	require.Error(t, err)
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
}

func TestStreamRun_ValidatesIDs(t *testing.T) {
	c, err := NewClient(&fakeSecrets{val: "sk"}, "OpenAIAPIKeyName")
	require.NoError(t, err)

	_, err = c.StreamRun(context.Background(), "", "asst_1")
	require.ErrorContains(t, err, "thread id")
	_, err = c.StreamRun(context.Background(), "thread_c1", " ")
	require.ErrorContains(t, err, "assistant id")
}

// hangingServer writes one fragment and then holds the stream open until the
// client goes away.
func hangingServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, deltaEvent("first"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunStream_CloseUnblocksNext(t *testing.T) {
	s, err := newTestClient(t, hangingServer(t)).StreamRun(context.Background(), "thread_c1", "asst_1")
	require.NoError(t, err)

	require.Equal(t, "first", s.Next(context.Background()).Text)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = s.Close()
	}()
	end := s.Next(context.Background())
	require.Equal(t, domain.EventAborted, end.Kind)
	require.NoError(t, s.Close(), "second close is a no-op")
}

func TestRunStream_ContextCancelAborts(t *testing.T) {
	s, err := newTestClient(t, hangingServer(t)).StreamRun(context.Background(), "thread_c1", "asst_1")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.Equal(t, "first", s.Next(context.Background()).Text)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	end := s.Next(ctx)
	require.Equal(t, domain.EventAborted, end.Kind)
	require.ErrorIs(t, end.Err, context.DeadlineExceeded)
}

func TestReadEvent_MultilineData(t *testing.T) {
	s := newRunStream(io.NopCloser(strings.NewReader("event: x\ndata: a\ndata: b\n\n")), func() {})
	ev, err := s.readEvent()
	require.NoError(t, err)
	require.Equal(t, "x", ev.name)
	require.Equal(t, "a\nb", ev.data)

	_, err = s.readEvent()
	require.ErrorIs(t, err, io.EOF)
}
