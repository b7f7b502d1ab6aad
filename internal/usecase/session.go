package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"assistant-relay/internal/auth"
	"assistant-relay/internal/domain"
)

const defaultMaxPrompt = 4000

// Stage names the step of a request's lifecycle, for logs.
type Stage string

const (
	StageAuthorizing      Stage = "Authorizing"
	StageContextResolving Stage = "ContextResolving"
	StageStreaming        Stage = "Streaming"
	StageRelaying         Stage = "Relaying"
	StagePersisting       Stage = "Persisting"
)

type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

type ConversationDirectory interface {
	ResolveOrCreate(ctx context.Context, subject, prompt string) (string, error)
	Reset(ctx context.Context, subject string) error
}

type Generator interface {
	StreamRun(ctx context.Context, threadID, assistantID string) (domain.FragmentStream, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, connectionID string, stream domain.FragmentStream) domain.DeliveryOutcome
}

type HistoryStore interface {
	SaveHistory(ctx context.Context, messageID string, messages []domain.HistoryMessage) error
	IncrementRating(ctx context.Context, messageID string, delta int) (int, error)
}

// SessionService runs each inbound action. It holds no per-request state;
// every call is an independent session.
type SessionService struct {
	verifier     Verifier
	directory    ConversationDirectory
	generator    Generator
	relay        Deliverer
	history      HistoryStore
	assistantID  string
	maxPromptLen int
	logger       *slog.Logger
}

type AskInput struct {
	Token        string
	ConnectionID string
	Prompt       string
}

type AskOutput struct {
	Subject   string
	ThreadID  string
	Fragments int
}

type RateInput struct {
	Token     string
	MessageID string
	Rating    domain.Rating
}

type HistoryInput struct {
	Token     string
	MessageID string
	Messages  []domain.HistoryMessage
}

func NewSessionService(v Verifier, dir ConversationDirectory, gen Generator, rel Deliverer, hist HistoryStore, assistantID string, maxPromptLen int, logger *slog.Logger) (*SessionService, error) {
	if v == nil {
		return nil, errors.New("usecase: verifier must not be nil")
	}
	if dir == nil {
		return nil, errors.New("usecase: directory must not be nil")
	}
	if gen == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	if rel == nil {
		return nil, errors.New("usecase: relay must not be nil")
	}
	if hist == nil {
		return nil, errors.New("usecase: history store must not be nil")
	}
	assistantID = strings.TrimSpace(assistantID)
	if assistantID == "" {
		return nil, errors.New("usecase: assistant id must not be empty")
	}
	if maxPromptLen <= 0 {
		maxPromptLen = defaultMaxPrompt
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionService{
		verifier:     v,
		directory:    dir,
		generator:    gen,
		relay:        rel,
		history:      hist,
		assistantID:  assistantID,
		maxPromptLen: maxPromptLen,
		logger:       logger,
	}, nil
}

// Authorize verifies token and returns its subject.
func (s *SessionService) Authorize(ctx context.Context, token string) (string, error) {
	subject, err := s.verifier.Verify(ctx, token)
	if err != nil {
		reason := "token_rejected"
		if errors.Is(err, auth.ErrMalformedToken) {
			reason = "malformed_token"
		}
		s.logger.WarnContext(ctx, "authorization failed", "stage", StageAuthorizing, "reason", reason, "err", err)
		return "", newError(ErrorUnauthorized, reason, err)
	}
	return subject, nil
}

// Ask streams the assistant's answer to prompt onto the caller's connection.
// Once a thread is resolved the connection always receives a terminal end
// marker unless the connection itself fails.
func (s *SessionService) Ask(ctx context.Context, in AskInput) (AskOutput, error) {
	logger := s.logger.With("connectionId", in.ConnectionID)

	subject, err := s.Authorize(ctx, in.Token)
	if err != nil {
		return AskOutput{}, err
	}
	logger = logger.With("subject", subject)

	if strings.TrimSpace(in.ConnectionID) == "" {
		return AskOutput{}, newError(ErrorInvalidInput, "missing_connection_id", nil)
	}
	if len(in.Prompt) > s.maxPromptLen {
		return AskOutput{}, newError(ErrorInvalidInput, "prompt_too_long", nil)
	}

	threadID, err := s.directory.ResolveOrCreate(ctx, subject, in.Prompt)
	if err != nil {
		logger.ErrorContext(ctx, "ask failed", "stage", StageContextResolving, "err", err)
		return AskOutput{}, newError(ErrorDirectory, "thread_resolve_error", err)
	}
	logger = logger.With("threadId", threadID)

	stream, err := s.generator.StreamRun(ctx, threadID, s.assistantID)
	startFailed := err != nil
	if startFailed {
		logger.ErrorContext(ctx, "run did not start", "stage", StageStreaming, "err", err)
		stream = failedStream{err: err}
	}

	outcome := s.relay.Deliver(ctx, in.ConnectionID, stream)
	out := AskOutput{Subject: subject, ThreadID: threadID, Fragments: outcome.Fragments}

	switch outcome.Status {
	case domain.DeliveryCompleted:
		logger.InfoContext(ctx, "stream delivered", "fragments", outcome.Fragments)
		return out, nil
	case domain.DeliveryUpstreamFailed:
		reason := "run_failed"
		if startFailed {
			reason = "run_start_error"
		}
		logger.ErrorContext(ctx, "ask failed", "stage", StageStreaming, "reason", reason,
			"fragments", outcome.Fragments, "endSent", outcome.EndSent, "err", outcome.Err)
		return out, newError(ErrorUpstreamFailed, reason, outcome.Err)
	default:
		reason := "send_error"
		if errors.Is(outcome.Err, domain.ErrConnectionGone) {
			reason = "connection_gone"
		}
		logger.ErrorContext(ctx, "ask failed", "stage", StageRelaying, "reason", reason,
			"fragments", outcome.Fragments, "err", outcome.Err)
		return out, newError(ErrorDeliveryFailed, reason, outcome.Err)
	}
}

// Rate applies a +1/-1 vote to a message's rating counter.
func (s *SessionService) Rate(ctx context.Context, in RateInput) error {
	if _, err := s.Authorize(ctx, in.Token); err != nil {
		return err
	}
	if strings.TrimSpace(in.MessageID) == "" {
		return newError(ErrorInvalidInput, "missing_message_id", nil)
	}
	if !in.Rating.Valid() {
		return newError(ErrorInvalidInput, "invalid_rating", nil)
	}

	rating, err := s.history.IncrementRating(ctx, in.MessageID, in.Rating.Delta())
	if err != nil {
		s.logger.ErrorContext(ctx, "rate failed", "stage", StagePersisting, "messageId", in.MessageID, "err", err)
		return newError(ErrorInternal, "rating_write_error", err)
	}
	s.logger.InfoContext(ctx, "rated message", "messageId", in.MessageID, "rating", in.Rating, "total", rating)
	return nil
}

// Reset drops the caller's thread mapping.
func (s *SessionService) Reset(ctx context.Context, token string) error {
	subject, err := s.Authorize(ctx, token)
	if err != nil {
		return err
	}
	if err := s.directory.Reset(ctx, subject); err != nil {
		s.logger.ErrorContext(ctx, "reset failed", "stage", StagePersisting, "subject", subject, "err", err)
		return newError(ErrorDirectory, "thread_delete_error", err)
	}
	s.logger.InfoContext(ctx, "reset thread", "subject", subject)
	return nil
}

// SaveHistory stores a transcript under its message id.
func (s *SessionService) SaveHistory(ctx context.Context, in HistoryInput) error {
	if _, err := s.Authorize(ctx, in.Token); err != nil {
		return err
	}
	if strings.TrimSpace(in.MessageID) == "" {
		return newError(ErrorInvalidInput, "missing_message_id", nil)
	}
	for _, m := range in.Messages {
		if strings.TrimSpace(m.Role) == "" {
			return newError(ErrorInvalidInput, "missing_message_role", nil)
		}
	}

	if err := s.history.SaveHistory(ctx, in.MessageID, in.Messages); err != nil {
		s.logger.ErrorContext(ctx, "history save failed", "stage", StagePersisting, "messageId", in.MessageID, "err", err)
		return newError(ErrorInternal, "history_write_error", err)
	}
	s.logger.InfoContext(ctx, "saved history", "messageId", in.MessageID, "messages", len(in.Messages))
	return nil
}

// failedStream stands in for a run that never started, so the relay still
// closes out the connection.
type failedStream struct {
	err error
}

func (f failedStream) Next(context.Context) domain.StreamEvent { return domain.Failed(f.err) }
func (f failedStream) Close() error { return nil }
