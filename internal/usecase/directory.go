package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"assistant-relay/internal/domain"
)

// ThreadStore persists the subject -> thread mapping.
type ThreadStore interface {
	GetThread(ctx context.Context, userID string) (domain.ThreadRecord, bool, error)
	// CreateThread returns domain.ErrThreadExists if the subject already
	// has a record.
	CreateThread(ctx context.Context, rec domain.ThreadRecord) error
	DeleteThread(ctx context.Context, userID string) error
}

// ThreadAPI manages threads on the generation service.
type ThreadAPI interface {
	CreateThread(ctx context.Context, prompt string) (string, error)
	AddMessage(ctx context.Context, threadID, prompt string) error
}

// Directory resolves a subject to its durable conversation thread.
type Directory struct {
	store   ThreadStore
	threads ThreadAPI
	logger  *slog.Logger
}

func NewDirectory(store ThreadStore, threads ThreadAPI, logger *slog.Logger) (*Directory, error) {
	if store == nil {
		return nil, errors.New("usecase: thread store must not be nil")
	}
	if threads == nil {
		return nil, errors.New("usecase: thread api must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{store: store, threads: threads, logger: logger}, nil
}

// ResolveOrCreate returns the subject's thread with prompt appended as its
// latest turn, creating and recording a new thread on first contact.
//
// Two first-contact requests for one subject may both create a thread
// upstream; the conditional write lets only one be recorded. The loser
// appends its prompt to the recorded thread and uses it, leaving its own
// thread orphaned.
func (d *Directory) ResolveOrCreate(ctx context.Context, subject, prompt string) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("usecase: subject must not be empty")
	}

	rec, ok, err := d.store.GetThread(ctx, subject)
	if err != nil {
		return "", fmt.Errorf("lookup thread: %w", err)
	}
	if ok {
		if err := d.threads.AddMessage(ctx, rec.ThreadID, prompt); err != nil {
			return "", fmt.Errorf("append prompt: %w", err)
		}
		return rec.ThreadID, nil
	}

	threadID, err := d.threads.CreateThread(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}

	err = d.store.CreateThread(ctx, domain.ThreadRecord{UserID: subject, ThreadID: threadID})
	if errors.Is(err, domain.ErrThreadExists) {
		return d.adoptWinner(ctx, subject, threadID, prompt)
	}
	if err != nil {
		return "", fmt.Errorf("save thread: %w", err)
	}
	d.logger.InfoContext(ctx, "created thread", "subject", subject, "threadId", threadID)
	return threadID, nil
}

func (d *Directory) adoptWinner(ctx context.Context, subject, orphanID, prompt string) (string, error) {
	rec, ok, err := d.store.GetThread(ctx, subject)
	if err != nil {
		return "", fmt.Errorf("lookup winning thread: %w", err)
	}
	if !ok {
		// The winner was reset between our write and this read.
		return "", fmt.Errorf("save thread: record for %q vanished after conflict", subject)
	}
	d.logger.WarnContext(ctx, "lost thread creation race",
		"subject", subject, "threadId", rec.ThreadID, "orphanThreadId", orphanID)
	if err := d.threads.AddMessage(ctx, rec.ThreadID, prompt); err != nil {
		return "", fmt.Errorf("append prompt: %w", err)
	}
	return rec.ThreadID, nil
}

// Reset forgets the subject's thread so the next prompt starts a new one.
func (d *Directory) Reset(ctx context.Context, subject string) error {
	if err := d.store.DeleteThread(ctx, subject); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}
