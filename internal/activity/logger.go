// Package activity keeps the append-only record of save and submit actions.
package activity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Idosegev23/internalMettingLeaders/internal/drafts"
	"github.com/Idosegev23/internalMettingLeaders/internal/store"
)

type repository interface {
	InsertActivity(context.Context, store.ActivityEntry) (store.ActivityEntry, error)
	ListActivity(context.Context, string) ([]store.ActivityEntry, error)
}

type Metrics interface {
	ActivityAppended(action string)
}

type Logger struct {
	repo    repository
	metrics Metrics
	logger  *slog.Logger
}

func NewLogger(repo repository, metrics Metrics, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{repo: repo, metrics: metrics, logger: logger}
}

// Append records action by actor against draftID. Entries are never updated
// or removed afterwards.
func (l *Logger) Append(ctx context.Context, draftID string, actor store.AuthUser, action string) (store.ActivityEntry, error) {
	if action != store.ActionSaveDraft && action != store.ActionSubmit {
		return store.ActivityEntry{}, &drafts.ValidationError{
			Message: "invalid activity",
			Fields:  map[string]string{"actionType": "must be save_draft or submit"},
		}
	}
	email := strings.TrimSpace(actor.Email)
	if email == "" {
		return store.ActivityEntry{}, &drafts.ValidationError{
			Message: "invalid activity",
			Fields:  map[string]string{"actorEmail": "required"},
		}
	}
	if draftID == "" {
		return store.ActivityEntry{}, drafts.ErrNotFound
	}

	entry, err := l.repo.InsertActivity(ctx, store.ActivityEntry{
		DraftID:    draftID,
		ActorEmail: email,
		ActorName:  actor.DisplayName(),
		ActionType: action,
	})
	if err != nil {
		return store.ActivityEntry{}, fmt.Errorf("append activity: %w: %w", drafts.ErrStoreUnavailable, err)
	}
	if l.metrics != nil {
		l.metrics.ActivityAppended(action)
	}
	l.logger.Info("activity appended", "draft_id", draftID, "action", action, "actor", email)
	return entry, nil
}

// Read returns the entries for draftID, newest first.
func (l *Logger) Read(ctx context.Context, draftID string) ([]store.ActivityEntry, error) {
	entries, err := l.repo.ListActivity(ctx, draftID)
	if err != nil {
		return nil, fmt.Errorf("read activity: %w: %w", drafts.ErrStoreUnavailable, err)
	}
	return entries, nil
}
