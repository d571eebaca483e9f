// Package drafts owns the lifecycle of shared drafts: creation, partial
// updates with change fan-out, completion through the delivery sink, and
// participant assignment.
package drafts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Idosegev23/internalMettingLeaders/internal/changebus"
	"github.com/Idosegev23/internalMettingLeaders/internal/delivery"
	"github.com/Idosegev23/internalMettingLeaders/internal/store"
	"github.com/Idosegev23/internalMettingLeaders/internal/util"
)

const maxTokenAttempts = 3

type Repository interface {
	InsertDraft(context.Context, store.Draft) (store.Draft, error)
	GetDraftByToken(context.Context, string) (store.Draft, store.Body, error)
	GetDraft(context.Context, string) (store.Draft, store.Body, error)
	MergeDraftFields(context.Context, string, store.Body, *string) (store.Draft, error)
	CompleteDraft(context.Context, string, store.Body, *string) (bool, error)
	ArchiveDraft(context.Context, string) (bool, error)
	ListDrafts(context.Context, string) ([]store.Draft, error)
	ListParticipants(context.Context, string) ([]store.Participant, error)
	ReplaceParticipants(context.Context, string, string, []string) error
}

// Sink receives the assembled submission before a draft is completed.
type Sink interface {
	Deliver(context.Context, delivery.Payload) error
}

// Archiver keeps a copy of each delivered submission.
type Archiver interface {
	Put(context.Context, string, delivery.Payload) error
}

type Metrics interface {
	DraftCreated()
	ChangePublished()
	ChangePublishFailed()
	DeliveryAttempted(ok bool)
}

type Options struct {
	Archiver Archiver
	Metrics  Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

// Loaded is a draft with its body and participant set.
type Loaded struct {
	Draft        store.Draft
	Body         store.Body
	Participants []store.Participant
}

type Store struct {
	repo     Repository
	bus      changebus.Bus
	sink     Sink
	archiver Archiver
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewStore(repo Repository, bus changebus.Bus, sink Sink, opts Options) *Store {
	s := &Store{
		repo:     repo,
		bus:      bus,
		sink:     sink,
		archiver: opts.Archiver,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Create allocates a new draft with a fresh share token and an empty body.
func (s *Store) Create(ctx context.Context) (Loaded, error) {
	var lastErr error
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		item, err := s.repo.InsertDraft(ctx, store.Draft{
			ID:         util.NewID("drf"),
			ShareToken: util.NewShareToken(),
			FormType:   store.FormTypeInnerMeeting,
			Status:     store.StatusDraft,
		})
		if err == nil {
			s.metrics.DraftCreated()
			s.logger.Info("draft created", "draft_id", item.ID)
			s.publishList(ctx, item)
			return Loaded{Draft: item, Body: store.Body{}, Participants: []store.Participant{}}, nil
		}
		if !store.IsUniqueViolation(err) {
			return Loaded{}, unavailable("create draft", err)
		}
		lastErr = err
	}
	return Loaded{}, unavailable("create draft", fmt.Errorf("share token collided %d times: %w", maxTokenAttempts, lastErr))
}

// LoadByToken resolves a share token. Unknown or malformed tokens are
// ErrNotFound.
func (s *Store) LoadByToken(ctx context.Context, token string) (Loaded, error) {
	if !util.IsShareToken(token) {
		return Loaded{}, ErrNotFound
	}
	item, body, err := s.repo.GetDraftByToken(ctx, token)
	if err != nil {
		return Loaded{}, lookupError("load draft", err)
	}
	return s.withParticipants(ctx, item, body)
}

func (s *Store) Get(ctx context.Context, draftID string) (Loaded, error) {
	item, body, err := s.repo.GetDraft(ctx, draftID)
	if err != nil {
		return Loaded{}, lookupError("get draft", err)
	}
	return s.withParticipants(ctx, item, body)
}

func (s *Store) withParticipants(ctx context.Context, item store.Draft, body store.Body) (Loaded, error) {
	participants, err := s.repo.ListParticipants(ctx, item.ID)
	if err != nil {
		return Loaded{}, unavailable("list participants", err)
	}
	return Loaded{Draft: item, Body: body, Participants: participants}, nil
}

// Update persists only the fields present in patch and broadcasts exactly
// those fields on the draft topic. A non-empty clientName also becomes the
// draft title.
func (s *Store) Update(ctx context.Context, draftID string, patch store.Body) (store.Draft, error) {
	if err := ValidatePatch(patch); err != nil {
		return store.Draft{}, err
	}
	item, err := s.repo.MergeDraftFields(ctx, draftID, patch, titleFromPatch(patch))
	if err != nil {
		return store.Draft{}, lookupError("update draft", err)
	}
	s.publish(ctx, changebus.Message{
		DraftID: item.ID,
		Patch:   Clone(patch),
		Status:  item.Status,
		Title:   item.Title,
	})
	return item, nil
}

// Complete overlays final on the stored body, delivers the assembled
// submission, and only after the sink accepts it flips status to completed.
// A delivery failure leaves the draft untouched.
func (s *Store) Complete(ctx context.Context, draftID string, final store.Body) (store.Draft, error) {
	if len(final) > 0 {
		if err := ValidatePatch(final); err != nil {
			return store.Draft{}, err
		}
	}
	loaded, err := s.Get(ctx, draftID)
	if err != nil {
		return store.Draft{}, err
	}
	if loaded.Draft.Status != store.StatusDraft {
		return store.Draft{}, invalid(fmt.Sprintf("draft is %s and cannot be submitted", loaded.Draft.Status))
	}

	body := Merge(Clone(loaded.Body), final)
	if err := checkComplete(body, loaded.Participants); err != nil {
		return store.Draft{}, err
	}

	payload := buildPayload(draftID, body, loaded.Participants)
	if err := s.sink.Deliver(ctx, payload); err != nil {
		s.metrics.DeliveryAttempted(false)
		s.logger.Warn("draft delivery failed", "draft_id", draftID, "error", err)
		return store.Draft{}, fmt.Errorf("complete draft %s: %w: %w", draftID, ErrExternalDeliveryFailed, err)
	}
	s.metrics.DeliveryAttempted(true)

	title := titleFromPatch(body)
	completed, err := s.repo.CompleteDraft(ctx, draftID, final, title)
	if err != nil {
		return store.Draft{}, unavailable("complete draft", err)
	}
	if !completed {
		return store.Draft{}, invalid("draft was completed or archived while submitting")
	}

	item := loaded.Draft
	item.Status = store.StatusCompleted
	item.UpdatedAt = s.now()
	if title != nil {
		item.Title = *title
	}
	s.logger.Info("draft completed", "draft_id", draftID)

	if s.archiver != nil {
		if err := s.archiver.Put(ctx, draftID, payload); err != nil {
			s.logger.Warn("archive submission failed", "draft_id", draftID, "error", err)
		}
	}

	s.publish(ctx, changebus.Message{
		DraftID: draftID,
		Patch:   Clone(final),
		Status:  item.Status,
		Title:   item.Title,
	})
	return item, nil
}

// Archive moves a draft in draft status to archived.
func (s *Store) Archive(ctx context.Context, draftID string) (store.Draft, error) {
	item, _, err := s.repo.GetDraft(ctx, draftID)
	if err != nil {
		return store.Draft{}, lookupError("get draft", err)
	}
	archived, err := s.repo.ArchiveDraft(ctx, draftID)
	if err != nil {
		return store.Draft{}, unavailable("archive draft", err)
	}
	if !archived {
		return store.Draft{}, invalid(fmt.Sprintf("draft is %s and cannot be archived", item.Status))
	}
	item.Status = store.StatusArchived
	item.UpdatedAt = s.now()
	s.publish(ctx, changebus.Message{DraftID: draftID, Status: item.Status, Title: item.Title})
	return item, nil
}

// List returns drafts newest first. An empty status lists every draft.
func (s *Store) List(ctx context.Context, status string) ([]store.Draft, error) {
	switch status {
	case "", store.StatusDraft, store.StatusCompleted, store.StatusArchived:
	default:
		return nil, &ValidationError{Message: "invalid status filter", Fields: map[string]string{"status": "must be draft, completed or archived"}}
	}
	items, err := s.repo.ListDrafts(ctx, status)
	if err != nil {
		return nil, unavailable("list drafts", err)
	}
	return items, nil
}

// SetParticipants replaces the holders of role on a draft. Roles other than
// participant take at most one contact.
func (s *Store) SetParticipants(ctx context.Context, draftID, role string, contactIDs []string) ([]store.Participant, error) {
	if !IsValidRole(role) {
		return nil, &ValidationError{Message: "invalid role", Fields: map[string]string{"role": "unknown role " + role}}
	}
	ids := make([]string, 0, len(contactIDs))
	seen := make(map[string]struct{}, len(contactIDs))
	for _, id := range contactIDs {
		if id == "" {
			return nil, invalid("contact id must not be empty")
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if role != store.RoleParticipant && len(ids) > 1 {
		return nil, &ValidationError{Message: "invalid participants", Fields: map[string]string{role: "only one holder allowed"}}
	}

	item, _, err := s.repo.GetDraft(ctx, draftID)
	if err != nil {
		return nil, lookupError("get draft", err)
	}
	if err := s.repo.ReplaceParticipants(ctx, draftID, role, ids); err != nil {
		if store.IsUniqueViolation(err) {
			return nil, &ValidationError{Message: "invalid participants", Fields: map[string]string{role: "only one holder allowed"}}
		}
		return nil, unavailable("replace participants", err)
	}
	participants, err := s.repo.ListParticipants(ctx, draftID)
	if err != nil {
		return nil, unavailable("list participants", err)
	}
	s.publish(ctx, changebus.Message{
		DraftID:             draftID,
		Status:              item.Status,
		Title:               item.Title,
		ParticipantsChanged: true,
	})
	return participants, nil
}

// publish fans msg out on the draft topic and the list topic. The write it
// describes is already committed, so the caller's cancellation no longer
// applies and failures are logged and counted only.
func (s *Store) publish(ctx context.Context, msg changebus.Message) {
	ctx = context.WithoutCancel(ctx)
	msg.At = s.now()
	if err := s.bus.Publish(ctx, changebus.DraftTopic(msg.DraftID), msg); err != nil {
		s.metrics.ChangePublishFailed()
		s.logger.Warn("publish draft change failed", "draft_id", msg.DraftID, "error", err)
	} else {
		s.metrics.ChangePublished()
	}
	msg.Patch = nil
	msg.ParticipantsChanged = false
	if err := s.bus.Publish(ctx, changebus.ListTopic, msg); err != nil {
		s.metrics.ChangePublishFailed()
		s.logger.Warn("publish list change failed", "draft_id", msg.DraftID, "error", err)
	}
}

func (s *Store) publishList(ctx context.Context, item store.Draft) {
	ctx = context.WithoutCancel(ctx)
	msg := changebus.Message{DraftID: item.ID, Status: item.Status, Title: item.Title, At: s.now()}
	if err := s.bus.Publish(ctx, changebus.ListTopic, msg); err != nil {
		s.metrics.ChangePublishFailed()
		s.logger.Warn("publish list change failed", "draft_id", item.ID, "error", err)
	}
}

func lookupError(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return unavailable(op, err)
}

type noopMetrics struct{}

func (noopMetrics) DraftCreated()          {}
func (noopMetrics) ChangePublished()       {}
func (noopMetrics) ChangePublishFailed()   {}
func (noopMetrics) DeliveryAttempted(bool) {}
