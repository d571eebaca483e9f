package drafts

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Idosegev23/internalMettingLeaders/internal/delivery"
	"github.com/Idosegev23/internalMettingLeaders/internal/store"
)

// memoryRepo is an in-process Repository for tests.
type memoryRepo struct {
	mu           sync.Mutex
	drafts       map[string]store.Draft
	bodies       map[string]store.Body
	participants map[string][]store.Participant
	contacts     map[string]store.Contact
	inserts      int

	insertErr   error
	getErr      error
	completeErr error
	collisions  int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		drafts:       map[string]store.Draft{},
		bodies:       map[string]store.Body{},
		participants: map[string][]store.Participant{},
		contacts:     map[string]store.Contact{},
	}
}

func (r *memoryRepo) InsertDraft(_ context.Context, item store.Draft) (store.Draft, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserts++
	if r.collisions > 0 {
		r.collisions--
		return store.Draft{}, &pgconn.PgError{Code: "23505"}
	}
	if r.insertErr != nil {
		return store.Draft{}, r.insertErr
	}
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt
	r.drafts[item.ID] = item
	r.bodies[item.ID] = store.Body{}
	return item, nil
}

func (r *memoryRepo) GetDraftByToken(_ context.Context, token string) (store.Draft, store.Body, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return store.Draft{}, nil, r.getErr
	}
	for _, item := range r.drafts {
		if item.ShareToken == token {
			return item, Clone(r.bodies[item.ID]), nil
		}
	}
	return store.Draft{}, nil, sql.ErrNoRows
}

func (r *memoryRepo) GetDraft(_ context.Context, id string) (store.Draft, store.Body, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return store.Draft{}, nil, r.getErr
	}
	item, ok := r.drafts[id]
	if !ok {
		return store.Draft{}, nil, sql.ErrNoRows
	}
	return item, Clone(r.bodies[id]), nil
}

func (r *memoryRepo) MergeDraftFields(_ context.Context, id string, fields store.Body, title *string) (store.Draft, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.drafts[id]
	if !ok {
		return store.Draft{}, sql.ErrNoRows
	}
	Merge(r.bodies[id], fields)
	if title != nil {
		item.Title = *title
	}
	item.UpdatedAt = time.Now()
	r.drafts[id] = item
	return item, nil
}

func (r *memoryRepo) CompleteDraft(_ context.Context, id string, fields store.Body, title *string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completeErr != nil {
		return false, r.completeErr
	}
	item, ok := r.drafts[id]
	if !ok || item.Status != store.StatusDraft {
		return false, nil
	}
	Merge(r.bodies[id], fields)
	item.Status = store.StatusCompleted
	if title != nil {
		item.Title = *title
	}
	r.drafts[id] = item
	return true, nil
}

func (r *memoryRepo) ArchiveDraft(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.drafts[id]
	if !ok || item.Status != store.StatusDraft {
		return false, nil
	}
	item.Status = store.StatusArchived
	r.drafts[id] = item
	return true, nil
}

func (r *memoryRepo) ListDrafts(_ context.Context, status string) ([]store.Draft, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]store.Draft, 0, len(r.drafts))
	for _, item := range r.drafts {
		if status == "" || item.Status == status {
			items = append(items, item)
		}
	}
	return items, nil
}

func (r *memoryRepo) ListParticipants(_ context.Context, id string) ([]store.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.Participant{}, r.participants[id]...), nil
}

func (r *memoryRepo) ReplaceParticipants(_ context.Context, id, role string, contactIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := make([]store.Participant, 0, len(r.participants[id]))
	for _, p := range r.participants[id] {
		if p.Role != role {
			kept = append(kept, p)
		}
	}
	for _, contactID := range contactIDs {
		contact, ok := r.contacts[contactID]
		if !ok {
			contact = store.Contact{ID: contactID, FirstName: contactID, Email: contactID + "@example.com"}
		}
		kept = append(kept, store.Participant{DraftID: id, ContactID: contactID, Role: role, Contact: contact})
	}
	r.participants[id] = kept
	return nil
}

func (r *memoryRepo) insertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inserts
}

func (r *memoryRepo) body(id string) store.Body {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Clone(r.bodies[id])
}

type fakeSink struct {
	mu        sync.Mutex
	deliverFn func(context.Context, delivery.Payload) error
	payloads  []delivery.Payload
}

func (f *fakeSink) Deliver(ctx context.Context, payload delivery.Payload) error {
	f.mu.Lock()
	f.payloads = append(f.payloads, payload)
	fn := f.deliverFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, payload)
	}
	return nil
}

type fakeArchiver struct {
	putFn func(context.Context, string, delivery.Payload) error
}

func (f *fakeArchiver) Put(ctx context.Context, draftID string, payload delivery.Payload) error {
	if f.putFn != nil {
		return f.putFn(ctx, draftID, payload)
	}
	return nil
}
