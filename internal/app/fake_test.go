package app

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Idosegev23/internalMettingLeaders/internal/changebus"
	"github.com/Idosegev23/internalMettingLeaders/internal/config"
	"github.com/Idosegev23/internalMettingLeaders/internal/delivery"
	"github.com/Idosegev23/internalMettingLeaders/internal/drafts"
	"github.com/Idosegev23/internalMettingLeaders/internal/presence"
	"github.com/Idosegev23/internalMettingLeaders/internal/store"
)

// fakeStore is an in-process dataStore and sessionStore.
type fakeStore struct {
	mu           sync.Mutex
	drafts       map[string]store.Draft
	bodies       map[string]store.Body
	participants map[string][]store.Participant
	contacts     []store.Contact
	activity     []store.ActivityEntry
	sessions     map[string]store.AuthUser

	pingFn           func(context.Context) error
	searchContactsFn func(context.Context, string, int) ([]store.Contact, error)
	mergeErr         error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		drafts:       map[string]store.Draft{},
		bodies:       map[string]store.Body{},
		participants: map[string][]store.Participant{},
		sessions:     map[string]store.AuthUser{},
		contacts: []store.Contact{
			{ID: "c1", FirstName: "Dana", LastName: "Levi", HebrewFirstName: "דנה", HebrewLastName: "לוי", Email: "dana@example.com"},
			{ID: "c2", FirstName: "Avi", LastName: "Cohen", Email: "avi@example.com"},
			{ID: "c3", FirstName: "Noa", LastName: "Bar", Email: "noa@example.com"},
			{ID: "c4", FirstName: "Yoni", LastName: "Katz", Email: "yoni@example.com"},
			{ID: "c5", FirstName: "Maya", LastName: "Segal", Email: "maya@example.com"},
		},
	}
}

func (f *fakeStore) InsertDraft(_ context.Context, item store.Draft) (store.Draft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt
	f.drafts[item.ID] = item
	f.bodies[item.ID] = store.Body{}
	return item, nil
}

func (f *fakeStore) GetDraftByToken(_ context.Context, token string) (store.Draft, store.Body, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.drafts {
		if item.ShareToken == token {
			return item, drafts.Clone(f.bodies[item.ID]), nil
		}
	}
	return store.Draft{}, nil, sql.ErrNoRows
}

func (f *fakeStore) GetDraft(_ context.Context, id string) (store.Draft, store.Body, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.drafts[id]
	if !ok {
		return store.Draft{}, nil, sql.ErrNoRows
	}
	return item, drafts.Clone(f.bodies[id]), nil
}

func (f *fakeStore) MergeDraftFields(_ context.Context, id string, fields store.Body, title *string) (store.Draft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mergeErr != nil {
		return store.Draft{}, f.mergeErr
	}
	item, ok := f.drafts[id]
	if !ok {
		return store.Draft{}, sql.ErrNoRows
	}
	drafts.Merge(f.bodies[id], fields)
	if title != nil {
		item.Title = *title
	}
	item.UpdatedAt = time.Now()
	f.drafts[id] = item
	return item, nil
}

func (f *fakeStore) CompleteDraft(_ context.Context, id string, fields store.Body, title *string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.drafts[id]
	if !ok || item.Status != store.StatusDraft {
		return false, nil
	}
	drafts.Merge(f.bodies[id], fields)
	item.Status = store.StatusCompleted
	if title != nil {
		item.Title = *title
	}
	f.drafts[id] = item
	return true, nil
}

func (f *fakeStore) ArchiveDraft(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.drafts[id]
	if !ok || item.Status != store.StatusDraft {
		return false, nil
	}
	item.Status = store.StatusArchived
	f.drafts[id] = item
	return true, nil
}

func (f *fakeStore) ListDrafts(_ context.Context, status string) ([]store.Draft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Draft, 0, len(f.drafts))
	for _, item := range f.drafts {
		if status == "" || item.Status == status {
			items = append(items, item)
		}
	}
	return items, nil
}

func (f *fakeStore) ListParticipants(_ context.Context, id string) ([]store.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Participant{}, f.participants[id]...), nil
}

func (f *fakeStore) ReplaceParticipants(_ context.Context, id, role string, contactIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := make([]store.Participant, 0, len(f.participants[id]))
	for _, p := range f.participants[id] {
		if p.Role != role {
			kept = append(kept, p)
		}
	}
	for _, contactID := range contactIDs {
		var contact store.Contact
		for _, c := range f.contacts {
			if c.ID == contactID {
				contact = c
			}
		}
		kept = append(kept, store.Participant{DraftID: id, ContactID: contactID, Role: role, Contact: contact})
	}
	f.participants[id] = kept
	return nil
}

func (f *fakeStore) InsertActivity(_ context.Context, entry store.ActivityEntry) (store.ActivityEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.ID = int64(len(f.activity) + 1)
	entry.CreatedAt = time.Now()
	f.activity = append(f.activity, entry)
	return entry, nil
}

func (f *fakeStore) ListActivity(_ context.Context, draftID string) ([]store.ActivityEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.ActivityEntry
	for i := len(f.activity) - 1; i >= 0; i-- {
		if f.activity[i].DraftID == draftID {
			items = append(items, f.activity[i])
		}
	}
	return items, nil
}

func (f *fakeStore) GetContactByEmail(_ context.Context, email string) (store.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.contacts {
		if strings.EqualFold(c.Email, email) {
			return c, nil
		}
	}
	return store.Contact{}, sql.ErrNoRows
}

func (f *fakeStore) SearchContacts(ctx context.Context, q string, limit int) ([]store.Contact, error) {
	if f.searchContactsFn != nil {
		return f.searchContactsFn(ctx, q, limit)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.Contact
	for _, c := range f.contacts {
		if q == "" || strings.Contains(strings.ToLower(c.Name()+" "+c.Email), strings.ToLower(q)) {
			items = append(items, c)
		}
		if len(items) == limit {
			break
		}
	}
	return items, nil
}

func (f *fakeStore) SaveAuthSession(_ context.Context, tokenHash string, user store.AuthUser, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[tokenHash] = user
	return nil
}

func (f *fakeStore) LookupAuthSession(_ context.Context, tokenHash string) (store.AuthUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.sessions[tokenHash]
	if !ok {
		return store.AuthUser{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) RevokeAuthSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, tokenHash)
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) activityActions(draftID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var actions []string
	for _, entry := range f.activity {
		if entry.DraftID == draftID {
			actions = append(actions, entry.ActionType)
		}
	}
	return actions
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

type fakeMetrics struct {
	noopMetrics
	mu       sync.Mutex
	joins    int
	statuses []int
}

func (m *fakeMetrics) PresenceJoined() {
	m.mu.Lock()
	m.joins++
	m.mu.Unlock()
}

func (m *fakeMetrics) RecordHTTPStatus(status int) {
	m.mu.Lock()
	m.statuses = append(m.statuses, status)
	m.mu.Unlock()
}

type harness struct {
	svc     *Service
	store   *fakeStore
	sink    *fakeSink
	bus     *changebus.Memory
	metrics *fakeMetrics
}

func newHarness() *harness {
	h := &harness{
		store:   newFakeStore(),
		sink:    &fakeSink{},
		bus:     changebus.NewMemory(),
		metrics: &fakeMetrics{},
	}
	cfg := config.Config{
		SessionSecret: "test-secret",
		SessionTTL:    time.Hour,
		PresenceTTL:   30 * time.Second,
	}
	h.svc = New(cfg, Deps{
		Store:    h.store,
		Bus:      h.bus,
		Presence: presence.NewMemory(cfg.PresenceTTL, time.Now),
		Sink:     h.sink,
		Metrics:  h.metrics,
	})
	return h
}

// completeFields is a body that passes submission checks once roles are set.
func completeFields() store.Body {
	return store.Body{
		"clientName":       "Acme",
		"meetingDate":      "2026-10-20",
		"aboutBrand":       "Widgets",
		"targetAudiences":  "Makers",
		"goals":            "Grow",
		"insight":          "People like widgets",
		"strategy":         "Show widgets",
		"creative":         "Big widget",
		"creativeDeadline": "2026-11-01",
		"internalDeadline": "2026-11-05",
		"clientDeadline":   "2026-11-10",
	}
}

// staff assigns every required role on the draft behind token.
func staff(t *testing.T, svc *Service, token string) {
	t.Helper()
	ctx := context.Background()
	assignments := map[string][]string{
		store.RoleParticipant:       {"c1", "c2"},
		store.RoleCreativeWriter:    {"c2"},
		store.RolePresenter:         {"c3"},
		store.RolePresentationMaker: {"c4"},
		store.RoleAccountManager:    {"c5"},
	}
	for role, ids := range assignments {
		if _, err := svc.SetParticipants(ctx, token, role, ids); err != nil {
			t.Fatalf("SetParticipants(%s) error = %v", role, err)
		}
	}
}
