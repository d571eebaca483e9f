package app

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Idosegev23/internalMettingLeaders/internal/auth"
	"github.com/Idosegev23/internalMettingLeaders/internal/changebus"
	"github.com/Idosegev23/internalMettingLeaders/internal/delivery"
	"github.com/Idosegev23/internalMettingLeaders/internal/drafts"
	"github.com/Idosegev23/internalMettingLeaders/internal/store"
)

func login(t *testing.T, svc *Service, email string) Session {
	t.Helper()
	sess, err := svc.Login(context.Background(), email)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	return sess
}

func TestLoginResolvesContact(t *testing.T) {
	h := newHarness()
	sess := login(t, h.svc, "  Dana@Example.com ")

	if sess.Token == "" {
		t.Fatalf("expected token")
	}
	if sess.User.ContactID != "c1" || sess.User.Name != "Dana Levi" || sess.User.HebrewName != "דנה לוי" {
		t.Fatalf("unexpected user %+v", sess.User)
	}

	got, err := h.svc.SessionFromToken(context.Background(), sess.Token)
	if err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if got.User != sess.User || got.JTI != sess.JTI {
		t.Fatalf("SessionFromToken() = %+v, want %+v", got, sess)
	}
}

func TestLoginRejectsUnknownEmail(t *testing.T) {
	h := newHarness()
	_, err := h.svc.Login(context.Background(), "stranger@example.com")

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusUnauthorized {
		t.Fatalf("Login() error = %v, want 401 domain error", err)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	sess := login(t, h.svc, "avi@example.com")

	if err := h.svc.Logout(ctx, sess); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := h.svc.SessionFromToken(ctx, sess.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("SessionFromToken() error = %v, want ErrInvalidToken", err)
	}
}

func TestSessionFromTokenRejectsExpired(t *testing.T) {
	h := newHarness()
	sess := login(t, h.svc, "avi@example.com")
	h.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if _, err := h.svc.SessionFromToken(context.Background(), sess.Token); !errors.Is(err, auth.ErrExpiredToken) {
		t.Fatalf("SessionFromToken() error = %v, want ErrExpiredToken", err)
	}
}

func TestSaveDraftRecordsActivity(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	sess := login(t, h.svc, "dana@example.com")

	loaded, err := h.svc.CreateDraft(ctx)
	if err != nil {
		t.Fatalf("CreateDraft() error = %v", err)
	}
	item, err := h.svc.SaveDraft(ctx, sess, loaded.Draft.ShareToken, store.Body{"clientName": "Acme"})
	if err != nil {
		t.Fatalf("SaveDraft() error = %v", err)
	}
	if item.Title != "Acme" {
		t.Fatalf("title = %q, want Acme", item.Title)
	}

	entries, err := h.svc.ReadActivity(ctx, loaded.Draft.ShareToken)
	if err != nil {
		t.Fatalf("ReadActivity() error = %v", err)
	}
	if len(entries) != 1 || entries[0].ActionType != store.ActionSaveDraft || entries[0].ActorName != "דנה לוי" {
		t.Fatalf("unexpected activity %+v", entries)
	}
}

func TestCompleteDraftDeliversAndRecordsSubmit(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	sess := login(t, h.svc, "dana@example.com")

	loaded, err := h.svc.CreateDraft(ctx)
	if err != nil {
		t.Fatalf("CreateDraft() error = %v", err)
	}
	token := loaded.Draft.ShareToken
	staff(t, h.svc, token)

	item, err := h.svc.CompleteDraft(ctx, sess, token, completeFields())
	if err != nil {
		t.Fatalf("CompleteDraft() error = %v", err)
	}
	if item.Status != store.StatusCompleted {
		t.Fatalf("status = %q, want completed", item.Status)
	}
	if len(h.sink.payloads) != 1 || h.sink.payloads[0].ClientName != "Acme" {
		t.Fatalf("unexpected deliveries %+v", h.sink.payloads)
	}
	if actions := h.store.activityActions(item.ID); len(actions) != 1 || actions[0] != store.ActionSubmit {
		t.Fatalf("activity = %v, want [submit]", actions)
	}
}

func TestCompleteDraftDeliveryFailureKeepsDraftOpen(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	sess := login(t, h.svc, "dana@example.com")
	h.sink.deliverFn = func(context.Context, delivery.Payload) error {
		return errors.New("webhook returned 500")
	}

	loaded, err := h.svc.CreateDraft(ctx)
	if err != nil {
		t.Fatalf("CreateDraft() error = %v", err)
	}
	token := loaded.Draft.ShareToken
	staff(t, h.svc, token)

	_, err = h.svc.CompleteDraft(ctx, sess, token, completeFields())
	if !errors.Is(err, drafts.ErrExternalDeliveryFailed) {
		t.Fatalf("CompleteDraft() error = %v, want ErrExternalDeliveryFailed", err)
	}
	reloaded, err := h.svc.LoadDraft(ctx, token)
	if err != nil {
		t.Fatalf("LoadDraft() error = %v", err)
	}
	if reloaded.Draft.Status != store.StatusDraft {
		t.Fatalf("status = %q, want draft", reloaded.Draft.Status)
	}
	if actions := h.store.activityActions(reloaded.Draft.ID); len(actions) != 0 {
		t.Fatalf("activity = %v, want none", actions)
	}
}

func TestPatchDraftUnknownToken(t *testing.T) {
	h := newHarness()
	_, err := h.svc.PatchDraft(context.Background(), "missing", store.Body{"goals": "x"})
	if !errors.Is(err, drafts.ErrNotFound) {
		t.Fatalf("PatchDraft() error = %v, want ErrNotFound", err)
	}
}

func TestSubscribeChangesReceivesPatch(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	loaded, err := h.svc.CreateDraft(ctx)
	if err != nil {
		t.Fatalf("CreateDraft() error = %v", err)
	}
	sub, err := h.svc.SubscribeChanges(ctx, loaded.Draft.ID)
	if err != nil {
		t.Fatalf("SubscribeChanges() error = %v", err)
	}
	defer sub.Close()
	if sub.Topic() != changebus.DraftTopic(loaded.Draft.ID) {
		t.Fatalf("topic = %q", sub.Topic())
	}

	if _, err := h.svc.PatchDraft(ctx, loaded.Draft.ShareToken, store.Body{"goals": "Grow"}); err != nil {
		t.Fatalf("PatchDraft() error = %v", err)
	}
	select {
	case msg := <-sub.C():
		if msg.Patch["goals"] != "Grow" || len(msg.Patch) != 1 {
			t.Fatalf("unexpected patch %+v", msg.Patch)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for change")
	}
}

func TestSubscribePresenceCountsJoins(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	first, err := h.svc.SubscribePresence(ctx, "d1", "s1")
	if err != nil {
		t.Fatalf("SubscribePresence() error = %v", err)
	}
	defer first.Close()
	second, err := h.svc.SubscribePresence(ctx, "d1", "s2")
	if err != nil {
		t.Fatalf("SubscribePresence() error = %v", err)
	}
	defer second.Close()

	select {
	case n := <-second.Counts():
		if n != 2 {
			t.Fatalf("count = %d, want 2", n)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for count")
	}
	if h.metrics.joins != 2 {
		t.Fatalf("joins = %d, want 2", h.metrics.joins)
	}
}

func TestSearchContactsFallsBackToStore(t *testing.T) {
	h := newHarness()
	var gotLimit int
	h.store.searchContactsFn = func(_ context.Context, q string, limit int) ([]store.Contact, error) {
		gotLimit = limit
		return []store.Contact{{ID: "c9", FirstName: q}}, nil
	}

	contacts, err := h.svc.SearchContacts(context.Background(), " noa ", 0)
	if err != nil {
		t.Fatalf("SearchContacts() error = %v", err)
	}
	if len(contacts) != 1 || contacts[0].FirstName != "noa" {
		t.Fatalf("unexpected contacts %+v", contacts)
	}
	if gotLimit != 20 {
		t.Fatalf("limit = %d, want 20", gotLimit)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", drafts.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"validation", &drafts.ValidationError{Message: "bad"}, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"store", errors.Join(drafts.ErrStoreUnavailable, errors.New("dial")), http.StatusServiceUnavailable, "STORE_UNAVAILABLE"},
		{"delivery", errors.Join(drafts.ErrExternalDeliveryFailed), http.StatusBadGateway, "DELIVERY_FAILED"},
		{"token", auth.ErrInvalidToken, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"domain", domainError(http.StatusTeapot, "TEAPOT", "short and stout", nil), http.StatusTeapot, "TEAPOT"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "SERVER_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, _, _ := mapError(tt.err)
			if status != tt.status || code != tt.code {
				t.Fatalf("mapError() = %d %s, want %d %s", status, code, tt.status, tt.code)
			}
		})
	}
}
