package app

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Idosegev23/internalMettingLeaders/internal/activity"
	"github.com/Idosegev23/internalMettingLeaders/internal/auth"
	"github.com/Idosegev23/internalMettingLeaders/internal/changebus"
	"github.com/Idosegev23/internalMettingLeaders/internal/config"
	"github.com/Idosegev23/internalMettingLeaders/internal/drafts"
	"github.com/Idosegev23/internalMettingLeaders/internal/presence"
	"github.com/Idosegev23/internalMettingLeaders/internal/session"
	"github.com/Idosegev23/internalMettingLeaders/internal/store"
	"github.com/Idosegev23/internalMettingLeaders/internal/syncclient"
)

// Session is a signed-in viewer.
type Session struct {
	Token     string
	User      store.AuthUser
	JTI       string
	ExpiresAt time.Time
}

type dataStore interface {
	drafts.Repository
	InsertActivity(context.Context, store.ActivityEntry) (store.ActivityEntry, error)
	ListActivity(context.Context, string) ([]store.ActivityEntry, error)
	GetContactByEmail(context.Context, string) (store.Contact, error)
	SearchContacts(context.Context, string, int) ([]store.Contact, error)
	Ping(context.Context) error
}

// sessionStore keeps auth sessions keyed by the hash of the token's JTI.
type sessionStore interface {
	SaveAuthSession(context.Context, string, store.AuthUser, time.Time) error
	LookupAuthSession(context.Context, string) (store.AuthUser, error)
	RevokeAuthSession(context.Context, string) error
}

type contactSearcher interface {
	Search(context.Context, string, int) ([]store.Contact, error)
}

// Metrics is everything the service records.
type Metrics interface {
	drafts.Metrics
	activity.Metrics
	PresenceJoined()
	SyncSessionOpened() func()
	RecordHTTPStatus(int)
}

// Deps are the collaborators a Service is built from. Sessions defaults to
// Store, Directory to a Postgres-only search, and Metrics to a no-op.
type Deps struct {
	Store     dataStore
	Sessions  sessionStore
	Bus       changebus.Bus
	Presence  presence.Tracker
	Sink      drafts.Sink
	Archiver  drafts.Archiver
	Directory contactSearcher
	Metrics   Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	bus       changebus.Bus
	presence  presence.Tracker
	drafts    *drafts.Store
	activity  *activity.Logger
	directory contactSearcher
	metrics   Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	s := &Service{
		cfg:       cfg,
		store:     deps.Store,
		sessions:  deps.Sessions,
		bus:       deps.Bus,
		directory: deps.Directory,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       deps.Now,
	}
	if s.sessions == nil {
		if ss, ok := deps.Store.(sessionStore); ok {
			s.sessions = ss
		}
	}
	if s.directory == nil {
		s.directory = pgDirectory{deps.Store}
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
	s.presence = countingTracker{Tracker: deps.Presence, joined: s.metrics.PresenceJoined}
	s.drafts = drafts.NewStore(deps.Store, deps.Bus, deps.Sink, drafts.Options{
		Archiver: deps.Archiver,
		Metrics:  s.metrics,
		Logger:   s.logger,
		Now:      s.now,
	})
	s.activity = activity.NewLogger(deps.Store, s.metrics, s.logger)
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Login starts a session for the contact registered under email.
func (s *Service) Login(ctx context.Context, email string) (Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "email is required", nil)
	}
	contact, err := s.store.GetContactByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, domainError(http.StatusUnauthorized, "UNKNOWN_USER", "No contact is registered under this email", nil)
	}
	if err != nil {
		return Session{}, err
	}

	user := store.AuthUser{
		Email:      contact.Email,
		Name:       contact.Name(),
		HebrewName: contact.HebrewName(),
		ContactID:  contact.ID,
	}
	token, claims, err := auth.NewSession([]byte(s.cfg.SessionSecret), user.Email, s.cfg.SessionTTL, s.now())
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.SaveAuthSession(ctx, auth.HashToken(claims.JTI), user, claims.ExpiresAt()); err != nil {
		return Session{}, err
	}
	s.logger.Info("session started", "email", user.Email)
	return Session{Token: token, User: user, JTI: claims.JTI, ExpiresAt: claims.ExpiresAt()}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.SessionSecret), token)
	if err != nil {
		return Session{}, err
	}
	if s.now().After(claims.ExpiresAt()) {
		return Session{}, auth.ErrExpiredToken
	}
	user, err := s.sessions.LookupAuthSession(ctx, auth.HashToken(claims.JTI))
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, session.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, User: user, JTI: claims.JTI, ExpiresAt: claims.ExpiresAt()}, nil
}

func (s *Service) Logout(ctx context.Context, sess Session) error {
	if sess.JTI == "" {
		return nil
	}
	return s.sessions.RevokeAuthSession(ctx, auth.HashToken(sess.JTI))
}

func (s *Service) CreateDraft(ctx context.Context) (drafts.Loaded, error) {
	return s.drafts.Create(ctx)
}

func (s *Service) LoadDraft(ctx context.Context, token string) (drafts.Loaded, error) {
	return s.drafts.LoadByToken(ctx, token)
}

// PatchDraft merges patch into the draft behind token.
func (s *Service) PatchDraft(ctx context.Context, token string, patch store.Body) (store.Draft, error) {
	loaded, err := s.drafts.LoadByToken(ctx, token)
	if err != nil {
		return store.Draft{}, err
	}
	return s.drafts.Update(ctx, loaded.Draft.ID, patch)
}

// SaveDraft merges patch, when present, and records a save_draft entry for
// the viewer.
func (s *Service) SaveDraft(ctx context.Context, sess Session, token string, patch store.Body) (store.Draft, error) {
	loaded, err := s.drafts.LoadByToken(ctx, token)
	if err != nil {
		return store.Draft{}, err
	}
	item := loaded.Draft
	if len(patch) > 0 {
		item, err = s.drafts.Update(ctx, item.ID, patch)
		if err != nil {
			return store.Draft{}, err
		}
	}
	if _, err := s.activity.Append(ctx, item.ID, sess.User, store.ActionSaveDraft); err != nil {
		return item, err
	}
	return item, nil
}

// CompleteDraft submits the draft behind token and records a submit entry
// for the viewer.
func (s *Service) CompleteDraft(ctx context.Context, sess Session, token string, final store.Body) (store.Draft, error) {
	loaded, err := s.drafts.LoadByToken(ctx, token)
	if err != nil {
		return store.Draft{}, err
	}
	item, err := s.drafts.Complete(ctx, loaded.Draft.ID, final)
	if err != nil {
		return store.Draft{}, err
	}
	if _, err := s.activity.Append(ctx, item.ID, sess.User, store.ActionSubmit); err != nil {
		return item, err
	}
	return item, nil
}

func (s *Service) ArchiveDraft(ctx context.Context, token string) (store.Draft, error) {
	loaded, err := s.drafts.LoadByToken(ctx, token)
	if err != nil {
		return store.Draft{}, err
	}
	return s.drafts.Archive(ctx, loaded.Draft.ID)
}

func (s *Service) ListDrafts(ctx context.Context, status string) ([]store.Draft, error) {
	return s.drafts.List(ctx, status)
}

func (s *Service) SetParticipants(ctx context.Context, token, role string, contactIDs []string) ([]store.Participant, error) {
	loaded, err := s.drafts.LoadByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.drafts.SetParticipants(ctx, loaded.Draft.ID, role, contactIDs)
}

// SubscribeChanges subscribes to one draft's changes, or to the draft list
// when draftID is empty.
func (s *Service) SubscribeChanges(ctx context.Context, draftID string) (*changebus.Subscription, error) {
	topic := changebus.ListTopic
	if draftID != "" {
		topic = changebus.DraftTopic(draftID)
	}
	return s.bus.Subscribe(ctx, topic)
}

func (s *Service) SubscribePresence(ctx context.Context, draftID, sessionID string) (*presence.Session, error) {
	return s.presence.Join(ctx, draftID, sessionID)
}

func (s *Service) AppendActivity(ctx context.Context, sess Session, token, action string) (store.ActivityEntry, error) {
	loaded, err := s.drafts.LoadByToken(ctx, token)
	if err != nil {
		return store.ActivityEntry{}, err
	}
	return s.activity.Append(ctx, loaded.Draft.ID, sess.User, action)
}

func (s *Service) ReadActivity(ctx context.Context, token string) ([]store.ActivityEntry, error) {
	loaded, err := s.drafts.LoadByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.activity.Read(ctx, loaded.Draft.ID)
}

func (s *Service) SearchContacts(ctx context.Context, q string, limit int) ([]store.Contact, error) {
	return s.directory.Search(ctx, strings.TrimSpace(q), limit)
}

// NewSyncClient returns an unopened sync client acting as the viewer.
func (s *Service) NewSyncClient(sess Session) *syncclient.Client {
	return syncclient.New(syncclient.Config{
		Drafts:            s.drafts,
		Bus:               s.bus,
		Presence:          s.presence,
		Activity:          s.activity,
		Actor:             sess.User,
		HeartbeatInterval: s.cfg.PresenceTTL / 3,
		Logger:            s.logger,
	})
}

// countingTracker counts successful joins.
type countingTracker struct {
	presence.Tracker
	joined func()
}

func (t countingTracker) Join(ctx context.Context, draftID, sessionID string) (*presence.Session, error) {
	sess, err := t.Tracker.Join(ctx, draftID, sessionID)
	if err == nil {
		t.joined()
	}
	return sess, err
}

type pgDirectory struct {
	store dataStore
}

func (d pgDirectory) Search(ctx context.Context, q string, limit int) ([]store.Contact, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return d.store.SearchContacts(ctx, q, limit)
}

type noopMetrics struct{}

func (noopMetrics) DraftCreated()             {}
func (noopMetrics) ChangePublished()          {}
func (noopMetrics) ChangePublishFailed()      {}
func (noopMetrics) DeliveryAttempted(bool)    {}
func (noopMetrics) ActivityAppended(string)   {}
func (noopMetrics) PresenceJoined()           {}
func (noopMetrics) SyncSessionOpened() func() { return func() {} }
func (noopMetrics) RecordHTTPStatus(int)      {}
