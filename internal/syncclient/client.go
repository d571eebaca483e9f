// Package syncclient runs one viewer's session against a shared draft: it
// binds to a draft by token or creates one on the first edit, merges patches
// broadcast by other viewers, tracks how many others are editing, and issues
// explicit save and submit commands.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Idosegev23/internalMettingLeaders/internal/changebus"
	"github.com/Idosegev23/internalMettingLeaders/internal/drafts"
	"github.com/Idosegev23/internalMettingLeaders/internal/presence"
	"github.com/Idosegev23/internalMettingLeaders/internal/store"
)

type State int

const (
	Idle State = iota
	Loading
	Creating
	Bound
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Creating:
		return "creating"
	case Bound:
		return "bound"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrNotBound = errors.New("no draft is bound")
	ErrBusy     = errors.New("sync client already opened a draft")
	ErrClosed   = errors.New("sync client closed")
)

const eventBuffer = 256

type DraftStore interface {
	Create(context.Context) (drafts.Loaded, error)
	LoadByToken(context.Context, string) (drafts.Loaded, error)
	Get(context.Context, string) (drafts.Loaded, error)
	Update(context.Context, string, store.Body) (store.Draft, error)
	Complete(context.Context, string, store.Body) (store.Draft, error)
	SetParticipants(context.Context, string, string, []string) ([]store.Participant, error)
}

type ActivityLog interface {
	Append(context.Context, string, store.AuthUser, string) (store.ActivityEntry, error)
}

type Config struct {
	Drafts   DraftStore
	Bus      changebus.Bus
	Presence presence.Tracker
	Activity ActivityLog
	Actor    store.AuthUser

	// SessionID identifies this viewer to the presence tracker. A random id
	// is used when empty.
	SessionID         string
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

type EventKind string

const (
	EventSnapshot     EventKind = "snapshot"
	EventPatch        EventKind = "patch"
	EventPresence     EventKind = "presence"
	EventParticipants EventKind = "participants"
	EventDisconnected EventKind = "disconnected"
)

// Event is a change to the viewer's local state. Patch is set for
// EventPatch, Others for EventPresence, Err for EventDisconnected.
type Event struct {
	Kind         EventKind
	Draft        store.Draft
	Body         store.Body
	Patch        store.Body
	Participants []store.Participant
	Others       int
	Err          error
}

// Snapshot is a copy of the viewer's local state.
type Snapshot struct {
	State        State
	Draft        store.Draft
	Body         store.Body
	Participants []store.Participant
	Others       int
}

type edit struct {
	name  string
	value any
}

// attempt is the creation latch. done closes once creation resolves.
type attempt struct {
	done chan struct{}
	err  error
}

type Client struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	token        string
	draft        store.Draft
	body         store.Body
	participants []store.Participant
	others       int
	creating     *attempt
	pending      []*edit
	closed       bool

	events  chan Event
	sub     *changebus.Subscription
	session *presence.Session
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config) *Client {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = presence.DefaultTTL / 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With("session_id", cfg.SessionID),
		body:   store.Body{},
		events: make(chan Event, eventBuffer),
	}
}

func (c *Client) SessionID() string {
	return c.cfg.SessionID
}

// Events is closed after Close.
func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open binds the client to the draft behind token. An empty token leaves the
// client Idle; the draft is then created on the first edit. A failed load
// returns the client to Idle and the error to the caller.
func (c *Client) Open(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != Idle {
		c.mu.Unlock()
		return ErrBusy
	}
	if token == "" {
		c.mu.Unlock()
		return nil
	}
	c.state = Loading
	c.token = token
	c.mu.Unlock()

	loaded, err := c.cfg.Drafts.LoadByToken(ctx, token)
	if err != nil {
		c.mu.Lock()
		c.state = Idle
		c.mu.Unlock()
		return err
	}
	return c.bind(loaded, nil)
}

// UpdateField applies an edit to the local view only. With no draft and no
// token the first edit creates the draft; edits arriving while that creation
// is in flight are queued and applied in call order once it succeeds, or all
// fail with the creation error. A queued edit whose ctx ends before creation
// resolves is withdrawn and never applied.
func (c *Client) UpdateField(ctx context.Context, name string, value any) error {
	if err := drafts.ValidatePatch(store.Body{name: value}); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state {
	case Bound:
		c.body[name] = value
		c.mu.Unlock()
		return nil
	case Creating:
		a := c.creating
		e := &edit{name: name, value: value}
		c.pending = append(c.pending, e)
		c.mu.Unlock()
		return c.waitQueued(ctx, a, e)
	case Idle:
		if c.token != "" {
			c.mu.Unlock()
			return ErrNotBound
		}
		a := &attempt{done: make(chan struct{})}
		c.creating = a
		c.pending = []*edit{{name: name, value: value}}
		c.state = Creating
		c.mu.Unlock()

		c.create(ctx, a)
		return wait(ctx, a)
	default:
		c.mu.Unlock()
		return ErrNotBound
	}
}

// waitQueued waits for creation to resolve. If ctx ends first and e is still
// queued, e is dropped so the caller's error matches the outcome.
func (c *Client) waitQueued(ctx context.Context, a *attempt, e *edit) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-a.done:
		return a.err
	default:
	}
	for i, queued := range c.pending {
		if queued == e {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	return ctx.Err()
}

func wait(ctx context.Context, a *attempt) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) create(ctx context.Context, a *attempt) {
	loaded, err := c.cfg.Drafts.Create(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = Idle
		c.creating = nil
		c.pending = nil
		a.err = err
		close(a.done)
		c.mu.Unlock()
		c.logger.Warn("draft creation failed", "error", err)
		return
	}
	if err := c.bind(loaded, a); err != nil {
		c.logger.Warn("bind created draft failed", "draft_id", loaded.Draft.ID, "error", err)
	}
}

// bind subscribes to changes and presence for loaded and moves to Bound.
// Subscription failures degrade to a disconnected event. When a is set the
// queued edits are replayed onto the fresh body and a is released.
func (c *Client) bind(loaded drafts.Loaded, a *attempt) error {
	draftID := loaded.Draft.ID
	subCtx, cancelSub := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSub()

	var degraded []error
	sub, err := c.cfg.Bus.Subscribe(subCtx, changebus.DraftTopic(draftID))
	if err != nil {
		degraded = append(degraded, fmt.Errorf("subscribe changes: %w", err))
		sub = nil
	}
	var session *presence.Session
	if c.cfg.Presence != nil {
		session, err = c.cfg.Presence.Join(subCtx, draftID, c.cfg.SessionID)
		if err != nil {
			degraded = append(degraded, fmt.Errorf("join presence: %w", err))
			session = nil
		}
	}

	c.mu.Lock()
	if c.closed {
		if a != nil {
			a.err = ErrClosed
			close(a.done)
		}
		c.mu.Unlock()
		releaseAll(sub, session)
		return ErrClosed
	}
	c.draft = loaded.Draft
	c.token = loaded.Draft.ShareToken
	c.body = drafts.Clone(loaded.Body)
	c.participants = loaded.Participants
	if a != nil {
		for _, e := range c.pending {
			c.body[e.name] = e.value
		}
		c.pending = nil
		c.creating = nil
	}
	c.state = Bound
	c.sub = sub
	c.session = session
	pumpCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.emitLocked(Event{
		Kind:         EventSnapshot,
		Draft:        c.draft,
		Body:         drafts.Clone(c.body),
		Participants: c.participants,
	})
	for _, err := range degraded {
		c.emitLocked(Event{Kind: EventDisconnected, Err: err})
	}
	if sub != nil {
		c.wg.Add(1)
		go c.pumpChanges(pumpCtx, sub)
	}
	if session != nil {
		c.wg.Add(2)
		go c.pumpPresence(session)
		go c.heartbeat(pumpCtx, session)
	}
	if a != nil {
		close(a.done)
	}
	c.mu.Unlock()

	for _, err := range degraded {
		c.logger.Warn("sync degraded", "draft_id", draftID, "error", err)
	}
	return nil
}

func (c *Client) pumpChanges(ctx context.Context, sub *changebus.Subscription) {
	defer c.wg.Done()
	for msg := range sub.C() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		drafts.Merge(c.body, msg.Patch)
		if msg.Status != "" {
			c.draft.Status = msg.Status
		}
		if msg.Title != "" {
			c.draft.Title = msg.Title
		}
		if len(msg.Patch) > 0 || msg.Status != "" {
			c.emitLocked(Event{Kind: EventPatch, Draft: c.draft, Patch: drafts.Clone(msg.Patch)})
		}
		draftID := c.draft.ID
		c.mu.Unlock()

		if msg.ParticipantsChanged {
			c.reloadParticipants(ctx, draftID)
		}
	}

	c.mu.Lock()
	if !c.closed {
		c.emitLocked(Event{Kind: EventDisconnected, Err: errors.New("change feed closed")})
	}
	c.mu.Unlock()
}

func (c *Client) reloadParticipants(ctx context.Context, draftID string) {
	loaded, err := c.cfg.Drafts.Get(ctx, draftID)
	if err != nil {
		c.logger.Warn("reload participants failed", "draft_id", draftID, "error", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.participants = loaded.Participants
	c.emitLocked(Event{Kind: EventParticipants, Draft: c.draft, Participants: loaded.Participants})
}

func (c *Client) pumpPresence(session *presence.Session) {
	defer c.wg.Done()
	for count := range session.Counts() {
		others := count - 1
		if others < 0 {
			others = 0
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.others = others
		c.emitLocked(Event{Kind: EventPresence, Draft: c.draft, Others: others})
		c.mu.Unlock()
	}
}

func (c *Client) heartbeat(ctx context.Context, session *presence.Session) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := session.Heartbeat(ctx)
			switch {
			case err != nil && healthy:
				healthy = false
				c.logger.Warn("presence heartbeat failed", "draft_id", session.DraftID, "error", err)
				c.mu.Lock()
				if !c.closed {
					c.emitLocked(Event{Kind: EventDisconnected, Err: err})
				}
				c.mu.Unlock()
			case err == nil:
				healthy = true
			}
		}
	}
}

// SaveDraft persists the whole local field set and records a save_draft
// activity entry. A blank draft has nothing to write and only records the
// entry.
func (c *Client) SaveDraft(ctx context.Context) (store.Draft, error) {
	draftID, body, err := c.boundBody()
	if err != nil {
		return store.Draft{}, err
	}
	var item store.Draft
	if len(body) == 0 {
		item = c.Snapshot().Draft
	} else {
		item, err = c.cfg.Drafts.Update(ctx, draftID, body)
		if err != nil {
			return store.Draft{}, err
		}
		c.setDraft(item)
	}
	if _, err := c.cfg.Activity.Append(ctx, draftID, c.cfg.Actor, store.ActionSaveDraft); err != nil {
		return item, fmt.Errorf("record save: %w", err)
	}
	return item, nil
}

// Submit completes the draft with the local field set overlaid by final and
// records a submit activity entry.
func (c *Client) Submit(ctx context.Context, final store.Body) (store.Draft, error) {
	draftID, body, err := c.boundBody()
	if err != nil {
		return store.Draft{}, err
	}
	item, err := c.cfg.Drafts.Complete(ctx, draftID, drafts.Merge(body, final))
	if err != nil {
		return store.Draft{}, err
	}
	c.mu.Lock()
	drafts.Merge(c.body, final)
	c.mu.Unlock()
	c.setDraft(item)
	if _, err := c.cfg.Activity.Append(ctx, draftID, c.cfg.Actor, store.ActionSubmit); err != nil {
		return item, fmt.Errorf("record submit: %w", err)
	}
	return item, nil
}

// SetParticipants replaces the holders of role on the bound draft.
func (c *Client) SetParticipants(ctx context.Context, role string, contactIDs []string) ([]store.Participant, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.state != Bound {
		c.mu.Unlock()
		return nil, ErrNotBound
	}
	draftID := c.draft.ID
	c.mu.Unlock()

	participants, err := c.cfg.Drafts.SetParticipants(ctx, draftID, role, contactIDs)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.participants = participants
	c.mu.Unlock()
	return participants, nil
}

func (c *Client) boundBody() (string, store.Body, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", nil, ErrClosed
	}
	if c.state != Bound {
		return "", nil, ErrNotBound
	}
	return c.draft.ID, drafts.Clone(c.body), nil
}

func (c *Client) setDraft(item store.Draft) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item.ID == c.draft.ID {
		c.draft = item
	}
}

func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:        c.state,
		Draft:        c.draft,
		Body:         drafts.Clone(c.body),
		Participants: append([]store.Participant(nil), c.participants...),
		Others:       c.others,
	}
}

// Others is the number of other sessions editing the bound draft.
func (c *Client) Others() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.others
}

// Close leaves presence and unsubscribes from changes whatever state the
// client is in. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub, session, cancel := c.sub, c.session, c.cancel
	c.sub, c.session = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := releaseAll(sub, session)
	c.wg.Wait()

	c.mu.Lock()
	close(c.events)
	c.mu.Unlock()
	return err
}

func releaseAll(sub *changebus.Subscription, session *presence.Session) error {
	var errs []error
	if sub != nil {
		if err := sub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe changes: %w", err))
		}
	}
	if session != nil {
		if err := session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("leave presence: %w", err))
		}
	}
	return errors.Join(errs...)
}

// emitLocked queues ev without blocking. Events are notifications; the
// authoritative state is available from Snapshot.
func (c *Client) emitLocked(ev Event) {
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("sync event dropped", "kind", string(ev.Kind))
	}
}
