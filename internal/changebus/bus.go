// Package changebus fans committed draft patches out to open viewers.
package changebus

import (
	"context"
	"sync"
	"time"

	"github.com/Idosegev23/internalMettingLeaders/internal/store"
)

// ListTopic carries one message per committed change to any draft, for
// viewers of the drafts list.
const ListTopic = "drafts"

// DraftTopic is the topic patches for draftID are published on.
func DraftTopic(draftID string) string {
	return "draft:" + draftID
}

// Message is one committed change. Patch holds only the fields that were
// written, never the whole body.
type Message struct {
	DraftID string     `json:"draftId"`
	Patch   store.Body `json:"patch,omitempty"`
	Status  string     `json:"status,omitempty"`
	Title   string     `json:"title,omitempty"`
	// ParticipantsChanged tells viewers to reload the participant set.
	ParticipantsChanged bool      `json:"participantsChanged,omitempty"`
	At                  time.Time `json:"at"`
}

type Bus interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
}

// Subscription delivers messages for one topic in arrival order. Messages
// queue without bound so a slow reader never blocks publishers.
type Subscription struct {
	topic string
	out   chan Message

	mu     sync.Mutex
	queue  []Message
	signal chan struct{}

	done     chan struct{}
	once     sync.Once
	closeErr error
	release  func() error
}

func newSubscription(topic string, release func() error) *Subscription {
	sub := &Subscription{
		topic:   topic,
		out:     make(chan Message),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		release: release,
	}
	go sub.pump()
	return sub
}

func (s *Subscription) Topic() string {
	return s.topic
}

// C is closed after Close.
func (s *Subscription) C() <-chan Message {
	return s.out
}

// Close stops delivery. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.release != nil {
			s.closeErr = s.release()
		}
	})
	return s.closeErr
}

func (s *Subscription) enqueue(msg Message) {
	select {
	case <-s.done:
		return
	default:
	}
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		msg := s.queue[0]
		s.queue[0] = Message{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}
