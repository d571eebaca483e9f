package changebus

import (
	"context"
	"sync"
)

// Memory is a process-local Bus.
type Memory struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*Subscription]struct{})}
}

func (m *Memory) Publish(ctx context.Context, topic string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	targets := make([]*Subscription, 0, len(m.subs[topic]))
	for sub := range m.subs[topic] {
		targets = append(targets, sub)
	}
	m.mu.Unlock()

	for _, sub := range targets {
		sub.enqueue(cloneMessage(msg))
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var sub *Subscription
	sub = newSubscription(topic, func() error {
		m.remove(topic, sub)
		return nil
	})

	m.mu.Lock()
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[*Subscription]struct{})
	}
	m.subs[topic][sub] = struct{}{}
	m.mu.Unlock()
	return sub, nil
}

// Subscribers reports the number of live subscriptions on topic.
func (m *Memory) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[topic])
}

func (m *Memory) remove(topic string, sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs[topic], sub)
	if len(m.subs[topic]) == 0 {
		delete(m.subs, topic)
	}
}

// cloneMessage gives each subscriber its own patch map.
func cloneMessage(msg Message) Message {
	if msg.Patch == nil {
		return msg
	}
	patch := make(map[string]any, len(msg.Patch))
	for k, v := range msg.Patch {
		patch[k] = v
	}
	msg.Patch = patch
	return msg
}
