// SPDX-FileCopyrightText: (C) 2025 Red Hat Inc.
// SPDX-License-Identifier: Apache 2.0

// Package pubsub implements EventPublisher: an in-process, filter-rich
// publish/subscribe bus distinct from DeviceSession's internal message-name
// event bus (see internal/session). It is constructed once at server start
// and passed by dependency injection to every component that needs to
// observe or emit device-cloud events.
package pubsub

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/devicecloud-io/core-server/internal/protoerr"
)

// RequestEventPrefix namespaces request-variant event names generated by
// PublishAndListenForResponse.
const RequestEventPrefix = "spark/device/req/"

// DefaultResponseTimeout bounds PublishAndListenForResponse when the caller
// supplies no context deadline.
const DefaultResponseTimeout = 5 * time.Second

// Event is a published message.
type Event struct {
	Name         string
	UserID       string
	DeviceID     string
	ConnectionID string
	Context      map[string]any
	TTL          time.Duration
	PublishedAt  time.Time
	Broadcasted  bool

	IsPublic   bool
	IsInternal bool
}

// FilterOptions constrains which published events a subscription's handler
// receives, per spec.md §4.4.
type FilterOptions struct {
	UserID                  string
	HasUserID               bool
	DeviceID                string
	HasDeviceID             bool
	ConnectionID            string
	HasConnectionID         bool
	MyDevices               bool
	ListenToInternalEvents  *bool // nil means "true" (the default)
	ListenToBroadcastedEvts *bool // nil means "true" (the default)
	SubscriberID            string
}

// Handler receives a matched event. Invocation is always deferred relative
// to the publish call that triggered it (see Publish).
type Handler func(evt Event)

type subscription struct {
	id      uint64
	name    string
	handler Handler
	opts    FilterOptions
}

// Publisher is the EventPublisher. The zero value is not usable; construct
// with New.
type Publisher struct {
	mu         sync.Mutex
	subs       []subscription
	nextID     uint64
	publishing bool
	queue      []queuedPublish
}

type queuedPublish struct {
	evt Event
}

// New constructs an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Subscribe registers handler for events whose name exactly matches name,
// filtered by opts. It returns a subscription id usable with Unsubscribe.
func (p *Publisher) Subscribe(name string, handler Handler, opts FilterOptions) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.subs = append(p.subs, subscription{id: id, name: name, handler: handler, opts: opts})
	return id
}

// Unsubscribe removes the subscription with the given id, if present.
func (p *Publisher) Unsubscribe(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.subs {
		if s.id == id {
			p.subs = append(p.subs[:i], p.subs[i+1:]...)
			return
		}
	}
}

// UnsubscribeBySubscriberID removes every subscription tagged with the given
// subscriberID. It is a no-op if none match (spec.md §9 Open Question,
// resolved in SPEC_FULL.md §4.4).
func (p *Publisher) UnsubscribeBySubscriberID(subscriberID string) {
	if subscriberID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	remaining := p.subs[:0]
	for _, s := range p.subs {
		if s.opts.SubscriberID == subscriberID {
			continue
		}
		remaining = append(remaining, s)
	}
	p.subs = remaining
}

// Publish delivers evt to every matching subscription. It returns
// synchronously; handler invocations are always deferred to after Publish
// returns (scheduled via goroutine), and re-entrant publishes issued from
// within a handler are queued and drained only after the current publish's
// handlers have all been invoked, preserving subscription-order delivery.
func (p *Publisher) Publish(evt Event) {
	p.mu.Lock()
	if p.publishing {
		p.queue = append(p.queue, queuedPublish{evt: evt})
		p.mu.Unlock()
		return
	}
	p.publishing = true
	p.mu.Unlock()

	p.deliver(evt)

	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.publishing = false
			p.mu.Unlock()
			return
		}
		next := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()
		p.deliver(next.evt)
	}
}

// deliver invokes every matching handler in subscription order, on a single
// goroutine dedicated to this publish, so that handler invocation is
// deferred relative to Publish's return (a slow handler never blocks the
// publisher or its caller) while still honoring spec.md §4.4's guarantee
// that handlers for one publish run in subscription order, not just launch
// in that order. A panicking handler is recovered so it can't stop its
// siblings from running.
func (p *Publisher) deliver(evt Event) {
	p.mu.Lock()
	matched := make([]subscription, 0, len(p.subs))
	for _, s := range p.subs {
		if s.name == evt.Name && matches(s.opts, evt) {
			matched = append(matched, s)
		}
	}
	p.mu.Unlock()

	if len(matched) == 0 {
		return
	}
	go func() {
		for _, s := range matched {
			runHandler(s.handler, evt)
		}
	}()
}

func runHandler(h Handler, evt Event) {
	defer func() { recover() }()
	h(evt)
}

// matches implements the filter table from spec.md §4.4.
func matches(opts FilterOptions, evt Event) bool {
	if opts.ListenToInternalEvents != nil && !*opts.ListenToInternalEvents && evt.IsInternal {
		return false
	}
	if opts.ListenToBroadcastedEvts != nil && !*opts.ListenToBroadcastedEvts && evt.Broadcasted {
		return false
	}
	if opts.HasDeviceID && opts.DeviceID != evt.DeviceID {
		return false
	}
	if opts.HasConnectionID && !evt.IsPublic && opts.ConnectionID == evt.ConnectionID {
		return false
	}
	if opts.MyDevices {
		return opts.HasUserID && opts.UserID == evt.UserID
	}
	if opts.HasUserID {
		return opts.UserID == evt.UserID || evt.IsPublic
	}
	return true
}

// PublishAndListenForResponse publishes a request-variant of evt.Name and
// waits for a correlated response event, resolving with that response's
// Context. It blocks until ctx is done, a response arrives, or
// DefaultResponseTimeout elapses if ctx carries no deadline of its own.
func (p *Publisher) PublishAndListenForResponse(ctx context.Context, evt Event) (map[string]any, error) {
	responseEventName, err := newResponseEventName()
	if err != nil {
		return nil, protoerr.New(protoerr.KindPubSubResponseTimeout, "publish-and-listen", err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultResponseTimeout)
		defer cancel()
	}

	respCh := make(chan map[string]any, 1)
	var once sync.Once
	id := p.Subscribe(responseEventName, func(respEvt Event) {
		once.Do(func() {
			respCh <- respEvt.Context
		})
	}, FilterOptions{})
	defer p.Unsubscribe(id)

	reqCtx := make(map[string]any, len(evt.Context)+1)
	for k, v := range evt.Context {
		reqCtx[k] = v
	}
	reqCtx["responseEventName"] = responseEventName

	reqEvt := evt
	reqEvt.Name = GetRequestEventName(evt.Name)
	reqEvt.Context = reqCtx
	p.Publish(reqEvt)

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, protoerr.New(protoerr.KindPubSubResponseTimeout, "publish-and-listen", ctx.Err())
	}
}

// GetRequestEventName yields the canonical request-variant name for a base
// event name.
func GetRequestEventName(name string) string {
	return RequestEventPrefix + name
}

func newResponseEventName() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("pubsub: generating response event name: %w", err)
	}
	return "spark/device/resp/" + hex.EncodeToString(buf), nil
}
