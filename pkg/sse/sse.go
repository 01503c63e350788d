// Package sse implements the Server-Sent-Events broker (spec.md §4.H):
// subscriber registration, bearer-authorized topic matching, publication
// fan-out, and keepalive eviction.
//
// Grounded on the original source's src/sse/mod.rs (Broadcaster, Publish)
// and src/sse/auth.rs (bearer claim decoding, via pkg/sse/auth). The
// original's bundled demo HTML page is dropped; it's presentation squarely
// external to the core (see SPEC_FULL.md "H. SSE Broker").
package sse

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/wapchost/runtime/pkg/sse/auth"
)

// EventChannelCapacity is the bounded size of each subscriber's event
// channel (spec.md §4.H).
const EventChannelCapacity = 100

// KeepaliveInterval is how often the broker pings every subscriber.
const KeepaliveInterval = 10 * time.Second

// ErrEventSendFailed is returned by Subscribe when the initial "connected"
// event can't be enqueued (a channel of fresh capacity 100 should never
// actually hit this; named for parity with spec.md §4.H's EventSendFailed).
var ErrEventSendFailed = errors.New("sse: failed to enqueue initial event")

// ErrUnauthorized is returned by Publish when the bearer carries no
// mercure.publish claim at all (spec.md §4.H step 2, §7 "Unauthorized ->
// 403").
var ErrUnauthorized = errors.New("sse: unauthorized")

// ErrForbidden is returned by Publish when a private publication's topics
// aren't all covered by the bearer's mercure.publish patterns (spec.md
// §4.H step 3, §7 "Forbidden -> 403").
var ErrForbidden = errors.New("sse: forbidden")

// subscriber is one live SSE connection.
type subscriber struct {
	id         uint64
	topics     []string // patterns from the "topic" query parameter
	authorized []string // mercure.subscribe patterns from the bearer, if any
	events     chan []byte
}

// Broker fans published events out to subscribed listeners. The zero value
// is not usable; construct with New.
type Broker struct {
	mu          sync.Mutex
	subscribers map[uint64]*subscriber
	nextID      uint64
	secret      []byte
}

// New returns an empty Broker and starts its keepalive loop, stopped when
// ctx is done. secret is the HS256 key bearer tokens must be signed with
// (internal/config defaults it to auth.DefaultSecret, the original's
// hardcoded key).
func New(ctx context.Context, secret []byte) *Broker {
	b := &Broker{subscribers: make(map[uint64]*subscriber), secret: secret}
	go b.keepalive(ctx)
	return b
}

// ClaimsFromAuthorizationHeader decodes and verifies the bearer carried in
// an HTTP Authorization header ("Bearer <token>"), returning empty Claims
// for a missing, non-bearer, or unverifiable header (spec.md §4.H: "Bearer
// optional").
func (b *Broker) ClaimsFromAuthorizationHeader(header string) auth.Claims {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return auth.Claims{}
	}
	return auth.Parse(strings.TrimPrefix(header, prefix), b.secret)
}

// Subscription is the handle returned by Subscribe: the event stream plus
// a Close to deregister when the HTTP client disconnects.
type Subscription struct {
	Events <-chan []byte

	broker *Broker
	id     uint64
}

// Close removes the subscription from the broker. Idempotent.
func (s *Subscription) Close() {
	s.broker.mu.Lock()
	delete(s.broker.subscribers, s.id)
	s.broker.mu.Unlock()
}

// Subscribe registers a new subscriber for topics, authorized by
// authorized (the bearer's mercure.subscribe claim, or nil for an
// anonymous caller). Immediately enqueues a "connected\n\n" event (spec.md
// §4.H Registration).
func Subscribe(b *Broker, topics, authorized []string) (*Subscription, error) {
	events := make(chan []byte, EventChannelCapacity)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[id] = &subscriber{id: id, topics: topics, authorized: authorized, events: events}
	b.mu.Unlock()

	select {
	case events <- []byte("connected\n\n"):
	default:
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
		return nil, ErrEventSendFailed
	}

	return &Subscription{Events: events, broker: b, id: id}, nil
}

// Publish decodes body as a URL-form-encoded Publication, authorizes it
// against bearer's mercure.publish claim, and fans it out to every
// matching, authorized subscriber. Returns the publication's id.
func (b *Broker) Publish(bearer string, body []byte) (string, error) {
	pub, err := parsePublication(body)
	if err != nil {
		return "", err
	}

	claims := auth.Parse(bearer, b.secret)
	if len(claims.Mercure.Publish) == 0 {
		return "", ErrUnauthorized
	}

	if pub.Private {
		for _, topic := range pub.Topic {
			if !anyMatch(claims.Mercure.Publish, []string{topic}) {
				return "", ErrForbidden
			}
		}
	}

	event := formatEvent(pub)

	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		if !anyMatch(s.topics, pub.Topic) {
			continue
		}
		authorizedToReceive := !pub.Private || anyMatch(s.authorized, pub.Topic)
		if !authorizedToReceive {
			continue
		}
		select {
		case s.events <- event:
		default:
			// Non-fatal: a single slow subscriber never blocks the fan-out
			// (spec.md §4.H step 4: "non-fatal").
		}
	}

	return pub.ID, nil
}

// keepalive ticks every KeepaliveInterval, sending a PING to every
// subscriber and evicting any whose channel is full (spec.md §4.H
// Keepalive).
func (b *Broker) keepalive(ctx context.Context) {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping := pingEvent()

			b.mu.Lock()
			for id, s := range b.subscribers {
				select {
				case s.events <- ping:
				default:
					delete(b.subscribers, id)
				}
			}
			b.mu.Unlock()
		}
	}
}

// SubscriberCount reports the number of live subscriptions. Intended for
// tests and metrics.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
