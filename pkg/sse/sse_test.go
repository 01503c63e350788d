package sse_test

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/wapchost/runtime/pkg/sse"
	"github.com/wapchost/runtime/pkg/sse/auth"
)

const testSecret = "test-secret"

func signedMercureToken(t *testing.T, subscribe, publish []string) string {
	t.Helper()
	claims := auth.Claims{Mercure: auth.MercureClaims{Subscribe: subscribe, Publish: publish}}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func drain(t *testing.T, events <-chan []byte) []byte {
	t.Helper()
	select {
	case b := <-events:
		return b
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestSubscribeReceivesConnectedEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := sse.New(ctx, []byte(testSecret))

	sub, err := sse.Subscribe(b, []string{"https://example.com/books/1"}, nil)
	require.NoError(t, err)
	defer sub.Close()

	require.Equal(t, []byte("connected\n\n"), drain(t, sub.Events))
}

func TestPublishFansOutToMatchingSubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := sse.New(ctx, []byte(testSecret))

	sub, err := sse.Subscribe(b, []string{"https://example.com/books/:id"}, nil)
	require.NoError(t, err)
	defer sub.Close()
	drain(t, sub.Events) // connected

	body := url.Values{
		"topic": {"https://example.com/books/1"},
		"data":  {"hello"},
	}.Encode()

	publisherToken := signedMercureToken(t, nil, []string{"https://example.com/books/1"})
	id, err := b.Publish(publisherToken, []byte(body))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got := drain(t, sub.Events)
	require.Contains(t, string(got), "data: hello\n")
}

func TestPublishSkipsNonMatchingSubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := sse.New(ctx, []byte(testSecret))

	sub, err := sse.Subscribe(b, []string{"https://example.com/books/99"}, nil)
	require.NoError(t, err)
	defer sub.Close()
	drain(t, sub.Events) // connected

	body := url.Values{
		"topic": {"https://example.com/books/1"},
		"data":  {"hello"},
	}.Encode()

	publisherToken := signedMercureToken(t, nil, []string{"https://example.com/books/1"})
	_, err = b.Publish(publisherToken, []byte(body))
	require.NoError(t, err)

	select {
	case ev := <-sub.Events:
		t.Fatalf("unexpected event delivered: %s", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishPrivateRequiresSubscriberAuthorization(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := sse.New(ctx, []byte(testSecret))

	anon, err := sse.Subscribe(b, []string{"https://example.com/books/1"}, nil)
	require.NoError(t, err)
	defer anon.Close()
	drain(t, anon.Events)

	authorized, err := sse.Subscribe(b, []string{"https://example.com/books/1"}, []string{"https://example.com/books/1"})
	require.NoError(t, err)
	defer authorized.Close()
	drain(t, authorized.Events)

	publisherToken := signedMercureToken(t, nil, []string{"https://example.com/books/1"})

	body := url.Values{
		"topic":   {"https://example.com/books/1"},
		"data":    {"secret"},
		"private": {"on"},
	}.Encode()

	_, err = b.Publish(publisherToken, []byte(body))
	require.NoError(t, err)

	got := drain(t, authorized.Events)
	require.Contains(t, string(got), "secret")

	select {
	case ev := <-anon.Events:
		t.Fatalf("anonymous subscriber should not receive private event: %s", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishWithoutPublishClaimIsUnauthorized(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := sse.New(ctx, []byte(testSecret))

	body := url.Values{"topic": {"https://example.com/books/1"}, "data": {"x"}}.Encode()
	_, err := b.Publish("", []byte(body))
	require.ErrorIs(t, err, sse.ErrUnauthorized)
}

func TestPublishWithWrongSigningKeyIsUnauthorized(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := sse.New(ctx, []byte(testSecret))

	claims := auth.Claims{Mercure: auth.MercureClaims{Publish: []string{"https://example.com/books/1"}}}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	forged, err := tok.SignedString([]byte("not-the-broker-secret"))
	require.NoError(t, err)

	body := url.Values{"topic": {"https://example.com/books/1"}, "data": {"x"}}.Encode()
	_, err = b.Publish(forged, []byte(body))
	require.ErrorIs(t, err, sse.ErrUnauthorized)
}

func TestPublishPrivateWithoutMatchingPublishClaimIsForbidden(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := sse.New(ctx, []byte(testSecret))

	publisherToken := signedMercureToken(t, nil, []string{"https://example.com/other"})

	body := url.Values{
		"topic":   {"https://example.com/books/1"},
		"data":    {"x"},
		"private": {"on"},
	}.Encode()

	_, err := b.Publish(publisherToken, []byte(body))
	require.ErrorIs(t, err, sse.ErrForbidden)
}

func TestSubscriptionCloseRemovesFromRegistry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := sse.New(ctx, []byte(testSecret))

	sub, err := sse.Subscribe(b, []string{"a"}, nil)
	require.NoError(t, err)
	drain(t, sub.Events)
	require.Equal(t, 1, b.SubscriberCount())

	sub.Close()
	require.Equal(t, 0, b.SubscriberCount())
}
