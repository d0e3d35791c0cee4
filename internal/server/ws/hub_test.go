package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

type chanBus struct {
	chans map[string]chan []byte
}

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	return b.chans[channel], nil
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHubBridgesBusToClients(t *testing.T) {
	bus := &chanBus{chans: map[string]chan []byte{
		"pairarb:events": make(chan []byte, 4),
		"pairarb:risk":   make(chan []byte, 4),
	}}
	hub := NewHub(bus, Config{Channels: []string{"pairarb:events", "pairarb:risk"}, Mode: "paper"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	status := readEnvelope(t, conn)
	assert.Equal(t, "status", status.Channel)

	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "unsubscribe", Channels: []string{"pairarb:events"}}))
	assert.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	// Give the read pump time to apply the unsubscribe.
	time.Sleep(50 * time.Millisecond)

	bus.chans["pairarb:events"] <- []byte(`{"kind":"leg_filled"}`)
	bus.chans["pairarb:risk"] <- []byte(`{"kind":"OneSidedExposure"}`)

	env := readEnvelope(t, conn)
	assert.Equal(t, "pairarb:risk", env.Channel)
	assert.JSONEq(t, `{"kind":"OneSidedExposure"}`, string(env.Payload))
}

func TestIsSubscribedWildcard(t *testing.T) {
	c := &client{subs: map[string]bool{"pairarb:*": true}}
	assert.True(t, c.isSubscribed("pairarb:risk"))
	assert.False(t, c.isSubscribed("other"))
}
