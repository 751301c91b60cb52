package obs

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
)

var upgrader = websocket.Upgrader{}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeOBS runs a minimal obs-websocket v5 endpoint: handshake, then the
// given stream output states as StreamStateChanged events.
func fakeOBS(t *testing.T, authSalt, authChallenge string, states []string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		hello := map[string]any{}
		if authSalt != "" {
			hello["authentication"] = map[string]string{
				"challenge": authChallenge,
				"salt":      authSalt,
			}
		}
		require.NoError(t, conn.WriteJSON(message{Op: opHello, D: mustMarshal(hello)}))

		var identify message
		require.NoError(t, conn.ReadJSON(&identify))
		require.Equal(t, opIdentify, identify.Op)

		var d struct {
			RPCVersion     int    `json:"rpcVersion"`
			Authentication string `json:"authentication"`
		}
		require.NoError(t, json.Unmarshal(identify.D, &d))
		assert.Equal(t, 1, d.RPCVersion)
		if authSalt != "" {
			want := challengeResponse("hunter2", authSalt, authChallenge)
			if d.Authentication != want {
				// Auth failure: obs closes without Identified.
				return
			}
		}
		require.NoError(t, conn.WriteJSON(message{Op: opIdentified, D: mustMarshal(map[string]any{"negotiatedRpcVersion": 1})}))

		for _, state := range states {
			ev := map[string]any{
				"eventType": "StreamStateChanged",
				"eventData": map[string]any{
					"outputActive": strings.Contains(state, "STARTED"),
					"outputState":  state,
				},
			}
			require.NoError(t, conn.WriteJSON(message{Op: opEvent, D: mustMarshal(ev)}))
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func collect(t *testing.T, ch <-chan Signal, n int) []Signal {
	t.Helper()
	var got []Signal
	for len(got) < n {
		select {
		case s := <-ch:
			got = append(got, s)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d signals", len(got), n)
		}
	}
	return got
}

func TestStreamStateSignals(t *testing.T) {
	url := fakeOBS(t, "", "", []string{
		"OBS_WEBSOCKET_OUTPUT_STARTED",
		"OBS_WEBSOCKET_OUTPUT_STOPPED",
	})

	w := New(url, "", discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	got := collect(t, w.Signals(), 2)
	assert.Equal(t, []Signal{SessionStarted, SessionStopped}, got)
}

func TestIntermediateStatesIgnored(t *testing.T) {
	url := fakeOBS(t, "", "", []string{
		"OBS_WEBSOCKET_OUTPUT_STARTING",
		"OBS_WEBSOCKET_OUTPUT_STARTED",
		"OBS_WEBSOCKET_OUTPUT_STOPPING",
		"OBS_WEBSOCKET_OUTPUT_STOPPED",
	})

	w := New(url, "", discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	got := collect(t, w.Signals(), 2)
	assert.Equal(t, []Signal{SessionStarted, SessionStopped}, got)
}

func TestAuthenticatedHandshake(t *testing.T) {
	url := fakeOBS(t, "salt123", "challenge456", []string{
		"OBS_WEBSOCKET_OUTPUT_STARTED",
	})

	w := New(url, "hunter2", discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	got := collect(t, w.Signals(), 1)
	assert.Equal(t, []Signal{SessionStarted}, got)
}

func TestChallengeResponse(t *testing.T) {
	// Derivation is base64(sha256(base64(sha256(password+salt)) + challenge)).
	got := challengeResponse("supersecret", "salt", "challenge")
	assert.NotEmpty(t, got)
	assert.NotEqual(t, challengeResponse("supersecret", "other", "challenge"), got)
	assert.NotEqual(t, challengeResponse("wrong", "salt", "challenge"), got)
}

func TestRunStopsOnCancel(t *testing.T) {
	url := fakeOBS(t, "", "", nil)

	w := New(url, "", discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	// Signals channel is closed on exit.
	if _, ok := <-w.Signals(); ok {
		t.Fatal("signals channel still open")
	}
}
