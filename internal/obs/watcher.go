// Package obs watches an obs-websocket v5 endpoint for stream state so the
// detection engine can start and stop with the broadcast.
package obs

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	connectTimeout = 10 * time.Second
	reconnectWait  = 5 * time.Second

	// obs-websocket v5 opcodes.
	opHello      = 0
	opIdentify   = 1
	opIdentified = 2
	opEvent      = 5

	// EventSubscription::Outputs, covers StreamStateChanged.
	subOutputs = 1 << 6
)

// Signal is a session lifecycle notification.
type Signal int

const (
	SessionStarted Signal = iota
	SessionStopped
)

func (s Signal) String() string {
	if s == SessionStarted {
		return "session_started"
	}
	return "session_stopped"
}

// Watcher maintains a connection to obs-websocket and translates
// StreamStateChanged events into session signals.
type Watcher struct {
	url      string
	password string
	log      *slog.Logger
	signals  chan Signal
}

// New creates a Watcher for the given obs-websocket URL.
func New(url, password string, log *slog.Logger) *Watcher {
	return &Watcher{
		url:      url,
		password: password,
		log:      log,
		signals:  make(chan Signal, 4),
	}
}

// Signals delivers session lifecycle events. The channel is closed when
// Run returns.
func (w *Watcher) Signals() <-chan Signal { return w.signals }

// Run connects and reads until ctx is cancelled, reconnecting with a fixed
// wait after connection loss. OBS being down is a degraded condition, not
// an error; Run only returns on cancellation.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.signals)
	for {
		if err := w.session(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("obs connection lost", "error", err, "retry_in", reconnectWait)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectWait):
		}
	}
}

type message struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type helloData struct {
	Authentication *struct {
		Challenge string `json:"challenge"`
		Salt      string `json:"salt"`
	} `json:"authentication"`
}

type eventData struct {
	EventType string          `json:"eventType"`
	EventData json.RawMessage `json:"eventData"`
}

type streamStateData struct {
	OutputActive bool   `json:"outputActive"`
	OutputState  string `json:"outputState"`
}

func (w *Watcher) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, w.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.url, err)
	}
	defer conn.Close()

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := w.identify(conn); err != nil {
		return err
	}
	w.log.Info("connected to obs-websocket", "url", w.url)

	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if msg.Op != opEvent {
			continue
		}
		var ev eventData
		if err := json.Unmarshal(msg.D, &ev); err != nil {
			w.log.Warn("malformed obs event", "error", err)
			continue
		}
		if ev.EventType != "StreamStateChanged" {
			continue
		}
		var state streamStateData
		if err := json.Unmarshal(ev.EventData, &state); err != nil {
			w.log.Warn("malformed stream state event", "error", err)
			continue
		}
		switch state.OutputState {
		case "OBS_WEBSOCKET_OUTPUT_STARTED":
			w.emit(SessionStarted)
		case "OBS_WEBSOCKET_OUTPUT_STOPPED":
			w.emit(SessionStopped)
		}
	}
}

// identify performs the v5 handshake: read Hello, answer Identify with the
// challenge response, wait for Identified.
func (w *Watcher) identify(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(connectTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var hello message
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var hd helloData
	if err := json.Unmarshal(hello.D, &hd); err != nil {
		return fmt.Errorf("decode hello: %w", err)
	}

	identify := map[string]any{
		"rpcVersion":         1,
		"eventSubscriptions": subOutputs,
	}
	if hd.Authentication != nil {
		if w.password == "" {
			return fmt.Errorf("obs-websocket requires a password")
		}
		identify["authentication"] = challengeResponse(w.password,
			hd.Authentication.Salt, hd.Authentication.Challenge)
	}
	if err := conn.WriteJSON(message{Op: opIdentify, D: mustMarshal(identify)}); err != nil {
		return fmt.Errorf("send identify: %w", err)
	}

	var identified message
	if err := conn.ReadJSON(&identified); err != nil {
		return fmt.Errorf("read identified: %w", err)
	}
	if identified.Op != opIdentified {
		return fmt.Errorf("identify rejected, got op %d", identified.Op)
	}
	return nil
}

// challengeResponse derives the v5 auth string:
// base64(sha256(base64(sha256(password+salt)) + challenge)).
func challengeResponse(password, salt, challenge string) string {
	secret := sha256.Sum256([]byte(password + salt))
	b64Secret := base64.StdEncoding.EncodeToString(secret[:])
	response := sha256.Sum256([]byte(b64Secret + challenge))
	return base64.StdEncoding.EncodeToString(response[:])
}

func (w *Watcher) emit(s Signal) {
	select {
	case w.signals <- s:
	default:
		w.log.Warn("session signal dropped, consumer stalled", "signal", s)
	}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
