package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"nexus/internal/auth"
	"nexus/internal/core"
	"nexus/internal/protocol"
)

const testSecret = "test-secret"

type testEnv struct {
	room   *core.Room
	tokens *auth.Tokens
	url    string
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	reg := prometheus.NewRegistry()
	state := core.NewRoomState(core.DefaultOptions(), nil, core.NewMetrics(reg))
	room := core.NewRoom(state, 0)
	ctx, cancel := context.WithCancel(context.Background())
	go room.Run(ctx)

	if opts.Gatherer == nil {
		opts.Gatherer = reg
	}
	tokens := auth.NewTokens(testSecret, nil)
	api := New(room, nil, tokens, opts)
	ts := httptest.NewServer(api.Echo())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-room.Done()
	})
	return &testEnv{room: room, tokens: tokens, url: ts.URL}
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s: status %d: %s", url, resp.StatusCode, raw)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func TestHealthAndState(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	conn, err := env.room.Admit(ctx, "a", "10.0.0.1", false)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	env.room.Dispatch(ctx, "a", protocol.Message{
		Type:    protocol.TypeJoin,
		Profile: &protocol.ProfilePatch{DisplayName: protocol.String("alice")},
	})
	env.room.Dispatch(ctx, "a", protocol.Message{
		Type:  protocol.TypeSendMessage,
		Draft: &protocol.Draft{Text: "look", MediaRef: "blob-1", MediaType: "image/png"},
	})
	drainUntil(t, conn, protocol.TypeMessageReceived)

	var health healthResponse
	getJSON(t, env.url+"/health", &health)
	if health.Status != "ok" || health.Conns != 1 {
		t.Fatalf("unexpected health payload: %#v", health)
	}

	var state core.Snapshot
	getJSON(t, env.url+"/api/state", &state)
	if state.Conns != 1 || len(state.Participants) != 1 || state.Messages != 1 {
		t.Fatalf("unexpected state payload: %#v", state)
	}
	if state.Participants[0].DisplayName != "alice" {
		t.Fatalf("unexpected participant: %#v", state.Participants[0])
	}
	if state.SecondsRemaining <= 0 {
		t.Fatalf("seconds remaining = %d", state.SecondsRemaining)
	}

	var gallery []protocol.Media
	getJSON(t, env.url+"/api/gallery", &gallery)
	if len(gallery) != 1 || gallery[0].MediaRef != "blob-1" {
		t.Fatalf("unexpected gallery: %#v", gallery)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{})
	if _, err := env.room.Admit(context.Background(), "a", "", false); err != nil {
		t.Fatalf("admit: %v", err)
	}

	resp, err := http.Get(env.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "nexus_connections 1") {
		t.Fatalf("metrics output missing connection gauge:\n%s", body)
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	conn, err := env.room.Admit(ctx, "victim", "10.6.6.6", false)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}

	resp, err := http.Post(env.url+"/api/admin/kick/victim", "application/json", nil)
	if err != nil {
		t.Fatalf("POST kick: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	token, _, err := env.tokens.Mint(time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, env.url+"/api/admin/ban/victim", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST ban: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200 from ban, got %d: %s", resp.StatusCode, raw)
	}
	var out adminResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode ban response: %v", err)
	}
	if out.Result != protocol.ResultBanned || out.Until == 0 {
		t.Fatalf("unexpected ban response: %#v", out)
	}

	fd := drainUntil(t, conn, protocol.TypeForceDisconnect)
	if fd.Reason != protocol.ReasonAdminBanned {
		t.Fatalf("reason = %q", fd.Reason)
	}

	req, _ = http.NewRequest(http.MethodPost, env.url+"/api/admin/kick/victim", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST kick: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for departed connection, got %d", resp2.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, Options{AllowedOrigins: []string{"https://app.example"}})

	req, _ := http.NewRequest(http.MethodOptions, env.url+"/api/state", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Fatalf("allow origin = %q", got)
	}
}

func drainUntil(t *testing.T, c *core.Conn, typ string) protocol.Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg, ok := <-c.Send:
			if !ok {
				t.Fatalf("connection closed before %s", typ)
			}
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}
