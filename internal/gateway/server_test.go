package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/claw/internal/agent"
	"github.com/haasonsaas/claw/internal/config"
	"github.com/haasonsaas/claw/internal/providers"
	"github.com/haasonsaas/claw/internal/sessions"
	"github.com/haasonsaas/claw/internal/tools"
	"github.com/haasonsaas/claw/internal/tools/policy"
	"github.com/haasonsaas/claw/pkg/models"
)

const testToken = "secret-token"

// cannedCompleter answers every completion with the same text reply.
type cannedCompleter struct {
	reply string
}

func (c *cannedCompleter) Complete(_ context.Context, req *providers.CompletionRequest, _ []string) (<-chan *providers.Chunk, string, error) {
	out := make(chan *providers.Chunk, 2)
	out <- &providers.Chunk{Text: c.reply}
	out <- &providers.Chunk{Done: true, StopReason: models.StopEndTurn, InputTokens: 3, OutputTokens: 2}
	close(out)
	return out, req.Model, nil
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 0
	cfg.Gateway.AuthToken = testToken
	if mutate != nil {
		mutate(cfg)
	}
	holder := config.NewHolder(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store, err := sessions.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	reg := tools.NewRegistry()
	sandbox := &policy.Sandbox{Root: t.TempDir()}
	pipeline := tools.NewPipeline(reg, sandbox, 5*time.Second,
		func(*tools.Invocation) policy.Policy { return policy.Policy{Profile: policy.ProfileFull} })
	rt := agent.NewRuntime(ctx, store, sessions.NewLocker(), pipeline,
		&cannedCompleter{reply: "hello back"},
		&agent.PromptSource{Preamble: "You are a test assistant."},
		func() agent.Options { return agent.DefaultOptions() })

	srv := NewServer(ctx, Deps{
		Config:  holder,
		Store:   store,
		Runtime: rt,
		Version: "test",
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		srv.Shutdown(sctx)
	})
	return srv
}

func dialWS(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) *models.GatewayFrame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f models.GatewayFrame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return &f
}

func sendReq(t *testing.T, ws *websocket.Conn, id, method string, params any) {
	t.Helper()
	frame := map[string]any{"type": "req", "id": id, "method": method}
	if params != nil {
		frame["params"] = params
	}
	if err := ws.WriteJSON(frame); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}
}

// awaitRes reads frames until the res with the given id arrives, returning
// it plus any event frames seen on the way.
func awaitRes(t *testing.T, ws *websocket.Conn, id string) (*models.GatewayFrame, []*models.GatewayFrame) {
	t.Helper()
	var events []*models.GatewayFrame
	for i := 0; i < 200; i++ {
		f := readFrame(t, ws)
		if f.Type == models.FrameRes && f.ID == id {
			return f, events
		}
		if f.Type == models.FrameEvent {
			events = append(events, f)
		}
	}
	t.Fatalf("no res for id %s", id)
	return nil, nil
}

// readChallenge consumes the connect.challenge event and returns the nonce.
func readChallenge(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	f := readFrame(t, ws)
	if f.Type != models.FrameEvent || f.Event != models.EventFamilyChallenge {
		t.Fatalf("first frame = %s %s, want connect.challenge event", f.Type, f.Event)
	}
	var payload struct {
		Nonce string `json:"nonce"`
	}
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		t.Fatalf("challenge payload: %v", err)
	}
	if payload.Nonce == "" {
		t.Fatal("challenge without nonce")
	}
	return payload.Nonce
}

func doHello(t *testing.T, ws *websocket.Conn, extra map[string]any) *models.GatewayFrame {
	t.Helper()
	readChallenge(t, ws)
	params := map[string]any{
		"client": map[string]any{"id": "test-client", "version": "0.0.1"},
		"auth":   map[string]any{"token": testToken},
	}
	for k, v := range extra {
		params[k] = v
	}
	sendReq(t, ws, "hello-1", "hello", params)
	res, _ := awaitRes(t, ws, "hello-1")
	if res.OK == nil || !*res.OK {
		t.Fatalf("hello rejected: %+v", res.Error)
	}
	return res
}

func TestHandshakeAndHello(t *testing.T) {
	srv := newTestServer(t, nil)
	ws := dialWS(t, srv)

	res := doHello(t, ws, nil)
	var payload struct {
		Protocol int                 `json:"protocol"`
		Features map[string][]string `json:"features"`
		Seq      map[string]uint64   `json:"seq"`
	}
	if err := json.Unmarshal(res.Payload, &payload); err != nil {
		t.Fatalf("hello payload: %v", err)
	}
	if payload.Protocol != protocolVersion {
		t.Errorf("protocol = %d, want %d", payload.Protocol, protocolVersion)
	}
	if len(payload.Features["methods"]) == 0 {
		t.Error("hello.ok lists no methods")
	}

	// The hello.ok event follows the res.
	f := readFrame(t, ws)
	if f.Type != models.FrameEvent || f.Event != "hello.ok" {
		t.Errorf("frame after hello res = %s %s, want hello.ok event", f.Type, f.Event)
	}
}

func TestHelloBadToken(t *testing.T) {
	srv := newTestServer(t, nil)
	ws := dialWS(t, srv)
	readChallenge(t, ws)

	sendReq(t, ws, "h", "hello", map[string]any{
		"auth": map[string]any{"token": "wrong"},
	})
	res, _ := awaitRes(t, ws, "h")
	if res.OK == nil || *res.OK {
		t.Fatal("hello with bad token accepted")
	}
	if res.Error == nil || res.Error.Code != models.CodeAuth {
		t.Errorf("error = %+v, want code auth", res.Error)
	}

	// The server closes the socket after a failed handshake.
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f models.GatewayFrame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
	}
}

func TestMethodBeforeHello(t *testing.T) {
	srv := newTestServer(t, nil)
	ws := dialWS(t, srv)
	readChallenge(t, ws)

	sendReq(t, ws, "r1", "sessions.list", nil)
	res, _ := awaitRes(t, ws, "r1")
	if res.Error == nil || res.Error.Code != models.CodeNotConnected {
		t.Errorf("error = %+v, want not_connected", res.Error)
	}
}

func TestHelloTimeout(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Gateway.HelloWindow = config.Duration(100 * time.Millisecond)
	})
	ws := dialWS(t, srv)
	readChallenge(t, ws)

	// No hello: expect an auth error event and then a closed socket.
	sawAuthError := false
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var f models.GatewayFrame
		if err := ws.ReadJSON(&f); err != nil {
			break
		}
		if f.Type == models.FrameEvent && f.Event == models.EventFamilyError {
			var wireErr models.Error
			if json.Unmarshal(f.Payload, &wireErr) == nil && wireErr.Code == models.CodeAuth {
				sawAuthError = true
			}
		}
	}
	if !sawAuthError {
		t.Error("no auth error event before close")
	}
}

func TestMethodNotFound(t *testing.T) {
	srv := newTestServer(t, nil)
	ws := dialWS(t, srv)
	doHello(t, ws, nil)

	sendReq(t, ws, "r1", "no.such.method", nil)
	res, _ := awaitRes(t, ws, "r1")
	if res.Error == nil || res.Error.Code != models.CodeMethodNotFound {
		t.Errorf("error = %+v, want method_not_found", res.Error)
	}
}

func TestBadFrame(t *testing.T) {
	srv := newTestServer(t, nil)
	ws := dialWS(t, srv)
	doHello(t, ws, nil)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	res, _ := awaitRes(t, ws, "")
	if res.Error == nil || res.Error.Code != models.CodeBadFrame {
		t.Errorf("error = %+v, want bad_frame", res.Error)
	}
}

func TestChannelsLoginLogoutWithoutHub(t *testing.T) {
	srv := newTestServer(t, nil)
	ws := dialWS(t, srv)
	doHello(t, ws, nil)

	for i, method := range []string{"channels.login", "channels.logout"} {
		id := fmt.Sprintf("c%d", i)
		sendReq(t, ws, id, method, map[string]any{"channel": "slack"})
		res, _ := awaitRes(t, ws, id)
		if res.Error == nil || res.Error.Code != models.CodeBadFrame {
			t.Errorf("%s error = %+v, want bad_frame", method, res.Error)
		}
	}
}

func TestAgentRunOverGateway(t *testing.T) {
	srv := newTestServer(t, nil)
	ws := dialWS(t, srv)
	doHello(t, ws, nil)

	sendReq(t, ws, "send-1", "agent", map[string]any{
		"peer":    "alice",
		"message": "hi",
	})
	res, early := awaitRes(t, ws, "send-1")
	if res.OK == nil || !*res.OK {
		t.Fatalf("agent rejected: %+v", res.Error)
	}
	var started struct {
		RunID   string `json:"run_id"`
		Session string `json:"session"`
	}
	if err := json.Unmarshal(res.Payload, &started); err != nil {
		t.Fatalf("agent payload: %v", err)
	}
	if started.RunID == "" || started.Session == "" {
		t.Fatalf("agent payload = %+v", started)
	}

	sendReq(t, ws, "wait-1", "agent.wait", map[string]any{"run_id": started.RunID})
	waitRes, late := awaitRes(t, ws, "wait-1")
	events := append(early, late...)
	var done struct {
		Status string `json:"status"`
		Text   string `json:"text"`
	}
	if err := json.Unmarshal(waitRes.Payload, &done); err != nil {
		t.Fatalf("wait payload: %v", err)
	}
	if done.Status != string(models.RunOK) || done.Text != "hello back" {
		t.Errorf("wait = %+v", done)
	}

	sawFinal := false
	for _, f := range events {
		if f.Event != models.EventFamilyAgent {
			continue
		}
		if f.Seq == nil {
			t.Error("agent.event without seq")
		}
		var e models.AgentEvent
		if err := json.Unmarshal(f.Payload, &e); err != nil {
			t.Fatalf("agent.event payload: %v", err)
		}
		if e.Type == models.EventBlockReply && e.IsFinal {
			sawFinal = true
		}
	}
	if !sawFinal {
		t.Error("no final block_reply event broadcast")
	}

	// The completed turn is on the transcript.
	sendReq(t, ws, "prev-1", "sessions.preview", map[string]any{"session": started.Session})
	prevRes, _ := awaitRes(t, ws, "prev-1")
	var preview struct {
		Entries []models.TranscriptEntry `json:"entries"`
	}
	if err := json.Unmarshal(prevRes.Payload, &preview); err != nil {
		t.Fatalf("preview payload: %v", err)
	}
	if len(preview.Entries) != 2 {
		t.Fatalf("transcript entries = %d, want 2", len(preview.Entries))
	}
	if preview.Entries[0].Kind != models.EntryUser || preview.Entries[1].Kind != models.EntryAssistant {
		t.Errorf("entry kinds = %s, %s", preview.Entries[0].Kind, preview.Entries[1].Kind)
	}
}

func TestSessionsPatchResetDelete(t *testing.T) {
	srv := newTestServer(t, nil)
	ws := dialWS(t, srv)
	doHello(t, ws, nil)

	sendReq(t, ws, "s1", "agent", map[string]any{"peer": "bob", "message": "hi"})
	res, _ := awaitRes(t, ws, "s1")
	var started struct {
		RunID   string `json:"run_id"`
		Session string `json:"session"`
	}
	if err := json.Unmarshal(res.Payload, &started); err != nil {
		t.Fatalf("agent payload: %v", err)
	}
	sendReq(t, ws, "w1", "agent.wait", map[string]any{"run_id": started.RunID})
	awaitRes(t, ws, "w1")

	sendReq(t, ws, "p1", "sessions.patch", map[string]any{
		"session": started.Session,
		"label":   "bob's chat",
	})
	patchRes, _ := awaitRes(t, ws, "p1")
	var patched struct {
		Meta models.SessionMeta `json:"meta"`
	}
	if err := json.Unmarshal(patchRes.Payload, &patched); err != nil {
		t.Fatalf("patch payload: %v", err)
	}
	if patched.Meta.Label != "bob's chat" {
		t.Errorf("label = %q", patched.Meta.Label)
	}

	sendReq(t, ws, "r1", "sessions.reset", map[string]any{"session": started.Session})
	awaitRes(t, ws, "r1")
	sendReq(t, ws, "pv1", "sessions.preview", map[string]any{"session": started.Session})
	prevRes, _ := awaitRes(t, ws, "pv1")
	var preview struct {
		Entries []models.TranscriptEntry `json:"entries"`
		Meta    models.SessionMeta       `json:"meta"`
	}
	if err := json.Unmarshal(prevRes.Payload, &preview); err != nil {
		t.Fatalf("preview payload: %v", err)
	}
	if len(preview.Entries) != 0 {
		t.Errorf("entries after reset = %d", len(preview.Entries))
	}
	if preview.Meta.LastResetAt == nil {
		t.Error("reset did not stamp last_reset_at")
	}

	sendReq(t, ws, "d1", "sessions.delete", map[string]any{"session": started.Session})
	delRes, _ := awaitRes(t, ws, "d1")
	if delRes.OK == nil || !*delRes.OK {
		t.Fatalf("delete failed: %+v", delRes.Error)
	}
}

func TestSinceSeqReplay(t *testing.T) {
	srv := newTestServer(t, nil)

	for i := 1; i <= 3; i++ {
		srv.Broadcast().Publish(models.EventFamilySession, map[string]int{"n": i})
	}

	ws := dialWS(t, srv)
	doHello(t, ws, map[string]any{
		"since_seq": map[string]uint64{models.EventFamilySession: 1},
	})

	var seqs []uint64
	deadline := time.Now().Add(3 * time.Second)
	for len(seqs) < 2 && time.Now().Before(deadline) {
		f := readFrame(t, ws)
		if f.Type == models.FrameEvent && f.Event == models.EventFamilySession && f.Seq != nil {
			seqs = append(seqs, *f.Seq)
		}
	}
	if len(seqs) != 2 || seqs[0] != 2 || seqs[1] != 3 {
		t.Errorf("replayed seqs = %v, want [2 3]", seqs)
	}
}

func TestRequestRateLimited(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Gateway.RateLimit = config.RateLimitConfig{
			Enabled:        true,
			RequestsPerSec: 0.01,
			RequestBurst:   1,
			ConnectsPerSec: 10,
			ConnectBurst:   10,
		}
	})
	ws := dialWS(t, srv)
	doHello(t, ws, nil)

	// The hello consumed the only token in the bucket.
	sendReq(t, ws, "r1", "sessions.list", nil)
	res, _ := awaitRes(t, ws, "r1")
	if res.Error == nil || res.Error.Code != models.CodeRateLimited {
		t.Fatalf("error = %+v, want rate_limited", res.Error)
	}
	if !res.Error.Retryable {
		t.Error("rate_limited should be retryable")
	}
}

func TestConnectionRateLimited(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Gateway.RateLimit = config.RateLimitConfig{
			Enabled:        true,
			RequestsPerSec: 100,
			RequestBurst:   100,
			ConnectsPerSec: 0.01,
			ConnectBurst:   1,
		}
	})
	dialWS(t, srv)

	if _, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil); err == nil {
		t.Fatal("second connection accepted past the connect bucket")
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, err := http.Get("http://" + srv.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var health struct {
		OK          bool            `json:"ok"`
		Version     string          `json:"version"`
		UptimeS     *int64          `json:"uptime_s"`
		Connections *int            `json:"connections"`
		Providers   json.RawMessage `json:"providers"`
		Channels    json.RawMessage `json:"channels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !health.OK || health.Version != "test" {
		t.Errorf("health = ok:%v version:%q", health.OK, health.Version)
	}
	if health.UptimeS == nil || health.Connections == nil {
		t.Error("health missing uptime_s or connections")
	}
	if health.Providers == nil || health.Channels == nil {
		t.Error("health missing providers or channels")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestDisconnectAbortsOwnedRun(t *testing.T) {
	srv := newTestServer(t, nil)
	ws := dialWS(t, srv)
	doHello(t, ws, nil)

	sendReq(t, ws, "s1", "agent", map[string]any{"peer": "eve", "message": "hi"})
	res, _ := awaitRes(t, ws, "s1")
	var started struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(res.Payload, &started); err != nil {
		t.Fatalf("agent payload: %v", err)
	}
	run, ok := srv.deps.Runtime.Runs().Get(started.RunID)
	if !ok {
		t.Fatal("run not registered")
	}
	_ = ws.Close()

	select {
	case <-run.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("run still live after disconnect")
	}
}
