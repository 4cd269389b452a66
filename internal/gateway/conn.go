package gateway

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/claw/internal/agent"
	"github.com/haasonsaas/claw/pkg/models"
)

const (
	protocolVersion = 1
	pongWait        = 45 * time.Second
	writeWait       = 10 * time.Second
	pingInterval    = 30 * time.Second
	tickInterval    = 15 * time.Second
)

// outFrame is one queued outbound frame. Critical frames (res) are never
// dropped; event frames carry their family so the queue knows what it may
// evict under pressure.
type outFrame struct {
	data     []byte
	family   string
	critical bool
}

// outQueue is the bounded per-connection outbound buffer. When full, the
// oldest droppable event is evicted first; non-critical frames that cannot
// make room are discarded, critical frames always enter.
type outQueue struct {
	mu     sync.Mutex
	items  []outFrame
	max    int
	notify chan struct{}
	closed bool
}

func newOutQueue(max int) *outQueue {
	if max <= 0 {
		max = 128
	}
	return &outQueue{max: max, notify: make(chan struct{}, 1)}
}

func (q *outQueue) push(f outFrame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if len(q.items) >= q.max {
		if i := q.evictIndex(); i >= 0 {
			q.items = append(q.items[:i], q.items[i+1:]...)
		} else if !f.critical {
			return false
		}
	}
	q.items = append(q.items, f)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *outQueue) evictIndex() int {
	for i, f := range q.items {
		if !f.critical && droppable(f.family) {
			return i
		}
	}
	return -1
}

func (q *outQueue) pop() (outFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return outFrame{}, false
	}
	f := q.items[0]
	q.items = q.items[1:]
	return f, true
}

// wait polls until the queue drains or the timeout passes, so a final res
// gets onto the wire before the socket closes.
func (q *outQueue) wait(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		n := len(q.items)
		q.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (q *outQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
}

type talkState struct {
	Active  bool   `json:"active"`
	Mode    string `json:"mode,omitempty"`
	Codec   string `json:"codec,omitempty"`
	Session string `json:"session,omitempty"`
}

// conn is one WebSocket connection actor: a read loop, a write loop, and a
// bounded outbound queue between the broadcaster and the socket.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	id     string
	remote string
	queue  *outQueue

	connected  atomic.Bool
	nonce      string
	helloTimer *time.Timer

	mu    sync.Mutex
	owned map[string]*agent.Run
	node  string
	talk  talkState

	closeOnce sync.Once
}

func (c *conn) run() {
	defer c.close()
	go c.writeLoop()
	c.sendChallenge()
	c.armHelloTimer()
	c.readLoop()
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.helloTimer != nil {
			c.helloTimer.Stop()
		}
		c.srv.broadcast.unsubscribe(c)
		c.mu.Lock()
		owned := make([]*agent.Run, 0, len(c.owned))
		for _, run := range c.owned {
			owned = append(owned, run)
		}
		c.owned = nil
		c.mu.Unlock()
		for _, run := range owned {
			run.Abort()
		}
		c.queue.close()
		_ = c.ws.Close()
		c.srv.removeConn(c)
	})
}

func (c *conn) sendChallenge() {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		c.log.Error("challenge nonce", "err", err)
		c.cancel()
		return
	}
	c.nonce = hex.EncodeToString(buf)
	c.sendLocalEvent(models.EventFamilyChallenge, map[string]any{
		"nonce":    c.nonce,
		"protocol": protocolVersion,
	})
}

func (c *conn) armHelloTimer() {
	window := c.srv.config().Gateway.HelloWindow.Std()
	if window <= 0 {
		window = 10 * time.Second
	}
	c.helloTimer = time.AfterFunc(window, func() {
		if c.connected.Load() {
			return
		}
		c.log.Info("hello window expired", "conn", c.id, "remote", c.remote)
		c.sendLocalEvent(models.EventFamilyError, models.NewError(models.CodeAuth, "no hello within window"))
		c.queue.wait(writeWait)
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "auth"), deadline)
		c.cancel()
		_ = c.ws.Close()
	})
}

func (c *conn) readLoop() {
	cfg := c.srv.config().Gateway
	c.ws.SetReadLimit(cfg.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		switch messageType {
		case websocket.BinaryMessage:
			c.handleBinary(data)
			continue
		case websocket.TextMessage:
		default:
			continue
		}

		frame, err := decodeFrame(data)
		if err != nil {
			c.sendRes("", false, nil, models.NewError(models.CodeBadFrame, err.Error()))
			continue
		}
		c.srv.metrics().FramesTotal.WithLabelValues(models.FrameReq).Inc()

		if rl := cfg.RateLimit; rl.Enabled && !c.srv.reqLimiter.Allow(c.remote) {
			c.sendRes(frame.ID, false, nil, &models.Error{
				Code:      models.CodeRateLimited,
				Message:   "request rate exceeded",
				Retryable: true,
			})
			continue
		}

		if !c.connected.Load() {
			if frame.Method != "hello" {
				c.sendRes(frame.ID, false, nil,
					models.NewError(models.CodeNotConnected, "hello required first"))
				continue
			}
			if !c.handleHello(frame) {
				return
			}
			continue
		}
		if frame.Method == "hello" {
			c.sendRes(frame.ID, false, nil,
				models.NewError(models.CodeBadFrame, "hello already completed"))
			continue
		}

		c.handleRequest(frame)
	}
}

func decodeFrame(raw []byte) (*models.GatewayFrame, error) {
	var frame models.GatewayFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if frame.Type == "" {
		frame.Type = models.FrameReq
	}
	if frame.Type != models.FrameReq {
		return nil, fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	if frame.ID == "" {
		return nil, fmt.Errorf("req frame without id")
	}
	if frame.Method == "" {
		return nil, fmt.Errorf("req frame without method")
	}
	return &frame, nil
}

func (c *conn) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		case <-c.queue.notify:
			for {
				f, ok := c.queue.pop()
				if !ok {
					break
				}
				_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.ws.WriteMessage(websocket.TextMessage, f.data); err != nil {
					c.cancel()
					return
				}
			}
		}
	}
}

// hello handshake

type helloParams struct {
	Protocol int               `json:"protocol,omitempty"`
	Client   helloClient       `json:"client"`
	Auth     helloAuth         `json:"auth"`
	SinceSeq map[string]uint64 `json:"since_seq,omitempty"`
}

type helloClient struct {
	ID       string `json:"id,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type helloAuth struct {
	Token        string `json:"token,omitempty"`
	Password     string `json:"password,omitempty"`
	PairingToken string `json:"pairing_token,omitempty"`
}

// handleHello authenticates the connection. Returns false when the
// connection must be torn down.
func (c *conn) handleHello(frame *models.GatewayFrame) bool {
	var params helloParams
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			c.sendRes(frame.ID, false, nil, models.NewError(models.CodeBadFrame, "invalid hello params"))
			return true
		}
	}
	if params.Protocol != 0 && params.Protocol != protocolVersion {
		c.sendRes(frame.ID, false, nil,
			models.NewError(models.CodeBadFrame, fmt.Sprintf("unsupported protocol %d", params.Protocol)))
		return true
	}

	cfg := c.srv.config().Gateway
	node, err := c.authenticate(cfg.AuthToken, cfg.PasswordHash, cfg.PairingSecret, params.Auth)
	if err != nil {
		c.log.Info("hello rejected", "conn", c.id, "remote", c.remote, "err", err)
		c.sendRes(frame.ID, false, nil, models.NewError(models.CodeAuth, "authentication failed"))
		c.queue.wait(writeWait)
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "auth"), deadline)
		return false
	}

	c.mu.Lock()
	c.node = node
	c.mu.Unlock()
	c.connected.Store(true)
	if c.helloTimer != nil {
		c.helloTimer.Stop()
	}

	payload := c.helloOkPayload()
	c.sendRes(frame.ID, true, payload, nil)
	c.sendLocalEvent("hello.ok", payload)

	// Subscribe and replay atomically so no event falls between the
	// replayed tail and the live stream.
	c.srv.broadcast.subscribeReplay(c, params.SinceSeq)

	go c.tickLoop()
	c.log.Info("client connected", "conn", c.id, "client", params.Client.ID, "node", node)
	return true
}

// authenticate checks the hello proof against the configured credentials.
// Returns the paired node id when a pairing token was used.
func (c *conn) authenticate(token, passwordHash, pairingSecret string, auth helloAuth) (string, error) {
	if token == "" && passwordHash == "" && pairingSecret == "" {
		return "", nil
	}
	if auth.PairingToken != "" && pairingSecret != "" {
		return c.verifyPairingToken(auth.PairingToken, pairingSecret)
	}
	if auth.Token != "" && token != "" {
		if subtle.ConstantTimeCompare([]byte(auth.Token), []byte(token)) == 1 {
			return "", nil
		}
		return "", fmt.Errorf("token mismatch")
	}
	if auth.Password != "" && passwordHash != "" {
		sum := sha256.Sum256([]byte(auth.Password))
		got := hex.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(got), []byte(passwordHash)) == 1 {
			return "", nil
		}
		return "", fmt.Errorf("password mismatch")
	}
	return "", fmt.Errorf("no usable auth proof")
}

func (c *conn) verifyPairingToken(raw, secret string) (string, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !tok.Valid {
		return "", fmt.Errorf("invalid pairing token")
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid pairing claims")
	}
	node, _ := claims["sub"].(string)
	if node == "" {
		return "", fmt.Errorf("pairing token without subject")
	}
	if !c.srv.nodeApproved(node) {
		return "", fmt.Errorf("node %q not approved", node)
	}
	return node, nil
}

func (c *conn) helloOkPayload() map[string]any {
	cfg := c.srv.config().Gateway
	return map[string]any{
		"protocol": protocolVersion,
		"server": map[string]any{
			"version": c.srv.deps.Version,
			"conn":    c.id,
		},
		"features": map[string]any{
			"methods": supportedMethods(),
			"events":  supportedEvents(),
		},
		"policy": map[string]any{
			"max_frame_bytes":  cfg.MaxFrameBytes,
			"tick_interval_ms": tickInterval.Milliseconds(),
		},
		"seq":      c.srv.broadcast.Seqs(),
		"snapshot": c.srv.healthSnapshot(),
	}
}

func (c *conn) tickLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sendLocalEvent(models.EventFamilyTick, map[string]any{
				"timestamp": time.Now().UnixMilli(),
			})
		}
	}
}

// handleBinary receives voice frames while a talk session is active. The
// audio input pipeline lives outside the daemon; frames arriving with no
// active talk session are discarded.
func (c *conn) handleBinary(data []byte) {
	c.mu.Lock()
	active := c.talk.Active
	c.mu.Unlock()
	if !active {
		return
	}
	c.log.Debug("talk audio frame", "conn", c.id, "bytes", len(data))
}

// outbound helpers

func (c *conn) enqueueEvent(ev stampedEvent) {
	if !c.connected.Load() {
		return
	}
	seq := ev.seq
	frame := models.GatewayFrame{
		Type:    models.FrameEvent,
		Event:   ev.family,
		Payload: ev.payload,
		Seq:     &seq,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if c.queue.push(outFrame{data: data, family: ev.family}) {
		c.srv.metrics().FramesTotal.WithLabelValues(models.FrameEvent).Inc()
	}
}

func (c *conn) sendLocalEvent(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	frame := models.GatewayFrame{
		Type:    models.FrameEvent,
		Event:   event,
		Payload: raw,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if c.queue.push(outFrame{data: data, family: event}) {
		c.srv.metrics().FramesTotal.WithLabelValues(models.FrameEvent).Inc()
	}
}

func (c *conn) sendRes(id string, ok bool, payload any, wireErr *models.Error) {
	frame := models.GatewayFrame{
		Type:  models.FrameRes,
		ID:    id,
		OK:    &ok,
		Error: wireErr,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			ok = false
			frame.OK = &ok
			frame.Error = models.NewError(models.CodeInternal, "payload encoding failed")
		} else {
			frame.Payload = raw
		}
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.queue.push(outFrame{data: data, critical: true})
	c.srv.metrics().FramesTotal.WithLabelValues(models.FrameRes).Inc()
}

func (c *conn) trackRun(run *agent.Run) {
	c.mu.Lock()
	if c.owned == nil {
		c.owned = make(map[string]*agent.Run)
	}
	c.owned[run.ID] = run
	c.mu.Unlock()
	go func() {
		select {
		case <-run.Done():
		case <-c.ctx.Done():
			return
		}
		c.mu.Lock()
		delete(c.owned, run.ID)
		c.mu.Unlock()
	}()
}
