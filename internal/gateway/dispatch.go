package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/haasonsaas/claw/internal/agent"
	"github.com/haasonsaas/claw/internal/config"
	"github.com/haasonsaas/claw/internal/providers"
	"github.com/haasonsaas/claw/pkg/models"
)

// handleRequest runs one authenticated req frame through the dispatch
// table, guaranteeing exactly one res. Handler panics surface as internal
// errors tagged with the request id, never as a dropped response.
func (c *conn) handleRequest(frame *models.GatewayFrame) {
	// agent.wait parks until the run reaches a terminal state; it runs off
	// the read loop so abort and status requests on the same connection
	// still get served in the meantime.
	if frame.Method == "agent.wait" {
		go c.respond(frame)
		return
	}
	c.respond(frame)
}

func (c *conn) respond(frame *models.GatewayFrame) {
	payload, wireErr := c.safeDispatch(frame)
	if wireErr != nil {
		c.sendRes(frame.ID, false, nil, wireErr)
		return
	}
	c.sendRes(frame.ID, true, payload, nil)
}

func (c *conn) safeDispatch(frame *models.GatewayFrame) (payload any, wireErr *models.Error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler panic", "method", frame.Method, "id", frame.ID, "panic", r)
			payload = nil
			wireErr = models.NewError(models.CodeInternal, "internal error")
		}
	}()
	return c.dispatch(frame)
}

func (c *conn) dispatch(frame *models.GatewayFrame) (any, *models.Error) {
	switch frame.Method {
	case "ping":
		return map[string]any{"timestamp": time.Now().UnixMilli()}, nil
	case "sessions.list":
		return c.handleSessionsList()
	case "sessions.preview":
		return c.handleSessionsPreview(frame)
	case "sessions.patch":
		return c.handleSessionsPatch(frame)
	case "sessions.reset":
		return c.handleSessionsReset(frame)
	case "sessions.delete":
		return c.handleSessionsDelete(frame)
	case "sessions.compact":
		return c.handleSessionsCompact(frame)
	case "agent":
		return c.handleAgentSend(frame)
	case "agent.abort":
		return c.handleAgentAbort(frame)
	case "agent.status":
		return c.handleAgentStatus(frame)
	case "agent.wait":
		return c.handleAgentWait(frame)
	case "config.get":
		return c.handleConfigGet()
	case "config.set":
		return c.handleConfigSet(frame)
	case "config.reload":
		return c.handleConfigReload()
	case "channels.status":
		return c.handleChannelsStatus()
	case "channels.login":
		return c.handleChannelsLogin(frame)
	case "channels.logout":
		return c.handleChannelsLogout(frame)
	case "models.list":
		return c.handleModelsList()
	case "cron.list":
		return c.handleCronList()
	case "cron.add":
		return c.handleCronAdd(frame)
	case "cron.remove":
		return c.handleCronRemove(frame)
	case "cron.trigger":
		return c.handleCronTrigger(frame)
	case "skills.list":
		return c.handleSkillsList()
	case "skills.get":
		return c.handleSkillsGet(frame)
	case "skills.install", "skills.update":
		return c.handleSkillsInstall(frame)
	case "skills.reload":
		return c.handleSkillsReload()
	case "talk.mode":
		return c.handleTalkMode(frame)
	case "talk.config":
		return c.handleTalkConfig(frame)
	case "talk.start":
		return c.handleTalkStart(frame)
	case "talk.stop":
		return c.handleTalkStop()
	case "node.pair.request":
		return c.handleNodePairRequest(frame)
	case "node.pair.approve":
		return c.handleNodePairApprove(frame)
	case "node.pair.invoke":
		return c.handleNodePairInvoke(frame)
	case "node.pair.event":
		return c.handleNodePairEvent(frame)
	case "wake":
		return c.handleWake(frame)
	default:
		return nil, models.NewError(models.CodeMethodNotFound, fmt.Sprintf("unknown method %q", frame.Method))
	}
}

func decodeInto(frame *models.GatewayFrame, dst any) *models.Error {
	if len(frame.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(frame.Params, dst); err != nil {
		return models.NewError(models.CodeBadFrame, "invalid params: "+err.Error())
	}
	return nil
}

func internalErr(err error) *models.Error {
	return models.NewError(models.CodeInternal, err.Error())
}

// sessions.*

type sessionParams struct {
	Session string `json:"session"`
	Limit   int    `json:"limit,omitempty"`
}

func (c *conn) handleSessionsList() (any, *models.Error) {
	return map[string]any{"sessions": c.srv.deps.Store.List()}, nil
}

func (c *conn) handleSessionsPreview(frame *models.GatewayFrame) (any, *models.Error) {
	var params sessionParams
	if we := decodeInto(frame, &params); we != nil {
		return nil, we
	}
	meta, err := c.srv.deps.Store.Get(params.Session)
	if err != nil {
		return nil, internalErr(err)
	}
	entries, err := c.srv.deps.Store.ReadTranscript(params.Session)
	if err != nil {
		return nil, internalErr(err)
	}
	limit := params.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return map[string]any{"meta": meta, "entries": entries}, nil
}

type sessionsPatchParams struct {
	Session       string  `json:"session"`
	Label         *string `json:"label,omitempty"`
	ModelOverride *string `json:"model_override,omitempty"`
	ThinkingLevel *string `json:"thinking_level,omitempty"`
}

func (c *conn) handleSessionsPatch(frame *models.GatewayFrame) (any, *models.Error) {
	var params sessionsPatchParams
	if we := decodeInto(frame, &params); we != nil {
		return nil, we
	}
	patch := models.MetaPatch{
		Label:         params.Label,
		ModelOverride: params.ModelOverride,
	}
	if params.ThinkingLevel != nil {
		level := models.ThinkingLevel(*params.ThinkingLevel)
		switch level {
		case models.ThinkingOff, models.ThinkingLow, models.ThinkingMedium, models.ThinkingHigh:
		default:
			return nil, models.NewError(models.CodeBadFrame, fmt.Sprintf("unknown thinking level %q", level))
		}
		patch.ThinkingLevel = &level
	}
	meta, err := c.srv.deps.Store.PatchMeta(params.Session, patch)
	if err != nil {
		return nil, internalErr(err)
	}
	return map[string]any{"meta": meta}, nil
}

func (c *conn) handleSessionsReset(frame *models.GatewayFrame) (any, *models.Error) {
	var params sessionParams
	if we := decodeInto(frame, &params); we != nil {
		return nil, we
	}
	if err := c.srv.deps.Store.Reset(params.Session); err != nil {
		return nil, internalErr(err)
	}
	return map[string]any{"reset": true}, nil
}

func (c *conn) handleSessionsDelete(frame *models.GatewayFrame) (any, *models.Error) {
	var params sessionParams
	if we := decodeInto(frame, &params); we != nil {
		return nil, we
	}
	if err := c.srv.deps.Store.Delete(params.Session); err != nil {
		return nil, internalErr(err)
	}
	return map[string]any{"deleted": true}, nil
}

// handleSessionsCompact forces the summarizing compaction stage and
// rewrites the transcript, returning the new entry count.
func (c *conn) handleSessionsCompact(frame *models.GatewayFrame) (any, *models.Error) {
	var params sessionParams
	if we := decodeInto(frame, &params); we != nil {
		return nil, we
	}
	entries, err := c.srv.deps.Store.ReadTranscript(params.Session)
	if err != nil {
		return nil, internalErr(err)
	}
	cfg := c.srv.config().Agent
	cc := agent.DefaultCompactionConfig()
	if cfg.KeepRecentPairs > 0 {
		cc.KeepRecentPairs = cfg.KeepRecentPairs
	}
	if cfg.ToolResultHead > 0 {
		cc.ToolResultHead = cfg.ToolResultHead
	}
	if cfg.ToolResultTail > 0 {
		cc.ToolResultTail = cfg.ToolResultTail
	}
	compacted, changed := agent.Compact(entries, 2, cc)
	if changed {
		if err := c.srv.deps.Store.ReplaceTranscript(params.Session, compacted); err != nil {
			return nil, internalErr(err)
		}
	}
	return map[string]any{"entries": len(compacted), "changed": changed}, nil
}

// agent*

type agentSendParams struct {
	Session string `json:"session,omitempty"`

	Channel  string `json:"channel,omitempty"`
	Account  string `json:"account,omitempty"`
	ChatType string `json:"chat_type,omitempty"`
	Peer     string `json:"peer,omitempty"`
	Scope    string `json:"scope,omitempty"`

	Message string `json:"message"`
}

func (c *conn) handleAgentSend(frame *models.GatewayFrame) (any, *models.Error) {
	var params agentSendParams
	if we := decodeInto(frame, &params); we != nil {
		return nil, we
	}
	if strings.TrimSpace(params.Message) == "" {
		return nil, models.NewError(models.CodeBadFrame, "message is required")
	}

	var key models.SessionKey
	switch {
	case params.Session != "":
		meta, err := c.srv.deps.Store.Get(params.Session)
		if err != nil {
			return nil, internalErr(err)
		}
		key = meta.Key
	default:
		channel := params.Channel
		if channel == "" {
			channel = "gateway"
		}
		account := params.Account
		if account == "" {
			account = "local"
		}
		chatType := models.ChatType(params.ChatType)
		if chatType == "" {
			chatType = models.ChatDirect
		}
		key = models.SessionKey{
			Channel:  channel,
			Account:  account,
			ChatType: chatType,
			Peer:     params.Peer,
			Scope:    models.ParseScope(params.Scope),
		}
	}

	run, err := c.srv.deps.Runtime.Submit(c.srv.baseCtx, key, params.Message, key.Channel, c.srv.agentSink)
	if err != nil {
		return nil, mapAgentError(err)
	}
	c.trackRun(run)
	return map[string]any{"run_id": run.ID, "session": run.SessionHash}, nil
}

func mapAgentError(err error) *models.Error {
	switch {
	case errors.Is(err, agent.ErrBusy):
		return &models.Error{Code: models.CodeBusy, Message: "session busy", Retryable: true}
	case errors.Is(err, providers.ErrNoModelAvailable):
		return models.NewError(models.CodeNoModelAvailable, "no model available")
	case errors.Is(err, providers.ErrContextOverflow):
		return models.NewError(models.CodeContextOverflow, "context overflow")
	default:
		return internalErr(err)
	}
}

func (c *conn) handleAgentAbort(frame *models.GatewayFrame) (any, *models.Error) {
	var params sessionParams
	if we := decodeInto(frame, &params); we != nil {
		return nil, we
	}
	aborted := c.srv.deps.Runtime.Runs().Abort(params.Session)
	return map[string]any{"aborted": aborted}, nil
}

func (c *conn) handleAgentStatus(frame *models.GatewayFrame) (any, *models.Error) {
	var params sessionParams
	if we := decodeInto(frame, &params); we != nil {
		return nil, we
	}
	run, ok := c.srv.deps.Runtime.Runs().ForSession(params.Session)
	if !ok {
		return map[string]any{"running": false}, nil
	}
	status, finished := run.Status()
	return map[string]any{
		"running": !finished,
		"run_id":  run.ID,
		"status":  status,
	}, nil
}

type agentWaitParams struct {
	RunID     string `json:"run_id,omitempty"`
	Session   string `json:"session,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

func (c *conn) handleAgentWait(frame *models.GatewayFrame) (any, *models.Error) {
	var params agentWaitParams
	if we := decodeInto(frame, &params); we != nil {
		return nil, we
	}
	runs := c.srv.deps.Runtime.Runs()
	var run *agent.Run
	var ok bool
	if params.RunID != "" {
		run, ok = runs.Get(params.RunID)
	} else {
		run, ok = runs.ForSession(params.Session)
	}
	if !ok {
		return nil, models.NewError(models.CodeBadFrame, "no such run")
	}

	timeout := 60 * time.Second
	if params.TimeoutMS > 0 {
		timeout = time.Duration(params.TimeoutMS) * time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-run.Done():
	case <-timer.C:
		return nil, &models.Error{Code: models.CodeTimeout, Message: "run still in progress", Retryable: true}
	case <-c.ctx.Done():
		return nil, models.NewError(models.CodeInternal, "connection closing")
	}

	status, _ := run.Status()
	text, errKind, errMsg := run.Result()
	payload := map[string]any{"status": status, "text": text}
	if errKind != "" {
		payload["err_kind"] = errKind
		payload["err_msg"] = errMsg
	}
	return payload, nil
}

// config.*

// handleConfigGet returns the active snapshot with credential material
// blanked. Secrets flow in via ${NAME} interpolation and never back out.
func (c *conn) handleConfigGet() (any, *models.Error) {
	redacted := *c.srv.config()
	redacted.Gateway.AuthToken = ""
	redacted.Gateway.PasswordHash = ""
	redacted.Gateway.PairingSecret = ""
	if len(redacted.Providers.ByName) > 0 {
		byName := make(map[string]config.ProviderConfig, len(redacted.Providers.ByName))
		for name, pc := range redacted.Providers.ByName {
			profiles := make([]config.AuthProfileConfig, len(pc.Profiles))
			for i, p := range pc.Profiles {
				p.APIKey = ""
				profiles[i] = p
			}
			pc.Profiles = profiles
			byName[name] = pc
		}
		redacted.Providers.ByName = byName
	}
	channels := make(map[string]config.ChannelConfig, len(redacted.Channels))
	for name, cc := range redacted.Channels {
		cc.Token = ""
		cc.AppToken = ""
		channels[name] = cc
	}
	redacted.Channels = channels
	return map[string]any{"config": redacted}, nil
}

type configSetParams struct {
	Config json.RawMessage `json:"config"`
}

func (c *conn) handleConfigSet(frame *models.GatewayFrame) (any, *models.Error) {
	var params configSetParams
	if we := decodeInto(frame, &params); we != nil {
		return nil, we
	}
	if len(params.Config) == 0 {
		return nil, models.NewError(models.CodeBadFrame, "config document is required")
	}
	next, err := config.Parse(params.Config)
	if err != nil {
		return nil, models.NewError(models.CodeBadFrame, "invalid config: "+err.Error())
	}
	if path := c.srv.deps.ConfigPath; path != "" {
		if err := os.WriteFile(path, params.Config, 0o600); err != nil {
			return nil, internalErr(fmt.Errorf("persist config: %w", err))
		}
	}
	applied := c.srv.deps.Config.Reload(next)
	return map[string]any{"applied": applied, "restart_required": !applied}, nil
}

func (c *conn) handleConfigReload() (any, *models.Error) {
	path := c.srv.deps.ConfigPath
	if path == "" {
		return nil, models.NewError(models.CodeBadFrame, "no config path")
	}
	next, err := config.Load(path)
	if err != nil {
		return nil, internalErr(err)
	}
	applied := c.srv.deps.Config.Reload(next)
	return map[string]any{"applied": applied, "restart_required": !applied}, nil
}

// channels / models

func (c *conn) handleChannelsStatus() (any, *models.Error) {
	if c.srv.deps.Hub == nil {
		return map[string]any{"channels": map[string]any{}}, nil
	}
	return map[string]any{"channels": c.srv.deps.Hub.Statuses()}, nil
}

type channelNameParams struct {
	Channel string `json:"channel"`
}

func (c *conn) handleChannelsLogin(frame *models.GatewayFrame) (any, *models.Error) {
	if c.srv.deps.Hub == nil {
		return nil, models.NewError(models.CodeBadFrame, "no channel hub")
	}
	var params channelNameParams
	if we := decodeInto(frame, &params); we != nil {
		return nil, we
	}
	if params.Channel == "" {
		return nil, models.NewError(models.CodeBadFrame, "channel is required")
	}
	status, err := c.srv.deps.Hub.Login(c.srv.baseCtx, params.Channel)
	if err != nil {
		return nil, internalErr(err)
	}
	return map[string]any{"channel": params.Channel, "status": status}, nil
}

func (c *conn) handleChannelsLogout(frame *models.GatewayFrame) (any, *models.Error) {
	if c.srv.deps.Hub == nil {
		return nil, models.NewError(models.CodeBadFrame, "no channel hub")
	}
	var params channelNameParams
	if we := decodeInto(frame, &params); we != nil {
		return nil, we
	}
	if params.Channel == "" {
		return nil, models.NewError(models.CodeBadFrame, "channel is required")
	}
	status, err := c.srv.deps.Hub.Logout(c.srv.baseCtx, params.Channel)
	if err != nil {
		return nil, internalErr(err)
	}
	return map[string]any{"channel": params.Channel, "status": status}, nil
}

func (c *conn) handleModelsList() (any, *models.Error) {
	if c.srv.deps.Resolver == nil {
		return map[string]any{"models": []providers.ModelInfo{}}, nil
	}
	return map[string]any{"models": c.srv.deps.Resolver.Models()}, nil
}

// cron.*

func (c *conn) handleCronList() (any, *models.Error) {
	if c.srv.deps.Cron == nil {
		return map[string]any{"jobs": []any{}}, nil
	}
	return map[string]any{"jobs": c.srv.deps.Cron.Jobs()}, nil
}

func (c *conn) handleCronAdd(frame *models.GatewayFrame) (any, *models.Error) {
	if c.srv.deps.Cron == nil {
		return nil, models.NewError(models.CodeBadFrame, "cron disabled")
	}
	var params config.CronJobConfig
	if we := decodeInto(frame, &params); we != nil {
		return nil, we
	}
	cur := c.srv.config()
	jobs := make([]config.CronJobConfig, 0, len(cur.Cron.Jobs)+1)
	for _, j := range cur.Cron.Jobs {
		if j.Name == params.Name {
			return nil, models.NewError(models.CodeBadFrame, fmt.Sprintf("job %q already exists", params.Name))
		}
		jobs = append(jobs, j)
	}
	jobs = append(jobs, params)
	if err := c.srv.deps.Cron.Configure(jobs); err != nil {
		return nil, models.NewError(models.CodeBadFrame, err.Error())
	}
	next := *cur
	next.Cron.Jobs = jobs
	c.srv.deps.Config.Reload(&next)
	return map[string]any{"jobs": len(jobs)}, nil
}

type cronNameParams struct {
	Name string `json:"name"`
}

func (c *conn) handleCronRemove(frame *models.GatewayFrame) (any, *models.Error) {
	if c.srv.deps.Cron == nil {
		return nil, models.NewError(models.CodeBadFrame, "cron disabled")
	}
	var params cronNameParams
	if we := decodeInto(frame, &params); we != nil {
		return nil, we
	}
	cur := c.srv.config()
	jobs := make([]config.CronJobConfig, 0, len(cur.Cron.Jobs))
	found := false
	for _, j := range cur.Cron.Jobs {
		if j.Name == params.Name {
			found = true
			continue
		}
		jobs = append(jobs, j)
	}
	if !found {
		return nil, models.NewError(models.CodeBadFrame, fmt.Sprintf("no cron job named %q", params.Name))
	}
	if err := c.srv.deps.Cron.Configure(jobs); err != nil {
		return nil, internalErr(err)
	}
	next := *cur
	next.Cron.Jobs = jobs
	c.srv.deps.Config.Reload(&next)
	return map[string]any{"jobs": len(jobs)}, nil
}

func (c *conn) handleCronTrigger(frame *models.GatewayFrame) (any, *models.Error) {
	if c.srv.deps.Cron == nil {
		return nil, models.NewError(models.CodeBadFrame, "cron disabled")
	}
	var params cronNameParams
	if we := decodeInto(frame, &params); we != nil {
		return nil, we
	}
	if err := c.srv.deps.Cron.Trigger(params.Name); err != nil {
		return nil, models.NewError(models.CodeBadFrame, err.Error())
	}
	return map[string]any{"triggered": true}, nil
}

// skills.*

func (c *conn) handleSkillsList() (any, *models.Error) {
	if c.srv.deps.Skills == nil {
		return map[string]any{"skills": []any{}}, nil
	}
	return map[string]any{"skills": c.srv.deps.Skills.List()}, nil
}

type skillsGetParams struct {
	Name string `json:"name"`
}

func (c *conn) handleSkillsGet(frame *models.GatewayFrame) (any, *models.Error) {
	if c.srv.deps.Skills == nil {
		return nil, models.NewError(models.CodeBadFrame, "skills disabled")
	}
	var params skillsGetParams
	if we := decodeInto(frame, &params); we != nil {
		return nil, we
	}
	skill, ok := c.srv.deps.Skills.Get(params.Name)
	if !ok {
		return nil, models.NewError(models.CodeBadFrame, fmt.Sprintf("no skill named %q", params.Name))
	}
	return map[string]any{"skill": skill, "content": skill.Content}, nil
}

type skillsInstallParams struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (c *conn) handleSkillsInstall(frame *models.GatewayFrame) (any, *models.Error) {
	if c.srv.deps.Skills == nil {
		return nil, models.NewError(models.CodeBadFrame, "skills disabled")
	}
	var params skillsInstallParams
	if we := decodeInto(frame, &params); we != nil {
		return nil, we
	}
	if err := c.srv.deps.Skills.Install(params.Name, []byte(params.Content)); err != nil {
		return nil, models.NewError(models.CodeBadFrame, err.Error())
	}
	return map[string]any{"installed": params.Name}, nil
}

func (c *conn) handleSkillsReload() (any, *models.Error) {
	if c.srv.deps.Skills == nil {
		return nil, models.NewError(models.CodeBadFrame, "skills disabled")
	}
	return map[string]any{"count": c.srv.deps.Skills.Reload()}, nil
}

// talk.*

type talkModeParams struct {
	Mode string `json:"mode"`
}

func (c *conn) handleTalkMode(frame *models.GatewayFrame) (any, *models.Error) {
	var params talkModeParams
	if we := decodeInto(frame, &params); we != nil {
		return nil, we
	}
	switch params.Mode {
	case "auto", "push", "off":
	default:
		return nil, models.NewError(models.CodeBadFrame, fmt.Sprintf("unknown talk mode %q", params.Mode))
	}
	c.mu.Lock()
	c.talk.Mode = params.Mode
	state := c.talk
	c.mu.Unlock()
	return map[string]any{"talk": state}, nil
}

type talkConfigParams struct {
	Codec string `json:"codec"`
}

func (c *conn) handleTalkConfig(frame *models.GatewayFrame) (any, *models.Error) {
	var params talkConfigParams
	if we := decodeInto(frame, &params); we != nil {
		return nil, we
	}
	switch params.Codec {
	case "opus", "pcm16":
	default:
		return nil, models.NewError(models.CodeBadFrame, fmt.Sprintf("unsupported codec %q", params.Codec))
	}
	c.mu.Lock()
	c.talk.Codec = params.Codec
	state := c.talk
	c.mu.Unlock()
	return map[string]any{"talk": state}, nil
}

type talkStartParams struct {
	Session string `json:"session"`
}

func (c *conn) handleTalkStart(frame *models.GatewayFrame) (any, *models.Error) {
	cfg := c.srv.config().Talk
	if !cfg.Enabled {
		return nil, models.NewError(models.CodeBadFrame, "talk is disabled")
	}
	var params talkStartParams
	if we := decodeInto(frame, &params); we != nil {
		return nil, we
	}
	if params.Session != "" {
		if _, err := c.srv.deps.Store.Get(params.Session); err != nil {
			return nil, internalErr(err)
		}
	}
	c.mu.Lock()
	c.talk.Active = true
	c.talk.Session = params.Session
	if c.talk.Codec == "" {
		c.talk.Codec = cfg.Codec
	}
	state := c.talk
	c.mu.Unlock()
	return map[string]any{"talk": state}, nil
}

func (c *conn) handleTalkStop() (any, *models.Error) {
	c.mu.Lock()
	c.talk.Active = false
	c.talk.Session = ""
	state := c.talk
	c.mu.Unlock()
	return map[string]any{"talk": state}, nil
}

// node.pair.*

type nodePairRequestParams struct {
	Node string `json:"node"`
	Name string `json:"name,omitempty"`
}

func (c *conn) handleNodePairRequest(frame *models.GatewayFrame) (any, *models.Error) {
	var params nodePairRequestParams
	if we := decodeInto(frame, &params); we != nil {
		return nil, we
	}
	if strings.TrimSpace(params.Node) == "" {
		return nil, models.NewError(models.CodeBadFrame, "node id is required")
	}
	pairingID := c.srv.addPairingRequest(params.Node, params.Name)
	c.srv.broadcast.Publish(models.EventFamilyPresence, map[string]any{
		"kind":       "pairing_request",
		"pairing_id": pairingID,
		"node":       params.Node,
		"name":       params.Name,
	})
	return map[string]any{"pairing_id": pairingID}, nil
}

type nodePairApproveParams struct {
	PairingID string `json:"pairing_id"`
}

func (c *conn) handleNodePairApprove(frame *models.GatewayFrame) (any, *models.Error) {
	secret := c.srv.config().Gateway.PairingSecret
	if secret == "" {
		return nil, models.NewError(models.CodeAuth, "pairing secret not configured")
	}
	var params nodePairApproveParams
	if we := decodeInto(frame, &params); we != nil {
		return nil, we
	}
	node, name, ok := c.srv.approvePairing(params.PairingID)
	if !ok {
		return nil, models.NewError(models.CodeBadFrame, "unknown pairing request")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  node,
		"name": name,
		"iat":  time.Now().Unix(),
		"jti":  uuid.NewString(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return nil, internalErr(err)
	}
	return map[string]any{"node": node, "token": signed}, nil
}

type nodePairInvokeParams struct {
	Node   string          `json:"node"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (c *conn) handleNodePairInvoke(frame *models.GatewayFrame) (any, *models.Error) {
	var params nodePairInvokeParams
	if we := decodeInto(frame, &params); we != nil {
		return nil, we
	}
	delivered := c.srv.relayToNode(params.Node, map[string]any{
		"from":   c.id,
		"method": params.Method,
		"params": params.Params,
	})
	if delivered == 0 {
		return nil, &models.Error{Code: models.CodeNotConnected, Message: "node not connected", Retryable: true}
	}
	return map[string]any{"delivered": delivered}, nil
}

type nodePairEventParams struct {
	Payload json.RawMessage `json:"payload"`
}

func (c *conn) handleNodePairEvent(frame *models.GatewayFrame) (any, *models.Error) {
	c.mu.Lock()
	node := c.node
	c.mu.Unlock()
	if node == "" {
		return nil, models.NewError(models.CodeAuth, "only paired nodes may post node events")
	}
	var params nodePairEventParams
	if we := decodeInto(frame, &params); we != nil {
		return nil, we
	}
	c.srv.broadcast.Publish(models.EventFamilyPresence, map[string]any{
		"kind":    "node_event",
		"node":    node,
		"payload": params.Payload,
	})
	return map[string]any{"posted": true}, nil
}

// wake

type wakeParams struct {
	Channel string `json:"channel,omitempty"`
	Peer    string `json:"peer,omitempty"`
	Text    string `json:"text,omitempty"`
}

// handleWake injects a synthetic inbound message so an idle agent evaluates
// pending state without a real user message.
func (c *conn) handleWake(frame *models.GatewayFrame) (any, *models.Error) {
	if c.srv.deps.Hub == nil {
		return nil, models.NewError(models.CodeBadFrame, "no channel hub")
	}
	var params wakeParams
	if we := decodeInto(frame, &params); we != nil {
		return nil, we
	}
	text := params.Text
	if text == "" {
		text = "wake"
	}
	channel := params.Channel
	if channel == "" {
		channel = "gateway"
	}
	msg := &models.InboundMessage{
		Channel:    channel,
		Account:    "gateway",
		ChatType:   models.ChatDirect,
		PeerID:     params.Peer,
		SenderID:   "wake",
		Text:       text,
		ReceivedAt: time.Now().UTC(),
	}
	if err := c.srv.deps.Hub.Inject(c.srv.baseCtx, msg); err != nil {
		return nil, mapAgentError(err)
	}
	return map[string]any{"queued": true}, nil
}

func supportedMethods() []string {
	return []string{
		"hello", "ping",
		"sessions.list", "sessions.preview", "sessions.patch",
		"sessions.reset", "sessions.delete", "sessions.compact",
		"agent", "agent.abort", "agent.status", "agent.wait",
		"config.get", "config.set", "config.reload",
		"channels.status", "channels.login", "channels.logout", "models.list",
		"cron.list", "cron.add", "cron.remove", "cron.trigger",
		"skills.list", "skills.get", "skills.install", "skills.update", "skills.reload",
		"talk.mode", "talk.config", "talk.start", "talk.stop",
		"node.pair.request", "node.pair.approve", "node.pair.invoke", "node.pair.event",
		"wake",
	}
}

func supportedEvents() []string {
	return []string{
		models.EventFamilyChallenge,
		"hello.ok",
		models.EventFamilyAgent,
		models.EventFamilySession,
		models.EventFamilyChannels,
		models.EventFamilyConfig,
		models.EventFamilyReload,
		models.EventFamilyPresence,
		models.EventFamilyHealth,
		models.EventFamilyTick,
		models.EventFamilyError,
	}
}
