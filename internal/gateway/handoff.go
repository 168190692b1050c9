package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/sonic/internal/model"
	"github.com/nextlevelbuilder/sonic/internal/tracing"
	"github.com/nextlevelbuilder/sonic/pkg/protocol"
)

// userIntentCapability resolves the post-verification handoff target from
// the coarse intent extracted in §4.9 — the IDV agent never names the
// target itself (§4.8.2).
var userIntentCapability = map[string]string{
	"check_balance":      "banking",
	"check_transactions": "banking",
	"dispute":            "disputes",
	"mortgage":           "mortgages",
	"investigation":      "investigations",
}

// handleHandoffRequest implements the handoff procedure of §4.9, with the
// steps numbered in resolveHandoff. There is no step 7: client messages are
// not buffered during the swap, they go to whichever AgentSession cs.rt
// holds when they arrive (the new one from step 4 on). Concurrent
// calls for the same session (e.g. a client-initiated transfer racing the
// identity gate's auto-handoff) collapse onto a single in-flight resolution
// via the Gateway's singleflight group, keyed by session id.
func (cs *clientSession) handleHandoffRequest(ctx context.Context, h *model.PendingHandoff) {
	cs.server.handoffGroup.Do(cs.id, func() (any, error) {
		cs.resolveHandoff(ctx, h)
		return nil, nil
	})
}

func (cs *clientSession) resolveHandoff(ctx context.Context, h *model.PendingHandoff) {
	ctx, span := cs.server.tracer.Start(ctx, "gateway.handoff", attribute.String("session.id", cs.id))
	defer span.End()

	target := h.Target
	if target == "" {
		mem, err := cs.server.sessions.GetMemory(ctx, cs.id)
		if err == nil {
			target = userIntentCapability[mem.UserIntent]
		}
	}
	if target == "" {
		tracing.RecordError(span, &notFoundError{what: "handoff: no target resolved"})
		cs.writeJSON(protocol.ErrorMsg{Type: protocol.TypeError, Kind: "AgentUnreachable", Message: "handoff: no target resolved"})
		return
	}
	span.SetAttributes(attribute.String("handoff.target", target))

	// 1. Resolve the target agent (by capability, else treat as a direct id).
	info, ok := cs.server.registry.FindByCapability(target)
	if !ok {
		info, ok = cs.server.registry.Get(target)
	}
	if !ok || !cs.server.registry.IsHealthy(info.AgentID) {
		cs.writeJSON(protocol.ErrorMsg{Type: protocol.TypeError, Kind: "AgentUnreachable", Message: "handoff target unhealthy: " + target})
		return
	}

	// 2. Multiple-handoff guard.
	cs.mu.Lock()
	blocked := cs.handoffInProgress || time.Since(cs.lastHandoffEnd) < handoffCooldown
	if blocked {
		cs.mu.Unlock()
		cs.writeJSON(protocol.ErrorMsg{Type: protocol.TypeError, Kind: "MultipleHandoffBlocked", Message: "a handoff is already in progress"})
		return
	}
	cs.handoffInProgress = true
	oldRT := cs.rt
	oldVoice := cs.voiceClient
	cs.mu.Unlock()

	// 3. Merge context into session memory.
	if len(h.Context) > 0 {
		_ = cs.server.sessions.UpdateMemory(ctx, cs.id, h.Context)
	}
	mem, err := cs.server.sessions.GetMemory(ctx, cs.id)
	if err != nil {
		mem = model.SessionMemory{}
	}

	// 4. Start the target AgentSession (session_init equivalent).
	if err := cs.startAgentSession(ctx, info.AgentID, mem); err != nil {
		cs.mu.Lock()
		cs.handoffInProgress = false
		cs.mu.Unlock()
		cs.writeJSON(protocol.ErrorMsg{Type: protocol.TypeError, Kind: "AgentUnreachable", Message: err.Error()})
		return
	}

	// 5. Grace for the target to ack and prime.
	ackGrace := time.Duration(cs.server.cfg.Gateway.HandoffAckGraceMs) * time.Millisecond
	if ackGrace <= 0 {
		ackGrace = time.Second
	}
	time.Sleep(ackGrace)

	// 6. Close the source agent connection.
	if oldRT != nil {
		oldRT.Stop()
	}
	_ = oldVoice

	// 9. Update Session.currentAgentId.
	_ = cs.server.sessions.Transfer(ctx, cs.server.registry, cs.id, info.AgentID, nil)

	cs.mu.Lock()
	cs.handoffInProgress = false
	cs.lastHandoffEnd = time.Now()
	cs.mu.Unlock()

	// 8. Emit handoff_event to the client.
	cs.writeJSON(protocol.HandoffEventMsg{Type: protocol.TypeHandoffEvent, Target: info.AgentID})

	cs.maybeAutoTrigger(ctx, mem)
}

// handoffCooldown is "less than one turn ago" (§4.9 step 2); approximated
// as a short fixed window since a "turn" has no fixed wall-clock length.
const handoffCooldown = 3 * time.Second

// maybeAutoTrigger implements §4.9 auto-trigger: after a verified handoff
// with a resolved userIntent, send a synthetic user message so the new
// agent doesn't re-prompt "how can I help?".
func (cs *clientSession) maybeAutoTrigger(ctx context.Context, mem model.SessionMemory) {
	if !mem.Verified || mem.UserIntent == "" {
		return
	}
	delayMs := cs.server.cfg.Gateway.AutoTriggerDelayMs
	if delayMs <= 0 {
		delayMs = 2000
	}
	time.AfterFunc(time.Duration(delayMs)*time.Millisecond, func() {
		cs.mu.Lock()
		rt := cs.rt
		cs.mu.Unlock()
		if rt != nil {
			rt.SendUserText("I want to " + mem.UserIntent)
		}
	})
}
