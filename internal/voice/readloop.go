package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math"
)

type wireAudio struct {
	PCM   string          `json:"pcm"`
	Stage TranscriptStage `json:"stage,omitempty"`
}

type wireTranscript struct {
	Role    string          `json:"role"`
	Text    string          `json:"text"`
	IsFinal bool            `json:"isFinal"`
	TurnID  string          `json:"turnId"`
	Stage   TranscriptStage `json:"stage"`
}

type wireToolUse struct {
	ToolUseID string         `json:"toolUseId"`
	ToolName  string         `json:"toolName"`
	Input     map[string]any `json:"input"`
}

type wireContent struct {
	Role       string          `json:"role"`
	Stage      TranscriptStage `json:"stage,omitempty"`
	StopReason StopReason      `json:"stopReason,omitempty"`
}

type wireUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// readLoop receives frames from the speech model and translates them into
// the Runtime-facing Event stream, applying the §4.7 policies: suppressed
// speculative audio, interruption suppression, tool-use dedup, auto-nudge.
func (c *Client) readLoop(ctx context.Context) {
	defer close(c.events)
	for {
		_, raw, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("voice: read failed", "error", err)
			c.emit(Event{Type: EventError, ErrorKind: "VoiceStreamError", ErrorMessage: err.Error()})
			return
		}

		var frame wireFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "audioOutput":
			c.handleAudio(frame.Data)
		case "transcript":
			c.handleTranscript(frame.Data)
		case "toolUse":
			c.handleToolUse(frame.Data)
		case "contentStart":
			c.handleContentStart(frame.Data)
		case "contentEnd":
			c.handleContentEnd(frame.Data)
		case "interactionTurnEnd":
			c.handleTurnEnd()
		case "usage":
			var u wireUsage
			_ = json.Unmarshal(frame.Data, &u)
			c.emit(Event{Type: EventUsage, InputTokens: u.InputTokens, OutputTokens: u.OutputTokens})
		case "error":
			var e wireError
			_ = json.Unmarshal(frame.Data, &e)
			c.emit(Event{Type: EventError, ErrorKind: e.Kind, ErrorMessage: e.Message})
		}
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		slog.Warn("voice: event channel full, dropping event", "type", ev.Type)
	}
}

func (c *Client) handleAudio(data json.RawMessage) {
	var a wireAudio
	if err := json.Unmarshal(data, &a); err != nil {
		return
	}
	if a.Stage == StageSpeculative {
		return // suppressed speculative audio (§4.7)
	}

	c.mu.Lock()
	suppressed := c.interruptedThisTurn
	c.mu.Unlock()
	if suppressed {
		return // interrupted: stop forwarding assistant audio until next turn
	}

	pcm, err := base64.StdEncoding.DecodeString(a.PCM)
	if err != nil {
		return
	}
	c.emit(Event{Type: EventAudio, AudioPCM: pcm})
}

func (c *Client) handleTranscript(data json.RawMessage) {
	var t wireTranscript
	if err := json.Unmarshal(data, &t); err != nil {
		return
	}

	// Tags (e.g. [STEP:]) are left intact here: the Runtime (C8) consumes
	// them to drive the workflow engine before stripping them for display
	// (§4.8.1, §4.8.6). The Voice Client only forwards raw model output.
	if t.Role == "assistant" {
		c.mu.Lock()
		for _, re := range c.commitmentRe {
			if re.MatchString(t.Text) {
				c.turnSawCommitment = true
				break
			}
		}
		c.mu.Unlock()
	}

	isFinal := t.IsFinal || t.Stage == StageFinal
	c.emit(Event{
		Type:    EventTranscript,
		Role:    t.Role,
		Text:    t.Text,
		IsFinal: isFinal,
		TurnID:  t.TurnID,
		Stage:   t.Stage,
	})
}

func (c *Client) handleToolUse(data json.RawMessage) {
	var tu wireToolUse
	if err := json.Unmarshal(data, &tu); err != nil {
		return
	}

	c.mu.Lock()
	alreadyDispatched := c.dispatchedToolNames[tu.ToolName]
	c.toolIDToName[tu.ToolUseID] = tu.ToolName
	if alreadyDispatched {
		c.pendingDuplicateToolIDs[tu.ToolName] = append(c.pendingDuplicateToolIDs[tu.ToolName], tu.ToolUseID)
		c.mu.Unlock()
		return // dispatch exactly once per tool name per turn (§4.7)
	}
	c.dispatchedToolNames[tu.ToolName] = true
	c.mu.Unlock()

	c.emit(Event{Type: EventToolUse, ToolUseID: tu.ToolUseID, ToolName: tu.ToolName, Input: tu.Input})
}

func (c *Client) handleContentStart(data json.RawMessage) {
	var ct wireContent
	_ = json.Unmarshal(data, &ct)

	c.mu.Lock()
	c.activeContentBlocks++
	if ct.Role == "assistant" {
		c.assistantSpeaking = true
	}
	c.mu.Unlock()

	if ct.Stage == StageSpeculative && ct.Role == "assistant" {
		return
	}
	c.emit(Event{Type: EventContentStart, ContentRole: ct.Role, Stage: ct.Stage})
}

func (c *Client) handleContentEnd(data json.RawMessage) {
	var ct wireContent
	_ = json.Unmarshal(data, &ct)

	c.mu.Lock()
	if c.activeContentBlocks > 0 {
		c.activeContentBlocks--
	}
	if ct.Role == "assistant" && c.activeContentBlocks == 0 {
		c.assistantSpeaking = false
	}
	c.mu.Unlock()

	if ct.Stage == StageSpeculative && ct.Role == "assistant" {
		return
	}
	c.emit(Event{Type: EventContentEnd, ContentRole: ct.Role, StopReason: ct.StopReason, Stage: ct.Stage})
}

func (c *Client) handleTurnEnd() {
	c.mu.Lock()
	shouldNudge := c.turnSawCommitment && !c.turnCalledTool
	c.turnSawCommitment = false
	c.interruptedThisTurn = false // next turn starts
	c.mu.Unlock()

	if shouldNudge {
		c.injectSystemText("[SYSTEM_INJECTION]: You said you would perform an action. CALL THE TOOL NOW.")
	}

	c.emit(Event{Type: EventTurnEnd})
}

// checkInterruption runs a local energy-based VAD over incoming user audio
// while the assistant is speaking (§4.7).
func (c *Client) checkInterruption(pcm []byte) {
	c.mu.Lock()
	speaking := c.assistantSpeaking && c.activeContentBlocks > 0
	already := c.interruptedThisTurn
	c.mu.Unlock()
	if !speaking || already {
		return
	}

	if rmsEnergy(pcm) <= c.cfg.VADThreshold {
		return
	}

	c.mu.Lock()
	c.interruptedThisTurn = true
	c.mu.Unlock()
	c.emit(Event{Type: EventInterruption})
}

// rmsEnergy computes normalized RMS energy of PCM16LE samples, in [0,1].
func rmsEnergy(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var sum float64
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		s := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
