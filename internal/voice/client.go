package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/sonic/internal/config"
)

const (
	silentAudioPrimeDuration = 100 * time.Millisecond
	debounceWindow           = 500 * time.Millisecond
	stopDrainTimeout         = 2 * time.Second
)

var defaultCommitmentPatterns = []string{
	`(?i)i'?ll check`,
	`(?i)let me (check|verify|look)`,
	`(?i)just a moment`,
	`(?i)one (second|moment)`,
}

// wireFrame is the JSON envelope exchanged with the external speech model
// over the websocket connection. Concrete payloads are carried in Data.
type wireFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client is the Voice Model Client (C7) for one AgentSession's lifetime.
type Client struct {
	cfg  config.VoiceConfig
	conn *websocket.Conn

	queue  *inputQueue
	events chan Event

	commitmentRe []*regexp.Regexp
	fillerSet    map[string]bool

	mu sync.Mutex

	// speculative/final tool dedup (§4.7)
	dispatchedToolNames     map[string]bool
	pendingDuplicateToolIDs map[string][]string
	toolIDToName            map[string]string

	// interruption detection
	assistantSpeaking    bool
	activeContentBlocks  int
	interruptedThisTurn  bool

	// auto-nudge
	turnSawCommitment bool
	turnCalledTool    bool

	// debounce
	lastUserText   string
	lastUserTextAt time.Time

	// pendingSystemUpdate is prepended to the next outgoing user or
	// tool-result turn by UpdateSystemPrompt (§4.7).
	pendingSystemUpdate string

	closed bool
	cancel context.CancelFunc
}

// NewClient dials the external speech model and returns a Client ready for
// ConfigureSession/StartSession.
func NewClient(ctx context.Context, cfg config.VoiceConfig) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, cfg.Endpoint, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("voice: dial: %w", err)
	}
	conn.SetReadLimit(32 << 20)

	patterns := cfg.CommitmentPhrases
	if len(patterns) == 0 {
		patterns = defaultCommitmentPatterns
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			compiled = append(compiled, re)
		} else {
			compiled = append(compiled, regexp.MustCompile(regexp.QuoteMeta(p)))
		}
	}

	fillers := map[string]bool{}
	for _, f := range cfg.FillerPhrases {
		fillers[strings.ToLower(f)] = true
	}

	c := &Client{
		cfg:                     cfg,
		conn:                    conn,
		queue:                   newInputQueue(cfg.InputQueueSize),
		events:                  make(chan Event, 64),
		commitmentRe:            compiled,
		fillerSet:               fillers,
		dispatchedToolNames:     map[string]bool{},
		pendingDuplicateToolIDs: map[string][]string{},
		toolIDToName:            map[string]string{},
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.sendLoop(runCtx)
	go c.readLoop(runCtx)

	return c, nil
}

// Events returns the inbound event channel. Closed once the connection
// tears down.
func (c *Client) Events() <-chan Event { return c.events }

// ConfigureSession sends prompt-start framing: session-start, prompt-start
// (tool/voice config), system-prompt content block (§4.7 lifecycle).
func (c *Client) ConfigureSession(cfg SessionConfig) {
	c.writeFrame("sessionStart", nil)
	c.writeFrame("promptStart", map[string]any{
		"voiceId": cfg.VoiceID,
		"tools":   cfg.Tools,
	})
	c.writeFrame("systemPrompt", map[string]any{"text": cfg.SystemPrompt})
}

// StartSession primes the initial silent audio content block the model
// requires to be immediately open, then marks the session started.
func (c *Client) StartSession(sessionID string) {
	c.writeFrame("sessionId", map[string]any{"sessionId": sessionID})
	silence := make([]byte, int(silentAudioPrimeDuration.Seconds()*float64(c.cfg.SampleRateIn))*2)
	c.queue.push(kindAudio, silence)
}

// SendAudioChunk enqueues one PCM16LE@16kHz chunk. Subject to
// audio-drop-oldest backpressure.
func (c *Client) SendAudioChunk(pcm []byte) {
	c.checkInterruption(pcm)
	c.queue.push(kindAudio, pcm)
}

// SendUserText enqueues a user text turn, applying the 500ms
// identical-text debounce (filler phrases bypass it).
func (c *Client) SendUserText(text string) {
	c.mu.Lock()
	now := time.Now()
	isFiller := c.fillerSet[strings.ToLower(strings.TrimSpace(text))]
	if !isFiller && text == c.lastUserText && now.Sub(c.lastUserTextAt) < debounceWindow {
		c.mu.Unlock()
		return
	}
	c.lastUserText = text
	c.lastUserTextAt = now
	// A real new user turn resets tool dispatch tracking (§4.7), but
	// injected system texts (handled by a separate internal path) do not.
	c.dispatchedToolNames = map[string]bool{}
	c.pendingDuplicateToolIDs = map[string][]string{}
	c.turnSawCommitment = false
	c.turnCalledTool = false
	c.interruptedThisTurn = false

	outText := text
	if c.pendingSystemUpdate != "" {
		outText = "[SYSTEM_UPDATE] " + c.pendingSystemUpdate + "\n" + text
		c.pendingSystemUpdate = ""
	}
	c.mu.Unlock()

	c.queue.push(kindText, map[string]any{"text": outText})
}

// injectSystemText enqueues a hidden system text turn without resetting
// tool-dedup state (§4.7: "Injected system texts bypass the tool-dedup
// reset").
func (c *Client) injectSystemText(text string) {
	c.queue.push(kindSystemUpdate, map[string]any{"text": text, "hidden": true})
}

// SendToolResult replays result to toolUseID and every id recorded as a
// duplicate of the same tool (§4.7 dedup policy).
func (c *Client) SendToolResult(toolUseID string, result any, errPayload *ErrorPayload) {
	c.mu.Lock()
	name := c.toolIDToName[toolUseID]
	dupes := append([]string(nil), c.pendingDuplicateToolIDs[name]...)
	delete(c.pendingDuplicateToolIDs, name)
	c.turnCalledTool = true
	update := c.pendingSystemUpdate
	c.pendingSystemUpdate = ""
	c.mu.Unlock()

	ids := append([]string{toolUseID}, dupes...)
	for i, id := range ids {
		payload := map[string]any{"toolUseId": id}
		if errPayload != nil {
			payload["error"] = map[string]any{"kind": errPayload.Kind, "message": errPayload.Message}
		} else {
			payload["result"] = result
		}
		if i == 0 && update != "" {
			payload["systemUpdate"] = "[SYSTEM_UPDATE] " + update
		}
		c.queue.push(kindToolResult, payload)
	}
}

// UpdateSystemPrompt queues text to be prepended to the next outgoing user
// or tool-result turn (§4.7): the external voice model has no standalone
// "update system prompt" frame, only turn content, so a mid-session prompt
// change (e.g. a hot-reloaded persona file) rides along with whatever the
// session does next rather than being sent as its own message.
func (c *Client) UpdateSystemPrompt(text string) {
	c.mu.Lock()
	c.pendingSystemUpdate = text
	c.mu.Unlock()
}

// StopSession flushes pending output, sends the closing frames and waits up
// to 2s for the input stream to drain before tearing down.
func (c *Client) StopSession() {
	c.writeFrame("contentEnd", nil)
	c.writeFrame("promptEnd", nil)
	c.writeFrame("sessionEnd", nil)

	done := make(chan struct{})
	go func() {
		for c.queue.size() > 0 {
			time.Sleep(10 * time.Millisecond)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopDrainTimeout):
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.conn.Close(websocket.StatusNormalClosure, "session stopped")
}

func (c *Client) writeFrame(typ string, data any) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			slog.Error("voice: encode frame failed", "type", typ, "error", err)
			return
		}
		raw = b
	}
	c.queue.push(kindSystemUpdate, wireFrame{Type: typ, Data: raw})
}

// sendLoop drains the priority queue (toolResult > text > systemUpdate >
// audio) into the websocket connection.
func (c *Client) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.queue.wait():
		}
		for {
			item, ok := c.queue.pop()
			if !ok {
				break
			}
			frame, ok := item.data.(wireFrame)
			if !ok {
				frame = wireFrame{Type: kindFrameType(item.kind)}
				if b, err := json.Marshal(item.data); err == nil {
					frame.Data = b
				}
			}
			b, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
				slog.Error("voice: write failed", "error", err)
				return
			}
		}
	}
}

func kindFrameType(k itemKind) string {
	switch k {
	case kindAudio:
		return "audioInput"
	case kindText:
		return "textInput"
	case kindToolResult:
		return "toolResult"
	default:
		return "systemUpdate"
	}
}
