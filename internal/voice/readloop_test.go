package voice

import (
	"encoding/base64"
	"encoding/json"
	"regexp"
	"testing"

	"github.com/nextlevelbuilder/sonic/internal/config"
)

// newBareClient builds a Client with no live websocket connection, exercising
// only the pure frame-handling logic in readloop.go — none of these handlers
// touch c.conn.
func newBareClient(t *testing.T) *Client {
	t.Helper()
	return &Client{
		cfg:                     config.VoiceConfig{VADThreshold: 0.02},
		queue:                   newInputQueue(16),
		events:                  make(chan Event, 16),
		dispatchedToolNames:     map[string]bool{},
		pendingDuplicateToolIDs: map[string][]string{},
		toolIDToName:            map[string]string{},
	}
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestHandleAudio_SuppressesSpeculative(t *testing.T) {
	c := newBareClient(t)
	c.handleAudio(rawJSON(t, wireAudio{PCM: base64.StdEncoding.EncodeToString([]byte{1, 2}), Stage: StageSpeculative}))
	select {
	case ev := <-c.events:
		t.Fatalf("unexpected event emitted for speculative audio: %+v", ev)
	default:
	}
}

func TestHandleAudio_SuppressesWhenInterrupted(t *testing.T) {
	c := newBareClient(t)
	c.interruptedThisTurn = true
	c.handleAudio(rawJSON(t, wireAudio{PCM: base64.StdEncoding.EncodeToString([]byte{1, 2}), Stage: StageFinal}))
	select {
	case ev := <-c.events:
		t.Fatalf("unexpected event emitted while interrupted: %+v", ev)
	default:
	}
}

func TestHandleAudio_EmitsDecodedPCM(t *testing.T) {
	c := newBareClient(t)
	pcm := []byte{10, 20, 30}
	c.handleAudio(rawJSON(t, wireAudio{PCM: base64.StdEncoding.EncodeToString(pcm), Stage: StageFinal}))
	select {
	case ev := <-c.events:
		if ev.Type != EventAudio {
			t.Errorf("Type = %v, want EventAudio", ev.Type)
		}
		if string(ev.AudioPCM) != string(pcm) {
			t.Errorf("AudioPCM = %v, want %v", ev.AudioPCM, pcm)
		}
	default:
		t.Fatal("expected an EventAudio event")
	}
}

func TestHandleTranscript_DetectsCommitmentPhrase(t *testing.T) {
	c := newBareClient(t)
	c.commitmentRe = []*regexp.Regexp{regexp.MustCompile(`(?i)let me check`)}
	c.handleTranscript(rawJSON(t, wireTranscript{Role: "assistant", Text: "Let me check that for you.", Stage: StageFinal, IsFinal: true}))

	if !c.turnSawCommitment {
		t.Error("turnSawCommitment = false, want true after a matching assistant transcript")
	}
	<-c.events // drain the emitted transcript event
}

func TestHandleTranscript_IgnoresUserRoleForCommitment(t *testing.T) {
	c := newBareClient(t)
	c.commitmentRe = []*regexp.Regexp{regexp.MustCompile(`(?i)let me check`)}
	c.handleTranscript(rawJSON(t, wireTranscript{Role: "user", Text: "let me check my balance", IsFinal: true}))

	if c.turnSawCommitment {
		t.Error("turnSawCommitment = true, want false for a user-role transcript")
	}
	<-c.events
}

func TestHandleTranscript_IsFinalFromEitherFlagOrStage(t *testing.T) {
	c := newBareClient(t)
	c.handleTranscript(rawJSON(t, wireTranscript{Role: "assistant", Text: "hi", Stage: StageFinal}))
	ev := <-c.events
	if !ev.IsFinal {
		t.Error("IsFinal = false, want true when Stage is final even if IsFinal flag is unset")
	}
}

func TestHandleToolUse_DispatchesOncePerNamePerTurn(t *testing.T) {
	c := newBareClient(t)
	c.handleToolUse(rawJSON(t, wireToolUse{ToolUseID: "id-1", ToolName: "lookup"}))
	c.handleToolUse(rawJSON(t, wireToolUse{ToolUseID: "id-2", ToolName: "lookup"}))

	select {
	case ev := <-c.events:
		if ev.ToolUseID != "id-1" {
			t.Errorf("first dispatched ToolUseID = %q, want id-1", ev.ToolUseID)
		}
	default:
		t.Fatal("expected the first tool use to be dispatched")
	}
	select {
	case ev := <-c.events:
		t.Fatalf("unexpected second dispatch for a duplicate tool name: %+v", ev)
	default:
	}
	if got := c.pendingDuplicateToolIDs["lookup"]; len(got) != 1 || got[0] != "id-2" {
		t.Errorf("pendingDuplicateToolIDs[lookup] = %v, want [id-2]", got)
	}
}

func TestHandleContentStartEnd_TracksAssistantSpeaking(t *testing.T) {
	c := newBareClient(t)
	c.handleContentStart(rawJSON(t, wireContent{Role: "assistant", Stage: StageFinal}))
	<-c.events
	if !c.assistantSpeaking {
		t.Error("assistantSpeaking = false, want true after content start")
	}
	if c.activeContentBlocks != 1 {
		t.Errorf("activeContentBlocks = %d, want 1", c.activeContentBlocks)
	}

	c.handleContentEnd(rawJSON(t, wireContent{Role: "assistant", Stage: StageFinal, StopReason: StopEndTurn}))
	<-c.events
	if c.assistantSpeaking {
		t.Error("assistantSpeaking = true, want false after matching content end")
	}
	if c.activeContentBlocks != 0 {
		t.Errorf("activeContentBlocks = %d, want 0", c.activeContentBlocks)
	}
}

func TestHandleContentStartEnd_SuppressesSpeculativeAssistant(t *testing.T) {
	c := newBareClient(t)
	c.handleContentStart(rawJSON(t, wireContent{Role: "assistant", Stage: StageSpeculative}))
	select {
	case ev := <-c.events:
		t.Fatalf("unexpected event for speculative assistant content start: %+v", ev)
	default:
	}
	// State tracking still happens even when the event itself is suppressed.
	if !c.assistantSpeaking {
		t.Error("assistantSpeaking should still be tracked for speculative content")
	}
}

func TestHandleTurnEnd_NudgesWhenCommittedButNoToolCalled(t *testing.T) {
	c := newBareClient(t)
	c.turnSawCommitment = true
	c.turnCalledTool = false
	c.handleTurnEnd()

	if c.turnSawCommitment {
		t.Error("turnSawCommitment should be reset after turn end")
	}
	item, ok := c.queue.pop()
	if !ok {
		t.Fatal("expected a system-injection item to be queued for the nudge")
	}
	if item.kind != kindSystemUpdate {
		t.Errorf("nudge item kind = %v, want kindSystemUpdate", item.kind)
	}
	<-c.events // drain the turn-end event itself
}

func TestHandleTurnEnd_NoNudgeWhenToolWasCalled(t *testing.T) {
	c := newBareClient(t)
	c.turnSawCommitment = true
	c.turnCalledTool = true
	c.handleTurnEnd()

	if _, ok := c.queue.pop(); ok {
		t.Error("did not expect a nudge to be queued when a tool was called this turn")
	}
	<-c.events
}

func TestCheckInterruption_EmitsOnlyWhileAssistantSpeakingAboveThreshold(t *testing.T) {
	c := newBareClient(t)
	loudPCM := make([]byte, 200)
	for i := range loudPCM {
		if i%2 == 0 {
			loudPCM[i] = 0xff
		} else {
			loudPCM[i] = 0x7f
		}
	}

	// Not speaking: no interruption even for loud audio.
	c.checkInterruption(loudPCM)
	select {
	case ev := <-c.events:
		t.Fatalf("unexpected interruption while assistant isn't speaking: %+v", ev)
	default:
	}

	c.assistantSpeaking = true
	c.activeContentBlocks = 1
	c.checkInterruption(loudPCM)
	select {
	case ev := <-c.events:
		if ev.Type != EventInterruption {
			t.Errorf("Type = %v, want EventInterruption", ev.Type)
		}
	default:
		t.Fatal("expected an interruption event for loud audio while speaking")
	}
	if !c.interruptedThisTurn {
		t.Error("interruptedThisTurn = false, want true")
	}
}

func TestCheckInterruption_QuietAudioDoesNotInterrupt(t *testing.T) {
	c := newBareClient(t)
	c.assistantSpeaking = true
	c.activeContentBlocks = 1
	quiet := make([]byte, 200) // all-zero samples, zero energy
	c.checkInterruption(quiet)
	select {
	case ev := <-c.events:
		t.Fatalf("unexpected interruption for silent audio: %+v", ev)
	default:
	}
}

func TestRmsEnergy(t *testing.T) {
	if got := rmsEnergy(nil); got != 0 {
		t.Errorf("rmsEnergy(nil) = %v, want 0", got)
	}
	silence := make([]byte, 100)
	if got := rmsEnergy(silence); got != 0 {
		t.Errorf("rmsEnergy(silence) = %v, want 0", got)
	}
}
