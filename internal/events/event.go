// Package events defines the deliberation event stream: a tagged event type,
// its SSE framing and a per-run hub with replay for late subscribers.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ashureev/council/internal/domain"
)

// Type is the discriminator carried in every event's "type" field.
type Type string

const (
	TypeRunStarted     Type = "run_started"
	TypeStagePreparing Type = "stage_preparing"
	TypeHeartbeat      Type = "heartbeat"
	TypeRecoveryStart  Type = "recovery_start"
	TypeTitleComplete  Type = "title_complete"
	TypeComplete       Type = "complete"
	TypeError          Type = "error"
)

// StartType returns the "<stage>_start" tag.
func StartType(stage domain.StageID) Type { return Type(string(stage) + "_start") }

// CompleteType returns the "<stage>_complete" tag.
func CompleteType(stage domain.StageID) Type { return Type(string(stage) + "_complete") }

// SkippedType returns the "<stage>_skipped" tag.
func SkippedType(stage domain.StageID) Type { return Type(string(stage) + "_skipped") }

// Event is one message on a run's stream. Data holds the per-type payload
// fields and is spliced next to "type" when encoded.
type Event struct {
	Type Type
	Data any
}

// Terminal reports whether the event ends a stream.
func (e Event) Terminal() bool {
	return e.Type == TypeComplete || e.Type == TypeError
}

// RunStartedData is the payload of run_started.
type RunStartedData struct {
	RunID             string          `json:"run_id"`
	ConversationID    string          `json:"conversation_id"`
	UserMessageID     string          `json:"user_message_id"`
	Mode              domain.ModeName `json:"mode"`
	EnablePeerReview  bool            `json:"enable_peer_review"`
	EnableCrossReview bool            `json:"enable_cross_review"`
	UpdatedCredits    int             `json:"updated_credits"`
}

// StageCompleteData is the payload of every <stage>_complete event.
type StageCompleteData struct {
	Data     any                      `json:"data"`
	Metadata *domain.StageTwoMetadata `json:"metadata,omitempty"`
}

// StagePreparingData is the payload of stage_preparing.
type StagePreparingData struct {
	NextStage domain.StageID `json:"next_stage"`
	Status    string         `json:"status"`
}

// HeartbeatData is the payload of heartbeat.
type HeartbeatData struct {
	Operation      string  `json:"operation"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// TitleData is the payload of title_complete.
type TitleData struct {
	Title string `json:"title"`
}

// CompleteData is the payload of complete.
type CompleteData struct {
	Credits   int    `json:"credits"`
	MessageID string `json:"message_id,omitempty"`
}

// ErrorData is the payload of error.
type ErrorData struct {
	Message string         `json:"message"`
	Stage   domain.StageID `json:"stage,omitempty"`
}

// RunStarted builds run_started.
func RunStarted(d RunStartedData) Event { return Event{Type: TypeRunStarted, Data: d} }

// StageStart builds <stage>_start.
func StageStart(stage domain.StageID) Event { return Event{Type: StartType(stage)} }

// StageSkipped builds <stage>_skipped.
func StageSkipped(stage domain.StageID) Event { return Event{Type: SkippedType(stage)} }

// StageComplete builds <stage>_complete carrying the full stage payload.
func StageComplete(stage domain.StageID, payload any, meta *domain.StageTwoMetadata) Event {
	return Event{Type: CompleteType(stage), Data: StageCompleteData{Data: payload, Metadata: meta}}
}

// StagePreparing builds stage_preparing.
func StagePreparing(next domain.StageID) Event {
	return Event{Type: TypeStagePreparing, Data: StagePreparingData{NextStage: next, Status: "preparing"}}
}

// Heartbeat builds heartbeat.
func Heartbeat(operation string, elapsedSeconds float64) Event {
	return Event{Type: TypeHeartbeat, Data: HeartbeatData{Operation: operation, ElapsedSeconds: elapsedSeconds}}
}

// RecoveryStart builds recovery_start.
func RecoveryStart() Event { return Event{Type: TypeRecoveryStart} }

// TitleComplete builds title_complete.
func TitleComplete(title string) Event { return Event{Type: TypeTitleComplete, Data: TitleData{Title: title}} }

// Complete builds complete.
func Complete(credits int, messageID string) Event {
	return Event{Type: TypeComplete, Data: CompleteData{Credits: credits, MessageID: messageID}}
}

// Error builds error.
func Error(message string, stage domain.StageID) Event {
	return Event{Type: TypeError, Data: ErrorData{Message: message, Stage: stage}}
}

// MarshalJSON writes {"type": ..., <payload fields>}.
func (e Event) MarshalJSON() ([]byte, error) {
	typ, err := json.Marshal(string(e.Type))
	if err != nil {
		return nil, err
	}
	if e.Data == nil {
		return []byte(`{"type":` + string(typ) + `}`), nil
	}
	payload, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) < 2 || payload[0] != '{' {
		return nil, fmt.Errorf("%s payload must encode as an object", e.Type)
	}
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if inner := bytes.TrimSpace(payload[1 : len(payload)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Decode parses one encoded event. Payload fields are kept raw so unknown
// types decode without error.
func Decode(data []byte) (Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	var typ string
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &typ); err != nil {
			return Event{}, fmt.Errorf("decode event type: %w", err)
		}
	}
	if typ == "" {
		return Event{}, fmt.Errorf("decode event: missing type")
	}
	delete(fields, "type")
	ev := Event{Type: Type(typ)}
	if len(fields) > 0 {
		ev.Data = fields
	}
	return ev, nil
}

// Field decodes one payload field of a decoded event into v.
func (e Event) Field(name string, v any) error {
	fields, ok := e.Data.(map[string]json.RawMessage)
	if !ok {
		return fmt.Errorf("event %s: payload is not decoded", e.Type)
	}
	raw, ok := fields[name]
	if !ok {
		return fmt.Errorf("event %s: no field %q", e.Type, name)
	}
	return json.Unmarshal(raw, v)
}
