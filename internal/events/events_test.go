package events

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ashureev/council/internal/domain"
)

func TestEventMarshalSplicesType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		ev   Event
		want string
	}{
		{StageStart(domain.Stage1), `{"type":"stage1_start"}`},
		{Complete(4, ""), `{"type":"complete","credits":4}`},
		{Error("cancelled", domain.Stage2), `{"type":"error","message":"cancelled","stage":"stage2"}`},
		{StagePreparing(domain.Stage3), `{"type":"stage_preparing","next_stage":"stage3","status":"preparing"}`},
	}
	for _, tc := range cases {
		got, err := json.Marshal(tc.ev)
		if err != nil {
			t.Fatalf("marshal %s: %v", tc.ev.Type, err)
		}
		if string(got) != tc.want {
			t.Errorf("expected %s, got %s", tc.want, got)
		}
	}

	if _, err := json.Marshal(Event{Type: "bad", Data: []int{1}}); err == nil {
		t.Fatal("expected non-object payloads to be rejected")
	}
}

func TestStageCompleteCarriesPayload(t *testing.T) {
	t.Parallel()

	payload := []domain.ModelResponse{{ModelID: "a/one", Text: "yes"}, {ModelID: "b/two", Error: "timeout"}}
	data, err := json.Marshal(StageComplete(domain.Stage1, payload, nil))
	if err != nil {
		t.Fatal(err)
	}
	ev, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if ev.Type != "stage1_complete" {
		t.Fatalf("unexpected type %s", ev.Type)
	}
	var got []domain.ModelResponse
	if err := ev.Field("data", &got); err != nil {
		t.Fatalf("Field failed: %v", err)
	}
	if len(got) != 2 || got[1].Error != "timeout" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestSSERoundTripSkipsUnknownAndComments(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	_ = WriteSSE(&buf, RunStarted(RunStartedData{Mode: domain.ModeQuick, UpdatedCredits: 4}))
	buf.WriteString(": keepalive\n\n")
	buf.WriteString("data: not json\n\n")
	buf.WriteString(`data: {"type":"future_event","x":1}` + "\n\n")
	_ = WriteSSE(&buf, Complete(4, "m1"))

	if !strings.HasPrefix(buf.String(), `data: {"type":"run_started"`) {
		t.Fatalf("unexpected framing %q", buf.String())
	}

	var types []Type
	if err := ReadSSE(&buf, func(ev Event) bool {
		types = append(types, ev.Type)
		return true
	}); err != nil {
		t.Fatalf("ReadSSE failed: %v", err)
	}
	want := []Type{TypeRunStarted, "future_event", TypeComplete}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, types)
		}
	}
}

func drain(sub *Subscription) []Type {
	var out []Type
	for ev := range sub.Events() {
		out = append(out, ev.Type)
	}
	return out
}

func TestHubReplaysJournalToLateSubscribers(t *testing.T) {
	t.Parallel()

	h := NewHub(8, nil)
	first := h.Subscribe(false)

	h.Publish(StageStart(domain.Stage1))
	h.Publish(Heartbeat("stage1", 5))
	h.Publish(StageComplete(domain.Stage1, []domain.ModelResponse{}, nil))

	late := h.Subscribe(true)
	h.Publish(StageStart(domain.Stage3))
	h.Publish(Complete(4, ""))

	gotFirst := drain(first)
	if len(gotFirst) != 5 || gotFirst[1] != TypeHeartbeat {
		t.Fatalf("live subscriber should see everything, got %v", gotFirst)
	}

	gotLate := drain(late)
	want := []Type{TypeRecoveryStart, "stage1_start", "stage1_complete", "stage3_start", TypeComplete}
	if len(gotLate) != len(want) {
		t.Fatalf("expected %v, got %v", want, gotLate)
	}
	for i := range want {
		if gotLate[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, gotLate)
		}
	}

	after := drain(h.Subscribe(true))
	if len(after) != 5 || after[len(after)-1] != TypeComplete {
		t.Fatalf("subscribing to a finished hub replays and closes, got %v", after)
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	t.Parallel()

	h := NewHub(2, nil)
	slow := h.Subscribe(false)

	for i := 0; i < 3; i++ {
		h.Publish(Heartbeat("stage1", float64(i)))
	}
	if !slow.Dropped() {
		t.Fatal("expected slow subscriber to be dropped")
	}
	if got := drain(slow); len(got) != 2 {
		t.Fatalf("dropped subscriber keeps what was buffered, got %v", got)
	}
	if h.Subscribers() != 0 {
		t.Fatalf("expected no subscribers, got %d", h.Subscribers())
	}
	slow.Close()

	again := h.Subscribe(true)
	h.Publish(Complete(1, ""))
	if got := drain(again); len(got) != 2 || got[0] != TypeRecoveryStart {
		t.Fatalf("resubscribing replays without heartbeats, got %v", got)
	}
}

func TestHubSubscribeFromSkipsDeliveredEvents(t *testing.T) {
	t.Parallel()

	h := NewHub(8, nil)
	h.Publish(RunStarted(RunStartedData{RunID: "run-1", Mode: domain.ModeQuick}))
	h.Publish(StageStart(domain.Stage1))
	h.Publish(Heartbeat("stage1", 5))
	h.Publish(StageComplete(domain.Stage1, []domain.ModelResponse{}, nil))

	sub := h.SubscribeFrom(2)
	h.Publish(Complete(4, ""))

	got := drain(sub)
	want := []Type{"stage1_complete", TypeComplete}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	if got := drain(h.SubscribeFrom(99)); len(got) != 0 {
		t.Fatalf("offset past the journal on a closed hub yields nothing, got %v", got)
	}
}
