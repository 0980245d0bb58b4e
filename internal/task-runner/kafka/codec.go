package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"task-runner-service/internal/task-runner/events"
)

// Messages travel as protobuf-encoded google.protobuf.Struct values.

func EncodeEvent(ev events.Event) ([]byte, error) {
	var payload interface{}
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return nil, fmt.Errorf("event payload of task %s seq %d: %w", ev.TaskID, ev.Seq, err)
		}
	}
	st, err := structpb.NewStruct(map[string]interface{}{
		"id":         ev.ID,
		"task_id":    ev.TaskID,
		"seq":        ev.Seq,
		"event_type": ev.Type,
		"payload":    payload,
		"created_at": ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		"origin":     ev.Origin,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build event message: %w", err)
	}
	return proto.Marshal(st)
}

func DecodeEvent(b []byte) (events.Event, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(b, &st); err != nil {
		return events.Event{}, fmt.Errorf("failed to unmarshal event message: %w", err)
	}
	f := st.GetFields()
	ev := events.Event{
		ID:     int64(f["id"].GetNumberValue()),
		TaskID: f["task_id"].GetStringValue(),
		Seq:    int64(f["seq"].GetNumberValue()),
		Type:   f["event_type"].GetStringValue(),
		Origin: f["origin"].GetStringValue(),
	}
	if ev.TaskID == "" || ev.Seq <= 0 || ev.Type == "" {
		return events.Event{}, fmt.Errorf("event message is missing task_id, seq or event_type")
	}
	if created := f["created_at"].GetStringValue(); created != "" {
		t, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return events.Event{}, fmt.Errorf("bad created_at %q: %w", created, err)
		}
		ev.CreatedAt = t
	}
	if p, ok := f["payload"]; ok {
		if _, isNull := p.GetKind().(*structpb.Value_NullValue); !isNull {
			raw, err := json.Marshal(p.AsInterface())
			if err != nil {
				return events.Event{}, fmt.Errorf("failed to re-encode payload: %w", err)
			}
			ev.Payload = raw
		}
	}
	return ev, nil
}

func EncodeSignal(sig events.Signal) ([]byte, error) {
	st, err := structpb.NewStruct(map[string]interface{}{
		"task_id":   sig.TaskID,
		"kind":      string(sig.Kind),
		"runner_id": sig.RunnerID,
		"origin":    sig.Origin,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build signal message: %w", err)
	}
	return proto.Marshal(st)
}

func DecodeSignal(b []byte) (events.Signal, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(b, &st); err != nil {
		return events.Signal{}, fmt.Errorf("failed to unmarshal signal message: %w", err)
	}
	f := st.GetFields()
	sig := events.Signal{
		TaskID:   f["task_id"].GetStringValue(),
		Kind:     events.SignalKind(f["kind"].GetStringValue()),
		RunnerID: f["runner_id"].GetStringValue(),
		Origin:   f["origin"].GetStringValue(),
	}
	switch sig.Kind {
	case events.SignalCancel, events.SignalEarlyStop:
	default:
		return events.Signal{}, fmt.Errorf("unknown signal kind %q", sig.Kind)
	}
	if sig.TaskID == "" {
		return events.Signal{}, fmt.Errorf("signal message is missing task_id")
	}
	return sig, nil
}
