// Package broadcast delivers live session events to observers over NATS
// and WebSocket.
package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"Go2NetGraph/internal/model"
)

// Envelope converts an event to its wire form: a protobuf Struct with
// type, session_name, sent_at and data fields.
func Envelope(ev model.Event, now time.Time) (*structpb.Struct, error) {
	var data interface{}
	if ev.Data != nil {
		// round-trip through JSON so that struct tags decide field names
		raw, err := json.Marshal(ev.Data)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", ev.Type, err)
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, err
		}
	}
	return structpb.NewStruct(map[string]interface{}{
		"type":         ev.Type,
		"session_name": ev.SessionName,
		"sent_at":      now.UTC().Format(time.RFC3339Nano),
		"data":         data,
	})
}

// Marshal encodes an event envelope in protobuf binary form.
func Marshal(ev model.Event, now time.Time) ([]byte, error) {
	env, err := Envelope(ev, now)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(env)
}

// Unmarshal decodes a binary envelope.
func Unmarshal(b []byte) (*structpb.Struct, error) {
	var env structpb.Struct
	if err := proto.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// EventOf reads the event back out of an envelope. Data is the generic
// JSON form of the original payload.
func EventOf(env *structpb.Struct) model.Event {
	m := env.AsMap()
	ev := model.Event{Data: m["data"]}
	ev.Type, _ = m["type"].(string)
	ev.SessionName, _ = m["session_name"].(string)
	return ev
}
