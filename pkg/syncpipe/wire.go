// Package syncpipe implements the inter-node sync pipe: a gRPC
// bidirectional streaming service carrying types.SyncEvent frames
// between a Piped source agent and a Replica on a peer node. Frames are
// JSON-encoded via a hand-registered grpc encoding.Codec rather than
// protobuf, so the wire format needs no protoc-generated code while
// still riding a genuine google.golang.org/grpc transport.
package syncpipe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/d71dev/megaphone/pkg/types"
	"google.golang.org/grpc/encoding"
)

const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Frame is the wire carrier for one types.SyncEvent.
type Frame struct {
	Kind      string          `json:"kind"`
	AgentName string          `json:"agentName,omitempty"`
	AgentKey  []byte          `json:"agentKey,omitempty"`
	ChannelID string          `json:"channelId,omitempty"`
	StreamID  string          `json:"streamId,omitempty"`
	EventID   string          `json:"eventId,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// Ack is the server's per-frame acknowledgement.
type Ack struct {
	Ok      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// frameFromSyncEvent converts a types.SyncEvent to its wire Frame.
func frameFromSyncEvent(e types.SyncEvent) Frame {
	return Frame{
		Kind:      string(e.Kind),
		AgentName: e.AgentName,
		AgentKey:  e.AgentKey,
		ChannelID: e.ChannelID,
		StreamID:  e.StreamID,
		EventID:   e.EventID,
		Timestamp: e.Timestamp,
		Body:      json.RawMessage(e.Body),
	}
}

// toSyncEvent converts a wire Frame back to a types.SyncEvent. Fails if
// Kind is not a recognized SyncEventKind.
func (f Frame) toSyncEvent() (types.SyncEvent, error) {
	kind := types.SyncEventKind(f.Kind)
	switch kind {
	case types.SyncPipeAgentStart, types.SyncPipeAgentEnd,
		types.SyncChannelCreated, types.SyncChannelDisposed, types.SyncEventReceived:
	default:
		return types.SyncEvent{}, fmt.Errorf("syncpipe: unrecognized frame kind %q", f.Kind)
	}

	return types.SyncEvent{
		Kind:      kind,
		AgentName: f.AgentName,
		AgentKey:  f.AgentKey,
		ChannelID: f.ChannelID,
		StreamID:  f.StreamID,
		EventID:   f.EventID,
		Timestamp: f.Timestamp,
		Body:      []byte(f.Body),
	}, nil
}
