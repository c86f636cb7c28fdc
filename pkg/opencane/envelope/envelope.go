// Package envelope defines the canonical device<->server message shape and
// the typed event/command payloads carried inside it.
//
// Payload is modeled as a tagged variant over Type: Envelope carries the raw
// JSON in Payload (json.RawMessage) at the wire boundary, and
// DecodePayload/EncodePayload move between that and the typed payload
// structs below, the same shape as chatgear's CommandEvent.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/iflabx/opencane/pkg/jsontime"
)

// DefaultVersion is used when a constructed Envelope does not set Version.
const DefaultVersion = "0.1"

// Type enumerates the device->server event types and server->device command
// types. Both directions share one envelope shape; Type disambiguates.
type Type string

// Device -> server event types.
const (
	TypeHello       Type = "hello"
	TypeHeartbeat   Type = "heartbeat"
	TypeListenStart Type = "listen_start"
	TypeAudioChunk  Type = "audio_chunk"
	TypeListenStop  Type = "listen_stop"
	TypeAbort       Type = "abort"
	TypeImageReady  Type = "image_ready"
	TypeTelemetry   Type = "telemetry"
	TypeToolResult  Type = "tool_result"
	TypeError       Type = "error"
)

// Server -> device command types.
const (
	TypeHelloAck   Type = "hello_ack"
	TypeAck        Type = "ack"
	TypeSTTPartial Type = "stt_partial"
	TypeSTTFinal   Type = "stt_final"
	TypeTTSStart   Type = "tts_start"
	TypeTTSChunk   Type = "tts_chunk"
	TypeTTSStop    Type = "tts_stop"
	TypeTaskUpdate Type = "task_update"
	TypeToolCall   Type = "tool_call"
	TypeSetConfig  Type = "set_config"
	TypeOTAPlan    Type = "ota_plan"
	TypeClose      Type = "close"
)

// IsCommand reports whether t is a server->device command type.
func (t Type) IsCommand() bool {
	switch t {
	case TypeHelloAck, TypeAck, TypeSTTPartial, TypeSTTFinal, TypeTTSStart,
		TypeTTSChunk, TypeTTSStop, TypeTaskUpdate, TypeToolCall, TypeSetConfig,
		TypeOTAPlan, TypeClose:
		return true
	}
	return false
}

// Envelope is the canonical message shape carrying one event or command.
type Envelope struct {
	Version   string          `json:"version"`
	MsgID     string          `json:"msg_id"`
	DeviceID  string          `json:"device_id"`
	SessionID string          `json:"session_id,omitempty"`
	Seq       uint64          `json:"seq"`
	Ts        jsontime.Milli  `json:"ts"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an Envelope with Version and Ts defaulted, encoding payload (if
// non-nil) to JSON.
func New(deviceID, sessionID string, typ Type, payload any) (Envelope, error) {
	env := Envelope{
		Version:   DefaultVersion,
		DeviceID:  deviceID,
		SessionID: sessionID,
		Ts:        jsontime.NowEpochMilli(),
		Type:      typ,
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("envelope: marshal payload: %w", err)
		}
		env.Payload = b
	}
	return env, nil
}

// DecodePayload unmarshals env.Payload into dst. dst should be a pointer to
// one of the Payload types in payloads.go, chosen by the caller based on
// env.Type.
func (env Envelope) DecodePayload(dst any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(env.Payload, dst)
}
