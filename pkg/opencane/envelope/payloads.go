package envelope

// Payload structs for every event/command Type. Parsed at the boundary by
// Envelope.DecodePayload, then passed around the runtime as typed values —
// nothing downstream re-parses json.RawMessage.

// HelloPayload is carried on TypeHello.
type HelloPayload struct {
	Profile      string `json:"profile,omitempty"`
	LastRecvSeq  uint64 `json:"last_recv_seq,omitempty"`
	FirmwareVer  string `json:"firmware_version,omitempty"`
	AuthToken    string `json:"auth_token,omitempty"`
}

// ListenStartPayload is carried on TypeListenStart.
type ListenStartPayload struct {
	AudioMode string `json:"audio_mode,omitempty"`
}

// AudioChunkPayload is carried on TypeAudioChunk in json_b64 mode.
// In framed_packet mode the audio bytes never reach the JSON envelope at all;
// see Frame in frame.go.
type AudioChunkPayload struct {
	AudioB64 string `json:"audio_b64"`
}

// ListenStopPayload is carried on TypeListenStop.
type ListenStopPayload struct {
	// Transcript, if present, is used verbatim instead of invoking the
	// TranscriptionProvider.
	Transcript string `json:"transcript,omitempty"`
}

// AbortPayload is carried on TypeAbort.
type AbortPayload struct {
	Reason             string `json:"reason,omitempty"`
	CancelDigitalTask  bool   `json:"cancel_digital_task,omitempty"`
}

// ImageReadyPayload is carried on TypeImageReady.
type ImageReadyPayload struct {
	ImageB64 string `json:"image_b64"`
	Mime     string `json:"mime,omitempty"`
	Question string `json:"question,omitempty"`
}

// TelemetryPayload is carried on TypeTelemetry; arbitrary key/value samples.
type TelemetryPayload struct {
	Values map[string]any `json:"values"`
}

// ToolResultPayload is carried on TypeToolResult.
type ToolResultPayload struct {
	OperationID string `json:"operation_id"`
	Success     bool   `json:"success"`
	Result      any    `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ErrorPayload is carried on device->server TypeError and on the recoverable
// error envelopes the runtime emits for InvalidControlPayload/InvalidAudioFrame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HelloAckPayload is carried on TypeHelloAck.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// AckPayload is carried on TypeAck.
type AckPayload struct {
	AckSeq uint64 `json:"ack_seq"`
}

// STTPayload is carried on TypeSTTPartial and TypeSTTFinal.
type STTPayload struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

// TTSStartPayload is carried on TypeTTSStart.
type TTSStartPayload struct {
	TurnID string `json:"turn_id"`
	Mode   string `json:"mode"` // "device_text" | "server_audio"
}

// TTSChunkPayload is carried on TypeTTSChunk.
type TTSChunkPayload struct {
	TurnID   string `json:"turn_id"`
	Text     string `json:"text,omitempty"`
	AudioB64 string `json:"audio_b64,omitempty"`
	Index    int    `json:"index"`
}

// TTSStopPayload is carried on TypeTTSStop.
type TTSStopPayload struct {
	TurnID   string `json:"turn_id"`
	Aborted  bool   `json:"aborted"`
}

// TaskUpdatePayload is carried on TypeTaskUpdate.
type TaskUpdatePayload struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ToolCallPayload is carried on TypeToolCall.
type ToolCallPayload struct {
	OperationID string `json:"operation_id"`
	Name        string `json:"name"`
	Args        any    `json:"args,omitempty"`
}

// SetConfigPayload is carried on TypeSetConfig.
type SetConfigPayload struct {
	Values map[string]any `json:"values"`
}

// OTAPlanPayload is carried on TypeOTAPlan.
type OTAPlanPayload struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

// ClosePayload is carried on TypeClose.
type ClosePayload struct {
	Reason string `json:"reason"`
}
