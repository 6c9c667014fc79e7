package server

// Client to server messages. Type discriminates; unused fields stay empty.
type clientMessage struct {
	Type string `json:"type"`

	// Sequence and Samples are set on audio_frame messages. Samples is
	// base64-encoded little-endian PCM16.
	Sequence int64  `json:"sequence,omitempty"`
	Samples  string `json:"samples,omitempty"`
}

// Client message types.
const (
	msgAudioFrame        = "audio_frame"
	msgStartConversation = "start_conversation"
	msgStopConversation  = "stop_conversation"
)

// Server to client messages, one struct per type.

type partialTextMessage struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id"`
	Text   string `json:"text"`
}

type responseCompleteMessage struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id"`
	Text   string `json:"text"`
}

type audioResponseMessage struct {
	Type                 string `json:"type"`
	TurnID               string `json:"turn_id"`
	ContainerBytesBase64 string `json:"container_bytes_base64"`
	SampleRate           int    `json:"sample_rate"`
	DurationMS           int64  `json:"duration_ms"`
	Format               string `json:"format"`
}

type listeningResumedMessage struct {
	Type string `json:"type"`
}

type responseCancelledMessage struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id"`
}

type backpressureMessage struct {
	Type          string `json:"type"`
	DroppedFrames int    `json:"dropped_frames"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
