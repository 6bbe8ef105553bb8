package model

import "time"

// Tier classifies a model by routing cost class.
type Tier string

const (
	TierStandard Tier = "IA"
	TierSuper    Tier = "IA_SUPER"
	TierEco      Tier = "IA_ECO"
)

// Info describes one registered model and its provider routing metadata.
type Info struct {
	ID          string `yaml:"id"`
	Provider    string `yaml:"provider"`
	Tier        Tier   `yaml:"tier"`
	DisplayName string `yaml:"display_name"`
}

// ChatMessage is a user message as sent to the backend. The ID carries the
// sub-stream id so that inbound chunks can be correlated back to the
// originating (request, model) pair.
type ChatMessage struct {
	ID             string `json:"id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	ConversationID string `json:"conversationId"`
	Model          string `json:"model"`
	Provider       string `json:"provider,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// NowMillis returns the current time in wire format (ms since epoch).
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// MillisToTime converts a wire timestamp to a local time.Time.
func MillisToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
