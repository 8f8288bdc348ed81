// Package message defines the canonical types that flow through the
// pipeline: the normalized inbound Message, the parsed Command, and the
// Result produced by executing it.
package message

import "time"

// Message is the canonical representation of one inbound chat event.
// MessageID is stable across redeliveries of the same underlying event and
// is used as the idempotency key on every queue hop.
type Message struct {
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	RawText        string    `json:"raw_text"`
	ReceivedAt     time.Time `json:"received_at"`
	MessageID      string    `json:"message_id"`
	IsGroup        bool      `json:"is_group"`
}

// CommandKind identifies the parsed intent of a Message.
type CommandKind string

const (
	KindStockQuote CommandKind = "stock_quote"
	KindHelp       CommandKind = "help"
	KindUnknown    CommandKind = "unknown"
)

// Command is the parsed intent extracted from a Message. Kind is Unknown
// for any unparseable or unsupported input; parsing never fails outward.
type Command struct {
	Kind   CommandKind `json:"kind"`
	Args   []string    `json:"args"`
	Origin Message     `json:"origin"`
}

// Status classifies the outcome of executing a Command.
type Status string

const (
	StatusOk          Status = "ok"
	StatusFailed      Status = "failed"
	StatusRateLimited Status = "rate_limited"
)

// Result is the outcome of executing a Command. Every Command produces
// exactly one Result, success or failure; the pipeline never drops a unit
// of work silently.
type Result struct {
	Origin      Origin `json:"origin"`
	Body        string `json:"body"`
	Status      Status `json:"status"`
	ErrorDetail string `json:"error_detail,omitempty"`
	// MessageID carries the originating idempotency key so the outbound
	// queue can deduplicate redelivered results.
	MessageID string `json:"message_id"`
}

// Origin identifies the conversation and sender a Result replies to.
type Origin struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	IsGroup        bool   `json:"is_group"`
}

// OriginOf extracts the reply routing information from a Message.
func OriginOf(m Message) Origin {
	return Origin{
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		IsGroup:        m.IsGroup,
	}
}
