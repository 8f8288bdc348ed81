// Package normalizer parses raw Signal webhook envelopes into canonical
// Messages. Normalization is a pure transform with no side effects.
package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/edgard/signalbot/internal/message"
)

var (
	// ErrMalformedPayload indicates a payload missing required fields
	// (sender, text, or the fields the message ID derives from). Such
	// payloads are rejected at ingestion and never retried.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrNotTextMessage indicates a structurally valid envelope that
	// carries no text message (receipts, typing notifications, reactions).
	// These are ignored, not failed.
	ErrNotTextMessage = errors.New("not a text message")
)

// envelope mirrors the signal-cli webhook JSON shape.
type envelope struct {
	Envelope struct {
		Timestamp  int64  `json:"timestamp"`
		Source     string `json:"source"`
		SourceUUID string `json:"sourceUuid"`
		DataMsg    *struct {
			Message   string `json:"message"`
			GroupInfo *struct {
				GroupID string `json:"groupId"`
			} `json:"groupInfo"`
		} `json:"dataMessage"`
	} `json:"envelope"`
}

// Normalize parses one raw webhook payload into a canonical Message.
//
// The message ID is derived from the envelope source and timestamp, which
// are stable across redeliveries of the same underlying event, so it can
// serve as the idempotency key on every queue hop.
func Normalize(raw []byte) (message.Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return message.Message{}, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedPayload, err)
	}

	e := env.Envelope
	if e.DataMsg == nil || e.DataMsg.Message == "" {
		return message.Message{}, ErrNotTextMessage
	}
	if e.Source == "" {
		return message.Message{}, fmt.Errorf("%w: missing envelope source", ErrMalformedPayload)
	}
	if e.Timestamp == 0 {
		return message.Message{}, fmt.Errorf("%w: missing envelope timestamp", ErrMalformedPayload)
	}

	sourceKey := e.SourceUUID
	if sourceKey == "" {
		sourceKey = e.Source
	}

	msg := message.Message{
		SenderID:   e.Source,
		RawText:    e.DataMsg.Message,
		ReceivedAt: time.UnixMilli(e.Timestamp).UTC(),
		MessageID:  sourceKey + ":" + strconv.FormatInt(e.Timestamp, 10),
	}

	if e.DataMsg.GroupInfo != nil && e.DataMsg.GroupInfo.GroupID != "" {
		msg.IsGroup = true
		msg.ConversationID = "group:" + e.DataMsg.GroupInfo.GroupID
	} else {
		msg.ConversationID = e.Source
	}

	return msg, nil
}
