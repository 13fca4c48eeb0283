// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package chat

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event types used on the live channel.
const (
	TypeChatMessage   = "chat_message"
	TypeDeleteMessage = "delete_message"
)

// ErrMalformed is returned when a live payload cannot be understood.
var ErrMalformed = errors.New("malformed live event")

// Deleted is decoded from a delete event and carries the ID of the removed
// message.
type Deleted struct {
	MessageID int64 `json:"message_id"`
}

// Outgoing is the payload written to the live channel to send a message.
type Outgoing struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewOutgoing returns a chat message payload with the given body.
func NewOutgoing(body string) Outgoing {
	return Outgoing{Type: TypeChatMessage, Message: body}
}

// Decode parses a payload received on the live channel.
// It returns either a Message or a Deleted value.
// The backend emits bare serialized messages without a type field, so a
// payload with no type is treated as a chat message.
func Decode(payload []byte) (interface{}, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch head.Type {
	case TypeDeleteMessage:
		var d Deleted
		if err := json.Unmarshal(payload, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if d.MessageID == 0 {
			return nil, fmt.Errorf("%w: delete without message_id", ErrMalformed)
		}
		return d, nil
	case TypeChatMessage, "":
		var m Message
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if m.ID == 0 || m.Conversation == 0 {
			return nil, fmt.Errorf("%w: message without id or conversation", ErrMalformed)
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, head.Type)
}
