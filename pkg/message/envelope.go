package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

var (
	ErrNoMessageID = errors.New("no message id")
	ErrNotEnvelope = errors.New("body is not an envelope")
)

// Envelope carries delivery metadata inside the message body, independent of
// the broker's own message-id and correlation-id headers.
type Envelope struct {
	MsgID        string    `json:"msgId"`
	TraceID      string    `json:"traceId,omitempty"`
	SentAt       time.Time `json:"sentAt"`
	BusinessType string    `json:"businessType"`
	Payload      string    `json:"payload"`
}

func New(msgID, traceID, businessType, payload string, sentAt time.Time) *Envelope {
	return &Envelope{
		MsgID:        msgID,
		TraceID:      traceID,
		SentAt:       sentAt.UTC(),
		BusinessType: businessType,
		Payload:      payload,
	}
}

// Marshal encodes the envelope as the message body.
func (e *Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return b, nil
}

// Open decodes an envelope body. It fails when the body is not JSON, lacks
// the businessType or payload keys, or does not carry a msg id. A business
// body that merely has a msgId field is therefore not mistaken for one.
func Open(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	for _, key := range []string{"businessType", "payload"} {
		if !gjson.GetBytes(data, key).Exists() {
			return nil, fmt.Errorf("%w: missing %s", ErrNotEnvelope, key)
		}
	}
	if env.MsgID == "" {
		return nil, ErrNoMessageID
	}
	return &env, nil
}

// idFields are probed in order when a raw JSON body has to yield an id.
var idFields = []string{"msgId", "msg_id", "messageId", "message_id", "id"}

// ExtractMsgID is a best-effort scan of common id field names at the top
// level of a JSON body.
func ExtractMsgID(body []byte) (string, bool) {
	if !gjson.ValidBytes(body) {
		return "", false
	}
	for _, f := range idFields {
		v := gjson.GetBytes(body, f)
		if !v.Exists() {
			continue
		}
		switch v.Type {
		case gjson.String, gjson.Number:
			if s := v.String(); s != "" {
				return s, true
			}
		}
	}
	return "", false
}
