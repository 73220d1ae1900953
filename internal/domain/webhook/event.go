package webhook

import (
	"bytes"
	"encoding/json"

	"ledgermatch/internal/shared/apperr"
)

var ErrMalformedEvent = apperr.New(apperr.KindValidation, "webhook payload is not a recognized event")

// Event is the provider-neutral form of a webhook notification.
type Event struct {
	ID           string
	Type         string
	ResourceType string
	ResourceID   string
	// AccountID is the provider account the event concerns, when the
	// envelope names it.
	AccountID string
	Data      json.RawMessage
}

type envelope struct {
	ID string `json:"id"`

	EventType    string          `json:"event_type"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	AccountID    string          `json:"account_id"`
	ResourceData json.RawMessage `json:"resource_data"`
	Payload      json.RawMessage `json:"payload"`

	// Stripe's native envelope.
	Type    string `json:"type"`
	Account string `json:"account"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type objectHeader struct {
	ID     string `json:"id"`
	Object string `json:"object"`
}

// DecodeEvent accepts the generic {event_type, resource_type, resource_id,
// resource_data|payload} envelope and Stripe's {type, account, data.object}.
func DecodeEvent(payload []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, ErrMalformedEvent.Message)
	}

	switch {
	case env.EventType != "":
		data := env.ResourceData
		if isEmpty(data) {
			data = env.Payload
		}
		return &Event{
			ID:           env.ID,
			Type:         env.EventType,
			ResourceType: env.ResourceType,
			ResourceID:   env.ResourceID,
			AccountID:    env.AccountID,
			Data:         data,
		}, nil

	case env.Type != "" && !isEmpty(env.Data.Object):
		var hdr objectHeader
		if err := json.Unmarshal(env.Data.Object, &hdr); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, err, ErrMalformedEvent.Message)
		}
		return &Event{
			ID:           env.ID,
			Type:         env.Type,
			ResourceType: hdr.Object,
			ResourceID:   hdr.ID,
			AccountID:    env.Account,
			Data:         env.Data.Object,
		}, nil
	}
	return nil, ErrMalformedEvent
}

func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
