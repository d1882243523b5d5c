package events

import (
	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrMalformed marks pipeline messages that cannot be decoded or fail
// validation.
var ErrMalformed = errors.New("malformed message")

// ParseEnvelope decodes and validates a raw pipeline event.
func ParseEnvelope(raw []byte) (string, Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, errors.Mark(errors.Wrap(err, "decode envelope"), ErrMalformed)
	}
	if err := validate.Struct(env); err != nil {
		return "", nil, errors.Mark(errors.Wrap(err, "validate envelope"), ErrMalformed)
	}
	ev, err := env.Decode()
	if err != nil {
		return "", nil, errors.Mark(err, ErrMalformed)
	}
	return env.UserID, ev, nil
}

// Notification addresses a user-facing notification payload to a user.
type Notification struct {
	UserID  string          `json:"userId" validate:"required"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

// ParseNotification decodes and validates a raw notification request. The
// payload must be a JSON object.
func ParseNotification(raw []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return Notification{}, errors.Mark(errors.Wrap(err, "decode notification"), ErrMalformed)
	}
	if err := validate.Struct(n); err != nil {
		return Notification{}, errors.Mark(errors.Wrap(err, "validate notification"), ErrMalformed)
	}
	var obj map[string]any
	if err := json.Unmarshal(n.Payload, &obj); err != nil || obj == nil {
		return Notification{}, errors.Mark(errors.New("notification payload must be an object"), ErrMalformed)
	}
	return n, nil
}
