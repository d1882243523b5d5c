// Package events defines the closed set of server-initiated events and
// client-initiated requests carried over the real-time channel.
package events

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
)

type Kind int

const (
	KindStarted Kind = iota + 1
	KindProgress
	KindCompleted
	KindFailed
	KindCancelled
	KindCreditsUpdated
)

// Kinds lists every server event kind.
var Kinds = []Kind{KindStarted, KindProgress, KindCompleted, KindFailed, KindCancelled, KindCreditsUpdated}

// EventNotification is the wire name of mailbox and notifier deliveries.
const EventNotification = "notification"

func (k Kind) String() string {
	switch k {
	case KindStarted:
		return "started"
	case KindProgress:
		return "progress"
	case KindCompleted:
		return "completed"
	case KindFailed:
		return "failed"
	case KindCancelled:
		return "cancelled"
	case KindCreditsUpdated:
		return "credits-updated"
	default:
		return "unknown"
	}
}

// EventName is the name the event is emitted under.
func (k Kind) EventName() string {
	switch k {
	case KindStarted:
		return "render-started"
	case KindProgress:
		return "render-progress"
	case KindCompleted:
		return "render-completed"
	case KindFailed:
		return "render-failed"
	case KindCancelled:
		return "render-cancelled"
	case KindCreditsUpdated:
		return "credits-updated"
	default:
		return ""
	}
}

// JobScoped reports whether events of this kind are addressed to a job group.
func (k Kind) JobScoped() bool {
	return k != KindCreditsUpdated
}

// Throttled reports whether events of this kind are rate limited.
func (k Kind) Throttled() bool {
	return k == KindProgress
}

func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if k.String() == s || k.EventName() == s {
			return k, nil
		}
	}
	return 0, errors.Newf("unknown event kind %q", s)
}

// Event is implemented only by the payload types in this package.
type Event interface {
	Kind() Kind
	isEvent()
}

// JobEvent is an Event addressed to one job.
type JobEvent interface {
	Event
	Job() string
}

type Started struct {
	JobID     string    `json:"jobId"`
	StartedAt time.Time `json:"startedAt"`
}

type Progress struct {
	JobID        string  `json:"jobId"`
	CurrentFrame int     `json:"currentFrame"`
	TotalFrames  int     `json:"totalFrames"`
	Percentage   float64 `json:"percentage"`
	Stage        string  `json:"stage"`
}

type Completed struct {
	JobID       string    `json:"jobId"`
	OutputURL   string    `json:"outputUrl"`
	FileSize    int64     `json:"fileSize"`
	Duration    float64   `json:"duration"`
	CompletedAt time.Time `json:"completedAt"`
}

type Failed struct {
	JobID        string    `json:"jobId"`
	ErrorMessage string    `json:"errorMessage"`
	ErrorType    string    `json:"errorType"`
	CompletedAt  time.Time `json:"completedAt"`
}

type Cancelled struct {
	JobID string `json:"jobId"`
}

type CreditsUpdated struct {
	Balance int64 `json:"balance"`
}

func (Started) Kind() Kind        { return KindStarted }
func (Progress) Kind() Kind       { return KindProgress }
func (Completed) Kind() Kind      { return KindCompleted }
func (Failed) Kind() Kind         { return KindFailed }
func (Cancelled) Kind() Kind      { return KindCancelled }
func (CreditsUpdated) Kind() Kind { return KindCreditsUpdated }

func (Started) isEvent()        {}
func (Progress) isEvent()       {}
func (Completed) isEvent()      {}
func (Failed) isEvent()         {}
func (Cancelled) isEvent()      {}
func (CreditsUpdated) isEvent() {}

func (e Started) Job() string   { return e.JobID }
func (e Progress) Job() string  { return e.JobID }
func (e Completed) Job() string { return e.JobID }
func (e Failed) Job() string    { return e.JobID }
func (e Cancelled) Job() string { return e.JobID }

// JobID returns the job an event is addressed to, or "" for user-scoped kinds.
func JobID(ev Event) string {
	switch e := ev.(type) {
	case JobEvent:
		return e.Job()
	case CreditsUpdated:
		return ""
	default:
		panic(errors.AssertionFailedf("unhandled event type %T", ev))
	}
}

// Envelope is the transport form used by the pipeline ingest paths.
type Envelope struct {
	Type   string          `json:"type" validate:"required"`
	UserID string          `json:"userId" validate:"required"`
	JobID  string          `json:"jobId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Decode turns an envelope into a typed event. The envelope's jobId wins over
// any jobId inside data.
func (env Envelope) Decode() (Event, error) {
	kind, err := ParseKind(env.Type)
	if err != nil {
		return nil, err
	}
	if kind.JobScoped() && env.JobID == "" {
		return nil, errors.Newf("%s event requires jobId", kind)
	}

	data := env.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	var ev Event
	switch kind {
	case KindStarted:
		var e Started
		err = json.Unmarshal(data, &e)
		e.JobID = env.JobID
		ev = e
	case KindProgress:
		var e Progress
		err = json.Unmarshal(data, &e)
		e.JobID = env.JobID
		ev = e
	case KindCompleted:
		var e Completed
		err = json.Unmarshal(data, &e)
		e.JobID = env.JobID
		ev = e
	case KindFailed:
		var e Failed
		err = json.Unmarshal(data, &e)
		e.JobID = env.JobID
		ev = e
	case KindCancelled:
		ev = Cancelled{JobID: env.JobID}
	case KindCreditsUpdated:
		var e CreditsUpdated
		err = json.Unmarshal(data, &e)
		ev = e
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s event", kind)
	}
	return ev, nil
}
