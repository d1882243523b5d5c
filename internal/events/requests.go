package events

type Request int

const (
	RequestSubscribe Request = iota + 1
	RequestUnsubscribe
)

func (r Request) EventName() string {
	switch r {
	case RequestSubscribe:
		return "subscribe-to-job"
	case RequestUnsubscribe:
		return "unsubscribe-from-job"
	default:
		return ""
	}
}

// ParseRequest maps a client event name to a request kind.
func ParseRequest(name string) (Request, bool) {
	switch name {
	case "subscribe-to-job":
		return RequestSubscribe, true
	case "unsubscribe-from-job":
		return RequestUnsubscribe, true
	default:
		return 0, false
	}
}

// JobRequest is the payload of both client requests.
type JobRequest struct {
	JobID string `json:"jobId" validate:"required,uuid"`
}

// Ack is the acknowledgement returned for every client request.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func AckOK() Ack { return Ack{OK: true} }

func AckError(err error) Ack { return Ack{OK: false, Error: err.Error()} }
