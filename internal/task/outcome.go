package task

type outcomeKind int

const (
	kindSuccess outcomeKind = iota
	kindRetryable
	kindTerminal
)

// Outcome is the result of one task attempt. The engine inspects the tag to
// decide between completion, a backoff retry, and permanent failure; task
// bodies never signal retries by returning opaque errors.
type Outcome struct {
	kind   outcomeKind
	Reason string
	Err    error
}

// Success marks the attempt complete.
func Success() Outcome {
	return Outcome{kind: kindSuccess}
}

// Retryable asks the engine to schedule another attempt.
func Retryable(reason string, err error) Outcome {
	return Outcome{kind: kindRetryable, Reason: reason, Err: err}
}

// Terminal marks the attempt permanently failed; no retry follows.
func Terminal(reason string, err error) Outcome {
	return Outcome{kind: kindTerminal, Reason: reason, Err: err}
}

func (o Outcome) IsSuccess() bool   { return o.kind == kindSuccess }
func (o Outcome) IsRetryable() bool { return o.kind == kindRetryable }
func (o Outcome) IsTerminal() bool  { return o.kind == kindTerminal }

// Detail renders the reason and underlying error for persistence.
func (o Outcome) Detail() string {
	switch {
	case o.Reason != "" && o.Err != nil:
		return o.Reason + ": " + o.Err.Error()
	case o.Reason != "":
		return o.Reason
	case o.Err != nil:
		return o.Err.Error()
	default:
		return ""
	}
}
