package pagination

type outcomeKind uint8

const (
	outcomeContinue outcomeKind = iota
	outcomeStop
	outcomeAbort
)

// Outcome is a consumer's answer for one delivered item.
type Outcome struct {
	kind outcomeKind
	err  error
}

var (
	// Continue asks for the next item.
	Continue = Outcome{kind: outcomeContinue}

	// Stop ends the enumeration successfully without delivering more items.
	Stop = Outcome{kind: outcomeStop}
)

// Abort ends the enumeration with err as its failure.
// Abort(nil) is equivalent to Stop.
func Abort(err error) Outcome {
	if err == nil {
		return Stop
	}
	return Outcome{kind: outcomeAbort, err: err}
}

// Err returns the abort error, nil for Continue and Stop.
func (o Outcome) Err() error {
	return o.err
}

func (o Outcome) String() string {
	switch o.kind {
	case outcomeStop:
		return "stop"
	case outcomeAbort:
		return "abort: " + o.err.Error()
	default:
		return "continue"
	}
}

// Consumer handles one item and decides whether enumeration goes on.
type Consumer[T any] func(item T) Outcome
