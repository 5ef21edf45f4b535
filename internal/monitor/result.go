package monitor

// Status says whether a fetched value is usable.
type Status int

const (
	StatusPending       Status = iota // not fetched yet
	StatusOK                          // fetched this cycle
	StatusFailed                      // the fetch returned an error
	StatusNotConfigured               // the source is disabled
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusNotConfigured:
		return "not_configured"
	default:
		return "pending"
	}
}

// Result holds one optional fetch. Renderers branch on Status instead of
// probing for nil values.
type Result[T any] struct {
	Value  T
	Err    error
	Status Status
}

// OK wraps a successfully fetched value.
func OK[T any](v T) Result[T] { return Result[T]{Value: v, Status: StatusOK} }

// Failed records a fetch error.
func Failed[T any](err error) Result[T] { return Result[T]{Err: err, Status: StatusFailed} }

// NotConfigured marks a source that was never queried.
func NotConfigured[T any]() Result[T] { return Result[T]{Status: StatusNotConfigured} }

// Get returns the value and whether it is usable.
func (r Result[T]) Get() (T, bool) {
	return r.Value, r.Status == StatusOK
}
