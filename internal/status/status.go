package status

// Status is the state of a unit of loader work. It is an int32 so it can be
// read and written with sync/atomic.
type Status = int32

const (
	Pending Status = iota
	Active
	Completed
	Failed
	Cancelled
)

// String names s for logs.
func String(s Status) string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
