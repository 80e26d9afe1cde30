package transport

import "fmt"

// Status is the lifecycle state of a stream connection. It only moves forward through the
// declared order, or back to NotConnected.
type Status int32

const (
	NotConnected Status = iota
	Connecting
	Verifying
	Connected
)

func (s Status) String() string {
	switch s {
	case NotConnected:
		return "NotConnected"
	case Connecting:
		return "Connecting"
	case Verifying:
		return "Verifying"
	case Connected:
		return "Connected"
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

// canMove reports whether a connection in status s may move to next.
func (s Status) canMove(next Status) bool {
	return next == NotConnected || next > s
}
