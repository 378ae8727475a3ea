package command

import "fmt"

// DeliveryMode tells the receiver how to route a Result. The numeric values are part of the wire format.
type DeliveryMode uint8

const (
	// HasCallback marks a Command whose real Result should go to a registered Callback.
	HasCallback DeliveryMode = 0
	// NoCallback marks a Command (or acknowledgment) whose Result goes to the waiting caller.
	NoCallback DeliveryMode = 1
	// VersionMismatch marks a Result reporting that the peer couldn't decode what it was sent.
	VersionMismatch DeliveryMode = 2
)

func (m DeliveryMode) Valid() bool { return m <= VersionMismatch }

func (m DeliveryMode) String() string {
	switch m {
	case HasCallback:
		return "HAS_CALLBACK"
	case NoCallback:
		return "NO_CALLBACK"
	case VersionMismatch:
		return "VERSION_MISMATCH"
	default:
		return fmt.Sprintf("DeliveryMode(%d)", m)
	}
}

// Result carries the payload produced for the Command with the same tag.
type Result struct {
	Tag     Tag
	Payload any
}

// Outcome is what a Command's Execute returns: either a value or an error, never both.
type Outcome struct {
	Value any
	Err   error
}

func Ok(v any) Outcome { return Outcome{Value: v} }

func Err(err error) Outcome { return Outcome{Err: err} }

// Payload converts the outcome into its wire form. Errors become an "Error: <message>" string.
func (o Outcome) Payload() any {
	if o.Err != nil {
		return ErrorPayload(o.Err)
	}
	return o.Value
}

// ErrorPayload is the wire form of an error result.
func ErrorPayload(err error) string {
	return fmt.Sprintf("Error: %s", err)
}
