package registry

import "fmt"

// Status is the lifecycle position of a server.
type Status int32

const (
	Stopped Status = iota
	Starting
	Running
	Stopping
)

var statusNames = [...]string{"stopped", "starting", "running", "stopping"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// ParseStatus is the inverse of String.
func ParseStatus(v string) (Status, error) {
	for i, n := range statusNames {
		if n == v {
			return Status(i), nil
		}
	}
	return Stopped, fmt.Errorf("unknown status %q", v)
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// allowed lists every legal change of status. Staying in the same status is
// always allowed.
var allowed = map[Status][]Status{
	Stopped:  {Starting},
	Starting: {Running, Stopped},
	Running:  {Stopping},
	Stopping: {Stopped},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
