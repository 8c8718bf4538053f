// Package types provides shared types for the taskgraph service.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the lifecycle state shared by nodes and graphs.
type Status int

const (
	StatusInitialized Status = iota
	StatusReady
	StatusRunning
	StatusPaused
	StatusCompleted
)

var statusNames = [...]string{
	StatusInitialized: "INITIALIZED",
	StatusReady:       "READY",
	StatusRunning:     "RUNNING",
	StatusPaused:      "PAUSED",
	StatusCompleted:   "COMPLETED",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus converts the upper or lower case name back into a Status.
func ParseStatus(name string) (Status, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for i, n := range statusNames {
		if n == upper {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
