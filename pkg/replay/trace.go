// Package replay drives a tracking session from a recorded event trace
package replay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/starfail/fixgate/pkg"
)

// Event types of a trace line
const (
	EventFix         = "fix"
	EventPower       = "power"
	EventTemperature = "temperature"
	EventBattery     = "battery"
	EventError       = "error"
	EventSingle      = "single"
)

// Event is one line of a JSONL trace
type Event struct {
	Type     string   `json:"type"`
	Fix      *pkg.Fix `json:"fix,omitempty"`
	Charging *bool    `json:"charging,omitempty"`
	Celsius  *float64 `json:"celsius,omitempty"`
	Level    *float64 `json:"level,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Validate checks that the event carries the field its type needs
func (e Event) Validate() error {
	switch e.Type {
	case EventFix, EventSingle:
		if e.Fix == nil {
			return fmt.Errorf("%s event without fix", e.Type)
		}
	case EventPower:
		if e.Charging == nil {
			return fmt.Errorf("power event without charging")
		}
	case EventTemperature:
		if e.Celsius == nil {
			return fmt.Errorf("temperature event without celsius")
		}
	case EventBattery:
		if e.Level == nil {
			return fmt.Errorf("battery event without level")
		}
	case EventError:
		if e.Error == "" {
			return fmt.Errorf("error event without error")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// ReadTrace parses a JSONL trace. Blank lines and lines starting with #
// are skipped.
func ReadTrace(r io.Reader) ([]Event, error) {
	var events []Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(text), &event); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if err := event.Validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trace: %w", err)
	}
	return events, nil
}

// WriteTrace writes events as JSONL
func WriteTrace(w io.Writer, events []Event) error {
	enc := json.NewEncoder(w)
	for i, event := range events {
		if err := enc.Encode(event); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
	}
	return nil
}
