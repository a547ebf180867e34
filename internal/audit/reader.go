package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
)

// ReadAll loads every event from the trail at path. Malformed lines are
// skipped; a missing file yields no events.
func ReadAll(path string) ([]Event, error) {
	// #nosec G304 -- audit path comes from guard config.
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, scanner.Err()
}

// Filter keeps events whose Event field equals kind (case-insensitive).
// An empty kind keeps everything.
func Filter(events []Event, kind string) []Event {
	if kind == "" {
		return events
	}
	var out []Event
	for _, e := range events {
		if strings.EqualFold(e.Event, kind) {
			out = append(out, e)
		}
	}
	return out
}

// Last returns the final n events, or all of them when n <= 0.
func Last(events []Event, n int) []Event {
	if n > 0 && n < len(events) {
		return events[len(events)-n:]
	}
	return events
}

// Summary counts events per kind.
type Summary struct {
	Total  int
	ByKind map[string]int
	First  string
	LastTs string
}

func Summarize(events []Event) Summary {
	s := Summary{Total: len(events), ByKind: map[string]int{}}
	for _, e := range events {
		s.ByKind[e.Event]++
	}
	if len(events) > 0 {
		s.First = events[0].Ts
		s.LastTs = events[len(events)-1].Ts
	}
	return s
}
