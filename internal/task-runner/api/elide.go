package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	taskDB "task-runner-service/internal/task-runner/db"
	"task-runner-service/internal/task-runner/events"
)

// ElideJSON shortens every string value of raw longer than max bytes, such as inline image data
// or accumulated model output, to its first max bytes plus a marker with the elided length.
// raw is returned unchanged when nothing is too long or it is not valid JSON.
func ElideJSON(raw []byte, max int) []byte {
	if max <= 0 || len(raw) <= max {
		return raw
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return raw
	}
	v, changed := elideValue(v, max)
	if !changed {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

func elideValue(v interface{}, max int) (interface{}, bool) {
	switch t := v.(type) {
	case string:
		if len(t) <= max {
			return t, false
		}
		cut := runeCut(t, max)
		return fmt.Sprintf("%s...[%d bytes elided]", t[:cut], len(t)-cut), true
	case map[string]interface{}:
		changed := false
		for k, x := range t {
			if nv, c := elideValue(x, max); c {
				t[k] = nv
				changed = true
			}
		}
		return t, changed
	case []interface{}:
		changed := false
		for i, x := range t {
			if nv, c := elideValue(x, max); c {
				t[i] = nv
				changed = true
			}
		}
		return t, changed
	}
	return v, false
}

// runeCut returns the largest cut <= max that does not split a UTF-8 sequence of s.
func runeCut(s string, max int) int {
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return cut
}

func elideTask(t taskDB.Task, max int) taskDB.Task {
	t.Input = ElideJSON(t.Input, max)
	t.Output = ElideJSON(t.Output, max)
	if max > 0 && len(t.Error) > max {
		t.Error = t.Error[:runeCut(t.Error, max)] + "...[truncated]"
	}
	return t
}

func elideEvent(ev events.Event, max int) events.Event {
	ev.Payload = ElideJSON(ev.Payload, max)
	return ev
}
