package suggest

import (
	"bufio"
	"io"
	"strings"
)

// Event names sent by the suggestion endpoint.
const (
	EventPing     = "ping"
	EventQuestion = "q"
	EventDone     = "done"
	EventError    = "error"
	eventMessage  = "message"
)

const maxEventLine = 1 << 20

// Event is one server-sent event frame.
type Event struct {
	Name string
	Data string
}

// Decoder reads blank-line delimited server-sent events.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder reads events from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxEventLine)
	return &Decoder{scanner: scanner}
}

// Next returns the next complete event. A trailing frame without its blank
// line terminator is discarded and io.EOF returned.
func (d *Decoder) Next() (Event, error) {
	var (
		name    string
		data    []string
		pending bool
	)
	for d.scanner.Scan() {
		line := d.scanner.Text()
		if line == "" {
			if !pending {
				continue
			}
			if name == "" {
				name = eventMessage
			}
			return Event{Name: name, Data: strings.Join(data, "\n")}, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = strings.TrimSpace(value)
			pending = true
		case "data":
			data = append(data, strings.TrimSpace(value))
			pending = true
		}
	}
	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}
