package history

import "time"

// EventKind identifies a stream event.
type EventKind uint8

const (
	EventOpen EventKind = iota + 1
	EventClose
	EventNote
	EventRoll
	EventPrune
	EventMerge
	EventDistribute
	EventAbort
	EventPush
	EventPop
)

var eventKindStrings = map[EventKind]string{
	EventOpen:       "open",
	EventClose:      "close",
	EventNote:       "note",
	EventRoll:       "roll",
	EventPrune:      "prune",
	EventMerge:      "merge",
	EventDistribute: "distribute",
	EventAbort:      "abort",
	EventPush:       "push",
	EventPop:        "pop",
}

// String returns the string representation of an event kind.
func (k EventKind) String() string {
	if s, ok := eventKindStrings[k]; ok {
		return s
	}
	return "unknown"
}

// IsValid returns true if the event kind is a known kind.
func (k EventKind) IsValid() bool {
	_, ok := eventKindStrings[k]
	return ok
}

// Event describes one completed stream operation.
type Event struct {
	Kind     EventKind     `json:"kind"`
	Stream   string        `json:"stream"`
	From     StateID       `json:"from"`
	To       StateID       `json:"to"`
	Count    int           `json:"count"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Observer receives stream events. Observers run synchronously on the
// calling goroutine and must not call back into the stream.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe calls f(e).
func (f ObserverFunc) Observe(e Event) { f(e) }

// multiObserver fans an event out to several observers.
type multiObserver []Observer

func (m multiObserver) Observe(e Event) {
	for _, o := range m {
		o.Observe(e)
	}
}

// Observers combines observers, skipping nil entries.
func Observers(obs ...Observer) Observer {
	var m multiObserver
	for _, o := range obs {
		if o != nil {
			m = append(m, o)
		}
	}
	switch len(m) {
	case 0:
		return nil
	case 1:
		return m[0]
	}
	return m
}

func (s *Stream) emit(e Event, start time.Time) {
	if s.observer == nil {
		return
	}
	e.Stream = s.name
	if !start.IsZero() {
		e.Duration = time.Since(start)
	}
	s.observer.Observe(e)
}
