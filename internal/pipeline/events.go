package pipeline

import "sync"

// Status is the language pair status shown to the learner.
type Status string

const (
	StatusChecking    Status = "checking"
	StatusAvailable   Status = "available"
	StatusUnavailable Status = "unavailable"
	StatusError       Status = "error"
)

type EventKind int

const (
	EventStatus EventKind = iota
	EventConfig
	EventImage
	EventDescription
	EventQuestions
	EventTranslation
	EventEvaluation
	EventDeleted
	EventFailure
)

func (k EventKind) String() string {
	switch k {
	case EventStatus:
		return "status"
	case EventConfig:
		return "config"
	case EventImage:
		return "image"
	case EventDescription:
		return "description"
	case EventQuestions:
		return "questions"
	case EventTranslation:
		return "translation"
	case EventEvaluation:
		return "evaluation"
	case EventDeleted:
		return "deleted"
	case EventFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Event describes a state change. Index and QuestionID are set for
// per-question events; Err only for EventFailure.
type Event struct {
	Kind       EventKind
	Generation uint64
	Status     Status
	Index      int
	QuestionID string
	Err        error
}

// Observer receives events synchronously, after the session lock is released.
// Observers must not block.
type Observer func(Event)

type observers struct {
	mu   sync.Mutex
	next int
	subs map[int]Observer
}

func (o *observers) add(fn Observer) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.subs == nil {
		o.subs = make(map[int]Observer)
	}
	id := o.next
	o.next++
	o.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

func (o *observers) publish(ev Event) {
	o.mu.Lock()
	subs := make([]Observer, 0, len(o.subs))
	for i := 0; i < o.next; i++ {
		if fn, ok := o.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	o.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}
