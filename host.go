package voice

import "sync"

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// HostEvent is published to the embedding application. The concrete types
// below form a closed set.
type HostEvent interface {
	hostEvent()
}

type SnackbarEvent struct {
	Message  string
	Severity Severity
}

// MessageEvent is one finalized conversation turn.
type MessageEvent struct {
	Role    Speaker
	Content string
}

type EvaluationEvent struct {
	Payload map[string]any
}

// TranscriptSegmentsEvent carries the transcript log collected since the
// last flush.
type TranscriptSegmentsEvent struct {
	Segments []Segment
}

type UserDraftEvent struct {
	Text string
}

type UserTranscriptFinalEvent struct {
	Text string
}

type AssistantDraftEvent struct {
	Text string
}

type StateEvent struct {
	Mode  Mode
	State ConnectionState
}

func (SnackbarEvent) hostEvent()            {}
func (MessageEvent) hostEvent()             {}
func (EvaluationEvent) hostEvent()          {}
func (TranscriptSegmentsEvent) hostEvent()  {}
func (UserDraftEvent) hostEvent()           {}
func (UserTranscriptFinalEvent) hostEvent() {}
func (AssistantDraftEvent) hostEvent()      {}
func (StateEvent) hostEvent()               {}

// outbox decouples publishers from the host: publish never blocks, and a
// pump goroutine delivers events in order on an unbuffered channel.
type outbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []HostEvent
	closed bool
	out    chan HostEvent
	abort  chan struct{}
	once   sync.Once
}

func newOutbox() *outbox {
	o := &outbox{
		out:   make(chan HostEvent),
		abort: make(chan struct{}),
	}
	o.cond = sync.NewCond(&o.mu)
	go o.pump()
	return o
}

func (o *outbox) publish(ev HostEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.queue = append(o.queue, ev)
	o.cond.Signal()
}

// close delivers what is queued and then closes the channel.
func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.cond.Signal()
}

// discard drops undelivered events and releases the pump.
func (o *outbox) discard() {
	o.close()
	o.once.Do(func() { close(o.abort) })
}

func (o *outbox) pump() {
	defer close(o.out)
	for {
		o.mu.Lock()
		for len(o.queue) == 0 && !o.closed {
			o.cond.Wait()
		}
		if len(o.queue) == 0 {
			o.mu.Unlock()
			return
		}
		ev := o.queue[0]
		o.queue[0] = nil
		o.queue = o.queue[1:]
		o.mu.Unlock()

		select {
		case o.out <- ev:
		case <-o.abort:
			return
		}
	}
}
