// Package socket replays captured socket sessions. A Session re-emits the
// recorded inbound frames of one connection in order and on their original
// relative timing; outbound frames are accepted and, when an ack rule
// matches, answered.
package socket

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/funnyzak/replaytap/internal/capture"
	"github.com/funnyzak/replaytap/internal/config"
	"github.com/funnyzak/replaytap/internal/index"
	"github.com/funnyzak/replaytap/internal/logger"
)

// State is a step of the session lifecycle.
type State int32

const (
	Opening State = iota
	Open
	Replaying
	Closed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Replaying:
		return "replaying"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Mode selects how inbound frames are produced.
type Mode string

const (
	// ModeReplay plays the recorded sequence on its own timing.
	ModeReplay Mode = "replay"
	// ModeSimulate answers each outbound frame with the next inbound one.
	ModeSimulate Mode = "simulate"
)

// EventType classifies what a Sink receives.
type EventType int

const (
	EventOpen EventType = iota
	EventMessage
	EventClose
)

// Event is delivered to a Sink.
type Event struct {
	Type    EventType
	Opcode  int
	Payload []byte
}

// Sink receives session events. Deliver is never called concurrently and
// never after Close returns. It must not call back into the session.
type Sink interface {
	Deliver(ev Event) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ev Event) error

// Deliver implements Sink.
func (f SinkFunc) Deliver(ev Event) error { return f(ev) }

// Options configures a Session.
type Options struct {
	Mode          Mode
	Loop          bool
	Speed         float64
	MaxDelay      time.Duration
	OpenDelay     time.Duration
	SimulateDelay time.Duration
	AckRules      []AckRule
	Logger        logger.Logger
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = ModeReplay
	}
	if o.Speed <= 0 {
		o.Speed = 1
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 800 * time.Millisecond
	}
	if o.OpenDelay <= 0 {
		o.OpenDelay = 10 * time.Millisecond
	}
	if o.SimulateDelay <= 0 {
		o.SimulateDelay = 50 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
	return o
}

// OptionsFromConfig converts the socket configuration section.
func OptionsFromConfig(cfg config.SocketConfig, log logger.Logger) (Options, error) {
	rules, err := CompileAckRules(cfg.AckProfile, cfg.AckRules)
	if err != nil {
		return Options{}, err
	}
	mode := Mode(strings.ToLower(cfg.Mode))
	switch mode {
	case "", ModeReplay, ModeSimulate:
	default:
		return Options{}, fmt.Errorf("unknown socket mode %q", cfg.Mode)
	}
	return Options{
		Mode:          mode,
		Loop:          cfg.Loop,
		Speed:         cfg.Speed,
		MaxDelay:      cfg.MaxDelay,
		OpenDelay:     cfg.OpenDelay,
		SimulateDelay: cfg.SimulateDelay,
		AckRules:      rules,
		Logger:        log,
	}, nil
}

type reply struct {
	delay time.Duration
	ev    Event
}

// Session is one replayed connection.
type Session struct {
	id     string
	rec    *index.SocketRecording
	frames []capture.Frame
	opts   Options
	sink   Sink

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	opened chan struct{}

	mu        sync.Mutex
	state     State
	started   bool
	delivered int
	received  int
	next      int
	replies   []reply
	wake      chan struct{}
	stopWatch func() bool
}

// NewSession creates a session for rec. A nil rec yields a session that
// closes as soon as it starts.
func NewSession(id string, rec *index.SocketRecording, opts Options, sink Sink) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:     id,
		rec:    rec,
		frames: rec.Inbound(),
		opts:   opts.withDefaults(),
		sink:   sink,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		opened: make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// URL returns the recorded connection URL, or "".
func (s *Session) URL() string {
	if s.rec == nil {
		return ""
	}
	return s.rec.URL
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Delivered counts message events handed to the sink.
func (s *Session) Delivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// Received counts frames accepted through Send.
func (s *Session) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start begins the session. It returns immediately; cancelling ctx closes
// the session. Calling Start more than once has no effect.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	if s.rec == nil {
		s.closeLocked()
		s.mu.Unlock()
		return
	}
	s.stopWatch = context.AfterFunc(ctx, s.Close)
	s.mu.Unlock()

	go s.run()
	go s.replyLoop()
}

func (s *Session) run() {
	if !s.sleep(s.opts.OpenDelay) {
		return
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Open
	if !s.deliverLocked(Event{Type: EventOpen}) {
		s.mu.Unlock()
		return
	}
	s.state = Replaying
	close(s.opened)
	s.mu.Unlock()

	if s.opts.Mode == ModeSimulate {
		return
	}

	for pass := 0; ; pass++ {
		for i, f := range s.frames {
			d := time.Duration(0)
			switch {
			case i > 0:
				d = s.gap(s.frames[i-1], f)
			case pass > 0:
				d = s.loopGap()
			}
			if d > 0 && !s.sleep(d) {
				return
			}
			if !s.deliver(Event{Type: EventMessage, Opcode: f.Opcode, Payload: f.Payload}) {
				return
			}
		}
		if !s.opts.Loop || len(s.frames) == 0 {
			break
		}
	}
	s.finish()
}

// gap is the scaled delay between two consecutive inbound frames.
func (s *Session) gap(prev, cur capture.Frame) time.Duration {
	d := time.Duration(float64(cur.Offset-prev.Offset) / s.opts.Speed)
	if d < 0 {
		return 0
	}
	if d > s.opts.MaxDelay {
		return s.opts.MaxDelay
	}
	return d
}

// minLoopGap bounds how fast a looping session may restart its sequence.
const minLoopGap = 10 * time.Millisecond

// loopGap is the pause before a looping session replays its first frame
// again: the last recorded gap, or MaxDelay for a single frame.
func (s *Session) loopGap() time.Duration {
	d := s.opts.MaxDelay
	if n := len(s.frames); n > 1 {
		d = s.gap(s.frames[n-2], s.frames[n-1])
	}
	if d < minLoopGap {
		return minLoopGap
	}
	return d
}

// sleep waits d and reports whether the session is still alive.
func (s *Session) sleep(d time.Duration) bool {
	if d <= 0 {
		return s.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) deliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliverLocked(ev)
}

func (s *Session) deliverLocked(ev Event) bool {
	if s.state == Closed {
		return false
	}
	if err := s.sink.Deliver(ev); err != nil {
		s.opts.Logger.Debug("Socket sink rejected event", "session", s.id, "error", err)
		s.closeLocked()
		return false
	}
	if ev.Type == EventMessage {
		s.delivered++
	}
	return true
}

// Send accepts an outbound frame. It never fails; on a closed session it
// is a no-op.
func (s *Session) Send(opcode int, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return nil
	}
	s.received++

	if rule, ok := matchAck(s.opts.AckRules, payload); ok {
		s.enqueueLocked(reply{delay: rule.Delay, ev: Event{Type: EventMessage, Opcode: rule.Opcode, Payload: rule.Reply}})
		return nil
	}
	if s.opts.Mode != ModeSimulate || len(s.frames) == 0 {
		return nil
	}
	if s.next >= len(s.frames) {
		if !s.opts.Loop {
			return nil
		}
		s.next = 0
	}
	f := s.frames[s.next]
	s.next++
	s.enqueueLocked(reply{delay: s.opts.SimulateDelay, ev: Event{Type: EventMessage, Opcode: f.Opcode, Payload: f.Payload}})
	return nil
}

func (s *Session) enqueueLocked(r reply) {
	s.replies = append(s.replies, r)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// replyLoop delivers queued replies one at a time, in the order they were
// queued. Nothing is delivered before the open event.
func (s *Session) replyLoop() {
	select {
	case <-s.opened:
	case <-s.ctx.Done():
		return
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.replies) == 0 {
				s.mu.Unlock()
				break
			}
			r := s.replies[0]
			s.replies = s.replies[1:]
			s.mu.Unlock()

			if !s.sleep(r.delay) || !s.deliver(r.ev) {
				return
			}
		}
	}
}

// finish ends a completed replay with a close event.
func (s *Session) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return
	}
	s.deliverLocked(Event{Type: EventClose})
	s.closeLocked()
}

// Close cancels every pending timer. No event is delivered once Close has
// returned. Closing twice is a no-op.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.state == Closed {
		return
	}
	s.state = Closed
	s.replies = nil
	s.cancel()
	if s.stopWatch != nil {
		s.stopWatch()
	}
	close(s.done)
}
