package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/chaz8081/gattscope/internal/ble/codec"
	"github.com/chaz8081/gattscope/internal/notify"
)

// SessionState is the position of a Session in its write interaction.
type SessionState int

const (
	StateIdle SessionState = iota
	StateSelecting
	StateComposing
	StateWriting
	StateWriteFailed
)

func (s SessionState) String() string {
	switch s {
	case StateSelecting:
		return "selecting"
	case StateComposing:
		return "composing"
	case StateWriting:
		return "writing"
	case StateWriteFailed:
		return "write-failed"
	default:
		return "idle"
	}
}

// DefaultMaxInputLength bounds the text a user may compose for one write.
const DefaultMaxInputLength = 150

// SessionOptions configures a Session.
type SessionOptions struct {
	MaxInputLength int // in runes
	// OnTransition, if set, is called after every state change with the
	// session lock released.
	OnTransition func(from, to SessionState)
}

// DefaultSessionOptions returns sensible defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{MaxInputLength: DefaultMaxInputLength}
}

// SessionSnapshot is a read-only view of a Session.
type SessionSnapshot struct {
	State    SessionState
	Target   *Target
	Input    string
	InFlight bool
}

// Session tracks the characteristic selected for a write and performs the
// encode-then-write. Only one write may be in flight at a time.
type Session struct {
	transport Transport
	notifier  notify.Notifier
	logger    *slog.Logger
	opts      SessionOptions

	mu     sync.Mutex
	state  SessionState
	target *Target
	input  string
}

// NewSession creates an idle Session. A nil logger uses slog.Default().
func NewSession(transport Transport, notifier notify.Notifier, opts SessionOptions, logger *slog.Logger) *Session {
	if opts.MaxInputLength <= 0 {
		opts.MaxInputLength = DefaultMaxInputLength
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		transport: transport,
		notifier:  notifier,
		logger:    logger,
		opts:      opts,
	}
}

// MaxInputLength returns the configured input limit in runes.
func (s *Session) MaxInputLength() int { return s.opts.MaxInputLength }

// Snapshot returns the current session state.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := SessionSnapshot{State: s.state, Input: s.input, InFlight: s.state == StateWriting}
	if s.target != nil {
		t := *s.target
		snap.Target = &t
	}
	return snap
}

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves to the given state; caller must hold mu. It returns the
// notification to deliver once mu is released.
func (s *Session) transition(to SessionState) func() {
	from := s.state
	s.state = to
	if s.opts.OnTransition == nil || from == to {
		return func() {}
	}
	return func() { s.opts.OnTransition(from, to) }
}

// Select makes target the write target. Selecting again while selecting or
// composing replaces the target and discards any composed text. It fails
// with ErrWriteInProgress while a write is in flight.
func (s *Session) Select(target Target) error {
	s.mu.Lock()
	if s.state == StateWriting {
		s.mu.Unlock()
		return &Error{Kind: KindWriteInProgress, Op: "select", DeviceID: target.DeviceID, ServiceUUID: target.ServiceUUID, CharacteristicUUID: target.CharacteristicUUID}
	}
	s.target = &target
	s.input = ""
	notifyFn := s.transition(StateSelecting)
	s.mu.Unlock()

	notifyFn()
	s.logger.Debug("characteristic selected", "device", target.DeviceID, "service", target.ServiceUUID, "characteristic", target.CharacteristicUUID)
	return nil
}

// SetInput holds text for the pending write without interpreting it. Text
// longer than the configured maximum fails with codec.ErrInvalidInput and
// leaves the previous input in place.
func (s *Session) SetInput(text string) error {
	if n := utf8.RuneCountInString(text); n > s.opts.MaxInputLength {
		return fmt.Errorf("ble: input is %d characters, limit %d: %w", n, s.opts.MaxInputLength, codec.ErrInvalidInput)
	}

	s.mu.Lock()
	switch s.state {
	case StateSelecting, StateComposing:
	case StateWriting:
		s.mu.Unlock()
		return &Error{Kind: KindWriteInProgress, Op: "set input"}
	default:
		s.mu.Unlock()
		return &Error{Kind: KindInvalidState, Op: "set input", Err: fmt.Errorf("no characteristic selected")}
	}
	s.input = text
	notifyFn := s.transition(StateComposing)
	s.mu.Unlock()

	notifyFn()
	return nil
}

// Cancel abandons the interaction without writing. It reports false when
// there was nothing to cancel or a write is already in flight.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	if s.state != StateSelecting && s.state != StateComposing {
		s.mu.Unlock()
		return false
	}
	s.target = nil
	s.input = ""
	notifyFn := s.transition(StateIdle)
	s.mu.Unlock()

	notifyFn()
	return true
}

// Submit encodes the composed text, writes it with response and returns the
// peripheral's confirmation. Whatever the outcome the composed text and the
// target are cleared and the session ends idle. A failed write is reported
// as ErrWrite wrapping the transport error.
func (s *Session) Submit(ctx context.Context) (Characteristic, error) {
	s.mu.Lock()
	switch s.state {
	case StateComposing:
	case StateWriting:
		target := *s.target
		s.mu.Unlock()
		s.logger.Warn("write rejected: another write is in flight", "device", target.DeviceID, "characteristic", target.CharacteristicUUID)
		return Characteristic{}, &Error{Kind: KindWriteInProgress, Op: "write"}
	default:
		state := s.state
		s.mu.Unlock()
		s.logger.Warn("write rejected: nothing composed", "state", state.String())
		return Characteristic{}, &Error{Kind: KindInvalidState, Op: "write", Err: fmt.Errorf("nothing composed (state %s)", state)}
	}
	target := *s.target
	payload := codec.Encode(s.input)
	notifyFn := s.transition(StateWriting)
	s.mu.Unlock()
	notifyFn()

	s.logger.Debug("writing characteristic", "device", target.DeviceID, "service", target.ServiceUUID, "characteristic", target.CharacteristicUUID, "payload", string(payload))
	confirmed, err := s.transport.WriteCharacteristicWithResponseForDevice(ctx, target.DeviceID, target.ServiceUUID, target.CharacteristicUUID, payload)

	// The composed text is discarded whatever the outcome.
	s.mu.Lock()
	s.input = ""
	s.target = nil
	var transitions []func()
	if err != nil {
		transitions = append(transitions, s.transition(StateWriteFailed))
	}
	transitions = append(transitions, s.transition(StateIdle))
	s.mu.Unlock()
	for _, fn := range transitions {
		fn()
	}

	if err != nil {
		werr := &Error{Kind: KindWrite, Op: "write characteristic", DeviceID: target.DeviceID, ServiceUUID: target.ServiceUUID, CharacteristicUUID: target.CharacteristicUUID, Err: err}
		s.logger.Error("write failed", "device", target.DeviceID, "characteristic", target.CharacteristicUUID, "error", err)
		s.notifier.Notify(notify.SeverityError, Message(err), werr.Kind.String())
		return Characteristic{}, werr
	}

	s.logger.Info("characteristic written", "device", target.DeviceID, "characteristic", target.CharacteristicUUID, "value", codec.Display(confirmed.Value))
	s.notifier.Notify(notify.SeveritySuccess, fmt.Sprintf("Wrote %s", target.CharacteristicUUID), "")
	return confirmed, nil
}

// Read fetches the current value of target. It does not touch the write
// interaction, so it may run while composing.
func (s *Session) Read(ctx context.Context, target Target) (Characteristic, error) {
	c, err := s.transport.ReadCharacteristicForDevice(ctx, target.DeviceID, target.ServiceUUID, target.CharacteristicUUID)
	if err != nil {
		s.logger.Error("read failed", "device", target.DeviceID, "characteristic", target.CharacteristicUUID, "error", err)
		s.notifier.Notify(notify.SeverityError, Message(err), categoryOrTransport(err))
		return Characteristic{}, fmt.Errorf("ble: read %s: %w", target.CharacteristicUUID, err)
	}
	s.logger.Info("characteristic read", "device", target.DeviceID, "characteristic", target.CharacteristicUUID, "value", codec.Display(c.Value))
	return c, nil
}

func categoryOrTransport(err error) string {
	if c := Category(err); c != "" {
		return c
	}
	return KindTransport.String()
}
