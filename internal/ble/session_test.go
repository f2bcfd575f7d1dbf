package ble

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/gattscope/internal/ble/codec"
	"github.com/chaz8081/gattscope/internal/notify"
)

var testTarget = Target{DeviceID: "dev", ServiceUUID: "S1", CharacteristicUUID: "C1"}

// transitionLog collects OnTransition calls.
type transitionLog struct {
	mu    sync.Mutex
	steps []string
}

func (l *transitionLog) record(from, to SessionState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = append(l.steps, from.String()+"->"+to.String())
}

func (l *transitionLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.steps...)
}

func newTestSession(m *mockTransport, rec *notify.Recorder) (*Session, *transitionLog) {
	log := &transitionLog{}
	opts := DefaultSessionOptions()
	opts.OnTransition = log.record
	return NewSession(m, rec, opts, nil), log
}

func TestSessionWriteSuccess(t *testing.T) {
	m := newMockTransport()
	rec := &notify.Recorder{}
	s, log := newTestSession(m, rec)

	require.NoError(t, s.Select(testTarget))
	require.NoError(t, s.SetInput("hello"))

	got, err := s.Submit(context.Background())
	require.NoError(t, err)

	require.Len(t, m.writes, 1)
	assert.Equal(t, codec.Encode("hello"), m.writes[0])
	assert.Equal(t, "hello", codec.Display(got.Value))

	snap := s.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Input)
	assert.Nil(t, snap.Target)
	assert.False(t, snap.InFlight)

	assert.Equal(t, []string{"idle->selecting", "selecting->composing", "composing->writing", "writing->idle"}, log.all())
	assert.Equal(t, 1, rec.Count(notify.SeveritySuccess, ""))
}

func TestSessionWriteFailureStillClears(t *testing.T) {
	m := newMockTransport()
	m.writeErr = errors.New("write not permitted")
	rec := &notify.Recorder{}
	s, log := newTestSession(m, rec)

	require.NoError(t, s.Select(testTarget))
	require.NoError(t, s.SetInput("stale"))

	_, err := s.Submit(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWrite))
	assert.True(t, errors.Is(err, m.writeErr), "the transport cause must be preserved")
	assert.Contains(t, err.Error(), "write not permitted")

	snap := s.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Input)
	assert.Nil(t, snap.Target)

	assert.Equal(t, []string{"idle->selecting", "selecting->composing", "composing->writing", "writing->write-failed", "write-failed->idle"}, log.all())
	assert.Equal(t, 1, rec.Count(notify.SeverityError, "WriteError"))
	assert.Equal(t, "write not permitted", rec.All()[0].Message)
}

func TestSessionCancel(t *testing.T) {
	m := newMockTransport()
	s, _ := newTestSession(m, &notify.Recorder{})

	assert.False(t, s.Cancel(), "nothing to cancel when idle")

	require.NoError(t, s.Select(testTarget))
	assert.True(t, s.Cancel())
	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, s.Select(testTarget))
	require.NoError(t, s.SetInput("draft"))
	assert.True(t, s.Cancel())

	snap := s.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Input)
	assert.Nil(t, snap.Target)
	assert.Empty(t, m.writes)
	assert.Equal(t, 0, m.countCalls("write"))
}

func TestSessionRejectsInputWithoutTarget(t *testing.T) {
	s, _ := newTestSession(newMockTransport(), &notify.Recorder{})

	err := s.SetInput("orphan")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestSessionSubmitRequiresComposedText(t *testing.T) {
	m := newMockTransport()
	s, _ := newTestSession(m, &notify.Recorder{})

	_, err := s.Submit(context.Background())
	assert.True(t, errors.Is(err, ErrInvalidState))

	require.NoError(t, s.Select(testTarget))
	_, err = s.Submit(context.Background())
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, StateSelecting, s.State(), "a rejected submit leaves the selection in place")
	assert.Equal(t, 0, m.countCalls("write"))
}

func TestSessionInputLimit(t *testing.T) {
	s, _ := newTestSession(newMockTransport(), &notify.Recorder{})
	require.NoError(t, s.Select(testTarget))

	require.NoError(t, s.SetInput(strings.Repeat("x", DefaultMaxInputLength)))

	err := s.SetInput(strings.Repeat("x", DefaultMaxInputLength+1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, codec.ErrInvalidInput))
	assert.Len(t, s.Snapshot().Input, DefaultMaxInputLength, "previous input survives a rejected update")

	// Multi-byte runes count once each.
	require.NoError(t, s.SetInput(strings.Repeat("é", DefaultMaxInputLength)))
}

func TestSessionEmptyWrite(t *testing.T) {
	m := newMockTransport()
	s, _ := newTestSession(m, &notify.Recorder{})

	require.NoError(t, s.Select(testTarget))
	require.NoError(t, s.SetInput(""))
	assert.Equal(t, StateComposing, s.State())

	_, err := s.Submit(context.Background())
	require.NoError(t, err)
	require.Len(t, m.writes, 1)
	assert.Equal(t, codec.Payload(""), m.writes[0])
}

func TestSessionRejectsSecondWriteWhileWriting(t *testing.T) {
	m := newMockTransport()
	m.writeBlock = make(chan struct{})
	m.writeEntered = make(chan struct{}, 1)
	s, _ := newTestSession(m, &notify.Recorder{})

	require.NoError(t, s.Select(testTarget))
	require.NoError(t, s.SetInput("first"))

	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background())
		done <- err
	}()
	<-m.writeEntered

	snap := s.Snapshot()
	assert.Equal(t, StateWriting, snap.State)
	assert.True(t, snap.InFlight)

	_, err := s.Submit(context.Background())
	assert.True(t, errors.Is(err, ErrWriteInProgress))
	assert.True(t, errors.Is(s.Select(testTarget), ErrWriteInProgress))
	assert.True(t, errors.Is(s.SetInput("second"), ErrWriteInProgress))
	assert.False(t, s.Cancel(), "a write in flight cannot be cancelled")

	close(m.writeBlock)
	require.NoError(t, <-done)
	assert.Equal(t, 1, m.countCalls("write"))
	assert.Equal(t, StateIdle, s.State())
}

func TestSessionRejectedSubmitsAreLogged(t *testing.T) {
	var logs bytes.Buffer
	m := newMockTransport()
	m.writeBlock = make(chan struct{})
	m.writeEntered = make(chan struct{}, 1)
	s := NewSession(m, &notify.Recorder{}, DefaultSessionOptions(), slog.New(slog.NewTextHandler(&logs, nil)))

	_, err := s.Submit(context.Background())
	require.Error(t, err)
	assert.Contains(t, logs.String(), "write rejected: nothing composed")
	assert.Contains(t, logs.String(), "state=idle")

	require.NoError(t, s.Select(testTarget))
	require.NoError(t, s.SetInput("first"))
	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background())
		done <- err
	}()
	<-m.writeEntered

	_, err = s.Submit(context.Background())
	assert.True(t, errors.Is(err, ErrWriteInProgress))

	close(m.writeBlock)
	require.NoError(t, <-done)
	assert.Contains(t, logs.String(), "write rejected: another write is in flight")
	assert.Contains(t, logs.String(), "device=dev")
}

func TestSessionReselectDiscardsDraft(t *testing.T) {
	s, _ := newTestSession(newMockTransport(), &notify.Recorder{})

	require.NoError(t, s.Select(testTarget))
	require.NoError(t, s.SetInput("draft"))

	other := Target{DeviceID: "dev", ServiceUUID: "S1", CharacteristicUUID: "C2"}
	require.NoError(t, s.Select(other))

	snap := s.Snapshot()
	assert.Equal(t, StateSelecting, snap.State)
	assert.Empty(t, snap.Input)
	require.NotNil(t, snap.Target)
	assert.Equal(t, other, *snap.Target)
}

func TestSessionRead(t *testing.T) {
	m := newMockTransport()
	m.addService("dev", "S1", Characteristic{ID: "c1", UUID: "C1", IsReadable: true, Value: codec.Ptr(codec.Encode("42"))})
	rec := &notify.Recorder{}
	s, _ := newTestSession(m, rec)

	c, err := s.Read(context.Background(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, "42", codec.Display(c.Value))

	m.readErr = errors.New("read not permitted")
	_, err = s.Read(context.Background(), testTarget)
	require.Error(t, err)
	assert.Equal(t, 1, rec.Count(notify.SeverityError, "TransportError"))
}
