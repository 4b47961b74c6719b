package obd

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obd-uplink/internal/uart"
)

type chanObserver chan Reading

func (c chanObserver) Observe(r Reading) {
	select {
	case c <- r:
	default:
	}
}

func runAsync(ctx context.Context, s *Session, period time.Duration) <-chan error {
	done := make(chan error, 1)
	go func() { done <- Run(ctx, s, period) }()
	return done
}

func TestRunPollsDemoAdapter(t *testing.T) {
	port := uart.NewDemoPort()
	readings := make(chanObserver, 8)
	s, err := NewSession(port, Options{Decoder: DecoderELM327, Observers: []Observer{readings}})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s, 20*time.Millisecond)

	select {
	case r := <-readings:
		assert.GreaterOrEqual(t, r.Coolant, 18)
		assert.LessOrEqual(t, r.Coolant, 95)
		assert.Contains(t, r.Raw, "41 05 ")
	case <-time.After(3 * time.Second):
		t.Fatal("no reading from demo adapter")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, s.TerminationRequired())
}

func TestRunChunkedRepliesAreNotReassembled(t *testing.T) {
	port := uart.NewDemoPort()
	port.ChunkSize = 4
	readings := make(chanObserver, 8)
	s, err := NewSession(port, Options{Decoder: DecoderELM327, Observers: []Observer{readings}})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s, 20*time.Millisecond)

	require.Eventually(t, func() bool { return s.Stats().DecodeErrors > 0 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.Empty(t, readings)
	assert.Zero(t, s.Stats().Readings)
}

func TestRunStopsOnWriteError(t *testing.T) {
	port := newFakePort()
	port.failAt = 1
	s, err := NewSession(port, Options{})
	require.NoError(t, err)

	select {
	case err := <-runAsync(context.Background(), s, 10*time.Millisecond):
		assert.Equal(t, ErrTerminated, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run ignored the termination flag")
	}
	require.NoError(t, s.Close())
}

func TestRunStopsOnReadError(t *testing.T) {
	port := newFakePort()
	port.errCh <- errors.New("input/output error")
	s, err := NewSession(port, Options{})
	require.NoError(t, err)

	select {
	case err := <-runAsync(context.Background(), s, time.Hour):
		assert.Equal(t, ErrTerminated, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run ignored the read error")
	}
	assert.EqualValues(t, 1, s.Stats().IOErrors)
}

func TestRunStopsAtEndOfStream(t *testing.T) {
	port := newFakePort()
	port.errCh <- io.EOF
	s, err := NewSession(port, Options{})
	require.NoError(t, err)

	select {
	case err := <-runAsync(context.Background(), s, time.Hour):
		assert.Equal(t, ErrEndOfStream, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept polling a closed stream")
	}
	assert.False(t, s.TerminationRequired(), "EOF is a zero-byte read, not an I/O error")
	assert.EqualValues(t, 1, s.Stats().ReadEvents)
	assert.Zero(t, s.Stats().IOErrors)
}

func TestRunDeliversReadsBetweenTicks(t *testing.T) {
	port := newFakePort()
	s, err := NewSession(port, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s, time.Hour)

	port.readCh <- []byte("41 05 41\r")
	require.Eventually(t, func() bool { return s.Stats().BytesReceived == 9 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.EqualValues(t, 1, s.Stats().ReadEvents)
	assert.Zero(t, s.Stats().Queries)
}
