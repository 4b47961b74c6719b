package obd

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultPollPeriod is used when Run is given a non-positive period.
const DefaultPollPeriod = time.Second

var (
	// ErrTerminated is returned by Run when an I/O error requested shutdown.
	ErrTerminated = errors.New("obd: termination requested")
	// ErrEndOfStream is returned by Run when the port reported io.EOF and
	// no further replies can arrive.
	ErrEndOfStream = errors.New("obd: UART reached end of stream")
)

// readEvent is one chunk pulled off the line by the pump, replayed to
// HandleRead as its reader.
type readEvent struct {
	data []byte
	err  error
}

func (e *readEvent) Read(p []byte) (int, error) {
	n := copy(p, e.data)
	return n, e.err
}

// Run dispatches read events and poll ticks to the session from a single
// goroutine, so the two callbacks never overlap. It returns when ctx is
// done, when the session asks for termination or when the port stops
// producing reads.
func Run(ctx context.Context, s *Session, period time.Duration) error {
	if period <= 0 {
		period = DefaultPollPeriod
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan *readEvent)
	go s.pump(ctx, events)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	log.Printf("[obd] polling coolant every %v", period)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				log.Errorf("[obd] UART read pump stopped, leaving event loop")
				return ErrEndOfStream
			}
			s.HandleRead(ev)
		case <-ticker.C:
			s.HandleTick()
		}
		if s.TerminationRequired() {
			log.Errorf("[obd] termination requested, leaving event loop")
			return ErrTerminated
		}
	}
}

// pump blocks on the port and forwards every non-empty read, and the first
// read error, to the event loop. Timed-out reads are not events. events is
// closed when the pump stops.
func (s *Session) pump(ctx context.Context, events chan<- *readEvent) {
	defer close(events)
	for {
		buf := make([]byte, s.capacity)
		n, err := s.port.Read(buf)
		if n == 0 && err == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		select {
		case events <- &readEvent{data: buf[:n], err: err}:
		case <-ctx.Done():
			return
		}

		if err == io.EOF {
			log.Warnf("[obd] UART reached end of stream")
		}
		if err != nil {
			return
		}
	}
}
