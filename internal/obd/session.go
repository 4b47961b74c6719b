package obd

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/shaunagostinho/obd-uplink/internal/telemetry"
	"github.com/shaunagostinho/obd-uplink/internal/uart"
)

// CoolantQuery asks for mode 01 PID 05, engine coolant temperature.
const CoolantQuery = "01 05"

// DefaultBufferSize is the receive capacity; the buffer holds one more
// byte for the terminator.
const DefaultBufferSize = 256

// Reading is one decoded coolant temperature.
type Reading struct {
	Coolant int       `json:"coolant"` // degrees C
	Raw     string    `json:"raw"`     // reply the value was taken from
	Decoder string    `json:"decoder"`
	Time    time.Time `json:"time"`
}

// Observer is notified of every decoded reading.
type Observer interface {
	Observe(r Reading)
}

// Options configures a Session.
type Options struct {
	BufferSize      int
	Decoder         string
	Telemetry       telemetry.Sender // nil disables telemetry
	MaxPayloadBytes int
	Observers       []Observer
}

// Session is the state shared by the read and poll callbacks: the open
// line, the receive buffer and the count of the last read. Callbacks must
// not run concurrently; Run guarantees that.
type Session struct {
	port uart.Port

	rx        []byte // capacity + 1
	capacity  int
	bytesRead int

	decoderName string
	decode      Decoder
	telemetry   telemetry.Sender
	maxPayload  int
	observers   []Observer

	terminate atomic.Bool
	closeOnce sync.Once
	counters  counters
}

// NewSession wraps an open port. The session owns the port from here on.
func NewSession(port uart.Port, opts Options) (*Session, error) {
	if port == nil {
		return nil, errors.New("obd: nil port")
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = telemetry.DefaultMaxPayload
	}
	if opts.Decoder == "" {
		opts.Decoder = DecoderOffset
	}
	dec, err := DecoderByName(opts.Decoder)
	if err != nil {
		return nil, err
	}
	return &Session{
		port:        port,
		rx:          make([]byte, opts.BufferSize+1),
		capacity:    opts.BufferSize,
		decoderName: opts.Decoder,
		decode:      dec,
		telemetry:   opts.Telemetry,
		maxPayload:  opts.MaxPayloadBytes,
		observers:   opts.Observers,
	}, nil
}

// TerminationRequired reports whether an I/O error asked the owner of the
// event loop to shut down.
func (s *Session) TerminationRequired() bool { return s.terminate.Load() }

func (s *Session) requestTermination() {
	s.terminate.Store(true)
	s.counters.ioErrors.Inc()
}

// Send writes msg in full, retrying partial writes. On a write error the
// rest of the message is dropped and termination is requested; nothing is
// returned to the caller.
func (s *Session) Send(msg string) {
	data := []byte(msg)
	sent, calls := 0, 0

	for sent < len(data) {
		calls++
		s.counters.writeCalls.Inc()

		n, err := s.port.Write(data[sent:])
		if err == nil && n <= 0 {
			err = io.ErrNoProgress
		}
		if err != nil {
			log.Errorf("[obd] could not write to UART: %v", err)
			s.requestTermination()
			return
		}
		sent += n
		s.counters.bytesSent.Add(int64(n))
	}

	log.Debugf("[obd] sent %d bytes over UART in %d calls", sent, calls)
}

// HandleRead is the data-ready callback. It clears the buffer and does a
// single read of up to capacity bytes; whatever was in the buffer before
// is gone, and a reply split over several reads is not reassembled.
func (s *Session) HandleRead(r io.Reader) {
	clear(s.rx)
	s.bytesRead = 0

	n, err := r.Read(s.rx[:s.capacity])
	if err != nil && err != io.EOF {
		log.Errorf("[obd] could not read UART: %v", err)
		s.requestTermination()
		return
	}
	s.counters.readEvents.Inc()

	s.bytesRead = n
	if n > 0 {
		s.rx[n] = 0
		s.counters.bytesReceived.Add(int64(n))
		log.Debugf("[obd] UART received %d bytes: %q", n, s.rx[:n])
	}
}

// HandleTick is the poll-timer callback. The query always goes out; the
// buffer is then decoded as left by the last read, which normally holds
// the reply to the previous tick's query.
func (s *Session) HandleTick() {
	s.counters.queries.Inc()
	s.Send(CoolantQuery)

	if s.bytesRead <= 0 {
		return
	}

	temp, err := s.decode(s.rx, s.bytesRead)
	if err != nil {
		s.counters.decodeErrors.Inc()
		log.Warnf("[obd] %v", err)
		return
	}
	s.counters.readings.Inc()
	log.Debugf("[obd] coolant temperature is %d", temp)

	reading := Reading{
		Coolant: temp,
		Raw:     string(s.rx[:s.bytesRead]),
		Decoder: s.decoderName,
		Time:    time.Now(),
	}
	for _, o := range s.observers {
		o.Observe(reading)
	}

	if s.telemetry != nil {
		s.publish(temp)
	}
}

func (s *Session) publish(temp int) {
	payload := telemetry.FormatPayload(temp)
	if len(payload) > s.maxPayload {
		log.Errorf("[obd] telemetry payload of %d bytes exceeds %d, not sending", len(payload), s.maxPayload)
		s.counters.telemetryFailed.Inc()
		return
	}

	log.Debugf("[obd] sending telemetry: %s", payload)
	if err := s.telemetry.Send(payload); err != nil {
		log.Errorf("[obd] telemetry send failed: %v", err)
		s.counters.telemetryFailed.Inc()
		return
	}
	s.counters.telemetrySent.Inc()
}

// BytesRead is the count produced by the last read event.
func (s *Session) BytesRead() int { return s.bytesRead }

// Received returns a copy of the bytes of the last read.
func (s *Session) Received() []byte {
	out := make([]byte, s.bytesRead)
	copy(out, s.rx[:s.bytesRead])
	return out
}

// Close releases the serial line. Only the first call reaches the port;
// a session without a port has nothing to release.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.port == nil {
			return
		}
		if err = s.port.Close(); err != nil {
			log.Errorf("[obd] could not close UART: %v", err)
		}
	})
	return err
}
