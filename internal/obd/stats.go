package obd

import "go.uber.org/atomic"

// counters are written by the event loop and read from any goroutine.
type counters struct {
	queries         atomic.Int64
	writeCalls      atomic.Int64
	bytesSent       atomic.Int64
	readEvents      atomic.Int64
	bytesReceived   atomic.Int64
	readings        atomic.Int64
	decodeErrors    atomic.Int64
	telemetrySent   atomic.Int64
	telemetryFailed atomic.Int64
	ioErrors        atomic.Int64
}

// Stats is a point-in-time copy of the session counters.
type Stats struct {
	Queries         int64 `json:"queries"`
	WriteCalls      int64 `json:"writeCalls"`
	BytesSent       int64 `json:"bytesSent"`
	ReadEvents      int64 `json:"readEvents"`
	BytesReceived   int64 `json:"bytesReceived"`
	Readings        int64 `json:"readings"`
	DecodeErrors    int64 `json:"decodeErrors"`
	TelemetrySent   int64 `json:"telemetrySent"`
	TelemetryFailed int64 `json:"telemetryFailed"`
	IOErrors        int64 `json:"ioErrors"`
	Terminating     bool  `json:"terminating"`
}

// Stats is safe to call concurrently with the callbacks.
func (s *Session) Stats() Stats {
	c := &s.counters
	return Stats{
		Queries:         c.queries.Load(),
		WriteCalls:      c.writeCalls.Load(),
		BytesSent:       c.bytesSent.Load(),
		ReadEvents:      c.readEvents.Load(),
		BytesReceived:   c.bytesReceived.Load(),
		Readings:        c.readings.Load(),
		DecodeErrors:    c.decodeErrors.Load(),
		TelemetrySent:   c.telemetrySent.Load(),
		TelemetryFailed: c.telemetryFailed.Load(),
		IOErrors:        c.ioErrors.Load(),
		Terminating:     s.terminate.Load(),
	}
}
