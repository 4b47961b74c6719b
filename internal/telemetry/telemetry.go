package telemetry

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Sender hands one telemetry message to a sink.
type Sender interface {
	Send(payload []byte) error
}

// SenderFunc adapts a plain function to Sender.
type SenderFunc func(payload []byte) error

func (f SenderFunc) Send(payload []byte) error { return f(payload) }

// DefaultMaxPayload is the largest message the device-to-cloud path accepts.
const DefaultMaxPayload = 128

// FormatPayload builds the coolant message. The value travels under the
// "rpm" key, as a string, in degrees C.
func FormatPayload(value int) []byte {
	return []byte(fmt.Sprintf(`{"rpm": "%d"}`, value))
}

// Fanout delivers every payload to all senders. It returns the first
// error; the rest are only logged.
type Fanout []Sender

func (f Fanout) Send(payload []byte) error {
	var first error
	for _, s := range f {
		if err := s.Send(payload); err != nil {
			if first == nil {
				first = err
				continue
			}
			log.Warnf("[telemetry] sink failed: %v", err)
		}
	}
	return first
}
