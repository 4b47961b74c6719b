package uart

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// DemoPort simulates an ELM327 adapter (echo off) for development and
// testing. It answers the coolant query "01 05" with a warming engine.
type DemoPort struct {
	mu     sync.Mutex
	t      float64 // virtual time accumulator, one step per query
	rest   []byte  // unread remainder of the current chunk
	closed bool

	out     chan []byte
	done    chan struct{}
	timeout time.Duration

	// ChunkSize splits each response into reads of at most this many
	// bytes. Zero delivers a response in one read.
	ChunkSize int
}

func NewDemoPort() *DemoPort {
	return &DemoPort{
		out:     make(chan []byte, 64),
		done:    make(chan struct{}),
		timeout: DefaultReadTimeout,
	}
}

// Write accepts one command per call.
func (d *DemoPort) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, io.ErrClosedPipe
	}

	resp := d.respond(strings.TrimSpace(string(p)))
	for _, c := range d.split(resp) {
		select {
		case d.out <- c:
		default:
			// nobody is reading; drop like a UART FIFO overrun
		}
	}
	return len(p), nil
}

// Read blocks until a response chunk is available, the read timeout
// elapses (0, nil) or the port is closed.
func (d *DemoPort) Read(p []byte) (int, error) {
	d.mu.Lock()
	if len(d.rest) > 0 {
		n := copy(p, d.rest)
		d.rest = d.rest[n:]
		d.mu.Unlock()
		return n, nil
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return 0, io.ErrClosedPipe
	case c := <-d.out:
		n := copy(p, c)
		if n < len(c) {
			d.mu.Lock()
			d.rest = c[n:]
			d.mu.Unlock()
		}
		return n, nil
	case <-time.After(d.timeout):
		return 0, nil
	}
}

func (d *DemoPort) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return io.ErrClosedPipe
	}
	d.closed = true
	close(d.done)
	return nil
}

func (d *DemoPort) respond(cmd string) string {
	switch {
	case cmd == "01 05" || cmd == "0105":
		return fmt.Sprintf("41 05 %02X\r\r>", d.nextCoolantRaw())
	case strings.HasPrefix(strings.ToUpper(cmd), "AT"):
		return "OK\r\r>"
	default:
		return "?\r\r>"
	}
}

// nextCoolantRaw returns the PID 05 byte (degrees C + 40) of an engine
// warming from ambient towards ~90 C.
func (d *DemoPort) nextCoolantRaw() byte {
	d.t++
	temp := 20 + 70*(1-math.Exp(-d.t/60)) + rand.Float64()*2
	raw := math.Round(temp + 40)
	if raw < 0 {
		raw = 0
	}
	if raw > 255 {
		raw = 255
	}
	return byte(raw)
}

func (d *DemoPort) split(resp string) [][]byte {
	b := []byte(resp)
	if d.ChunkSize <= 0 || d.ChunkSize >= len(b) {
		return [][]byte{b}
	}
	var chunks [][]byte
	for len(b) > 0 {
		n := d.ChunkSize
		if n > len(b) {
			n = len(b)
		}
		chunks = append(chunks, b[:n])
		b = b[n:]
	}
	return chunks
}
