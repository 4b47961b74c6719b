package uart

import (
	"io"

	"github.com/tarm/serial"
)

// tarmPort adapts tarm's Port, which reports a timed-out read as io.EOF.
type tarmPort struct {
	*serial.Port
}

func (t *tarmPort) Read(p []byte) (int, error) {
	n, err := t.Port.Read(p)
	if n == 0 && err == io.EOF {
		return 0, nil
	}
	return n, err
}

func openTarm(cfg Config) (Port, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.PortPath,
		Baud:        cfg.BaudRate,
		ReadTimeout: cfg.readTimeout(),
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	})
	if err != nil {
		return nil, err
	}
	if err := port.Flush(); err != nil {
		port.Close()
		return nil, err
	}
	return &tarmPort{Port: port}, nil
}
