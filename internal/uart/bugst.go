package uart

import (
	"go.bug.st/serial"
)

func openBugst(cfg Config) (Port, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.PortPath, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(cfg.readTimeout()); err != nil {
		port.Close()
		return nil, err
	}
	// Discard whatever the adapter printed before we were listening.
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}
