package uart

import (
	"io"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Port is an open serial line to the OBD-II adapter.
//
// Read returns (0, nil) when the read timeout elapses without data, for
// every driver.
type Port interface {
	io.ReadWriteCloser
}

// Config holds connection configuration for the adapter's serial line.
type Config struct {
	Driver        string `yaml:"driver" json:"driver"`      // "bugst" or "tarm"
	PortPath      string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyUSB0
	BaudRate      int    `yaml:"baud_rate" json:"baudRate"` // ELM327 default 38400
	ReadTimeoutMs int    `yaml:"read_timeout_ms" json:"readTimeoutMs"`
}

const (
	DriverBugst = "bugst"
	DriverTarm  = "tarm"

	DefaultPortPath    = "/dev/ttyUSB0"
	DefaultBaudRate    = 38400
	DefaultReadTimeout = 100 * time.Millisecond
)

var (
	ErrMissingPort    = errors.New("uart: missing port path")
	ErrInvalidBaud    = errors.New("uart: invalid baud rate")
	ErrUnknownDriver  = errors.New("uart: unknown driver")
	ErrInvalidTimeout = errors.New("uart: negative read timeout")
)

// WithDefaults fills unset fields. PortPath is left alone so that a
// missing device is still reported by Validate.
func (c Config) WithDefaults() Config {
	if c.Driver == "" {
		c.Driver = DriverBugst
	}
	if c.BaudRate == 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.ReadTimeoutMs == 0 {
		c.ReadTimeoutMs = int(DefaultReadTimeout / time.Millisecond)
	}
	return c
}

// Validate checks the configuration for obvious issues.
func (c Config) Validate() error {
	if c.PortPath == "" {
		return ErrMissingPort
	}
	if c.BaudRate <= 0 {
		return errors.Wrapf(ErrInvalidBaud, "%d", c.BaudRate)
	}
	if c.ReadTimeoutMs < 0 {
		return errors.Wrapf(ErrInvalidTimeout, "%d ms", c.ReadTimeoutMs)
	}
	switch c.Driver {
	case DriverBugst, DriverTarm:
	default:
		return errors.Wrapf(ErrUnknownDriver, "%q", c.Driver)
	}
	return nil
}

func (c Config) readTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

// allow tests to override the drivers
var (
	openBugstFn = openBugst
	openTarmFn  = openTarm
)

// Open configures and opens the serial line: 8N1, no flow control.
func Open(cfg Config) (Port, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		p   Port
		err error
	)
	switch cfg.Driver {
	case DriverTarm:
		p, err = openTarmFn(cfg)
	default:
		p, err = openBugstFn(cfg)
	}
	if err != nil {
		log.Errorf("[uart] could not open %s: %v", cfg.PortPath, err)
		return nil, errors.Wrapf(err, "uart: open %s", cfg.PortPath)
	}

	log.Printf("[uart] opened %s at %d baud (driver=%s)", cfg.PortPath, cfg.BaudRate, cfg.Driver)
	return p, nil
}
