package obd

import (
	"regexp"
	"strconv"

	"github.com/pkg/errors"
)

// CoolantOffset converts the PID 05 byte to degrees C.
const CoolantOffset = 40

const (
	DecoderOffset = "offset"
	DecoderELM327 = "elm327"
)

// Decoder extracts a coolant temperature from the receive buffer. buf is
// the whole buffer including the terminator; n is the byte count of the
// last read.
type Decoder func(buf []byte, n int) (int, error)

var (
	ErrUnknownDecoder = errors.New("obd: unknown decoder")
	ErrNoFrame        = errors.New("obd: no coolant response frame")
)

// DecoderByName returns the decoder registered under name. An empty name
// selects the offset decoder.
func DecoderByName(name string) (Decoder, error) {
	switch name {
	case "", DecoderOffset:
		return DecodeOffset, nil
	case DecoderELM327:
		return DecodeELM327, nil
	}
	return nil, errors.Wrapf(ErrUnknownDecoder, "%q", name)
}

// Fixed positions of the value in the adapter reply: 01[2]34[5]67[8]90
const (
	valueOffsetHi = 6
	valueOffsetLo = 7
)

// DecodeOffset takes the two characters at offsets 6 and 7, parses them
// like C strtol with base 0 (decimal, 0x-hex or 0-octal prefix, stopping
// at the first invalid character) and removes the coolant offset.
//
// The characters are read regardless of n; anything past the last read
// is zero and ends the number.
func DecodeOffset(buf []byte, n int) (int, error) {
	var digits [2]byte
	if len(buf) > valueOffsetHi {
		digits[0] = buf[valueOffsetHi]
	}
	if len(buf) > valueOffsetLo {
		digits[1] = buf[valueOffsetLo]
	}
	return int(parseCLong(digits[:])) - CoolantOffset, nil
}

var coolantFrame = regexp.MustCompile(`(?i)41\s*05\s*([0-9a-f]{2})`)

// DecodeELM327 finds the mode 01 PID 05 response ("41 05 XX") in the
// bytes of the last read and decodes XX as hex.
func DecodeELM327(buf []byte, n int) (int, error) {
	if n > len(buf) {
		n = len(buf)
	}
	m := coolantFrame.FindSubmatch(buf[:n])
	if m == nil {
		return 0, errors.Wrapf(ErrNoFrame, "in %q", buf[:n])
	}
	raw, err := strconv.ParseUint(string(m[1]), 16, 8)
	if err != nil {
		return 0, errors.Wrap(err, "obd: coolant byte")
	}
	return int(raw) - CoolantOffset, nil
}

// parseCLong mirrors strtol(s, NULL, 0): leading white space, an optional
// sign, then base 16 after "0x", base 8 after a leading "0", else base 10.
// A NUL byte ends the string. No digits yields 0.
func parseCLong(s []byte) int64 {
	i := 0
	for i < len(s) && isCSpace(s[i]) {
		i++
	}
	neg := false
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		neg = s[i] == '-'
		i++
	}

	base := int64(10)
	if i < len(s) && s[i] == '0' {
		base = 8
		if i+2 < len(s) && (s[i+1] == 'x' || s[i+1] == 'X') && digitValue(s[i+2]) < 16 {
			base = 16
			i += 2
		}
	}

	var v int64
	for ; i < len(s); i++ {
		d := digitValue(s[i])
		if d >= base {
			break
		}
		v = v*base + d
	}
	if neg {
		return -v
	}
	return v
}

func isCSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

// digitValue returns the value of c as a base-36 digit, or 36 if c is
// not a digit in any base.
func digitValue(c byte) int64 {
	switch {
	case c >= '0' && c <= '9':
		return int64(c - '0')
	case c >= 'a' && c <= 'z':
		return int64(c-'a') + 10
	case c >= 'A' && c <= 'Z':
		return int64(c-'A') + 10
	}
	return 36
}
