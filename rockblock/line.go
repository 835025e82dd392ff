package rockblock

import (
	"fmt"
	"time"
)

// Port is the slice of a serial port the driver needs. go.bug.st/serial.Port
// satisfies it; tests substitute a scripted implementation.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	Close() error
}

// lineConn frames the half-duplex byte stream into LF-terminated lines.
// The modem terminates responses with CR-LF; commands go out CR-terminated.
type lineConn struct {
	port Port
}

// readLine accumulates bytes until LF and returns the line with trailing
// CR/LF stripped. A read that yields no bytes (the port's read timeout) with
// nothing accumulated returns ErrTimeout; with a partial line it returns what
// arrived, because the modem splits long binary responses across reads.
func (c *lineConn) readLine() ([]byte, error) {
	var buf []byte
	b := make([]byte, 1)
	for {
		n, err := c.port.Read(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialIO, err)
		}
		if n == 0 {
			if len(buf) == 0 {
				return nil, ErrTimeout
			}
			return trimCRLF(buf), nil
		}
		if b[0] == '\n' {
			return trimCRLF(buf), nil
		}
		buf = append(buf, b[0])
	}
}

func (c *lineConn) write(p []byte) error {
	if _, err := c.port.Write(p); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialIO, err)
	}
	return nil
}

func trimCRLF(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\r' || b[len(b)-1] == '\n') {
		b = b[:len(b)-1]
	}
	return b
}
