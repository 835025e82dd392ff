package rockblock

import "errors"

var (
	ErrPortClosed         = errors.New("serial port is closed")
	ErrDriverInit         = errors.New("modem initialisation failed")
	ErrEchoMismatch       = errors.New("command echo mismatch")
	ErrUnexpectedResponse = errors.New("unexpected response from modem")
	ErrMessageTooLong     = errors.New("message exceeds the 340 byte MO limit")
	ErrSessionFailed      = errors.New("SBD session failed")
	ErrNoSignal           = errors.New("no usable signal")
	ErrSerialIO           = errors.New("serial I/O error")
	ErrTimeout            = errors.New("timed out waiting for serial data")
)
