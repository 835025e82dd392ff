// Package gpio drives the appliance's status LEDs and watches the modem's
// ring-indicator line. On hardware without a GPIO character device the caller
// substitutes the stub from Stub.
package gpio

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/warthog618/go-gpiocdev"
)

// Color is the connection-status LED state.
type Color int

const (
	Red    Color = iota // no modem
	Yellow              // modem present, weak signal
	Green               // good signal
	Blue                // starting up
)

func (c Color) String() string {
	switch c {
	case Red:
		return "red"
	case Yellow:
		return "yellow"
	case Green:
		return "green"
	case Blue:
		return "blue"
	}
	return "unknown"
}

// Pins is the hardware surface the queue manager drives.
type Pins interface {
	// OnRingIndicator registers cb for ring-line edges; cb receives the
	// line level after the edge. cb runs on the event goroutine, so it
	// must not block.
	OnRingIndicator(cb func(asserted bool))
	SetConnectionStatus(c Color)
	SetMessagePending(pending bool)
	Close()
}

// Config selects the chip and the line offsets. The defaults in the config
// package map the board pins 12/22/24/26/16 to their BCM offsets.
type Config struct {
	Chip       string
	RingPin    int
	RedPin     int
	GreenPin   int
	BluePin    int
	PendingPin int
}

type chardevPins struct {
	ring    *gpiocdev.Line
	red     *gpiocdev.Line
	green   *gpiocdev.Line
	blue    *gpiocdev.Line
	pending *gpiocdev.Line

	ringCB func(bool)
}

// New requests the configured lines from the GPIO character device.
func New(cfg Config) (Pins, error) {
	p := &chardevPins{}

	var err error
	p.red, err = gpiocdev.RequestLine(cfg.Chip, cfg.RedPin, gpiocdev.AsOutput(0))
	if err == nil {
		p.green, err = gpiocdev.RequestLine(cfg.Chip, cfg.GreenPin, gpiocdev.AsOutput(0))
	}
	if err == nil {
		p.blue, err = gpiocdev.RequestLine(cfg.Chip, cfg.BluePin, gpiocdev.AsOutput(0))
	}
	if err == nil {
		p.pending, err = gpiocdev.RequestLine(cfg.Chip, cfg.PendingPin, gpiocdev.AsOutput(0))
	}
	if err == nil {
		p.ring, err = gpiocdev.RequestLine(cfg.Chip, cfg.RingPin,
			gpiocdev.AsInput,
			gpiocdev.WithPullDown,
			gpiocdev.WithBothEdges,
			gpiocdev.WithEventHandler(p.ringEvent))
	}
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("gpio: requesting lines on %s: %w", cfg.Chip, err)
	}

	log.Infof("gpio: lines requested on %s (ring=%d rgb=%d/%d/%d pending=%d)",
		cfg.Chip, cfg.RingPin, cfg.RedPin, cfg.GreenPin, cfg.BluePin, cfg.PendingPin)
	return p, nil
}

func (p *chardevPins) ringEvent(evt gpiocdev.LineEvent) {
	if p.ringCB == nil {
		return
	}
	p.ringCB(evt.Type == gpiocdev.LineEventRisingEdge)
}

func (p *chardevPins) OnRingIndicator(cb func(bool)) {
	p.ringCB = cb
}

func (p *chardevPins) SetConnectionStatus(c Color) {
	var r, g, b int
	switch c {
	case Red:
		r = 1
	case Yellow:
		r, g = 1, 1
	case Green:
		g = 1
	case Blue:
		b = 1
	}
	p.red.SetValue(r)
	p.green.SetValue(g)
	p.blue.SetValue(b)
	log.Debugf("gpio: connection status %s", c)
}

func (p *chardevPins) SetMessagePending(pending bool) {
	v := 0
	if pending {
		v = 1
	}
	p.pending.SetValue(v)
}

func (p *chardevPins) Close() {
	for _, l := range []*gpiocdev.Line{p.ring, p.red, p.green, p.blue, p.pending} {
		if l != nil {
			l.Close()
		}
	}
}

// Stub returns a Pins that does nothing, for hosts without the hardware.
func Stub() Pins {
	return &stubPins{}
}

type stubPins struct {
	ringCB func(bool)
}

func (s *stubPins) OnRingIndicator(cb func(bool)) { s.ringCB = cb }

func (s *stubPins) SetConnectionStatus(c Color) {
	log.Debugf("gpio: (stub) connection status %s", c)
}

func (s *stubPins) SetMessagePending(bool) {}

func (s *stubPins) Close() {}
