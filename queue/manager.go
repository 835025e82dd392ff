// Package queue runs the single background worker that owns the modem driver
// and the GPIO lines. All driver I/O happens on the worker goroutine; the web
// layer and the scheduler hand it work through non-blocking submissions and
// read results back from the status snapshot.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"satmsg/gpio"
	"satmsg/mailbox"
	"satmsg/rockblock"
)

// Modem is the slice of the driver the manager drives. *rockblock.Driver
// satisfies it.
type Modem interface {
	SendMessage(msg []byte) bool
	MessageCheck(ackRing bool) bool
	RequestSignalStrength() int
	SerialIdentifier() (string, bool)
	Close()
}

// DefaultSignalCheckInterval is how often the signal is re-polled when
// nothing else has touched the modem.
const DefaultSignalCheckInterval = 5 * time.Minute

const taskQueueDepth = 64

type Config struct {
	// Device is the modem's serial device. Empty means probe the
	// candidate ports and take the first that answers.
	Device string

	LocalUser           string
	SignalCheckInterval time.Duration
}

type Manager struct {
	rockblock.NopEvents

	store *mailbox.Store
	pins  gpio.Pins
	cfg   Config

	// Seams for tests; default to the real driver.
	openModem func(device string, ev rockblock.Events) (Modem, error)
	listPorts func() []string

	// Owned by the worker goroutine.
	modem Modem

	tasks chan func()

	mu                   sync.RWMutex
	signalStrength       int
	signalGood           bool
	signalTime           time.Time
	modemStatus          ModemStatus
	lastTxFailedMoStatus int
	serialIdentifier     string
	pendingSenders       map[string]struct{}

	subMu       sync.RWMutex
	subscribers []chan Event
}

func NewManager(store *mailbox.Store, pins gpio.Pins, cfg Config) *Manager {
	if cfg.SignalCheckInterval <= 0 {
		cfg.SignalCheckInterval = DefaultSignalCheckInterval
	}
	if cfg.LocalUser == "" {
		cfg.LocalUser = "local"
	}
	m := &Manager{
		store:          store,
		pins:           pins,
		cfg:            cfg,
		tasks:          make(chan func(), taskQueueDepth),
		modemStatus:    ModemUnknown,
		pendingSenders: make(map[string]struct{}),
	}
	m.openModem = func(device string, ev rockblock.Events) (Modem, error) {
		d, err := rockblock.Open(device, ev)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	m.listPorts = rockblock.ListPorts
	return m
}

// Run is the worker loop. It initialises the modem, then serves submitted
// tasks in FIFO order, re-polling the signal when it has gone stale.
func (m *Manager) Run(ctx context.Context) {
	m.pins.SetConnectionStatus(gpio.Blue)
	m.pins.OnRingIndicator(m.ringIndicatorChanged)

	m.initModem()
	m.submit(m.getSerialIdentifier)
	m.submit(m.requestSignalStrength)

	ticker := time.NewTicker(m.cfg.SignalCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if m.modem != nil {
				m.modem.Close()
			}
			m.pins.Close()
			return
		case task := <-m.tasks:
			task()
		case <-ticker.C:
			m.mu.RLock()
			stale := time.Since(m.signalTime) >= m.cfg.SignalCheckInterval
			m.mu.RUnlock()
			if stale {
				m.requestSignalStrength()
			}
		}
	}
}

// submit enqueues a task for the worker. It never blocks the caller; under
// sustained overload submissions are dropped and logged.
func (m *Manager) submit(task func()) {
	select {
	case m.tasks <- task:
	default:
		log.Warn("queue: task queue full; dropping submission")
	}
}

// CheckOutbox asks the worker to drain the outbox.
func (m *Manager) CheckOutbox() { m.submit(m.checkOutbox) }

// GetMessages asks the worker to run an SBD session and file whatever
// arrives. ackRing acknowledges a ring indication via +SBDIXA.
func (m *Manager) GetMessages(ackRing bool) {
	m.submit(func() { m.getMessages(ackRing) })
}

// RequestSignalStrength asks the worker for a fresh signal reading.
func (m *Manager) RequestSignalStrength() { m.submit(m.requestSignalStrength) }

// ClearMessagePending marks the sender's messages as seen; the pending LED
// follows the remaining set.
func (m *Manager) ClearMessagePending(sender string) {
	m.submit(func() { m.clearMessagePending(sender) })
}

func (m *Manager) initModem() {
	devices := []string{m.cfg.Device}
	if m.cfg.Device == "" {
		devices = m.listPorts()
		if len(devices) == 0 {
			log.Error("queue: no candidate serial ports; will muddle on without a modem")
			m.setModemStatus(ModemMissing)
			m.pins.SetConnectionStatus(gpio.Red)
			return
		}
	}

	var lastErr error
	for _, dev := range devices {
		modem, err := m.openModem(dev, m)
		if err == nil {
			log.Infof("queue: modem on %s", dev)
			m.modem = modem
			m.setModemStatus(ModemInstalled)
			return
		}
		lastErr = err
		log.Warnf("queue: no modem on %s: %v", dev, err)
	}

	status := ModemBroken
	if errors.Is(lastErr, rockblock.ErrSerialIO) {
		status = ModemMissing
	}
	log.Errorf("queue: failed to initialise modem; will muddle on without it: %v", lastErr)
	m.setModemStatus(status)
	m.pins.SetConnectionStatus(gpio.Red)
}

func (m *Manager) checkOutbox() {
	outbox := m.store.ReadOutbox()
	for _, msg := range outbox {
		if m.modem == nil {
			log.Warnf("queue: cannot send %s: no modem", msg.Filename)
			return
		}
		payload, err := msg.Payload()
		if err != nil {
			log.Errorf("queue: cannot send %s: %v", msg.Filename, err)
			continue
		}
		log.Infof("queue: sending %s", msg.Filename)
		if m.modem.SendMessage(payload) {
			m.store.RemoveFromOutbox(msg.Filename)
			log.Infof("queue: sent and removed %s", msg.Filename)
		} else {
			log.Warnf("queue: failed to send %s; it stays queued", msg.Filename)
		}
	}
}

func (m *Manager) getMessages(ackRing bool) {
	if m.modem != nil {
		// Any waiting messages reach us through RxReceived during this
		// call and land in the inbox as raw blobs.
		m.modem.MessageCheck(ackRing)
	} else {
		log.Warn("queue: cannot check for messages: no modem")
	}

	accepted := m.store.AcceptAllInboxMessages(m.cfg.LocalUser)
	if len(accepted) == 0 {
		return
	}

	m.mu.Lock()
	for _, msg := range accepted {
		m.pendingSenders[msg.Sender] = struct{}{}
	}
	pending := len(m.pendingSenders) > 0
	m.mu.Unlock()

	m.pins.SetMessagePending(pending)
	for _, msg := range accepted {
		m.broadcast(Event{Type: EventMessage, Sender: msg.Sender})
	}
}

func (m *Manager) requestSignalStrength() {
	if m.modem == nil {
		log.Debug("queue: cannot request signal strength: no modem")
		return
	}
	// Result arrives via the SignalUpdate callback.
	m.modem.RequestSignalStrength()
}

func (m *Manager) getSerialIdentifier() {
	if m.modem == nil {
		return
	}
	if id, ok := m.modem.SerialIdentifier(); ok {
		m.mu.Lock()
		m.serialIdentifier = id
		m.mu.Unlock()
		log.Infof("queue: modem serial identifier %s", id)
	}
}

func (m *Manager) clearMessagePending(sender string) {
	m.mu.Lock()
	delete(m.pendingSenders, sender)
	pending := len(m.pendingSenders) > 0
	m.mu.Unlock()

	m.pins.SetMessagePending(pending)
}

// ringIndicatorChanged runs on the GPIO event goroutine.
func (m *Manager) ringIndicatorChanged(asserted bool) {
	log.Infof("queue: ring indicator changed: %v", asserted)
	if asserted {
		m.GetMessages(true)
	}
}

func (m *Manager) setModemStatus(status ModemStatus) {
	m.mu.Lock()
	m.modemStatus = status
	m.mu.Unlock()
	m.broadcast(Event{Type: EventModem, ModemStatus: status})
}

// Driver callbacks. These run on the worker goroutine, inside the driver
// call that triggered them.

func (m *Manager) Connected() {
	m.setModemStatus(ModemInstalled)
}

func (m *Manager) SignalUpdate(signal int) {
	good := signal >= rockblock.SignalThreshold

	m.mu.Lock()
	wasGood := m.signalGood
	m.signalStrength = signal
	m.signalGood = good
	m.signalTime = time.Now()
	m.mu.Unlock()

	if good {
		m.pins.SetConnectionStatus(gpio.Green)
	} else {
		m.pins.SetConnectionStatus(gpio.Yellow)
	}

	if good && !wasGood {
		log.Info("queue: signal came back; checking outbox")
		m.CheckOutbox()
	}
	m.broadcast(Event{Type: EventSignal, Signal: signal, SignalGood: good})
}

func (m *Manager) RxReceived(mtmsn int, data []byte) {
	log.Infof("queue: received message %d (%d bytes)", mtmsn, len(data))
	m.store.SaveMessageToInbox(data)
}

func (m *Manager) TxFailed(moStatus int) {
	m.mu.Lock()
	m.lastTxFailedMoStatus = moStatus
	m.mu.Unlock()
}

func (m *Manager) TxSuccess(momsn int) {
	log.Infof("queue: message accepted by the gateway, MOMSN %d", momsn)
}
