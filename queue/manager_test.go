package queue

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"satmsg/gpio"
	"satmsg/mailbox"
	"satmsg/rockblock"
)

type fakeModem struct {
	sendResult bool
	sent       [][]byte
	checkCalls []bool
	signal     int
	events     rockblock.Events
	onCheck    func()
	closed     bool
}

func (f *fakeModem) SendMessage(msg []byte) bool {
	f.sent = append(f.sent, append([]byte{}, msg...))
	return f.sendResult
}

func (f *fakeModem) MessageCheck(ackRing bool) bool {
	f.checkCalls = append(f.checkCalls, ackRing)
	if f.onCheck != nil {
		f.onCheck()
	}
	return true
}

func (f *fakeModem) RequestSignalStrength() int {
	if f.events != nil {
		f.events.SignalUpdate(f.signal)
	}
	return f.signal
}

func (f *fakeModem) SerialIdentifier() (string, bool) { return "300234063904190", true }

func (f *fakeModem) Close() { f.closed = true }

type fakePins struct {
	mu      sync.Mutex
	colors  []gpio.Color
	pending []bool
	ringCB  func(bool)
}

func (f *fakePins) OnRingIndicator(cb func(bool)) { f.ringCB = cb }

func (f *fakePins) SetConnectionStatus(c gpio.Color) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.colors = append(f.colors, c)
}

func (f *fakePins) SetMessagePending(p bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, p)
}

func (f *fakePins) Close() {}

func (f *fakePins) lastColor() gpio.Color {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.colors) == 0 {
		return gpio.Red
	}
	return f.colors[len(f.colors)-1]
}

func (f *fakePins) lastPending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return false
	}
	return f.pending[len(f.pending)-1]
}

func newTestManager(t *testing.T) (*Manager, *fakeModem, *fakePins) {
	t.Helper()
	store := mailbox.NewStore(t.TempDir())
	pins := &fakePins{}
	m := NewManager(store, pins, Config{LocalUser: "local"})
	modem := &fakeModem{sendResult: true, events: m}
	m.modem = modem
	return m, modem, pins
}

// drain runs queued tasks on the calling goroutine, standing in for the
// worker loop.
func drain(m *Manager) {
	for {
		select {
		case task := <-m.tasks:
			task()
		default:
			return
		}
	}
}

func TestCheckOutboxRemovesSentMessages(t *testing.T) {
	m, modem, _ := newTestManager(t)
	require.NoError(t, m.store.QueueMessageSend("local", "+14155552671", "one"))
	require.NoError(t, m.store.QueueMessageSend("local", "+14155552671", "two"))

	m.checkOutbox()

	assert.Len(t, modem.sent, 2)
	assert.Empty(t, m.store.ReadOutbox())
	assert.Len(t, m.store.GetThread("local", "+14155552671"), 2)
}

func TestCheckOutboxKeepsFailedMessages(t *testing.T) {
	m, modem, _ := newTestManager(t)
	modem.sendResult = false
	require.NoError(t, m.store.QueueMessageSend("local", "+14155552671", "one"))

	m.checkOutbox()

	assert.Len(t, modem.sent, 1)
	assert.Len(t, m.store.ReadOutbox(), 1, "failed sends stay queued")
}

func TestCheckOutboxWithoutModem(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.modem = nil
	require.NoError(t, m.store.QueueMessageSend("local", "+14155552671", "one"))

	m.checkOutbox()

	assert.Len(t, m.store.ReadOutbox(), 1)
}

func TestGetMessagesFilesInboundAndMarksPending(t *testing.T) {
	m, modem, pins := newTestManager(t)
	// The driver delivers MT payloads through RxReceived during the
	// session; mimic that from the stub.
	modem.onCheck = func() { m.RxReceived(7, []byte("alice:hi")) }

	m.getMessages(true)

	require.Equal(t, []bool{true}, modem.checkCalls)
	thread := m.store.GetThread("local", "alice")
	require.Len(t, thread, 1)
	assert.Equal(t, "hi", thread[0].Body)

	status := m.Status()
	assert.Equal(t, []string{"alice"}, status.PendingSenders)
	assert.True(t, pins.lastPending())
}

func TestGetMessagesAcceptsInboxEvenWithoutModem(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.modem = nil
	m.store.SaveMessageToInbox([]byte("bob:hello"))

	m.getMessages(false)

	assert.Len(t, m.store.GetThread("local", "bob"), 1)
	assert.Equal(t, []string{"bob"}, m.Status().PendingSenders)
}

func TestClearMessagePending(t *testing.T) {
	m, modem, pins := newTestManager(t)
	modem.onCheck = func() {
		m.RxReceived(1, []byte("alice:hi"))
		m.RxReceived(2, []byte("bob:yo"))
	}
	m.getMessages(false)
	require.Len(t, m.Status().PendingSenders, 2)

	m.clearMessagePending("alice")
	assert.Equal(t, []string{"bob"}, m.Status().PendingSenders)
	assert.True(t, pins.lastPending())

	m.clearMessagePending("bob")
	assert.Empty(t, m.Status().PendingSenders)
	assert.False(t, pins.lastPending())
}

func TestSignalTransitionLowToHigh(t *testing.T) {
	m, _, pins := newTestManager(t)

	m.SignalUpdate(1)
	status := m.Status()
	assert.Equal(t, 1, status.SignalStrength)
	assert.False(t, status.SignalGood)
	assert.Equal(t, gpio.Yellow, pins.lastColor())
	assert.Empty(t, m.tasks)

	m.SignalUpdate(3)
	status = m.Status()
	assert.True(t, status.SignalGood)
	assert.Equal(t, gpio.Green, pins.lastColor())
	assert.Len(t, m.tasks, 1, "signal recovery auto-submits an outbox check")

	// A further good reading must not resubmit.
	m.SignalUpdate(4)
	assert.Len(t, m.tasks, 1)
}

func TestSignalRecoverySendsQueuedMail(t *testing.T) {
	m, modem, _ := newTestManager(t)
	require.NoError(t, m.store.QueueMessageSend("local", "+14155552671", "queued"))

	m.SignalUpdate(0)
	drain(m)
	assert.Empty(t, modem.sent)

	m.SignalUpdate(5)
	drain(m)
	assert.Len(t, modem.sent, 1)
	assert.Empty(t, m.store.ReadOutbox())
}

func TestRingIndicatorTriggersAckedCheck(t *testing.T) {
	m, modem, pins := newTestManager(t)
	pins.ringCB = m.ringIndicatorChanged

	pins.ringCB(true)
	drain(m)
	assert.Equal(t, []bool{true}, modem.checkCalls)

	// Falling edge is ignored.
	pins.ringCB(false)
	drain(m)
	assert.Len(t, modem.checkCalls, 1)
}

func TestTxFailedUpdatesStatus(t *testing.T) {
	m, _, _ := newTestManager(t)

	m.TxFailed(32)
	assert.Equal(t, 32, m.Status().LastTxFailedMoStatus)
}

func TestInitModemDegradedModes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ModemStatus
	}{
		{"missing", fmt.Errorf("%w: open /dev/ttyUSB0: no such device", rockblock.ErrSerialIO), ModemMissing},
		{"broken", fmt.Errorf("%w: modem not answering", rockblock.ErrDriverInit), ModemBroken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := mailbox.NewStore(t.TempDir())
			pins := &fakePins{}
			m := NewManager(store, pins, Config{Device: "/dev/ttyUSB0"})
			m.openModem = func(string, rockblock.Events) (Modem, error) {
				return nil, tc.err
			}

			m.initModem()

			assert.Nil(t, m.modem)
			assert.Equal(t, tc.want, m.Status().ModemStatus)
			assert.Equal(t, gpio.Red, pins.lastColor())
		})
	}
}

func TestInitModemProbesPorts(t *testing.T) {
	store := mailbox.NewStore(t.TempDir())
	pins := &fakePins{}
	m := NewManager(store, pins, Config{})
	m.listPorts = func() []string { return []string{"/dev/ttyS0", "/dev/ttyUSB0"} }

	modem := &fakeModem{}
	var tried []string
	m.openModem = func(device string, ev rockblock.Events) (Modem, error) {
		tried = append(tried, device)
		if device == "/dev/ttyUSB0" {
			return modem, nil
		}
		return nil, errors.New("nope")
	}

	m.initModem()

	assert.Equal(t, []string{"/dev/ttyS0", "/dev/ttyUSB0"}, tried)
	assert.Equal(t, Modem(modem), m.modem)
	assert.Equal(t, ModemInstalled, m.Status().ModemStatus)
}

func TestSubscribeReceivesEvents(t *testing.T) {
	m, _, _ := newTestManager(t)
	ch := m.Subscribe()
	defer m.Unsubscribe(ch)

	m.SignalUpdate(3)

	evt := <-ch
	assert.Equal(t, EventSignal, evt.Type)
	assert.Equal(t, 3, evt.Signal)
	assert.True(t, evt.SignalGood)
}
