package rockblock

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	timeAttempts      = 20
	timeDelay         = 1 * time.Second
	signalAttempts    = 10
	rescanDelay       = 10 * time.Second
	syncCommsAttempts = 3
	powerBackoff      = 40 * time.Second

	sessionAttempts = 3
	sessionDelay    = 1 * time.Second

	defaultTimeout = 5 * time.Second
	sessionTimeout = 60 * time.Second

	// Iridium SBD caps mobile-originated payloads at 340 bytes.
	moLimit = 340
)

// SignalThreshold is the bar count at which the link is considered usable.
const SignalThreshold = 2

// sleepFn is swapped out by the tests; the retry cadences above are far too
// slow for a test run.
var sleepFn = time.Sleep

type sessionState int

const (
	stateClosed sessionState = iota
	stateOpenUnconfigured
	stateReady
	stateInSession
)

// Driver speaks the RockBLOCK 9602/9603 AT dialect over a serial line. All
// methods must be called from a single goroutine; the queue manager is the
// only caller in this program.
type Driver struct {
	conn   lineConn
	events Events
	state  sessionState

	// autoSession drains the gateway queue by chaining sessions while
	// mtQueued > 0.
	autoSession bool
}

func (d *Driver) sleep(t time.Duration) { sleepFn(t) }

// Open opens the serial device at 19200 8-N-1 and runs the configuration
// handshake. The returned error wraps ErrDriverInit when the modem answers
// but the handshake fails.
func Open(device string, ev Events) (*Driver, error) {
	mode := &serial.Mode{
		BaudRate: 19200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrSerialIO, device, err)
	}
	return NewDriver(port, ev)
}

// NewDriver runs the configuration handshake over an already-open port.
func NewDriver(port Port, ev Events) (*Driver, error) {
	if ev == nil {
		ev = NopEvents{}
	}
	d := &Driver{
		conn:        lineConn{port: port},
		events:      ev,
		state:       stateOpenUnconfigured,
		autoSession: true,
	}
	port.SetReadTimeout(defaultTimeout)

	if !d.configurePort() {
		d.Close()
		return nil, fmt.Errorf("%w: port configuration rejected", ErrDriverInit)
	}

	// Sacrificial ping: the first exchange after configuration may carry a
	// garbled echo, so its result is discarded.
	d.Ping()

	// SBD sessions can hold the line for tens of seconds.
	port.SetReadTimeout(sessionTimeout)

	if !d.Ping() {
		d.Close()
		return nil, fmt.Errorf("%w: modem not answering", ErrDriverInit)
	}

	d.state = stateReady
	d.events.Connected()
	return d, nil
}

func (d *Driver) configurePort() bool {
	return d.enableEcho() &&
		d.disableFlowControl() &&
		d.enableRingAlerts()
}

func (d *Driver) enableEcho() bool {
	if !d.ensureOpen() {
		return false
	}
	cmd := []byte("ATE1")
	d.sendCommand(cmd)
	response, ok := d.readNextLine()
	if !ok || !bytes.Equal(response, cmd) {
		log.Errorf("rockblock: failed to enable echo; got response %q", response)
		return false
	}
	return d.readOK(cmd)
}

func (d *Driver) disableFlowControl() bool {
	return d.sendAndAck([]byte("AT&K0"))
}

func (d *Driver) enableRingAlerts() bool {
	return d.sendAndAck([]byte("AT+SBDMTA=1"))
}

// Ping checks that the modem is still answering.
func (d *Driver) Ping() bool {
	if !d.ensureOpen() {
		return false
	}
	return d.sendAndAck([]byte("AT"))
}

// RequestSignalStrength issues AT+CSQ and returns the bar count in [0,5],
// or -1 on failure. Fires SignalUpdate either way.
func (d *Driver) RequestSignalStrength() int {
	signal := d.doRequestSignalStrength()
	log.Debugf("rockblock: signal strength is %d", signal)
	d.events.SignalUpdate(signal)
	return signal
}

func (d *Driver) doRequestSignalStrength() int {
	if !d.ensureOpen() {
		return -1
	}
	cmd := []byte("AT+CSQ")
	if !d.sendCommandReadEcho(cmd) {
		return -1
	}

	response, ok := d.readNextLine()
	if !ok || !bytes.Contains(response, []byte("+CSQ")) || len(response) != 6 {
		log.Errorf("rockblock: incorrect response to %s: %q", cmd, response)
		return -1
	}

	if !d.readOK(cmd) {
		return -1
	}

	return int(response[5] - '0')
}

// WaitForGoodSignal polls the signal until it reaches the threshold, giving
// up after signalAttempts tries.
func (d *Driver) WaitForGoodSignal() bool {
	retries := 0
	for {
		if d.RequestSignalStrength() >= SignalThreshold {
			return true
		}
		retries++
		if retries == signalAttempts {
			log.Warnf("rockblock: failed to get good signal after %d retries; giving up", retries)
			return false
		}
		log.Debugf("rockblock: no good signal after try %d; will retry in %v", retries, rescanDelay)
		d.sleep(rescanDelay)
	}
}

// SerialIdentifier reads the modem's IMEI via AT+GSN.
func (d *Driver) SerialIdentifier() (string, bool) {
	if !d.ensureOpen() {
		return "", false
	}
	cmd := []byte("AT+GSN")
	if !d.sendCommandReadEcho(cmd) {
		return "", false
	}
	response, ok := d.readNextLine()
	if !ok || !d.readOK(cmd) {
		return "", false
	}
	return string(response), true
}

// MessageCheck runs a full SBD session to pull any mobile-terminated traffic.
// ackRing selects +SBDIXA, acknowledging a ring indication.
func (d *Driver) MessageCheck(ackRing bool) bool {
	if !d.ensureOpen() {
		return false
	}
	d.events.RxStarted()

	if d.attemptConnection() && d.attemptSession(ackRing) {
		return true
	}

	d.events.RxFailed()
	return false
}

// SendMessage queues msg in the MO buffer and drives up to sessionAttempts
// session rounds until the gateway accepts it, firing TxFailed(-1) if none
// does. The outbox file stays put on failure, so delivery is at-least-once.
func (d *Driver) SendMessage(msg []byte) bool {
	if !d.ensureOpen() {
		return false
	}
	d.events.TxStarted()

	if d.queueMessage(msg) && d.attemptConnection() {
		for attempt := 0; attempt < sessionAttempts; attempt++ {
			if d.attemptSession(false) {
				return true
			}
			d.sleep(sessionDelay)
		}
	}

	d.events.TxFailed(-1)
	return false
}

// Setup writes the flow-control setting to non-volatile memory. One-shot
// provisioning; power-cycle the modem afterwards.
func (d *Driver) Setup() bool {
	if !d.ensureOpen() {
		return false
	}
	return d.sendAndAck([]byte("AT&K0")) &&
		d.sendAndAck([]byte("AT&W0")) &&
		d.sendAndAck([]byte("AT&Y0")) &&
		d.sendAndAck([]byte("AT*F"))
}

// Close releases the serial port.
func (d *Driver) Close() {
	if d.conn.port != nil {
		d.conn.port.Close()
		d.conn.port = nil
	}
	d.state = stateClosed
}

func (d *Driver) ensureOpen() bool {
	if d.conn.port == nil {
		log.Errorf("rockblock: %v", ErrPortClosed)
		return false
	}
	return true
}

func (d *Driver) queueMessage(msg []byte) bool {
	if len(msg) > moLimit {
		log.Warnf("rockblock: message is %d bytes, longer than %d; rejecting it", len(msg), moLimit)
		return false
	}

	cmd := []byte(fmt.Sprintf("AT+SBDWB=%d", len(msg)))
	d.sendCommand(cmd)

	if !d.readEcho(cmd) || !d.expectLine([]byte("READY"), cmd) {
		return false
	}

	d.conn.write(msg)
	var ck [2]byte
	binary.BigEndian.PutUint16(ck[:], moChecksum(msg))
	d.conn.write(ck[:])

	status, ok := d.readNextLine()
	result := ok && bytes.Equal(status, []byte("0"))
	if !d.readOK(cmd) {
		return false
	}
	return result
}

// moChecksum is the unsigned byte sum modulo 2^16 used by +SBDWB and +SBDRB.
func moChecksum(msg []byte) uint16 {
	var sum uint16
	for _, b := range msg {
		sum += uint16(b)
	}
	return sum
}

func (d *Driver) attemptConnection() bool {
	return d.waitForNetworkTime() && d.WaitForGoodSignal()
}

func (d *Driver) waitForNetworkTime() bool {
	retries := 0
	for {
		if d.isNetworkTimeValid() {
			return true
		}
		retries++
		if retries == timeAttempts {
			log.Warnf("rockblock: failed to get network time after %d retries; giving up", retries)
			d.events.SignalUpdate(0)
			return false
		}
		log.Debugf("rockblock: no network time after try %d; will retry in %v", retries, timeDelay)
		d.sleep(timeDelay)
	}
}

func (d *Driver) isNetworkTimeValid() bool {
	cmd := []byte("AT-MSSTM")
	if !d.sendCommandReadEcho(cmd) {
		if !d.resync(cmd) {
			return false
		}
	}

	response, ok := d.readNextLine()
	if !ok || !bytes.HasPrefix(response, []byte("-MSSTM")) {
		return false
	}
	if !d.readOK(cmd) {
		return false
	}

	// "-MSSTM: a5cb42ad" is 16 bytes; "no network service" is longer.
	return len(response) == 16
}

func (d *Driver) attemptSession(ackRing bool) bool {
	if !d.ensureOpen() {
		return false
	}
	d.state = stateInSession
	defer func() { d.state = stateReady }()

	for attempt := 0; attempt < sessionAttempts; attempt++ {
		cmd := []byte("AT+SBDIX")
		if ackRing {
			cmd = []byte("AT+SBDIXA")
		}

		if !d.sendCommandReadEcho(cmd) {
			if !d.resync(cmd) {
				return false
			}
		}

		response, ok := d.readNextLine()
		if !ok || !bytes.HasPrefix(response, []byte("+SBDIX: ")) {
			log.Errorf("rockblock: got bad response when creating session: %q", response)
			return false
		}
		if !d.readOK(cmd) {
			return false
		}

		// +SBDIX: <MO status>, <MOMSN>, <MT status>, <MTMSN>, <MT length>,
		// <MT queued>
		fields, ok := parseSessionStatus(response)
		if !ok {
			log.Errorf("rockblock: got bad parts in session response: %q", response)
			return false
		}
		moStatus, moMsn := fields[0], fields[1]
		mtStatus, mtMsn, mtLength, mtQueued := fields[2], fields[3], fields[4], fields[5]

		if moStatus <= 4 {
			d.clearMoBuffer()
			d.events.TxSuccess(moMsn)
		} else {
			log.Warnf("rockblock: got moStatus %d", moStatus)
			d.events.TxFailed(moStatus)
		}

		if mtStatus == 1 && mtLength > 0 {
			log.Debugf("rockblock: will process message %d; %d more queued", mtMsn, mtQueued)
			d.processMtMessage(mtMsn)
		}

		d.events.RxMessageQueue(mtQueued)

		if mtQueued > 0 && d.autoSession {
			log.Debugf("rockblock: checking signal before retrieving %d queued messages", mtQueued)
			if d.WaitForGoodSignal() {
				d.attemptSession(false)
			} else {
				log.Warnf("rockblock: no good signal; aborting retrieval with %d messages queued", mtQueued)
			}
		}

		if moStatus <= 4 {
			return true
		}
	}
	return false
}

// parseSessionStatus splits a "+SBDIX: a, b, c, d, e, f" line into its six
// integers.
func parseSessionStatus(response []byte) ([6]int, bool) {
	var fields [6]int
	rest := strings.TrimPrefix(string(response), "+SBDIX: ")
	parts := strings.Split(rest, ",")
	if len(parts) != 6 {
		return fields, false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return fields, false
		}
		fields[i] = n
	}
	return fields, true
}

// resync recovers from a lost echo: flush whatever is in flight, re-establish
// the dialogue with pings, then reissue the command once.
func (d *Driver) resync(cmd []byte) bool {
	log.Warnf("rockblock: comms out of sync while transmitting %s; pinging after %v sleep", cmd, rescanDelay)
	d.sleep(rescanDelay)
	d.conn.port.ResetInputBuffer()

	synced := false
	for i := 0; i < syncCommsAttempts; i++ {
		synced = d.Ping()
	}
	if !synced {
		log.Error("rockblock: sync failed")
		return false
	}
	log.Info("rockblock: sync successful")
	return d.sendCommandReadEcho(cmd)
}

func (d *Driver) processMtMessage(mtMsn int) {
	cmd := []byte("AT+SBDRB")
	d.sendCommand(cmd)

	line, ok := d.readNextLine()
	if !ok {
		return
	}
	echo := append(append([]byte{}, cmd...), '\r')
	if !bytes.HasPrefix(line, echo) {
		log.Errorf("rockblock: incorrect echo for %s: %q", cmd, line)
		return
	}
	log.Debugf("rockblock: received message payload %q", line)
	payload := line[len(echo):]

	if bytes.Equal(payload, []byte("OK")) {
		log.Warn("rockblock: +SBDRB returned no message content")
		return
	}
	if len(payload) < 2 {
		log.Errorf("rockblock: +SBDRB response too short: %q", payload)
		return
	}

	reported := int(binary.BigEndian.Uint16(payload[:2]))
	body := payload[2:]

	if len(body) < reported+2 {
		// The modem sometimes splits the response; the line reader ate an
		// LF inside the binary payload. Restore it and read the rest.
		log.Warnf("rockblock: incomplete message received; holding off for %v", timeDelay)
		d.sleep(timeDelay)
		if more, ok := d.readNextLine(); ok {
			payload = append(append(payload, '\n'), more...)
			body = payload[2:]
		}
	}

	if len(body) < reported+2 {
		log.Warnf("rockblock: ignoring message length mismatch: %d received < %d reported in %q",
			len(body), reported, payload)
		if reported > len(body) {
			reported = len(body)
		}
	}
	msg := body[:reported]
	var reportedSum uint16
	if len(body) >= reported+2 {
		reportedSum = binary.BigEndian.Uint16(body[reported : reported+2])
	}

	if sum := moChecksum(msg); sum != reportedSum {
		log.Warnf("rockblock: ignoring checksum failure: computed %#04x != reported %#04x", sum, reportedSum)
	}

	d.readOK(cmd)
	d.events.RxReceived(mtMsn, msg)
}

func (d *Driver) clearMoBuffer() bool {
	cmd := []byte("AT+SBDD0")
	if !d.sendCommandReadEcho(cmd) {
		return false
	}
	if !d.expectLine([]byte("0"), cmd) {
		return false
	}
	return d.readOK(cmd)
}

func (d *Driver) sendCommand(cmd []byte) {
	d.conn.write(append(append([]byte{}, cmd...), '\r'))
}

func (d *Driver) sendAndAck(cmd []byte) bool {
	d.sendCommand(cmd)
	return d.readEcho(cmd) && d.readOK(cmd)
}

func (d *Driver) sendCommandReadEcho(cmd []byte) bool {
	d.sendCommand(cmd)
	return d.readEcho(cmd)
}

// readNextLine reads the next meaningful line: blanks are dropped, as are
// unsolicited SBDRING notifications (the GPIO ring line is authoritative).
// Serial trouble gets the power backoff before each retry; once
// syncCommsAttempts retries have also failed the operation is surfaced as
// failed.
func (d *Driver) readNextLine() ([]byte, bool) {
	failures := 0
	for {
		line, err := d.conn.readLine()
		if err != nil {
			failures++
			if failures > syncCommsAttempts {
				log.Errorf("rockblock: giving up on serial read: %v", err)
				return nil, false
			}
			log.Warnf("rockblock: serial read failed (%v); check power and cabling; backing off %v (attempt %d of %d)",
				err, powerBackoff, failures, syncCommsAttempts)
			d.sleep(powerBackoff)
			continue
		}
		if len(line) == 0 || bytes.Equal(bytes.Trim(line, "\r"), []byte("SBDRING")) {
			log.Debugf("rockblock: ignoring line %q", line)
			continue
		}
		return line, true
	}
}

func (d *Driver) readEcho(cmd []byte) bool {
	response, ok := d.readNextLine()
	if !ok || !bytes.Equal(response, cmd) {
		log.Errorf("rockblock: incorrect echo for %s: %q", cmd, response)
		return false
	}
	return true
}

func (d *Driver) readOK(cmd []byte) bool {
	response, ok := d.readNextLine()
	if !ok || !bytes.Equal(response, []byte("OK")) {
		log.Errorf("rockblock: got %q when expecting OK in response to %s", response, cmd)
		return false
	}
	return true
}

func (d *Driver) expectLine(want, cmd []byte) bool {
	response, ok := d.readNextLine()
	if !ok || !bytes.Equal(response, want) {
		log.Errorf("rockblock: got %q when expecting %q in response to %s", response, want, cmd)
		return false
	}
	return true
}
