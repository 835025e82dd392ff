package queue

import (
	"sort"
	"time"
)

// ModemStatus is the best-known state of the attached modem.
type ModemStatus string

const (
	ModemUnknown   ModemStatus = "Unknown"
	ModemInstalled ModemStatus = "Installed"
	ModemMissing   ModemStatus = "Missing"
	ModemBroken    ModemStatus = "Broken"
)

// Status is a point-in-time snapshot of the worker's view of the world.
// Written only by the worker, read by the web layer.
type Status struct {
	SignalStrength       int         `json:"signal_strength"`
	SignalGood           bool        `json:"signal_good"`
	SignalTime           time.Time   `json:"signal_time"`
	ModemStatus          ModemStatus `json:"rockblock_status"`
	LastTxFailedMoStatus int         `json:"last_txfailed_mo_status"`
	SerialIdentifier     string      `json:"rockblock_serial,omitempty"`
	PendingSenders       []string    `json:"message_pending_senders"`
}

// Status returns a snapshot of the status cache.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	senders := make([]string, 0, len(m.pendingSenders))
	for s := range m.pendingSenders {
		senders = append(senders, s)
	}
	sort.Strings(senders)

	return Status{
		SignalStrength:       m.signalStrength,
		SignalGood:           m.signalGood,
		SignalTime:           m.signalTime,
		ModemStatus:          m.modemStatus,
		LastTxFailedMoStatus: m.lastTxFailedMoStatus,
		SerialIdentifier:     m.serialIdentifier,
		PendingSenders:       senders,
	}
}
