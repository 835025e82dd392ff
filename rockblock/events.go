package rockblock

// Events is the driver's callback surface. The driver invokes these from
// whatever goroutine is running the current operation; it never spawns its
// own. Embed NopEvents to pick up empty defaults and override what you need.
type Events interface {
	// Connected fires once the open handshake has succeeded.
	Connected()

	// SignalUpdate fires on every signal reading, including -1 for a
	// failed read.
	SignalUpdate(signal int)

	// MT side.
	RxStarted()
	RxFailed()
	RxReceived(mtmsn int, data []byte)
	RxMessageQueue(count int)

	// MO side.
	TxStarted()
	TxFailed(moStatus int)
	TxSuccess(momsn int)
}

// NopEvents implements Events with empty bodies.
type NopEvents struct{}

func (NopEvents) Connected()             {}
func (NopEvents) SignalUpdate(int)       {}
func (NopEvents) RxStarted()             {}
func (NopEvents) RxFailed()              {}
func (NopEvents) RxReceived(int, []byte) {}
func (NopEvents) RxMessageQueue(int)     {}
func (NopEvents) TxStarted()             {}
func (NopEvents) TxFailed(int)           {}
func (NopEvents) TxSuccess(int)          {}
