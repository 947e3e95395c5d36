package circuit

// Flow-control window constants (spec.md §4.3).
const (
	CircuitWindowStart     = 1000
	CircuitWindowIncrement = 100
	StreamWindowStart      = 500
	StreamWindowIncrement  = 50
)

// CircuitWindows tracks the per-circuit sliding flow-control window. Stream
// windows are tracked per stream-id by the stream package, which uses the
// same increment/threshold shape.
type CircuitWindows struct {
	// PackageWindow decrements for every RELAY DATA cell this endpoint
	// sends; the sender must stop sending when it reaches zero.
	PackageWindow int
	// DeliverWindow decrements for every RELAY DATA cell this endpoint
	// receives and forwards onward; every CircuitWindowIncrement cells a
	// circuit-level SENDME (stream-id 0) is due.
	DeliverWindow int
	delivered     int
}

// NewCircuitWindows returns windows initialized to their starting values.
func NewCircuitWindows() *CircuitWindows {
	return &CircuitWindows{
		PackageWindow: CircuitWindowStart,
		DeliverWindow: CircuitWindowStart,
	}
}

// ConsumePackage reports whether a DATA cell may be sent now, decrementing
// the package window. Callers MUST stop sending once this returns false.
func (w *CircuitWindows) ConsumePackage() bool {
	if w.PackageWindow <= 0 {
		return false
	}
	w.PackageWindow--
	return true
}

// SendMeReceived processes an inbound circuit-level SENDME, replenishing
// the package window.
func (w *CircuitWindows) SendMeReceived() {
	w.PackageWindow += CircuitWindowIncrement
}

// RecordDelivery accounts for one forwarded DATA cell and reports whether a
// circuit-level SENDME is now due (every CircuitWindowIncrement cells).
// Per spec.md §4.3 a receiver that observes more cells than the circuit
// window allowed MUST drop the circuit: callers should treat a negative
// DeliverWindow as a protocol violation.
func (w *CircuitWindows) RecordDelivery() (sendMeDue bool) {
	w.DeliverWindow--
	w.delivered++
	if w.delivered >= CircuitWindowIncrement {
		w.delivered = 0
		w.DeliverWindow += CircuitWindowIncrement
		return true
	}
	return false
}

// Violated reports whether the sender has sent past the circuit window —
// a protocol violation that must close the circuit.
func (w *CircuitWindows) Violated() bool {
	return w.DeliverWindow < 0
}

// StreamWindow is the per-stream analogue of CircuitWindows, with its own
// (smaller) start/increment values.
type StreamWindow struct {
	PackageWindow int
	DeliverWindow int
	delivered     int
}

func NewStreamWindow() *StreamWindow {
	return &StreamWindow{
		PackageWindow: StreamWindowStart,
		DeliverWindow: StreamWindowStart,
	}
}

func (w *StreamWindow) ConsumePackage() bool {
	if w.PackageWindow <= 0 {
		return false
	}
	w.PackageWindow--
	return true
}

func (w *StreamWindow) SendMeReceived() {
	w.PackageWindow += StreamWindowIncrement
}

func (w *StreamWindow) RecordDelivery() (sendMeDue bool) {
	w.DeliverWindow--
	w.delivered++
	if w.delivered >= StreamWindowIncrement {
		w.delivered = 0
		w.DeliverWindow += StreamWindowIncrement
		return true
	}
	return false
}

func (w *StreamWindow) Violated() bool {
	return w.DeliverWindow < 0
}
