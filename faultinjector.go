package netdicom

import (
	"sync"

	"github.com/pkg/errors"
)

type faultInjectorAction int

const (
	faultInjectorContinue faultInjectorAction = iota
	faultInjectorDisconnect
)

var errFaultInjected = errors.New("netdicom: connection dropped by fault injector")

// FaultInjector decides, before each outgoing PDU, whether to drop the
// connection instead. It is used by tests and the fuzzers to exercise the
// abort paths. One injector serves one association at a time.
type FaultInjector struct {
	mu sync.Mutex
	// Fuzz mode: one byte is consumed per send, cycling.
	fuzz  []byte
	steps int
	// Countdown mode: disconnect on send number disconnectAt (1-based).
	disconnectAt int
	sends        int
}

// NewFaultInjector creates an injector driven by fuzz bytes. A byte >= 0xe8
// drops the connection.
func NewFaultInjector(fuzz []byte) *FaultInjector {
	return &FaultInjector{fuzz: fuzz}
}

// NewDisconnectingFaultInjector drops the connection instead of performing
// the n-th send.
func NewDisconnectingFaultInjector(n int) *FaultInjector {
	return &FaultInjector{disconnectAt: n}
}

// Sends returns the number of sends observed so far.
func (f *FaultInjector) Sends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func (f *FaultInjector) nextFuzzByte() byte {
	v := f.fuzz[f.steps]
	f.steps++
	if f.steps >= len(f.fuzz) {
		f.steps = 0
	}
	return v
}

func (f *FaultInjector) onSend(data []byte) faultInjectorAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if f.disconnectAt > 0 && f.sends == f.disconnectAt {
		return faultInjectorDisconnect
	}
	if len(f.fuzz) == 0 {
		return faultInjectorContinue
	}
	if op := f.nextFuzzByte(); op >= 0xe8 {
		return faultInjectorDisconnect
	}
	return faultInjectorContinue
}
