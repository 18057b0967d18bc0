package netdicom

import (
	"fmt"
	"sync/atomic"
)

// SequenceSource hands out association sequence numbers. They only label log
// lines and ConnectionState, so any monotonic source will do.
type SequenceSource interface {
	Next() uint64
}

// CounterSequence is a SequenceSource counting from 1. The zero value is ready
// to use and safe for concurrent use.
type CounterSequence struct {
	n atomic.Uint64
}

func (c *CounterSequence) Next() uint64 { return c.n.Add(1) }

func orNewSequence(ids SequenceSource) SequenceSource {
	if ids != nil {
		return ids
	}
	return &CounterSequence{}
}

func associationLabel(role Role, seq uint64) string {
	if role == RoleAcceptor {
		return fmt.Sprintf("sc-%d", seq)
	}
	return fmt.Sprintf("su-%d", seq)
}

// Implementation identification sent in A-ASSOCIATE-RQ and AC.
const (
	ImplementationClassUID    = "1.2.826.0.1.3680043.9.7133.1.1"
	ImplementationVersionName = "GONETDICOM_1_1"
)
