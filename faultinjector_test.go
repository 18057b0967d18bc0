package netdicom

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisconnectingFaultInjector(t *testing.T) {
	f := NewDisconnectingFaultInjector(3)
	assert.Equal(t, faultInjectorContinue, f.onSend(nil))
	assert.Equal(t, faultInjectorContinue, f.onSend(nil))
	assert.Equal(t, faultInjectorDisconnect, f.onSend(nil))
	assert.Equal(t, faultInjectorContinue, f.onSend(nil))
	assert.Equal(t, 4, f.Sends())
}

func TestFuzzFaultInjectorCycles(t *testing.T) {
	f := NewFaultInjector([]byte{0x00, 0xe8})
	var actions []faultInjectorAction
	for i := 0; i < 4; i++ {
		actions = append(actions, f.onSend(nil))
	}
	assert.Equal(t, []faultInjectorAction{
		faultInjectorContinue, faultInjectorDisconnect,
		faultInjectorContinue, faultInjectorDisconnect,
	}, actions)

	assert.Equal(t, faultInjectorContinue, NewFaultInjector(nil).onSend(nil))
}
