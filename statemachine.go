package netdicom

// Implements the upper-layer state machine of P3.8 9.2, collapsed to the
// states a synchronous, one-operation-at-a-time association can reach.
//
// http://dicom.nema.org/medical/dicom/current/output/pdf/part08.pdf

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pacslink/go-netdicom/pdu"
	"github.com/pkg/errors"
	"v.io/x/lib/vlog"
)

type stateType struct {
	Name        string
	Description string
}

func (s *stateType) String() string {
	return fmt.Sprintf("%s(%s)", s.Name, s.Description)
}

var (
	sta01 = &stateType{"Sta01", "Idle"}
	sta02 = &stateType{"Sta02", "Transport connection open (Awaiting A-ASSOCIATE-RQ PDU)"}
	sta05 = &stateType{"Sta05", "Awaiting A-ASSOCIATE-AC or A-ASSOCIATE-RJ PDU"}
	sta06 = &stateType{"Sta06", "Association established and ready for data transfer"}
	sta07 = &stateType{"Sta07", "Awaiting A-RELEASE-RP PDU; also covers release collisions"}
	sta13 = &stateType{"Sta13", "Awaiting Transport Connection Close Indication (Association no longer exists)"}
)

type eventType int

const (
	evt02 eventType = 2  // Transport connect confirmation (local transport service)
	evt03 eventType = 3  // A-ASSOCIATE-AC PDU (received on transport connection)
	evt04 eventType = 4  // A-ASSOCIATE-RJ PDU (received on transport connection)
	evt05 eventType = 5  // Transport connection indication (local transport service)
	evt06 eventType = 6  // A-ASSOCIATE-RQ PDU (received on transport connection)
	evt09 eventType = 9  // P-DATA request primitive
	evt10 eventType = 10 // P-DATA-TF PDU
	evt11 eventType = 11 // A-RELEASE request primitive
	evt12 eventType = 12 // A-RELEASE-RQ PDU (received on transport connection)
	evt13 eventType = 13 // A-RELEASE-RP PDU (received on transport connection)
	evt15 eventType = 15 // A-ABORT request primitive
	evt16 eventType = 16 // A-ABORT PDU (received on transport connection)
	evt17 eventType = 17 // Transport connection closed indication (local transport service)
	evt18 eventType = 18 // ARTIM timer expired (Association reject/release timer)
	evt19 eventType = 19 // Unrecognized or invalid PDU received
)

func (e eventType) String() string {
	return fmt.Sprintf("Evt%02d", int(e))
}

type stateEvent struct {
	event eventType
	pdu   pdu.PDU
	err   error
}

func (e stateEvent) String() string {
	if e.pdu != nil {
		return fmt.Sprintf("%v(%v)", e.event, e.pdu)
	}
	if e.err != nil {
		return fmt.Sprintf("%v(err: %v)", e.event, e.err)
	}
	return e.event.String()
}

type stateAction struct {
	Name        string
	Description string
	Callback    func(a *Association, event stateEvent) *stateType
}

func (a *stateAction) String() string {
	return fmt.Sprintf("%s(%s)", a.Name, a.Description)
}

var actionAe2 = &stateAction{"AE-2", "Send A-ASSOCIATE-RQ-PDU",
	func(a *Association, event stateEvent) *stateType {
		go networkReaderThread(a.netCh, a.done, a.conn, a.maxPDUSize, a.label)
		sendPDU(a, a.associateRQ)
		startTimer(a, a.readTimeout)
		return sta05
	}}

var actionAe3 = &stateAction{"AE-3", "Issue A-ASSOCIATE confirmation (accept) primitive",
	func(a *Association, event stateEvent) *stateType {
		stopTimer(a)
		ac := event.pdu.(*pdu.A_ASSOCIATE)
		if err := a.cm.onAssociateResponse(ac.Items); err != nil {
			return abortAsProvider(a, pdu.AbortReasonInvalidPDUParameterValue, err)
		}
		return sta06
	}}

var actionAe4 = &stateAction{"AE-4", "Issue A-ASSOCIATE confirmation (reject) primitive and close transport connection",
	func(a *Association, event stateEvent) *stateType {
		stopTimer(a)
		rj := event.pdu.(*pdu.A_ASSOCIATE_RJ)
		setResult(a, &RejectError{Result: rj.Result, Source: rj.Source, Reason: rj.Reason})
		closeConnection(a)
		return sta01
	}}

var actionAe5 = &stateAction{"AE-5", "Issue Transport connection response primitive; start ARTIM timer",
	func(a *Association, event stateEvent) *stateType {
		go networkReaderThread(a.netCh, a.done, a.conn, a.maxPDUSize, a.label)
		startTimer(a, a.readTimeout)
		return sta02
	}}

var actionAe6 = &stateAction{"AE-6", `Stop ARTIM timer and if A-ASSOCIATE-RQ acceptable by service-dul:
send A-ASSOCIATE-AC PDU, otherwise send A-ASSOCIATE-RJ-PDU and start ARTIM timer`,
	func(a *Association, event stateEvent) *stateType {
		stopTimer(a)
		rq := event.pdu.(*pdu.A_ASSOCIATE)
		response, err := a.onAssociateRequest(rq)
		if err != nil {
			return abortAsProvider(a, pdu.AbortReasonInvalidPDUParameterValue, err)
		}
		sendPDU(a, response)
		if rj, ok := response.(*pdu.A_ASSOCIATE_RJ); ok {
			setResult(a, &RejectError{Result: rj.Result, Source: rj.Source, Reason: rj.Reason})
			startTimer(a, a.artim)
			return sta13
		}
		return sta06
	}}

// Data transfer related actions
var actionDt1 = &stateAction{"DT-1", "Send P-DATA-TF PDU",
	func(a *Association, event stateEvent) *stateType {
		sendPDU(a, event.pdu)
		return sta06
	}}

var actionDt2 = &stateAction{"DT-2", "Send P-DATA indication primitive",
	func(a *Association, event stateEvent) *stateType {
		a.pending = append(a.pending, event.pdu.(*pdu.P_DATA_TF).Items...)
		return sta06
	}}

// Association release related actions
var actionAr1 = &stateAction{"AR-1", "Send A-RELEASE-RQ PDU",
	func(a *Association, event stateEvent) *stateType {
		sendPDU(a, &pdu.A_RELEASE_RQ{})
		startTimer(a, a.artim)
		return sta07
	}}

var actionAr3 = &stateAction{"AR-3", `Issue A-RELEASE confirmation primitive and close transport connection;
on the acceptor side of a release collision, send A-RELEASE-RP PDU and start ARTIM timer instead`,
	func(a *Association, event stateEvent) *stateType {
		if a.releaseCollision && a.role == RoleAcceptor {
			sendPDU(a, &pdu.A_RELEASE_RP{})
			startTimer(a, a.artim)
			return sta13
		}
		stopTimer(a)
		closeConnection(a)
		return sta01
	}}

var actionAr4 = &stateAction{"AR-4", "Issue A-RELEASE-RP PDU and start ARTIM timer",
	func(a *Association, event stateEvent) *stateType {
		setResult(a, ErrReleased)
		sendPDU(a, &pdu.A_RELEASE_RP{})
		startTimer(a, a.artim)
		return sta13
	}}

var actionAr6 = &stateAction{"AR-6", "Issue P-DATA indication",
	func(a *Association, event stateEvent) *stateType {
		a.pending = append(a.pending, event.pdu.(*pdu.P_DATA_TF).Items...)
		return sta07
	}}

var actionAr8 = &stateAction{"AR-8", `Issue A-RELEASE indication (release collision): the association-requestor
sends A-RELEASE-RP PDU and awaits the peer's; the acceptor awaits the peer's A-RELEASE-RP PDU first`,
	func(a *Association, event stateEvent) *stateType {
		if a.releaseCollision {
			return abortAsProvider(a, pdu.AbortReasonUnexpectedPDU, errors.New("second A-RELEASE-RQ"))
		}
		a.releaseCollision = true
		if a.role == RoleRequestor {
			sendPDU(a, &pdu.A_RELEASE_RP{})
		}
		return sta07
	}}

// Association abort related actions
var actionAa1 = &stateAction{"AA-1", "Send A-ABORT PDU (service-user source) and start (or restart if already started) ARTIM timer",
	func(a *Association, event stateEvent) *stateType {
		sendPDU(a, &pdu.A_ABORT{Source: pdu.AbortSourceServiceUser, Reason: pdu.AbortReasonNotSpecified})
		startTimer(a, a.artim)
		return sta13
	}}

var actionAa2 = &stateAction{"AA-2", "Stop ARTIM timer if running. Close transport connection",
	func(a *Association, event stateEvent) *stateType {
		if event.event == evt18 && a.state != sta13 {
			setResult(a, errors.Errorf("%s: timed out in %v", a.label, a.state.Name))
		}
		stopTimer(a)
		closeConnection(a)
		return sta01
	}}

var actionAa3 = &stateAction{"AA-3", "Issue A-ABORT or A-P-ABORT indication and close transport connection",
	func(a *Association, event stateEvent) *stateType {
		abort := event.pdu.(*pdu.A_ABORT)
		setResult(a, &AbortError{Source: abort.Source, Reason: abort.Reason})
		stopTimer(a)
		closeConnection(a)
		return sta01
	}}

var actionAa4 = &stateAction{"AA-4", "Issue A-P-ABORT indication primitive",
	func(a *Association, event stateEvent) *stateType {
		err := event.err
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		setResult(a, errors.Wrapf(err, "%s: connection closed in %v", a.label, a.state.Name))
		stopTimer(a)
		closeConnection(a)
		return sta01
	}}

var actionAa5 = &stateAction{"AA-5", "Stop ARTIM timer",
	func(a *Association, event stateEvent) *stateType {
		setResult(a, errors.Errorf("%s: connection closed before A-ASSOCIATE-RQ", a.label))
		stopTimer(a)
		closeConnection(a)
		return sta01
	}}

var actionAa6 = &stateAction{"AA-6", "Ignore PDU",
	func(a *Association, event stateEvent) *stateType {
		vlog.VI(1).Infof("%s: ignoring %v while closing", a.label, event)
		return sta13
	}}

var actionAa7 = &stateAction{"AA-7", "Send A-ABORT PDU",
	func(a *Association, event stateEvent) *stateType {
		sendPDU(a, &pdu.A_ABORT{Source: pdu.AbortSourceServiceProvider, Reason: pdu.AbortReasonUnexpectedPDU})
		return sta13
	}}

var actionAa8 = &stateAction{"AA-8", "Send A-ABORT PDU (service-dul source), issue an A-P-ABORT indication and start ARTIM timer",
	func(a *Association, event stateEvent) *stateType {
		err := event.err
		if err == nil {
			err = errors.Errorf("unexpected %v in %v", event, a.state.Name)
		}
		return abortAsProvider(a, pdu.AbortReasonUnexpectedPDU, err)
	}}

// abortAsProvider is the body of AA-8.
func abortAsProvider(a *Association, reason pdu.AbortReason, err error) *stateType {
	vlog.Errorf("%s: aborting: %v", a.label, err)
	setResult(a, &ProtocolError{Label: a.label, Err: err})
	sendPDU(a, &pdu.A_ABORT{Source: pdu.AbortSourceServiceProvider, Reason: reason})
	startTimer(a, a.artim)
	return sta13
}

type stateTransition struct {
	event   eventType
	current *stateType
	action  *stateAction
}

var stateTransitions = []stateTransition{
	{evt02, sta01, actionAe2},
	{evt03, sta02, actionAa8},
	{evt03, sta05, actionAe3},
	{evt03, sta06, actionAa8},
	{evt03, sta07, actionAa8},
	{evt03, sta13, actionAa6},
	{evt04, sta02, actionAa8},
	{evt04, sta05, actionAe4},
	{evt04, sta06, actionAa8},
	{evt04, sta07, actionAa8},
	{evt04, sta13, actionAa6},
	{evt05, sta01, actionAe5},
	{evt06, sta02, actionAe6},
	{evt06, sta05, actionAa8},
	{evt06, sta06, actionAa8},
	{evt06, sta07, actionAa8},
	{evt06, sta13, actionAa7},
	{evt09, sta06, actionDt1},
	{evt10, sta02, actionAa8},
	{evt10, sta05, actionAa8},
	{evt10, sta06, actionDt2},
	{evt10, sta07, actionAr6},
	{evt10, sta13, actionAa6},
	{evt11, sta06, actionAr1},
	{evt12, sta02, actionAa8},
	{evt12, sta05, actionAa8},
	{evt12, sta06, actionAr4},
	{evt12, sta07, actionAr8},
	{evt12, sta13, actionAa6},
	{evt13, sta02, actionAa8},
	{evt13, sta05, actionAa8},
	{evt13, sta06, actionAa8},
	{evt13, sta07, actionAr3},
	{evt13, sta13, actionAa6},
	{evt15, sta02, actionAa1},
	{evt15, sta05, actionAa1},
	{evt15, sta06, actionAa1},
	{evt15, sta07, actionAa1},
	{evt16, sta02, actionAa3},
	{evt16, sta05, actionAa3},
	{evt16, sta06, actionAa3},
	{evt16, sta07, actionAa3},
	{evt16, sta13, actionAa2},
	{evt17, sta02, actionAa5},
	{evt17, sta05, actionAa4},
	{evt17, sta06, actionAa4},
	{evt17, sta07, actionAa4},
	{evt17, sta13, actionAr5},
	{evt18, sta02, actionAa2},
	{evt18, sta05, actionAa2},
	{evt18, sta07, actionAa2},
	{evt18, sta13, actionAa2},
	{evt19, sta02, actionAa8},
	{evt19, sta05, actionAa8},
	{evt19, sta06, actionAa8},
	{evt19, sta07, actionAa8},
	{evt19, sta13, actionAa7},
}

var actionAr5 = &stateAction{"AR-5", "Stop ARTIM timer",
	func(a *Association, event stateEvent) *stateType {
		stopTimer(a)
		closeConnection(a)
		return sta01
	}}

func findAction(currentState *stateType, event eventType) *stateAction {
	for _, t := range stateTransitions {
		if t.current == currentState && t.event == event {
			return t.action
		}
	}
	return nil
}

// runAction advances the state machine by one event. It returns false if
// the event is not valid in the current state; local primitives are checked
// by the callers so this only happens for programming errors.
func runAction(a *Association, event stateEvent) bool {
	action := findAction(a.state, event.event)
	if action == nil {
		vlog.Errorf("%s: no action for %v in state %v", a.label, event, a.state)
		return false
	}
	vlog.VI(2).Infof("%s: running action %v for %v in %v", a.label, action.Name, event, a.state.Name)
	a.state = action.Callback(a, event)
	vlog.VI(2).Infof("%s: next state %v", a.label, a.state.Name)
	return true
}

// getNextEvent returns an event produced by a failed local send, the network
// reader, or the ARTIM timer, in that order of priority.
func getNextEvent(a *Association) stateEvent {
	if len(a.injected) > 0 {
		event := a.injected[0]
		a.injected = a.injected[1:]
		return event
	}
	select {
	case event := <-a.netCh:
		return event
	case event := <-a.timerCh:
		return event
	}
}

// runUntil dispatches events until done returns true for the current state.
// Every state except Sta06 either has a timer running or is waiting for the
// reader, so this never blocks forever.
func runUntil(a *Association, done func(*stateType) bool) {
	for !done(a.state) {
		runAction(a, getNextEvent(a))
	}
}

func setResult(a *Association, err error) {
	if a.result == nil {
		a.result = err
	}
}

func closeConnection(a *Association) {
	if a.connClosed {
		return
	}
	a.connClosed = true
	close(a.done)
	if err := a.conn.Close(); err != nil {
		vlog.VI(1).Infof("%s: close: %v", a.label, err)
	}
}

func sendPDU(a *Association, v pdu.PDU) {
	if a.connClosed {
		return
	}
	data, err := pdu.EncodePDU(v)
	if err != nil {
		vlog.Errorf("%s: failed to encode %v: %v", a.label, v, err)
		closeConnection(a)
		a.injected = append(a.injected, stateEvent{event: evt17, err: err})
		return
	}
	if a.faults != nil && a.faults.onSend(data) == faultInjectorDisconnect {
		vlog.Infof("%s: fault injector: disconnect before sending %v", a.label, v)
		closeConnection(a)
		a.injected = append(a.injected, stateEvent{event: evt17, err: errFaultInjected})
		return
	}
	if _, err := a.conn.Write(data); err != nil {
		vlog.Errorf("%s: failed to write %d bytes: %v", a.label, len(data), err)
		closeConnection(a)
		a.injected = append(a.injected, stateEvent{event: evt17, err: err})
		return
	}
	vlog.VI(2).Infof("%s: sent %v", a.label, v)
}

func startTimer(a *Association, d time.Duration) {
	stopTimer(a)
	ch := make(chan stateEvent, 1)
	a.timerCh = ch
	a.timer = time.AfterFunc(d, func() {
		ch <- stateEvent{event: evt18}
	})
}

func stopTimer(a *Association) {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.timerCh = nil
}

func pduEvent(v pdu.PDU) eventType {
	switch n := v.(type) {
	case *pdu.A_ASSOCIATE:
		if n.Type == pdu.PDUTypeA_ASSOCIATE_RQ {
			return evt06
		}
		return evt03
	case *pdu.A_ASSOCIATE_RJ:
		return evt04
	case *pdu.P_DATA_TF:
		return evt10
	case *pdu.A_RELEASE_RQ:
		return evt12
	case *pdu.A_RELEASE_RP:
		return evt13
	case *pdu.A_ABORT:
		return evt16
	}
	return evt19
}

// networkReaderThread reads PDUs from conn and turns them into events until
// the connection fails. After an undecodable PDU the stream cannot be
// resynchronized, so the rest is discarded until the peer closes.
func networkReaderThread(ch chan<- stateEvent, done <-chan struct{}, conn net.Conn, maxPDUSize int, label string) {
	send := func(event stateEvent) bool {
		select {
		case ch <- event:
			return true
		case <-done:
			return false
		}
	}
	vlog.VI(2).Infof("%s: starting network reader for %v", label, conn.RemoteAddr())
	for {
		v, err := pdu.ReadPDU(conn, maxPDUSize)
		if err != nil {
			var decodeErr *pdu.DecodeError
			if errors.As(err, &decodeErr) {
				vlog.Errorf("%s: failed to read PDU: %v", label, err)
				if !send(stateEvent{event: evt19, err: err}) {
					return
				}
				_, err = io.Copy(io.Discard, conn)
			}
			vlog.VI(1).Infof("%s: network reader done: %v", label, err)
			send(stateEvent{event: evt17, err: err})
			return
		}
		vlog.VI(2).Infof("%s: read PDU: %v", label, v)
		if !send(stateEvent{event: pduEvent(v), pdu: v}) {
			return
		}
	}
}
