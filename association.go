package netdicom

import (
	"net"
	"time"

	"github.com/pacslink/go-netdicom/dimse"
	"github.com/pacslink/go-netdicom/pdu"
	"github.com/pkg/errors"
	"v.io/x/lib/vlog"
)

// Role says which side opened the association.
type Role int

const (
	RoleRequestor Role = iota
	RoleAcceptor
)

func (r Role) String() string {
	if r == RoleAcceptor {
		return "acceptor"
	}
	return "requestor"
}

// Default timeouts and sizes. See ServiceUserParams and ServiceProviderParams.
const (
	// DefaultMaxPDUSize is the max PDU size, in bytes, this side is willing
	// to receive.
	DefaultMaxPDUSize = 4 << 20
	// DefaultARTIMTimeout bounds the wait for the peer to close the
	// connection after A-RELEASE-RP, A-ASSOCIATE-RJ or A-ABORT.
	DefaultARTIMTimeout = 10 * time.Second
	// DefaultReadTimeout bounds the wait for A-ASSOCIATE-RQ or
	// A-ASSOCIATE-AC.
	DefaultReadTimeout = 30 * time.Second
)

// Association is one DICOM upper-layer association over one connection.
// It is owned by a single goroutine: the one that created it runs the state
// machine from inside its method calls. Only the network reader runs
// elsewhere, and it only reads from the connection.
type Association struct {
	label   string
	seq     uint64
	role    Role
	created time.Time

	callingAETitle string
	calledAETitle  string
	// Max PDU size this side accepts. The peer's is in cm.peerMaxPDUSize.
	maxPDUSize int

	cm     *contextManager
	conn   net.Conn
	state  *stateType
	faults *FaultInjector

	artim       time.Duration
	readTimeout time.Duration

	netCh      chan stateEvent
	done       chan struct{} // closed along with conn
	connClosed bool
	timer      *time.Timer
	timerCh    <-chan stateEvent
	injected   []stateEvent // raised by failed sends

	// Requestor only.
	associateRQ *pdu.A_ASSOCIATE
	// Acceptor only. Returns A_ASSOCIATE (AC) or A_ASSOCIATE_RJ.
	onAssociateRequest func(rq *pdu.A_ASSOCIATE) (pdu.PDU, error)

	releaseCollision bool
	// How the association ended, once state is Sta01. nil means a local
	// release or abort.
	result error

	pending    []pdu.PresentationDataValueItem
	assembler  dimse.CommandAssembler
	handlers   []messageHandler
	messageIDs dimse.MessageIDSource
}

type associationParams struct {
	role        Role
	seq         uint64
	maxPDUSize  int
	artim       time.Duration
	readTimeout time.Duration
	faults      *FaultInjector
}

func newAssociation(conn net.Conn, p associationParams) *Association {
	if p.maxPDUSize <= 0 {
		p.maxPDUSize = DefaultMaxPDUSize
	}
	if p.artim <= 0 {
		p.artim = DefaultARTIMTimeout
	}
	if p.readTimeout <= 0 {
		p.readTimeout = DefaultReadTimeout
	}
	label := associationLabel(p.role, p.seq)
	return &Association{
		label:       label,
		seq:         p.seq,
		role:        p.role,
		created:     time.Now(),
		maxPDUSize:  p.maxPDUSize,
		cm:          newContextManager(label),
		conn:        conn,
		state:       sta01,
		faults:      p.faults,
		artim:       p.artim,
		readTimeout: p.readTimeout,
		netCh:       make(chan stateEvent, 128),
		done:        make(chan struct{}),
	}
}

// Label is "su-<seq>" for requestors and "sc-<seq>" for acceptors.
func (a *Association) Label() string { return a.label }

func (a *Association) Role() Role             { return a.role }
func (a *Association) CallingAETitle() string { return a.callingAETitle }
func (a *Association) CalledAETitle() string  { return a.calledAETitle }
func (a *Association) Created() time.Time     { return a.created }
func (a *Association) RemoteAddr() net.Addr   { return a.conn.RemoteAddr() }
func (a *Association) PeerMaxPDUSize() int    { return a.cm.peerMaxPDUSize }
func (a *Association) LocalMaxPDUSize() int   { return a.maxPDUSize }
func (a *Association) Established() bool      { return a.state == sta06 }
func (a *Association) PeerImplementationClassUID() string {
	return a.cm.peerImplementationClassUID
}

// PresentationContext is an accepted presentation context.
type PresentationContext struct {
	ContextID         byte
	AbstractSyntaxUID string
	TransferSyntaxUID string
}

// PresentationContexts lists the accepted contexts in context ID order.
func (a *Association) PresentationContexts() []PresentationContext {
	var contexts []PresentationContext
	for id := 1; id < 256; id += 2 {
		if e, ok := a.cm.byContextID[byte(id)]; ok {
			contexts = append(contexts, PresentationContext{
				ContextID:         e.contextID,
				AbstractSyntaxUID: e.abstractSyntaxUID,
				TransferSyntaxUID: e.transferSyntaxUID,
			})
		}
	}
	return contexts
}

// Message is one DIMSE message received on an association.
type Message struct {
	Context PresentationContext
	Command dimse.Message
	// Data is nil iff the command has no data set.
	Data []byte
}

// ReceiveStatus says what ReceiveMessage observed.
type ReceiveStatus int

const (
	// Received means Message is set.
	Received ReceiveStatus = iota
	// Released means the peer released the association. Err is ErrReleased.
	Released
	// Aborted means the peer sent A-ABORT. Err is an *AbortError.
	Aborted
	// Failed covers protocol violations, transport errors and use after
	// close.
	Failed
)

func (s ReceiveStatus) String() string {
	switch s {
	case Received:
		return "received"
	case Released:
		return "released"
	case Aborted:
		return "aborted"
	}
	return "failed"
}

// ReceiveResult is the outcome of ReceiveMessage.
type ReceiveResult struct {
	Status  ReceiveStatus
	Message *Message
	Err     error
}

// ReceiveMessage blocks until the next complete DIMSE message arrives or the
// association ends. Once it reports anything but Received, the connection is
// closed.
func (a *Association) ReceiveMessage() ReceiveResult {
	for {
		for len(a.pending) > 0 {
			item := a.pending[0]
			a.pending = a.pending[1:]
			assembled, err := a.assembler.AddPDV(&item)
			if err == nil && assembled != nil {
				var e contextEntry
				if e, err = a.cm.lookupByContextID(assembled.ContextID); err == nil {
					vlog.VI(1).Infof("%s: received %v", a.label, assembled.Command)
					return ReceiveResult{Status: Received, Message: &Message{
						Context: PresentationContext{
							ContextID:         e.contextID,
							AbstractSyntaxUID: e.abstractSyntaxUID,
							TransferSyntaxUID: e.transferSyntaxUID,
						},
						Command: assembled.Command,
						Data:    assembled.Data,
					}}
				}
			}
			if err != nil {
				a.pending = nil
				runAction(a, stateEvent{event: evt19, err: err})
				break
			}
		}
		if a.state != sta06 {
			runUntil(a, isIdle)
			return a.terminalResult()
		}
		runAction(a, getNextEvent(a))
	}
}

func isIdle(s *stateType) bool { return s == sta01 }

func (a *Association) terminalResult() ReceiveResult {
	var abortErr *AbortError
	switch {
	case a.result == nil:
		return ReceiveResult{Status: Failed, Err: errClosed}
	case IsReleased(a.result):
		return ReceiveResult{Status: Released, Err: a.result}
	case errors.As(a.result, &abortErr):
		return ReceiveResult{Status: Aborted, Err: a.result}
	}
	return ReceiveResult{Status: Failed, Err: a.result}
}

// closedError is returned by operations attempted on an association that is
// no longer established.
func (a *Association) closedError() error {
	if a.result != nil {
		return a.result
	}
	return errClosed
}

// sendMessage fragments the command and the optional data set into P-DATA-TF
// PDUs bounded by the peer's max PDU size.
func (a *Association) sendMessage(context contextEntry, command dimse.Message, data []byte) error {
	if a.state != sta06 {
		return a.closedError()
	}
	if command.HasData() != (data != nil) {
		return errors.Errorf("%s: %v: data set presence does not match CommandDataSetType", a.label, command)
	}
	commandBytes, err := dimse.EncodeMessageBytes(command)
	if err != nil {
		return errors.Wrapf(err, "%s: encode %v", a.label, command)
	}
	vlog.VI(1).Infof("%s: sending %v (%d data bytes)", a.label, command, len(data))
	for _, p := range dimse.Fragment(context.contextID, commandBytes, data, a.cm.peerMaxPDUSize) {
		runAction(a, stateEvent{event: evt09, pdu: p})
		if a.connClosed {
			runUntil(a, isIdle)
			return a.closedError()
		}
	}
	return nil
}

// Release runs the A-RELEASE exchange and closes the connection. It returns
// nil if the association ended gracefully.
func (a *Association) Release() error {
	if a.state != sta06 {
		return a.closedError()
	}
	vlog.VI(1).Infof("%s: releasing", a.label)
	runAction(a, stateEvent{event: evt11})
	runUntil(a, isIdle)
	return a.result
}

// Abort sends A-ABORT and closes the connection. It is a no-op once the
// association has ended.
func (a *Association) Abort() {
	if a.state == sta01 {
		return
	}
	if a.state != sta13 {
		vlog.VI(1).Infof("%s: aborting", a.label)
		runAction(a, stateEvent{event: evt15})
	}
	runUntil(a, isIdle)
}

// messageHandler consumes messages for one exchange. Handlers form a stack;
// a message goes to the top handler first and moves down while handlers
// answer errUnhandled.
type messageHandler interface {
	// handleMessage returns done=true when the top handler's exchange is
	// complete.
	handleMessage(a *Association, m *Message) (done bool, err error)
}

var errUnhandled = errors.New("netdicom: message not handled")

func (a *Association) pushHandler(h messageHandler) {
	a.handlers = append(a.handlers, h)
}

func (a *Association) popHandler() {
	a.handlers = a.handlers[:len(a.handlers)-1]
}

// runHandler pushes h and feeds it messages until it reports done, then pops
// it. Errors from ReceiveMessage are returned as is, so a peer release shows
// up as ErrReleased. An error from a handler aborts the association.
func (a *Association) runHandler(h messageHandler) error {
	a.pushHandler(h)
	defer a.popHandler()
	for {
		r := a.ReceiveMessage()
		if r.Status != Received {
			return r.Err
		}
		done, err := a.dispatchMessage(r.Message)
		if err != nil {
			return a.failMessage(err)
		}
		if done {
			return nil
		}
	}
}

func (a *Association) dispatchMessage(m *Message) (bool, error) {
	top := len(a.handlers) - 1
	for i := top; i >= 0; i-- {
		done, err := a.handlers[i].handleMessage(a, m)
		if err == errUnhandled {
			continue
		}
		return done && i == top, err
	}
	return false, errors.Errorf("unexpected message %v", m.Command)
}

// failMessage aborts the association after a message it cannot process and
// returns the resulting error.
func (a *Association) failMessage(err error) error {
	if a.state == sta06 {
		runAction(a, stateEvent{event: evt19, err: err})
	}
	runUntil(a, isIdle)
	return a.closedError()
}

// responseHandler waits for the response to one request. Responses to other
// message IDs and requests go down the stack.
type responseHandler struct {
	messageID  dimse.MessageID
	onResponse func(m *Message) (done bool, err error)
}

func (h *responseHandler) handleMessage(a *Association, m *Message) (bool, error) {
	if m.Command.GetStatus() == nil || m.Command.GetMessageID() != h.messageID {
		return false, errUnhandled
	}
	return h.onResponse(m)
}

// request sends a request and feeds its responses to onResponse until it
// reports done.
func (a *Association) request(context contextEntry, rq dimse.Message, data []byte, onResponse func(m *Message) (bool, error)) error {
	if err := a.sendMessage(context, rq, data); err != nil {
		return err
	}
	return a.runHandler(&responseHandler{messageID: rq.GetMessageID(), onResponse: onResponse})
}

// respond sends a response on the context the request arrived on.
func (a *Association) respond(m *Message, rsp dimse.Message, data []byte) error {
	return a.sendMessage(contextEntry{
		contextID:         m.Context.ContextID,
		abstractSyntaxUID: m.Context.AbstractSyntaxUID,
		transferSyntaxUID: m.Context.TransferSyntaxUID,
	}, rsp, data)
}
