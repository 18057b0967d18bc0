// This file implements the ServiceProvider (i.e., a DICOM DIMSE server) class.
package netdicom

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/grailbio/go-dicom"
	"github.com/pacslink/go-netdicom/dimse"
	"github.com/pacslink/go-netdicom/sopclass"
	"github.com/pkg/errors"
	"v.io/x/lib/vlog"
)

// ConnectionState describes the association a provider callback runs for.
type ConnectionState struct {
	Label          string
	Seq            uint64
	CallingAETitle string
	CalledAETitle  string
	RemoteAddr     net.Addr
	Created        time.Time
}

func connectionState(a *Association) ConnectionState {
	return ConnectionState{
		Label:          a.label,
		Seq:            a.seq,
		CallingAETitle: a.callingAETitle,
		CalledAETitle:  a.calledAETitle,
		RemoteAddr:     a.conn.RemoteAddr(),
		Created:        a.created,
	}
}

// CEchoCallback implements C-ECHO. It returns the response status.
type CEchoCallback func(conn ConnectionState) dimse.Status

// CStoreCallback implements C-STORE. It returns the response status.
type CStoreCallback func(conn ConnectionState, obj ReceivedObject) dimse.Status

// CFindCallback implements C-FIND. It sends one CFindResult per match to ch
// and closes ch when done. A result with Err set makes the final status a
// failure. It runs on its own goroutine.
type CFindCallback func(conn ConnectionState, transferSyntaxUID string, sopClassUID string, filter []*dicom.Element, ch chan CFindResult)

// CRetrieveCallback implements the matching of C-MOVE and C-GET. It lists
// the objects to send; the provider sends them and reports progress.
type CRetrieveCallback func(conn ConnectionState, transferSyntaxUID string, sopClassUID string, filter []*dicom.Element) ([]StoreObject, error)

// NDeleteCallback implements N-DELETE. It returns the response status.
type NDeleteCallback func(conn ConnectionState, sopClassUID, sopInstanceUID string) dimse.Status

type ServiceProviderParams struct {
	// Only requests addressed to this AE title are accepted, unless it is
	// empty. It is also the calling AE title of C-MOVE associations.
	AETitle string

	// TCP address to listen to. E.g., ":1234" will listen to port 1234 at
	// all the IP address that this machine can bind to. Used by Dispatcher.
	ListenAddr string

	// If non-nil, the Dispatcher accepts TLS connections only.
	TLSConfig *tls.Config
	// If non-nil, C-MOVE associations use TLS.
	MoveTLSConfig *tls.Config

	// The max PDU size, in bytes, that this instance is willing to receive.
	// If the value is <=0, DefaultMaxPDUSize is used.
	MaxPDUSize int

	// If <= 0, DefaultARTIMTimeout and DefaultReadTimeout are used.
	ARTIMTimeout time.Duration
	ReadTimeout  time.Duration

	// How often the Dispatcher's accept loop checks for Close. If <= 0,
	// DefaultAcceptPollPeriod is used.
	AcceptPollPeriod time.Duration

	// Decides which presentation contexts to accept. If nil, the SOP classes
	// of the configured callbacks are accepted, with the uncompressed
	// syntaxes plus CompressedTransferSyntaxes.
	Negotiator *Negotiator
	// Encapsulated syntaxes accepted by the default negotiator.
	CompressedTransferSyntaxes []string

	// Maps C-MOVE destinations to addresses.
	RemoteAEs AEResolver

	// Where C-STORE objects go when CStore is nil.
	Sink StorageSink

	// Decodes identifiers and encodes C-FIND matches. Defaults to
	// GoDICOMCodec.
	Codec DataSetCodec

	// Association sequence numbers. Defaults to a new counter.
	IDs SequenceSource

	// If non-nil, called once per connection. Used by tests.
	FaultInjectorFactory func() *FaultInjector

	// Request handlers. A nil C-ECHO handler answers success; other nil
	// handlers make the provider reject the SOP class, or answer
	// 0x0211 (unrecognized operation) for N-DELETE.
	CEcho   CEchoCallback
	CStore  CStoreCallback
	CFind   CFindCallback
	CMove   CRetrieveCallback
	CGet    CRetrieveCallback
	NDelete NDeleteCallback

	// If non-nil, checks the user identity of each association.
	Authenticate Authenticator

	// Notifications. All are optional and run on the association's
	// goroutine.
	OnAssociationBegun    func(conn ConnectionState)
	OnAssociationAccepted func(conn ConnectionState)
	OnAssociationRejected func(conn ConnectionState, err *RejectError)
	// err is nil for a graceful release.
	OnAssociationEnded func(conn ConnectionState, err error)
	// Called for each object committed into Sink.
	OnObjectReceived func(conn ConnectionState, obj ReceivedObject)
	// Called after each C-MOVE or C-GET sub-operation.
	OnProgress func(conn ConnectionState, messageID dimse.MessageID, progress Progress)
}

// DefaultAcceptPollPeriod bounds how long Dispatcher.Close waits for the
// accept loop.
const DefaultAcceptPollPeriod = time.Second

func (p *ServiceProviderParams) notifyProgress(a *Association, messageID dimse.MessageID, progress Progress) {
	if p.OnProgress != nil {
		p.OnProgress(connectionState(a), messageID, progress)
	}
}

// supportedSOPClasses lists the abstract syntaxes implied by the configured
// handlers.
func (p *ServiceProviderParams) supportedSOPClasses() []string {
	uids := sopclass.UIDs(sopclass.VerificationClasses)
	// C-GET sends its objects back over storage contexts.
	if p.CStore != nil || p.Sink != nil || p.NDelete != nil || p.CGet != nil {
		uids = append(uids, sopclass.UIDs(sopclass.StorageClasses)...)
	}
	if p.CFind != nil {
		uids = append(uids, sopclass.UIDs(sopclass.QRFindClasses)...)
	}
	if p.CMove != nil {
		uids = append(uids, sopclass.UIDs(sopclass.QRMoveClasses)...)
	}
	if p.CGet != nil {
		uids = append(uids, sopclass.UIDs(sopclass.QRGetClasses)...)
	}
	return uids
}

// ServiceProvider runs the provider side of associations on connections
// handed to it, typically by a Dispatcher.
type ServiceProvider struct {
	params     ServiceProviderParams
	negotiator Negotiator
}

// NewServiceProvider fills in the defaults of params.
func NewServiceProvider(params ServiceProviderParams) (*ServiceProvider, error) {
	if len(params.AETitle) > 16 {
		return nil, errors.Errorf("AE title %q is longer than 16 bytes", params.AETitle)
	}
	if params.MaxPDUSize <= 0 {
		params.MaxPDUSize = DefaultMaxPDUSize
	}
	if params.AcceptPollPeriod <= 0 {
		params.AcceptPollPeriod = DefaultAcceptPollPeriod
	}
	params.IDs = orNewSequence(params.IDs)
	params.Codec = orDefaultCodec(params.Codec)
	sp := &ServiceProvider{params: params}
	if params.Negotiator != nil {
		sp.negotiator = *params.Negotiator
	} else {
		sp.negotiator = NewNegotiator(params.supportedSOPClasses(), params.CompressedTransferSyntaxes)
	}
	return sp, nil
}

// RunProviderForConn runs the provider side of one association over conn
// and returns when the association ends. conn is closed by then.
func (sp *ServiceProvider) RunProviderForConn(conn net.Conn) {
	params := &sp.params
	var faults *FaultInjector
	if params.FaultInjectorFactory != nil {
		faults = params.FaultInjectorFactory()
	}
	seq := params.IDs.Next()
	state := ConnectionState{
		Label:      associationLabel(RoleAcceptor, seq),
		Seq:        seq,
		RemoteAddr: conn.RemoteAddr(),
		Created:    time.Now(),
	}
	vlog.VI(1).Infof("%s: connection from %v", state.Label, conn.RemoteAddr())
	if params.OnAssociationBegun != nil {
		params.OnAssociationBegun(state)
	}
	a, err := acceptAssociation(conn, acceptorParams{
		associationParams: associationParams{
			seq:         seq,
			maxPDUSize:  params.MaxPDUSize,
			artim:       params.ARTIMTimeout,
			readTimeout: params.ReadTimeout,
			faults:      faults,
		},
		aeTitle:      params.AETitle,
		negotiator:   sp.negotiator,
		authenticate: params.Authenticate,
	})
	state = connectionState(a)
	if err == nil {
		if params.OnAssociationAccepted != nil {
			params.OnAssociationAccepted(state)
		}
		err = a.runHandler(&providerHandler{sp: sp, params: params})
		if IsReleased(err) {
			err = nil
		}
	} else {
		var rejectErr *RejectError
		if errors.As(err, &rejectErr) && params.OnAssociationRejected != nil {
			params.OnAssociationRejected(state, rejectErr)
		}
	}
	if err != nil {
		vlog.Errorf("%s: association with %s ended: %v", a.label, a.callingAETitle, err)
	} else {
		vlog.Infof("%s: association with %s released", a.label, a.callingAETitle)
	}
	if params.OnAssociationEnded != nil {
		params.OnAssociationEnded(state, err)
	}
}

// providerHandler is the bottom of the provider's handler stack. It serves
// requests until the association ends.
type providerHandler struct {
	sp     *ServiceProvider
	params *ServiceProviderParams
}

func (h *providerHandler) handleMessage(a *Association, m *Message) (bool, error) {
	var err error
	switch c := m.Command.(type) {
	case *dimse.C_ECHO_RQ:
		status := dimse.Success
		if h.params.CEcho != nil {
			status = h.params.CEcho(connectionState(a))
		}
		err = a.respond(m, &dimse.C_ECHO_RSP{
			AffectedSOPClassUID:       c.AffectedSOPClassUID,
			MessageIDBeingRespondedTo: c.MessageID,
			CommandDataSetType:        dimse.CommandDataSetTypeNull,
			Status:                    status,
		}, nil)
	case *dimse.C_STORE_RQ:
		err = h.handleCStore(a, m, c)
	case *dimse.C_FIND_RQ:
		err = h.handleCFind(a, m, c)
	case *dimse.C_MOVE_RQ:
		err = h.handleCMove(a, m, c)
	case *dimse.C_GET_RQ:
		err = h.handleCGet(a, m, c)
	case *dimse.N_DELETE_RQ:
		status := dimse.Status{Status: dimse.StatusUnrecognizedOperation}
		if h.params.NDelete != nil {
			status = h.params.NDelete(connectionState(a), c.RequestedSOPClassUID, c.RequestedSOPInstanceUID)
		}
		err = a.respond(m, &dimse.N_DELETE_RSP{
			AffectedSOPClassUID:       c.RequestedSOPClassUID,
			MessageIDBeingRespondedTo: c.MessageID,
			CommandDataSetType:        dimse.CommandDataSetTypeNull,
			AffectedSOPInstanceUID:    c.RequestedSOPInstanceUID,
			Status:                    status,
		}, nil)
	case *dimse.C_CANCEL_RQ:
		// Operations run to completion before the next message is read, so
		// the cancelled operation is already over (C-MOVE is never
		// interrupted).
		vlog.Infof("%s: ignoring C-CANCEL for message %d", a.label, c.MessageIDBeingRespondedTo)
	default:
		return false, errors.Errorf("unexpected message %v", m.Command)
	}
	return false, err
}

func (h *providerHandler) handleCStore(a *Association, m *Message, c *dimse.C_STORE_RQ) error {
	obj := ReceivedObject{
		SOPClassUID:       c.AffectedSOPClassUID,
		SOPInstanceUID:    c.AffectedSOPInstanceUID,
		TransferSyntaxUID: m.Context.TransferSyntaxUID,
		Data:              m.Data,
	}
	status := dimse.Status{Status: dimse.CStoreCannotUnderstand}
	switch {
	case h.params.CStore != nil:
		status = h.params.CStore(connectionState(a), obj)
	case h.params.Sink != nil:
		id, err := storeObject(h.params.Sink, obj)
		if err != nil {
			vlog.Errorf("%s: C-STORE: %v", a.label, err)
			status = dimse.Status{Status: dimse.CStoreOutOfResources, ErrorComment: err.Error()}
			break
		}
		status = dimse.Success
		obj.ID = id
		if h.params.OnObjectReceived != nil {
			h.params.OnObjectReceived(connectionState(a), obj)
		}
	}
	return a.respond(m, &dimse.C_STORE_RSP{
		AffectedSOPClassUID:       c.AffectedSOPClassUID,
		MessageIDBeingRespondedTo: c.MessageID,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		AffectedSOPInstanceUID:    c.AffectedSOPInstanceUID,
		Status:                    status,
	}, nil)
}

func (h *providerHandler) handleCFind(a *Association, m *Message, c *dimse.C_FIND_RQ) error {
	respond := func(status dimse.Status, data []byte) error {
		return a.respond(m, &dimse.C_FIND_RSP{
			AffectedSOPClassUID:       c.AffectedSOPClassUID,
			MessageIDBeingRespondedTo: c.MessageID,
			CommandDataSetType:        dimse.CommandDataSetTypeFor(data != nil),
			Status:                    status,
		}, data)
	}
	if h.params.CFind == nil {
		return respond(dimse.Status{Status: dimse.StatusUnrecognizedOperation}, nil)
	}
	ts := m.Context.TransferSyntaxUID
	filter, err := h.params.Codec.Decode(m.Data, ts)
	if err != nil {
		vlog.Errorf("%s: C-FIND: %v", a.label, err)
		return respond(dimse.Status{Status: dimse.CFindUnableToProcess, ErrorComment: err.Error()}, nil)
	}
	ch := make(chan CFindResult, 128)
	go h.params.CFind(connectionState(a), ts, c.AffectedSOPClassUID, filter, ch)
	// Drain the generator no matter how the loop below ends.
	defer func() {
		go func() {
			for range ch {
			}
		}()
	}()
	var failure error
	matches := 0
	for r := range ch {
		if r.Err != nil {
			vlog.Errorf("%s: C-FIND: %v", a.label, r.Err)
			failure = r.Err
			break
		}
		data, err := h.params.Codec.Encode(r.Elements, ts)
		if err != nil {
			failure = err
			break
		}
		status := dimse.Status{Status: dimse.StatusPending}
		if r.OptionalKeysNotSupported {
			status.Status = dimse.StatusPendingOptionalKeys
		}
		if err := respond(status, data); err != nil {
			return err
		}
		matches++
	}
	if failure != nil {
		return respond(dimse.Status{Status: dimse.CFindUnableToProcess, ErrorComment: failure.Error()}, nil)
	}
	vlog.VI(1).Infof("%s: C-FIND: %d matches", a.label, matches)
	return respond(dimse.Success, nil)
}

func (h *providerHandler) handleCMove(a *Association, m *Message, c *dimse.C_MOVE_RQ) error {
	relay := &moveRelay{a: a, params: h.params, request: m, rq: c}
	if h.params.CMove == nil {
		return relay.respond(newProgress(0), dimse.Status{Status: dimse.StatusUnrecognizedOperation})
	}
	addr, ok, err := relay.resolve()
	if !ok {
		return err
	}
	objects, err := h.retrieve(a, m, h.params.CMove)
	if err != nil {
		return relay.respond(newProgress(0), dimse.Status{
			Status:       dimse.CMoveOutOfResourcesUnableToCalculateNumberOfMatches,
			ErrorComment: err.Error(),
		})
	}
	vlog.Infof("%s: C-MOVE %d objects to %s", a.label, len(objects), c.MoveDestination)
	return relay.run(addr, objects)
}

func (h *providerHandler) handleCGet(a *Association, m *Message, c *dimse.C_GET_RQ) error {
	relay := &getRelay{a: a, params: h.params, request: m, rq: c, progress: newProgress(0)}
	if h.params.CGet == nil {
		return relay.respond(dimse.Status{Status: dimse.StatusUnrecognizedOperation})
	}
	objects, err := h.retrieve(a, m, h.params.CGet)
	if err != nil {
		return relay.respond(dimse.Status{
			Status:       dimse.CMoveOutOfResourcesUnableToCalculateNumberOfMatches,
			ErrorComment: err.Error(),
		})
	}
	vlog.Infof("%s: C-GET %d objects", a.label, len(objects))
	return relay.run(objects)
}

// retrieve decodes the identifier of a C-MOVE or C-GET and lists the
// matching objects.
func (h *providerHandler) retrieve(a *Association, m *Message, cb CRetrieveCallback) ([]StoreObject, error) {
	ts := m.Context.TransferSyntaxUID
	filter, err := h.params.Codec.Decode(m.Data, ts)
	if err != nil {
		return nil, err
	}
	objects, err := cb(connectionState(a), ts, m.Context.AbstractSyntaxUID, filter)
	if err != nil {
		vlog.Errorf("%s: %v: %v", a.label, m.Command, err)
		return nil, err
	}
	return objects, nil
}
