package netdicom

import (
	"fmt"

	"github.com/grailbio/go-dicom/dicomuid"
	"github.com/pacslink/go-netdicom/dimse"
	"github.com/pkg/errors"
	"v.io/x/lib/vlog"
)

// Progress counts the sub-operations of one C-MOVE or C-GET. At any point
// Remaining+Completed+Failed == Total, and Warning <= Completed: an object
// stored with a warning status counts as completed and as a warning.
type Progress struct {
	Total     int
	Remaining int
	Completed int
	Failed    int
	Warning   int
	// Cancelled is set when a C-CANCEL stopped a C-GET early.
	Cancelled bool
}

func newProgress(total int) *Progress {
	return &Progress{Total: total, Remaining: total}
}

func (p *Progress) String() string {
	return fmt.Sprintf("total:%d remaining:%d completed:%d failed:%d warning:%d",
		p.Total, p.Remaining, p.Completed, p.Failed, p.Warning)
}

// record accounts for one attempted object.
func (p *Progress) record(status dimse.Status, err error) {
	p.Remaining--
	switch {
	case err != nil || !status.Status.IsSuccessOrWarning():
		p.Failed++
	case status.Status.IsWarning():
		p.Completed++
		p.Warning++
	default:
		p.Completed++
	}
}

// finish folds the objects that were never attempted into Failed. A
// cancelled operation keeps them as Remaining, as its final response
// reports them.
func (p *Progress) finish() {
	if p.Cancelled {
		return
	}
	p.Failed += p.Remaining
	p.Remaining = 0
}

// Counts converts the progress into the C-MOVE and C-GET response fields.
func (p *Progress) Counts() dimse.SubOperationCounts {
	return dimse.SubOperationCounts{
		NumberOfRemainingSuboperations: clampUInt16(p.Remaining),
		NumberOfCompletedSuboperations: clampUInt16(p.Completed),
		NumberOfFailedSuboperations:    clampUInt16(p.Failed),
		NumberOfWarningSuboperations:   clampUInt16(p.Warning),
	}
}

func clampUInt16(v int) uint16 {
	if v > 0xffff {
		return 0xffff
	}
	return uint16(v)
}

// finalStatus is the status of the last response of a relay.
func (p *Progress) finalStatus() dimse.Status {
	switch {
	case p.Cancelled:
		return dimse.Status{Status: dimse.StatusCancel}
	case p.Failed > 0 || p.Warning > 0:
		return dimse.Status{
			Status:       dimse.CMoveWarningSubOperationsFailed,
			ErrorComment: fmt.Sprintf("%d of %d sub-operations failed, %d warnings", p.Failed, p.Total, p.Warning),
		}
	}
	return dimse.Success
}

// progressFromCounts rebuilds a Progress from a C-MOVE or C-GET response on
// the requestor side.
func progressFromCounts(c dimse.SubOperationCounts) Progress {
	p := Progress{
		Remaining: int(c.NumberOfRemainingSuboperations),
		Completed: int(c.NumberOfCompletedSuboperations),
		Failed:    int(c.NumberOfFailedSuboperations),
		Warning:   int(c.NumberOfWarningSuboperations),
	}
	p.Total = p.Remaining + p.Completed + p.Failed
	return p
}

// moveOrigin identifies the C-MOVE that caused a C-STORE.
type moveOrigin struct {
	aeTitle   string
	messageID dimse.MessageID
}

// sendCStore sends one object and waits for its C-STORE-RSP. Problems with
// the object itself are reported as a failure status; an error means the
// association is gone.
func sendCStore(a *Association, codec DataSetCodec, obj *StoreObject, origin *moveOrigin) (dimse.Status, error) {
	context, err := a.cm.lookupForStore(obj.SOPClassUID, obj.TransferSyntaxUID)
	if err != nil {
		vlog.Errorf("%s: %s: %v", a.label, obj.Label, err)
		return dimse.Status{Status: dimse.StatusSOPClassNotSupported, ErrorComment: err.Error()}, nil
	}
	data, err := obj.dataSet()
	if err == nil {
		data, err = transcode(codec, data, obj.TransferSyntaxUID, context.transferSyntaxUID)
	}
	if err != nil {
		vlog.Errorf("%s: %s: %v", a.label, obj.Label, err)
		return dimse.Status{Status: dimse.StatusProcessingFailure, ErrorComment: err.Error()}, nil
	}
	rq := &dimse.C_STORE_RQ{
		AffectedSOPClassUID:    obj.SOPClassUID,
		MessageID:              a.messageIDs.Next(),
		Priority:               dimse.PriorityMedium,
		CommandDataSetType:     dimse.CommandDataSetTypeNonNull,
		AffectedSOPInstanceUID: obj.SOPInstanceUID,
	}
	if origin != nil {
		rq.MoveOriginatorApplicationEntityTitle = origin.aeTitle
		rq.MoveOriginatorMessageID = origin.messageID
	}
	var status dimse.Status
	err = a.request(context, rq, data, func(m *Message) (bool, error) {
		rsp, ok := m.Command.(*dimse.C_STORE_RSP)
		if !ok {
			return false, errors.Errorf("expected C_STORE_RSP, got %v", m.Command)
		}
		status = rsp.Status
		return true, nil
	})
	if err != nil {
		return dimse.Status{}, err
	}
	vlog.VI(1).Infof("%s: stored %s (%s): %v", a.label, obj.Label, dicomuid.UIDString(obj.SOPClassUID), status)
	return status, nil
}

// relayObjects sends objects one at a time with store, recording each
// outcome in p and calling onEach after every attempt. It stops at the first
// error from store or onEach, or when p is cancelled.
func relayObjects(objects []StoreObject, p *Progress,
	store func(obj *StoreObject) (dimse.Status, error),
	onEach func(obj *StoreObject, status dimse.Status) error) error {
	for i := range objects {
		if p.Cancelled {
			return nil
		}
		status, err := store(&objects[i])
		p.record(status, err)
		if err != nil {
			return err
		}
		if err := onEach(&objects[i], status); err != nil {
			return err
		}
	}
	return nil
}

// moveRelay performs the sub-operations of one C-MOVE: the objects go to the
// destination over a new association, and the requestor hears about each one
// on the original association.
type moveRelay struct {
	a       *Association // the C-MOVE requestor's association
	params  *ServiceProviderParams
	request *Message
	rq      *dimse.C_MOVE_RQ
}

func (r *moveRelay) respond(p *Progress, status dimse.Status) error {
	return r.a.respond(r.request, &dimse.C_MOVE_RSP{
		AffectedSOPClassUID:       r.rq.AffectedSOPClassUID,
		MessageIDBeingRespondedTo: r.rq.MessageID,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		SubOperationCounts:        p.Counts(),
		Status:                    status,
	}, nil)
}

// resolve looks up the move destination. On failure the final response has
// been sent and ok is false.
func (r *moveRelay) resolve() (addr string, ok bool, err error) {
	addr, err = resolveAE(r.params.RemoteAEs, r.rq.MoveDestination)
	if err != nil {
		vlog.Errorf("%s: C-MOVE destination: %v", r.a.label, err)
		return "", false, r.respond(newProgress(0),
			dimse.Status{Status: dimse.CMoveMoveDestinationUnknown, ErrorComment: err.Error()})
	}
	return addr, true, nil
}

func (r *moveRelay) run(addr string, objects []StoreObject) error {
	p := newProgress(len(objects))
	if len(objects) == 0 {
		return r.respond(p, p.finalStatus())
	}
	su, err := r.connect(addr, objects)
	if err != nil {
		vlog.Errorf("%s: C-MOVE to %s at %s: %v", r.a.label, r.rq.MoveDestination, addr, err)
		p.finish()
		return r.respond(p, dimse.Status{
			Status:       dimse.CMoveOutOfResourcesUnableToPerformSubOperations,
			ErrorComment: err.Error(),
		})
	}
	origin := &moveOrigin{aeTitle: r.a.callingAETitle, messageID: r.rq.MessageID}
	sub := su.Association()
	err = relayObjects(objects, p,
		func(obj *StoreObject) (dimse.Status, error) {
			return sendCStore(sub, su.codec, obj, origin)
		},
		func(obj *StoreObject, status dimse.Status) error {
			r.params.notifyProgress(r.a, r.rq.MessageID, *p)
			if p.Remaining == 0 {
				return nil
			}
			return r.respond(p, dimse.Status{Status: dimse.StatusPending})
		})
	if sub.Established() {
		if releaseErr := su.Release(); releaseErr != nil {
			vlog.Errorf("%s: release C-MOVE association %s: %v", r.a.label, sub.label, releaseErr)
		}
	} else if err != nil {
		vlog.Errorf("%s: C-MOVE association %s failed: %v", r.a.label, sub.label, err)
	}
	if err != nil && !r.a.Established() {
		return err
	}
	p.finish()
	vlog.Infof("%s: C-MOVE to %s done: %v", r.a.label, r.rq.MoveDestination, p)
	return r.respond(p, p.finalStatus())
}

// connect opens the outbound association, proposing the SOP classes and
// transfer syntaxes of the objects.
func (r *moveRelay) connect(addr string, objects []StoreObject) (*ServiceUser, error) {
	var sopClasses, transferSyntaxes []string
	seen := map[string]bool{}
	for _, obj := range objects {
		if !seen[obj.SOPClassUID] {
			seen[obj.SOPClassUID] = true
			sopClasses = append(sopClasses, obj.SOPClassUID)
		}
		if !seen[obj.TransferSyntaxUID] {
			seen[obj.TransferSyntaxUID] = true
			transferSyntaxes = append(transferSyntaxes, obj.TransferSyntaxUID)
		}
	}
	for _, uid := range defaultTransferSyntaxes() {
		if !seen[uid] {
			seen[uid] = true
			transferSyntaxes = append(transferSyntaxes, uid)
		}
	}
	su := NewServiceUser(ServiceUserParams{
		CalledAETitle:    r.rq.MoveDestination,
		CallingAETitle:   r.params.AETitle,
		SOPClasses:       sopClasses,
		TransferSyntaxes: transferSyntaxes,
		ARTIMTimeout:     r.params.ARTIMTimeout,
		ReadTimeout:      r.params.ReadTimeout,
		TLSConfig:        r.params.MoveTLSConfig,
		IDs:              r.params.IDs,
		Codec:            r.params.Codec,
	})
	if err := su.Connect(addr); err != nil {
		return nil, err
	}
	return su, nil
}

func resolveAE(r AEResolver, aeTitle string) (string, error) {
	if r == nil {
		return "", errors.Wrapf(ErrUnknownAE, "%q (no resolver)", aeTitle)
	}
	return r.Resolve(aeTitle)
}

// getRelay performs the sub-operations of one C-GET: the objects go back to
// the requestor with C-STORE on the same association.
type getRelay struct {
	a        *Association
	params   *ServiceProviderParams
	request  *Message
	rq       *dimse.C_GET_RQ
	progress *Progress
}

func (r *getRelay) respond(status dimse.Status) error {
	return r.a.respond(r.request, &dimse.C_GET_RSP{
		AffectedSOPClassUID:       r.rq.AffectedSOPClassUID,
		MessageIDBeingRespondedTo: r.rq.MessageID,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		SubOperationCounts:        r.progress.Counts(),
		Status:                    status,
	}, nil)
}

// handleMessage sits below the C-STORE response handlers while the relay
// runs. It takes C-CANCEL for this C-GET; any other request is a violation
// since operations are not pipelined.
func (r *getRelay) handleMessage(a *Association, m *Message) (bool, error) {
	switch c := m.Command.(type) {
	case *dimse.C_CANCEL_RQ:
		if c.MessageIDBeingRespondedTo != r.rq.MessageID {
			vlog.Infof("%s: ignoring C-CANCEL for unknown message %d", a.label, c.MessageIDBeingRespondedTo)
			return false, nil
		}
		vlog.Infof("%s: C-GET %d cancelled", a.label, r.rq.MessageID)
		r.progress.Cancelled = true
		return false, nil
	}
	if m.Command.GetStatus() != nil {
		return false, errUnhandled
	}
	return false, errors.Errorf("request %v during C-GET %d", m.Command, r.rq.MessageID)
}

func (r *getRelay) run(objects []StoreObject) error {
	r.progress = newProgress(len(objects))
	r.a.pushHandler(r)
	err := relayObjects(objects, r.progress,
		func(obj *StoreObject) (dimse.Status, error) {
			return sendCStore(r.a, r.params.Codec, obj, nil)
		},
		func(obj *StoreObject, status dimse.Status) error {
			r.params.notifyProgress(r.a, r.rq.MessageID, *r.progress)
			if r.progress.Remaining == 0 || r.progress.Cancelled {
				return nil
			}
			return r.respond(dimse.Status{Status: dimse.StatusPending})
		})
	r.a.popHandler()
	if err != nil {
		return err
	}
	r.progress.finish()
	vlog.Infof("%s: C-GET %d done: %v", r.a.label, r.rq.MessageID, r.progress)
	return r.respond(r.progress.finalStatus())
}
