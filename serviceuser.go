// This file implements the ServiceUser (i.e., a DICOM DIMSE client) class.
package netdicom

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/grailbio/go-dicom/dicomuid"
	"github.com/pacslink/go-netdicom/dimse"
	"github.com/pacslink/go-netdicom/pdu"
	"github.com/pacslink/go-netdicom/sopclass"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"v.io/x/lib/vlog"
)

// ServiceUser implements the client side of the DICOM network protocol.
//
//	params, err := netdicom.NewServiceUserParams(
//	   "dontcare" /*remote app-entity title*/,
//	   "testclient" /*this app-entity title*/,
//	   sopclass.StorageClasses, /* SOP classes to use in the requests*/
//	   nil /* transfer syntaxes to use; usually nil suffices */)
//	user := netdicom.NewServiceUser(params)
//	// Connect to server 1.2.3.4, port 8888
//	err = user.Connect("1.2.3.4:8888")
//	// Send test.dcm to the server
//	obj, err := netdicom.LoadStoreObjectFromFile("test.dcm")
//	err = user.CStore(obj)
//	// Disconnect
//	err = user.Release()
//
// The ServiceUser class is thread compatible. That is, you cannot call C*
// methods concurrently - say two CStore requests - from two goroutines. You
// must wait for one CStore to finish before issuing another one.
type ServiceUser struct {
	params ServiceUserParams
	codec  DataSetCodec
	a      *Association // set by Connect or SetConn
}

type ServiceUserParams struct {
	CalledAETitle  string // Must be nonempty
	CallingAETitle string // Must be nonempty

	// SOP class UIDs to propose. If any C-GET SOP class is listed, the
	// storage classes are proposed as well, with the SCP role, so that the
	// provider can push the retrieved objects back.
	SOPClasses []string

	// Transfer syntaxes to propose. Defaults to the uncompressed and deflated
	// syntaxes. Objects whose own syntax was not accepted are transcoded
	// when possible.
	TransferSyntaxes []string

	// SOP classes for which to offer the SCP role. See SOPClasses.
	SCPRoleSOPClasses []string

	// Sent in the A-ASSOCIATE-RQ if non-nil.
	UserIdentity *pdu.UserIdentityRequestSubItem

	// The max PDU size, in bytes, that this instance is willing to receive.
	// If <= 0, DefaultMaxPDUSize is used.
	MaxPDUSize int

	// If <= 0, DefaultARTIMTimeout and DefaultReadTimeout are used.
	ARTIMTimeout time.Duration
	ReadTimeout  time.Duration

	// If non-nil, Connect uses TLS.
	TLSConfig *tls.Config

	// Association sequence numbers for log labels. Defaults to a new counter.
	IDs SequenceSource

	// Used by tests to drop the connection at a chosen point.
	Faults *FaultInjector

	// Encodes identifiers and decodes C-FIND responses. Defaults to
	// GoDICOMCodec.
	Codec DataSetCodec
}

// NewServiceUserParams creates a ServiceUserParams. sopClasses lists the
// abstract syntaxes (SOP classes) that the client wishes to use in the
// requests. It's usually one of the lists defined in the sopclass package. If
// transferSyntaxUIDs is empty, the standard uncompressed syntaxes are used.
func NewServiceUserParams(
	calledAETitle string,
	callingAETitle string,
	sopClasses []sopclass.SOPUID,
	transferSyntaxUIDs []string) (ServiceUserParams, error) {
	if calledAETitle == "" {
		return ServiceUserParams{}, errors.New("NewServiceUserParams: empty calledAETitle")
	}
	if callingAETitle == "" {
		return ServiceUserParams{}, errors.New("NewServiceUserParams: empty callingAETitle")
	}
	if len(calledAETitle) > 16 || len(callingAETitle) > 16 {
		return ServiceUserParams{}, errors.New("NewServiceUserParams: AE titles are at most 16 bytes")
	}
	for _, uid := range transferSyntaxUIDs {
		if uid == "" {
			return ServiceUserParams{}, errors.New("NewServiceUserParams: empty transfer syntax UID")
		}
	}
	return ServiceUserParams{
		CalledAETitle:    calledAETitle,
		CallingAETitle:   callingAETitle,
		SOPClasses:       sopclass.UIDs(sopClasses),
		TransferSyntaxes: transferSyntaxUIDs,
	}, nil
}

func defaultTransferSyntaxes() []string {
	return slices.Clone(sopclass.StandardTransferSyntaxes)
}

// NewServiceUser creates a new ServiceUser. The caller must call either
// Connect() or SetConn() before calling any other method, such as CStore.
func NewServiceUser(params ServiceUserParams) *ServiceUser {
	if len(params.TransferSyntaxes) == 0 {
		params.TransferSyntaxes = defaultTransferSyntaxes()
	}
	params.IDs = orNewSequence(params.IDs)
	if len(params.SCPRoleSOPClasses) == 0 && slices.ContainsFunc(params.SOPClasses, isGetSOPClass) {
		storage := sopclass.UIDs(sopclass.StorageClasses)
		params.SCPRoleSOPClasses = storage
		for _, uid := range storage {
			if !slices.Contains(params.SOPClasses, uid) {
				params.SOPClasses = append(params.SOPClasses, uid)
			}
		}
	}
	return &ServiceUser{params: params, codec: orDefaultCodec(params.Codec)}
}

func isGetSOPClass(uid string) bool {
	return slices.ContainsFunc(sopclass.QRGetClasses, func(e sopclass.SOPUID) bool { return e.UID == uid })
}

// Connect connects to the server at the given "host:port" and establishes
// the association. Either Connect or SetConn must be called before CStore,
// etc.
func (su *ServiceUser) Connect(serverAddr string) error {
	if su.a != nil {
		return errors.New("netdicom: ServiceUser already connected")
	}
	timeout := su.params.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	conn, err := dial(serverAddr, su.params.TLSConfig, timeout)
	if err != nil {
		vlog.Infof("Connect(%s): %v", serverAddr, err)
		return err
	}
	return su.SetConn(conn)
}

// SetConn instructs ServiceUser to use the given network connection to talk to
// the server, and establishes the association over it.
func (su *ServiceUser) SetConn(conn net.Conn) error {
	if su.a != nil {
		return errors.New("netdicom: ServiceUser already connected")
	}
	a, err := requestAssociation(conn, requestorParams{
		associationParams: associationParams{
			seq:         su.params.IDs.Next(),
			maxPDUSize:  su.params.MaxPDUSize,
			artim:       su.params.ARTIMTimeout,
			readTimeout: su.params.ReadTimeout,
			faults:      su.params.Faults,
		},
		calledAETitle:  su.params.CalledAETitle,
		callingAETitle: su.params.CallingAETitle,
		request: associateRequestParams{
			sopClassUIDs:        su.params.SOPClasses,
			transferSyntaxUIDs:  su.params.TransferSyntaxes,
			scpRoleSOPClassUIDs: su.params.SCPRoleSOPClasses,
			identity:            su.params.UserIdentity,
		},
	})
	if err != nil {
		return err
	}
	su.a = a
	return nil
}

// Association returns the association, or nil before Connect.
func (su *ServiceUser) Association() *Association { return su.a }

// UserIdentityResponse returns the server response to the user identity
// sub-item, if the provider sent one.
func (su *ServiceUser) UserIdentityResponse() []byte {
	if su.a == nil {
		return nil
	}
	return su.a.cm.identityResponse
}

func (su *ServiceUser) context(sopClassUID string) (contextEntry, error) {
	if su.a == nil {
		return contextEntry{}, errors.New("netdicom: ServiceUser is not connected")
	}
	if !su.a.Established() {
		return contextEntry{}, su.a.closedError()
	}
	return su.a.cm.lookupByAbstractSyntaxUID(sopClassUID)
}

// CEcho sends a C-ECHO request to the remote AE. Returns nil iff the remote AE
// responds ok.
func (su *ServiceUser) CEcho() error {
	context, err := su.context(sopclass.VerificationSOPClass)
	if err != nil {
		return err
	}
	rq := &dimse.C_ECHO_RQ{
		AffectedSOPClassUID: sopclass.VerificationSOPClass,
		MessageID:           su.a.messageIDs.Next(),
		CommandDataSetType:  dimse.CommandDataSetTypeNull,
	}
	var status dimse.Status
	err = su.a.request(context, rq, nil, func(m *Message) (bool, error) {
		rsp, ok := m.Command.(*dimse.C_ECHO_RSP)
		if !ok {
			return false, errors.Errorf("invalid response for C-ECHO: %v", m.Command)
		}
		status = rsp.Status
		return true, nil
	})
	if err != nil {
		return err
	}
	return checkStatus("C-ECHO", status)
}

// CStore issues a C-STORE request to transfer obj to the remote peer. It
// blocks until the operation finishes.
func (su *ServiceUser) CStore(obj StoreObject) error {
	if _, err := su.context(obj.SOPClassUID); err != nil {
		return err
	}
	status, err := sendCStore(su.a, su.codec, &obj, nil)
	if err != nil {
		return err
	}
	return checkStatus("C-STORE "+obj.Label, status)
}

// StoreReport is the outcome of storing one object of a work list.
type StoreReport struct {
	Label          string
	SOPInstanceUID string
	Status         dimse.Status
	// Err is set if the object could not be stored.
	Err error
}

// StoreAll sends objects in order on the association, continuing past
// per-object failures, and releases the association when the list is
// exhausted. onEach, if non-nil, is called after every object. The error is
// non-nil only if the association failed; objects not attempted then are
// reported with that error.
func (su *ServiceUser) StoreAll(objects []StoreObject, onEach func(StoreReport)) ([]StoreReport, error) {
	reports := make([]StoreReport, 0, len(objects))
	var assocErr error
	for i := range objects {
		obj := &objects[i]
		report := StoreReport{Label: obj.Label, SOPInstanceUID: obj.SOPInstanceUID}
		if assocErr == nil {
			if su.a == nil || !su.a.Established() {
				_, assocErr = su.context(obj.SOPClassUID)
			}
		}
		if assocErr != nil {
			report.Err = assocErr
		} else {
			report.Status, report.Err = sendCStore(su.a, su.codec, obj, nil)
			if report.Err != nil {
				assocErr = report.Err
			} else {
				report.Err = checkStatus("C-STORE "+obj.Label, report.Status)
			}
		}
		if report.Err != nil {
			vlog.Errorf("C-STORE %s: %v", obj.Label, report.Err)
		}
		reports = append(reports, report)
		if onEach != nil {
			onEach(report)
		}
	}
	if assocErr != nil {
		return reports, assocErr
	}
	return reports, su.Release()
}

// QRLevel is the query/retrieve information model and level of C-FIND,
// C-MOVE and C-GET requests.
type QRLevel int

const (
	QRLevelPatient QRLevel = iota
	QRLevelStudy
)

func (l QRLevel) String() string {
	if l == QRLevelStudy {
		return "STUDY"
	}
	return "PATIENT"
}

func (l QRLevel) sopClassUID(command uint16) (string, error) {
	switch {
	case l == QRLevelPatient && command == dimse.CommandFieldCFindRq:
		return sopclass.PatientRootQRFind, nil
	case l == QRLevelStudy && command == dimse.CommandFieldCFindRq:
		return sopclass.StudyRootQRFind, nil
	case l == QRLevelPatient && command == dimse.CommandFieldCMoveRq:
		return sopclass.PatientRootQRMove, nil
	case l == QRLevelStudy && command == dimse.CommandFieldCMoveRq:
		return sopclass.StudyRootQRMove, nil
	case l == QRLevelPatient && command == dimse.CommandFieldCGetRq:
		return sopclass.PatientRootQRGet, nil
	case l == QRLevelStudy && command == dimse.CommandFieldCGetRq:
		return sopclass.StudyRootQRGet, nil
	}
	return "", errors.Errorf("invalid QR level %d", int(l))
}

// identifier encodes the query keys of a C-FIND, C-MOVE or C-GET request.
// QueryRetrieveLevel is derived from qrLevel.
func (su *ServiceUser) identifier(qrLevel QRLevel, filter []*dicom.Element, transferSyntaxUID string) ([]byte, error) {
	elems := []*dicom.Element{dicom.MustNewElement(dicomtag.QueryRetrieveLevel, qrLevel.String())}
	for _, elem := range filter {
		if elem.Tag == dicomtag.QueryRetrieveLevel {
			return nil, errors.Errorf("%v: tag must not be in the filter (it is derived from qrLevel)", dicomtag.DebugString(elem.Tag))
		}
		elems = append(elems, elem)
	}
	slices.SortStableFunc(elems, func(x, y *dicom.Element) int {
		if x.Tag.Group != y.Tag.Group {
			return int(x.Tag.Group) - int(y.Tag.Group)
		}
		return int(x.Tag.Element) - int(y.Tag.Element)
	})
	return su.codec.Encode(elems, transferSyntaxUID)
}

// CFindResult is one match of a C-FIND request.
type CFindResult struct {
	// Exactly one of Err or Elements is set.
	Err      error
	Elements []*dicom.Element // Elements belonging to one dataset.
	// Set when some optional keys of the filter were not matched, i.e. the
	// response status was 0xff01.
	OptionalKeysNotSupported bool
}

// CFind issues a C-FIND request and collects the matches until the final
// response. A match that cannot be decoded is reported in its CFindResult.
// The error is non-nil if the association failed or the final status is a
// failure.
func (su *ServiceUser) CFind(qrLevel QRLevel, filter []*dicom.Element) ([]CFindResult, error) {
	sopClassUID, err := qrLevel.sopClassUID(dimse.CommandFieldCFindRq)
	if err != nil {
		return nil, err
	}
	context, err := su.context(sopClassUID)
	if err != nil {
		// This happens when the user passed a wrong sopclass list in
		// A-ASSOCIATE handshake.
		return nil, err
	}
	data, err := su.identifier(qrLevel, filter, context.transferSyntaxUID)
	if err != nil {
		return nil, err
	}
	rq := &dimse.C_FIND_RQ{
		AffectedSOPClassUID: sopClassUID,
		MessageID:           su.a.messageIDs.Next(),
		Priority:            dimse.PriorityMedium,
		CommandDataSetType:  dimse.CommandDataSetTypeNonNull,
	}
	var results []CFindResult
	var status dimse.Status
	err = su.a.request(context, rq, data, func(m *Message) (bool, error) {
		rsp, ok := m.Command.(*dimse.C_FIND_RSP)
		if !ok {
			return false, errors.Errorf("found wrong response for C-FIND: %v", m.Command)
		}
		if m.Data != nil && rsp.Status.Status.IsPending() {
			elems, err := su.codec.Decode(m.Data, m.Context.TransferSyntaxUID)
			if err != nil {
				vlog.Errorf("%s: failed to decode C-FIND response %v: %v", su.a.label, rsp, err)
				results = append(results, CFindResult{Err: err})
			} else {
				results = append(results, CFindResult{
					Elements:                 elems,
					OptionalKeysNotSupported: rsp.Status.Status == dimse.StatusPendingOptionalKeys,
				})
			}
		}
		status = rsp.Status
		return !rsp.Status.Status.IsPending(), nil
	})
	if err != nil {
		return results, err
	}
	vlog.VI(1).Infof("%s: C-FIND %s: %d matches, %v", su.a.label, dicomuid.UIDString(sopClassUID), len(results), status)
	return results, checkStatus("C-FIND", status)
}

// RetrieveResult is the outcome of CMove and CGet.
type RetrieveResult struct {
	// Counts from the final response.
	Progress Progress
	Status   dimse.Status
}

// CMove asks the provider to send the matching objects to the AE titled
// destination. onProgress, if non-nil, is called for each pending response.
// The error is non-nil only if the association failed; check
// RetrieveResult.Status for the outcome.
func (su *ServiceUser) CMove(qrLevel QRLevel, destination string, filter []*dicom.Element, onProgress func(Progress)) (RetrieveResult, error) {
	sopClassUID, err := qrLevel.sopClassUID(dimse.CommandFieldCMoveRq)
	if err != nil {
		return RetrieveResult{}, err
	}
	context, err := su.context(sopClassUID)
	if err != nil {
		return RetrieveResult{}, err
	}
	data, err := su.identifier(qrLevel, filter, context.transferSyntaxUID)
	if err != nil {
		return RetrieveResult{}, err
	}
	rq := &dimse.C_MOVE_RQ{
		AffectedSOPClassUID: sopClassUID,
		MessageID:           su.a.messageIDs.Next(),
		Priority:            dimse.PriorityMedium,
		MoveDestination:     destination,
		CommandDataSetType:  dimse.CommandDataSetTypeNonNull,
	}
	var result RetrieveResult
	err = su.a.request(context, rq, data, func(m *Message) (bool, error) {
		rsp, ok := m.Command.(*dimse.C_MOVE_RSP)
		if !ok {
			return false, errors.Errorf("found wrong response for C-MOVE: %v", m.Command)
		}
		result = RetrieveResult{Progress: progressFromCounts(rsp.SubOperationCounts), Status: rsp.Status}
		if rsp.Status.Status.IsPending() {
			if onProgress != nil {
				onProgress(result.Progress)
			}
			return false, nil
		}
		return true, nil
	})
	return result, err
}

// getHandler consumes everything that arrives for one C-GET: the objects
// pushed with C-STORE, and the C-GET responses.
type getHandler struct {
	su         *ServiceUser
	messageID  dimse.MessageID
	onStore    func(obj ReceivedObject) dimse.Status
	onProgress func(Progress)
	result     RetrieveResult
}

func (h *getHandler) handleMessage(a *Association, m *Message) (bool, error) {
	switch c := m.Command.(type) {
	case *dimse.C_STORE_RQ:
		status := dimse.Status{Status: dimse.CStoreCannotUnderstand, ErrorComment: "no handler"}
		if h.onStore != nil {
			status = h.onStore(ReceivedObject{
				SOPClassUID:       c.AffectedSOPClassUID,
				SOPInstanceUID:    c.AffectedSOPInstanceUID,
				TransferSyntaxUID: m.Context.TransferSyntaxUID,
				Data:              m.Data,
			})
		}
		return false, a.respond(m, &dimse.C_STORE_RSP{
			AffectedSOPClassUID:       c.AffectedSOPClassUID,
			MessageIDBeingRespondedTo: c.MessageID,
			CommandDataSetType:        dimse.CommandDataSetTypeNull,
			AffectedSOPInstanceUID:    c.AffectedSOPInstanceUID,
			Status:                    status,
		}, nil)
	case *dimse.C_GET_RSP:
		if c.MessageIDBeingRespondedTo != h.messageID {
			return false, errUnhandled
		}
		h.result = RetrieveResult{Progress: progressFromCounts(c.SubOperationCounts), Status: c.Status}
		if c.Status.Status.IsPending() {
			if h.onProgress != nil {
				h.onProgress(h.result.Progress)
			}
			return false, nil
		}
		return true, nil
	}
	return false, errUnhandled
}

// CGet asks the provider to send the matching objects back on this
// association. onStore is called for each object and returns the status
// reported back to the provider. onProgress, if non-nil, is called for each
// pending response. The error is non-nil only if the association failed.
func (su *ServiceUser) CGet(qrLevel QRLevel, filter []*dicom.Element,
	onStore func(obj ReceivedObject) dimse.Status,
	onProgress func(Progress)) (RetrieveResult, error) {
	sopClassUID, err := qrLevel.sopClassUID(dimse.CommandFieldCGetRq)
	if err != nil {
		return RetrieveResult{}, err
	}
	context, err := su.context(sopClassUID)
	if err != nil {
		return RetrieveResult{}, err
	}
	data, err := su.identifier(qrLevel, filter, context.transferSyntaxUID)
	if err != nil {
		return RetrieveResult{}, err
	}
	rq := &dimse.C_GET_RQ{
		AffectedSOPClassUID: sopClassUID,
		MessageID:           su.a.messageIDs.Next(),
		Priority:            dimse.PriorityMedium,
		CommandDataSetType:  dimse.CommandDataSetTypeNonNull,
	}
	if err := su.a.sendMessage(context, rq, data); err != nil {
		return RetrieveResult{}, err
	}
	h := &getHandler{su: su, messageID: rq.MessageID, onStore: onStore, onProgress: onProgress}
	err = su.a.runHandler(h)
	return h.result, err
}

// CGetToSink is CGet storing the objects into sink.
func (su *ServiceUser) CGetToSink(qrLevel QRLevel, filter []*dicom.Element, sink StorageSink, onProgress func(Progress)) (RetrieveResult, error) {
	return su.CGet(qrLevel, filter, func(obj ReceivedObject) dimse.Status {
		if _, err := storeObject(sink, obj); err != nil {
			vlog.Errorf("%s: C-GET: %v", su.a.label, err)
			return dimse.Status{Status: dimse.CStoreOutOfResources, ErrorComment: err.Error()}
		}
		return dimse.Success
	}, onProgress)
}

// DeleteItem is the outcome of deleting one instance.
type DeleteItem struct {
	SOPInstanceUID string
	Status         dimse.Status
	// Err is set if the request could not be sent or answered.
	Err error
}

// Succeeded reports whether the provider accepted the deletion, possibly
// with a warning.
func (d DeleteItem) Succeeded() bool {
	return d.Err == nil && d.Status.Status.IsSuccessOrWarning()
}

// DeleteResult is the outcome of NDelete.
type DeleteResult struct {
	Items []DeleteItem
	// Trapped is set if any item failed below the DIMSE level, i.e. with a
	// network or encoding error rather than a status.
	Trapped bool
}

// Failed counts the items that were not deleted.
func (r DeleteResult) Failed() int {
	n := 0
	for _, item := range r.Items {
		if !item.Succeeded() {
			n++
		}
	}
	return n
}

// NDelete sends one N-DELETE request per instance, in order, continuing past
// failures.
func (su *ServiceUser) NDelete(sopClassUID string, instanceUIDs []string) DeleteResult {
	var result DeleteResult
	for _, uid := range instanceUIDs {
		item := DeleteItem{SOPInstanceUID: uid}
		item.Status, item.Err = su.nDelete(sopClassUID, uid)
		if item.Err != nil {
			result.Trapped = true
			vlog.Errorf("N-DELETE %s: %v", uid, item.Err)
		}
		result.Items = append(result.Items, item)
	}
	return result
}

func (su *ServiceUser) nDelete(sopClassUID, instanceUID string) (dimse.Status, error) {
	context, err := su.context(sopClassUID)
	if err != nil {
		return dimse.Status{}, err
	}
	rq := &dimse.N_DELETE_RQ{
		RequestedSOPClassUID:    sopClassUID,
		MessageID:               su.a.messageIDs.Next(),
		CommandDataSetType:      dimse.CommandDataSetTypeNull,
		RequestedSOPInstanceUID: instanceUID,
	}
	var status dimse.Status
	err = su.a.request(context, rq, nil, func(m *Message) (bool, error) {
		rsp, ok := m.Command.(*dimse.N_DELETE_RSP)
		if !ok {
			return false, errors.Errorf("found wrong response for N-DELETE: %v", m.Command)
		}
		status = rsp.Status
		return true, nil
	})
	return status, err
}

// Release shuts down the association gracefully. After Release, no other
// operation can be performed on the ServiceUser object.
func (su *ServiceUser) Release() error {
	if su.a == nil {
		return errors.New("netdicom: ServiceUser is not connected")
	}
	return su.a.Release()
}

// Abort drops the association with A-ABORT. It is safe to call at any time.
func (su *ServiceUser) Abort() {
	if su.a != nil {
		su.a.Abort()
	}
}
