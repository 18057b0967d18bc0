package netdicom

import (
	"github.com/grailbio/go-dicom/dicomuid"
	"github.com/pacslink/go-netdicom/dimse"
	"github.com/pacslink/go-netdicom/pdu"
	"github.com/pacslink/go-netdicom/sopclass"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"v.io/x/lib/vlog"
)

// Max PDU size assumed for the peer until its user information item says
// otherwise. The value used by Osirix and pynetdicom.
const defaultPeerMaxPDUSize = 16384

// Presentation context IDs are odd values in [1,255].
const maxPresentationContexts = 128

type contextEntry struct {
	contextID         byte
	abstractSyntaxUID string
	transferSyntaxUID string
}

// contextManager manages mappings between a contextID and the corresponding
// abstract-syntax UID (aka SOP class) and negotiated transfer syntax. UIDs
// are static and global; contextIDs are allocated anew during each
// association handshake, so one contextManager exists per association.
//
// An abstract syntax may be negotiated on several contexts, each with its own
// transfer syntax.
type contextManager struct {
	label string

	byContextID      map[byte]*contextEntry
	byAbstractSyntax map[string][]*contextEntry // in context ID order

	// Info about the other side of the communication, gleaned from
	// A-ASSOCIATE-* pdu.
	peerMaxPDUSize int
	// UID that identifies the peer type. It's supposed to be globally unique.
	peerImplementationClassUID string
	// Implementation version, virtually meaningless since its format isn't
	// standardized.
	peerImplementationVersionName string

	// Roles agreed per SOP class, when role selection was negotiated.
	roles map[string]*pdu.RoleSelectionSubItem

	// Set on the acceptor from the A-ASSOCIATE-RQ.
	peerIdentity *pdu.UserIdentityRequestSubItem
	// Set on the requestor from the A-ASSOCIATE-AC.
	identityResponse []byte

	// tmpRequests is used only on the requestor side. It holds the
	// contextid->presentationcontext mapping generated for the
	// A_ASSOCIATE_RQ PDU. Once an A_ASSOCIATE_AC PDU arrives, tmpRequests
	// is matched against the response PDU and the entries are filled.
	tmpRequests map[byte]*pdu.PresentationContextItem
}

func newContextManager(label string) *contextManager {
	return &contextManager{
		label:            label,
		byContextID:      make(map[byte]*contextEntry),
		byAbstractSyntax: make(map[string][]*contextEntry),
		peerMaxPDUSize:   defaultPeerMaxPDUSize,
		roles:            make(map[string]*pdu.RoleSelectionSubItem),
		tmpRequests:      make(map[byte]*pdu.PresentationContextItem),
	}
}

// associateRequestParams are the requestor's inputs to
// generateAssociateRequest.
type associateRequestParams struct {
	sopClassUIDs       []string
	transferSyntaxUIDs []string
	// SOP classes for which the requestor offers the SCP role, e.g. storage
	// classes for C-GET.
	scpRoleSOPClassUIDs []string
	identity            *pdu.UserIdentityRequestSubItem
	maxPDUSize          int
}

// generateAssociateRequest produces the items of an A-ASSOCIATE-RQ. Each SOP
// class gets one context proposing all non-encapsulated transfer syntaxes,
// plus one context per encapsulated syntax so that the acceptor can take the
// compressed encoding without giving up the uncompressed one.
func (m *contextManager) generateAssociateRequest(p associateRequestParams) ([]pdu.SubItem, error) {
	items := []pdu.SubItem{
		&pdu.ApplicationContextItem{Name: pdu.DICOMApplicationContextItemName},
	}
	var plain, encapsulated []string
	for _, uid := range p.transferSyntaxUIDs {
		if sopclass.IsEncapsulated(uid) {
			encapsulated = append(encapsulated, uid)
		} else {
			plain = append(plain, uid)
		}
	}
	var contextID byte = 1
	addContext := func(sopClassUID string, transferSyntaxUIDs []string) error {
		if len(m.tmpRequests) >= maxPresentationContexts {
			return errors.Errorf("%s: too many presentation contexts (limit %d)", m.label, maxPresentationContexts)
		}
		syntaxItems := []pdu.SubItem{&pdu.AbstractSyntaxSubItem{Name: sopClassUID}}
		for _, uid := range transferSyntaxUIDs {
			syntaxItems = append(syntaxItems, &pdu.TransferSyntaxSubItem{Name: uid})
		}
		item := &pdu.PresentationContextItem{
			Type:      pdu.ItemTypePresentationContextRequest,
			ContextID: contextID,
			Items:     syntaxItems,
		}
		items = append(items, item)
		m.tmpRequests[contextID] = item
		contextID += 2 // must be odd.
		return nil
	}
	for _, sopClassUID := range p.sopClassUIDs {
		if len(plain) > 0 {
			if err := addContext(sopClassUID, plain); err != nil {
				return nil, err
			}
		}
		for _, uid := range encapsulated {
			if err := addContext(sopClassUID, []string{uid}); err != nil {
				return nil, err
			}
		}
	}
	if len(m.tmpRequests) == 0 {
		return nil, errors.Errorf("%s: no presentation context to propose", m.label)
	}
	userInfo := []pdu.SubItem{
		&pdu.UserInformationMaximumLengthItem{MaximumLengthReceived: uint32(p.maxPDUSize)},
		&pdu.ImplementationClassUIDSubItem{Name: ImplementationClassUID},
	}
	for _, uid := range p.scpRoleSOPClassUIDs {
		userInfo = append(userInfo, &pdu.RoleSelectionSubItem{SOPClassUID: uid, SCURole: 0, SCPRole: 1})
	}
	userInfo = append(userInfo, &pdu.ImplementationVersionNameSubItem{Name: ImplementationVersionName})
	if p.identity != nil {
		userInfo = append(userInfo, p.identity)
	}
	items = append(items, &pdu.UserInformationItem{Items: userInfo})
	return items, nil
}

// associateRequest is the content of an A-ASSOCIATE-RQ, as seen by the
// acceptor.
type associateRequest struct {
	applicationContextName string
	proposals              []ContextProposal
	roles                  []*pdu.RoleSelectionSubItem
	asyncOpsWindow         *pdu.AsynchronousOperationsWindowSubItem
}

// parseAssociateRequest extracts the proposals and user information of an
// A-ASSOCIATE-RQ.
func (m *contextManager) parseAssociateRequest(requestItems []pdu.SubItem) (associateRequest, error) {
	var rq associateRequest
	for _, requestItem := range requestItems {
		switch ri := requestItem.(type) {
		case *pdu.ApplicationContextItem:
			rq.applicationContextName = ri.Name
		case *pdu.PresentationContextItem:
			p := ContextProposal{ContextID: ri.ContextID}
			for _, subItem := range ri.Items {
				switch c := subItem.(type) {
				case *pdu.AbstractSyntaxSubItem:
					if p.AbstractSyntaxUID != "" {
						return rq, errors.Errorf("multiple AbstractSyntaxSubItem found in %v", ri)
					}
					p.AbstractSyntaxUID = c.Name
				case *pdu.TransferSyntaxSubItem:
					p.TransferSyntaxUIDs = append(p.TransferSyntaxUIDs, c.Name)
				default:
					return rq, errors.Errorf("unknown subitem in PresentationContext: %v", subItem)
				}
			}
			if p.AbstractSyntaxUID == "" {
				return rq, errors.Errorf("SOP not found in PresentationContext: %v", ri)
			}
			// A context without transfer syntaxes is refused by the
			// negotiator alone.
			rq.proposals = append(rq.proposals, p)
		case *pdu.UserInformationItem:
			for _, subItem := range ri.Items {
				switch c := subItem.(type) {
				case *pdu.RoleSelectionSubItem:
					rq.roles = append(rq.roles, c)
				case *pdu.AsynchronousOperationsWindowSubItem:
					rq.asyncOpsWindow = c
				case *pdu.UserIdentityRequestSubItem:
					m.peerIdentity = c
				default:
					m.onUserInformationSubItem(subItem)
				}
			}
		}
	}
	vlog.VI(1).Infof("%s: received associate request, #contexts:%v, maxPDU:%v, implclass:%v, version:%v",
		m.label, len(rq.proposals), m.peerMaxPDUSize, m.peerImplementationClassUID, m.peerImplementationVersionName)
	return rq, m.checkPeerMaxPDUSize()
}

// generateAssociateResponse records the accepted contexts of results and
// produces the items of the A-ASSOCIATE-AC. Role selection is echoed for
// accepted SOP classes. identityResponse is sent iff non-nil and the peer
// asked for one.
func (m *contextManager) generateAssociateResponse(
	rq associateRequest,
	results []ContextResult,
	maxPDUSize int,
	identityResponse []byte) []pdu.SubItem {
	responses := []pdu.SubItem{
		&pdu.ApplicationContextItem{Name: pdu.DICOMApplicationContextItemName},
	}
	for _, r := range results {
		item := &pdu.PresentationContextItem{
			Type:      pdu.ItemTypePresentationContextResponse,
			ContextID: r.ContextID,
			Result:    r.Result,
		}
		if r.Result == pdu.PresentationContextAccepted {
			item.Items = []pdu.SubItem{&pdu.TransferSyntaxSubItem{Name: r.TransferSyntaxUID}}
			m.addContextMapping(r.AbstractSyntaxUID, r.TransferSyntaxUID, r.ContextID)
		} else {
			vlog.VI(1).Infof("%s: rejected context %d (%s): %v",
				m.label, r.ContextID, dicomuid.UIDString(r.AbstractSyntaxUID), r.Result)
		}
		responses = append(responses, item)
	}
	userInfo := []pdu.SubItem{
		&pdu.UserInformationMaximumLengthItem{MaximumLengthReceived: uint32(maxPDUSize)},
		&pdu.ImplementationClassUIDSubItem{Name: ImplementationClassUID},
	}
	if rq.asyncOpsWindow != nil {
		// Operations are never pipelined.
		userInfo = append(userInfo, &pdu.AsynchronousOperationsWindowSubItem{MaxOpsInvoked: 1, MaxOpsPerformed: 1})
	}
	for _, role := range rq.roles {
		if _, ok := m.byAbstractSyntax[role.SOPClassUID]; !ok {
			continue
		}
		accepted := *role
		m.roles[role.SOPClassUID] = &accepted
		userInfo = append(userInfo, &accepted)
	}
	userInfo = append(userInfo, &pdu.ImplementationVersionNameSubItem{Name: ImplementationVersionName})
	if identityResponse != nil && m.peerIdentity != nil && m.peerIdentity.PositiveResponseRequested {
		userInfo = append(userInfo, &pdu.UserIdentityResponseSubItem{ServerResponse: identityResponse})
	}
	return append(responses, &pdu.UserInformationItem{Items: userInfo})
}

// onAssociateResponse is called on the requestor when the A_ASSOCIATE_AC
// arrives. It fails if the AC refers to unknown contexts or accepts none.
func (m *contextManager) onAssociateResponse(responses []pdu.SubItem) error {
	for _, responseItem := range responses {
		switch ri := responseItem.(type) {
		case *pdu.PresentationContextItem:
			request, ok := m.tmpRequests[ri.ContextID]
			if !ok {
				return errors.Errorf("unknown context ID %d for A_ASSOCIATE_AC: %v", ri.ContextID, ri)
			}
			var sopUID string
			var proposed []string
			for _, subItem := range request.Items {
				switch c := subItem.(type) {
				case *pdu.AbstractSyntaxSubItem:
					sopUID = c.Name
				case *pdu.TransferSyntaxSubItem:
					proposed = append(proposed, c.Name)
				}
			}
			if ri.Result != pdu.PresentationContextAccepted {
				vlog.VI(1).Infof("%s: context %d (%s) rejected: %v",
					m.label, ri.ContextID, dicomuid.UIDString(sopUID), ri.Result)
				continue
			}
			var picked string
			for _, subItem := range ri.Items {
				c, ok := subItem.(*pdu.TransferSyntaxSubItem)
				if !ok {
					return errors.Errorf("unknown subitem %v in PresentationContext: %v", subItem, ri)
				}
				if picked != "" {
					return errors.Errorf("multiple syntax UIDs returned in A_ASSOCIATE_AC: %v", ri)
				}
				picked = c.Name
			}
			if !slices.Contains(proposed, picked) {
				return errors.Errorf("transfer syntax %q was not proposed for context %d", picked, ri.ContextID)
			}
			m.addContextMapping(sopUID, picked, ri.ContextID)
		case *pdu.UserInformationItem:
			for _, subItem := range ri.Items {
				switch c := subItem.(type) {
				case *pdu.RoleSelectionSubItem:
					m.roles[c.SOPClassUID] = c
				case *pdu.UserIdentityResponseSubItem:
					m.identityResponse = c.ServerResponse
				default:
					m.onUserInformationSubItem(subItem)
				}
			}
		}
	}
	vlog.VI(1).Infof("%s: received associate response, #contexts:%v, maxPDU:%v, implclass:%v, version:%v",
		m.label, len(m.byContextID), m.peerMaxPDUSize, m.peerImplementationClassUID, m.peerImplementationVersionName)
	if len(m.byContextID) == 0 {
		return errors.New("no presentation context was accepted")
	}
	return m.checkPeerMaxPDUSize()
}

// checkPeerMaxPDUSize refuses a declared max PDU length too small to carry a
// PDV with any payload.
func (m *contextManager) checkPeerMaxPDUSize() error {
	if m.peerMaxPDUSize < dimse.MinPDUSize {
		return errors.Errorf("peer max PDU length %d is below %d", m.peerMaxPDUSize, dimse.MinPDUSize)
	}
	return nil
}

func (m *contextManager) onUserInformationSubItem(item pdu.SubItem) {
	switch c := item.(type) {
	case *pdu.UserInformationMaximumLengthItem:
		m.peerMaxPDUSize = int(c.MaximumLengthReceived)
		if m.peerMaxPDUSize == 0 {
			// Zero means unlimited.
			m.peerMaxPDUSize = DefaultMaxPDUSize
		}
	case *pdu.ImplementationClassUIDSubItem:
		m.peerImplementationClassUID = c.Name
	case *pdu.ImplementationVersionNameSubItem:
		m.peerImplementationVersionName = c.Name
	default:
		vlog.VI(2).Infof("%s: ignoring user information item %v", m.label, item)
	}
}

// Add a mapping between a (global) UID and a (per-session) context ID.
func (m *contextManager) addContextMapping(abstractSyntaxUID, transferSyntaxUID string, contextID byte) {
	vlog.VI(2).Infof("%s: map context %d -> %s, %s", m.label,
		contextID, dicomuid.UIDString(abstractSyntaxUID), dicomuid.UIDString(transferSyntaxUID))
	e := &contextEntry{
		abstractSyntaxUID: abstractSyntaxUID,
		transferSyntaxUID: transferSyntaxUID,
		contextID:         contextID,
	}
	m.byContextID[contextID] = e
	m.byAbstractSyntax[abstractSyntaxUID] = append(m.byAbstractSyntax[abstractSyntaxUID], e)
}

// lookupByAbstractSyntaxUID returns the first context negotiated for the SOP
// class.
func (m *contextManager) lookupByAbstractSyntaxUID(uid string) (contextEntry, error) {
	entries := m.byAbstractSyntax[uid]
	if len(entries) == 0 {
		return contextEntry{}, errors.Errorf("%s: no presentation context for %s", m.label, dicomuid.UIDString(uid))
	}
	return *entries[0], nil
}

func (m *contextManager) lookupByContextID(contextID byte) (contextEntry, error) {
	e, ok := m.byContextID[contextID]
	if !ok {
		return contextEntry{}, errors.Errorf("%s: unknown context ID %d", m.label, contextID)
	}
	return *e, nil
}

// lookupForStore picks the context to send an object of the given SOP class
// encoded in transferSyntaxUID. A context with the same transfer syntax wins;
// otherwise any context the object can be transcoded into.
func (m *contextManager) lookupForStore(sopClassUID, transferSyntaxUID string) (contextEntry, error) {
	entries := m.byAbstractSyntax[sopClassUID]
	if len(entries) == 0 {
		return contextEntry{}, errors.Errorf("%s: no presentation context for %s", m.label, dicomuid.UIDString(sopClassUID))
	}
	for _, e := range entries {
		if e.transferSyntaxUID == transferSyntaxUID {
			return *e, nil
		}
	}
	for _, e := range entries {
		if canTranscode(transferSyntaxUID, e.transferSyntaxUID) {
			return *e, nil
		}
	}
	return contextEntry{}, errors.Errorf("%s: no presentation context for %s can carry transfer syntax %s",
		m.label, dicomuid.UIDString(sopClassUID), dicomuid.UIDString(transferSyntaxUID))
}
