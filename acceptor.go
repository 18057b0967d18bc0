package netdicom

import (
	"net"
	"strings"

	"github.com/pacslink/go-netdicom/pdu"
	"github.com/pkg/errors"
	"v.io/x/lib/vlog"
)

// Authenticator checks the user identity of an A-ASSOCIATE-RQ. identity is
// nil if the requestor sent none. A non-nil response is returned to the
// requestor if it asked for a positive response.
type Authenticator func(a *Association, identity *pdu.UserIdentityRequestSubItem) (response []byte, ok bool)

type acceptorParams struct {
	associationParams
	// If non-empty, requests addressed to another AE title are rejected.
	aeTitle      string
	negotiator   Negotiator
	authenticate Authenticator
}

// acceptAssociation runs the acceptor half of association establishment over
// conn. The association is returned even on failure so that the caller can
// report who the peer was; its connection is closed by then.
func acceptAssociation(conn net.Conn, p acceptorParams) (*Association, error) {
	p.role = RoleAcceptor
	a := newAssociation(conn, p.associationParams)
	a.onAssociateRequest = func(rq *pdu.A_ASSOCIATE) (pdu.PDU, error) {
		return onAssociateRequest(a, rq, p)
	}
	runAction(a, stateEvent{event: evt05})
	runUntil(a, func(s *stateType) bool { return s == sta06 || s == sta01 })
	if a.state != sta06 {
		return a, a.closedError()
	}
	vlog.Infof("%s: association established with %s at %v, %d contexts",
		a.label, a.callingAETitle, conn.RemoteAddr(), len(a.cm.byContextID))
	return a, nil
}

func rejectPermanent(source pdu.RejectSource, reason pdu.RejectReason) *pdu.A_ASSOCIATE_RJ {
	return &pdu.A_ASSOCIATE_RJ{Result: pdu.ResultRejectedPermanent, Source: source, Reason: reason}
}

// onAssociateRequest answers an A-ASSOCIATE-RQ with A-ASSOCIATE-AC or -RJ. An
// error means the request is malformed and the association must be aborted.
func onAssociateRequest(a *Association, rq *pdu.A_ASSOCIATE, p acceptorParams) (pdu.PDU, error) {
	a.callingAETitle = strings.TrimSpace(rq.CallingAETitle)
	a.calledAETitle = strings.TrimSpace(rq.CalledAETitle)
	if rq.ProtocolVersion&1 == 0 {
		vlog.Errorf("%s: unsupported protocol version 0x%x", a.label, rq.ProtocolVersion)
		return rejectPermanent(pdu.SourceULServiceProviderACSE, pdu.ReasonProtocolVersionNotSupported), nil
	}
	parsed, err := a.cm.parseAssociateRequest(rq.Items)
	if err != nil {
		return nil, errors.Wrap(err, "A-ASSOCIATE-RQ")
	}
	if parsed.applicationContextName != pdu.DICOMApplicationContextItemName {
		vlog.Errorf("%s: unsupported application context %q", a.label, parsed.applicationContextName)
		return rejectPermanent(pdu.SourceULServiceUser, pdu.ReasonApplicationContextNameNotSupported), nil
	}
	if p.aeTitle != "" && a.calledAETitle != strings.TrimSpace(p.aeTitle) {
		vlog.Errorf("%s: request for AE title %q, expected %q", a.label, a.calledAETitle, p.aeTitle)
		return rejectPermanent(pdu.SourceULServiceUser, pdu.ReasonCalledAETitleNotRecognized), nil
	}
	var identityResponse []byte
	if p.authenticate != nil {
		var ok bool
		if identityResponse, ok = p.authenticate(a, a.cm.peerIdentity); !ok {
			vlog.Errorf("%s: user identity of %s refused", a.label, a.callingAETitle)
			return rejectPermanent(pdu.SourceULServiceUser, pdu.ReasonNone), nil
		}
	}
	results := p.negotiator.Negotiate(parsed.proposals)
	accepted := 0
	for _, r := range results {
		if r.Result == pdu.PresentationContextAccepted {
			accepted++
		}
	}
	if accepted == 0 {
		vlog.Errorf("%s: none of the %d proposed contexts is acceptable", a.label, len(results))
		return rejectPermanent(pdu.SourceULServiceUser, pdu.ReasonNone), nil
	}
	return &pdu.A_ASSOCIATE{
		Type:            pdu.PDUTypeA_ASSOCIATE_AC,
		ProtocolVersion: pdu.CurrentProtocolVersion,
		CalledAETitle:   rq.CalledAETitle,
		CallingAETitle:  rq.CallingAETitle,
		Items:           a.cm.generateAssociateResponse(parsed, results, a.maxPDUSize, identityResponse),
	}, nil
}
