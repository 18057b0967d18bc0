package netdicom

import (
	"crypto/tls"
	"net"
	"strings"
	"time"

	"github.com/pacslink/go-netdicom/pdu"
	"github.com/pkg/errors"
	"v.io/x/lib/vlog"
)

type requestorParams struct {
	associationParams
	calledAETitle  string
	callingAETitle string
	request        associateRequestParams
}

// requestAssociation runs the requestor half of association establishment
// over conn. On failure the connection is closed and the error is a
// *RejectError, *AbortError, *ProtocolError or a transport error.
func requestAssociation(conn net.Conn, p requestorParams) (*Association, error) {
	p.role = RoleRequestor
	a := newAssociation(conn, p.associationParams)
	a.calledAETitle = strings.TrimSpace(p.calledAETitle)
	a.callingAETitle = strings.TrimSpace(p.callingAETitle)
	p.request.maxPDUSize = a.maxPDUSize
	items, err := a.cm.generateAssociateRequest(p.request)
	if err != nil {
		conn.Close()
		return nil, err
	}
	a.associateRQ = &pdu.A_ASSOCIATE{
		Type:            pdu.PDUTypeA_ASSOCIATE_RQ,
		ProtocolVersion: pdu.CurrentProtocolVersion,
		CalledAETitle:   a.calledAETitle,
		CallingAETitle:  a.callingAETitle,
		Items:           items,
	}
	vlog.VI(1).Infof("%s: requesting association %s -> %s at %v",
		a.label, a.callingAETitle, a.calledAETitle, conn.RemoteAddr())
	runAction(a, stateEvent{event: evt02})
	runUntil(a, func(s *stateType) bool { return s == sta06 || s == sta01 })
	if a.state != sta06 {
		return nil, a.closedError()
	}
	vlog.Infof("%s: association established with %s at %v, %d contexts",
		a.label, a.calledAETitle, conn.RemoteAddr(), len(a.cm.byContextID))
	return a, nil
}

// dial opens the transport for a requestor. A nil tlsConfig means plain TCP.
func dial(addr string, tlsConfig *tls.Config, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	var conn net.Conn
	var err error
	if tlsConfig != nil {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", addr)
	}
	return conn, nil
}
