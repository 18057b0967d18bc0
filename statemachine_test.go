package netdicom

import (
	"net"
	"testing"
	"time"

	"github.com/pacslink/go-netdicom/pdu"
	"github.com/pacslink/go-netdicom/sopclass"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawPeer plays the other side of an association one PDU at a time.
type rawPeer struct {
	t    *testing.T
	conn net.Conn
}

func (p *rawPeer) send(v pdu.PDU) {
	data, err := pdu.EncodePDU(v)
	require.NoError(p.t, err)
	_, err = p.conn.Write(data)
	require.NoError(p.t, err)
}

func (p *rawPeer) recv() pdu.PDU {
	v, err := pdu.ReadPDU(p.conn, DefaultMaxPDUSize)
	require.NoError(p.t, err)
	return v
}

// acceptFirstContext answers an A-ASSOCIATE-RQ by accepting context 1 with
// the first transfer syntax proposed for it.
func (p *rawPeer) acceptFirstContext() {
	rq, ok := p.recv().(*pdu.A_ASSOCIATE)
	require.True(p.t, ok)
	require.Equal(p.t, pdu.PDUTypeA_ASSOCIATE_RQ, rq.Type)
	var ts string
	for _, item := range rq.Items {
		if pc, ok := item.(*pdu.PresentationContextItem); ok && pc.ContextID == 1 {
			for _, sub := range pc.Items {
				if t, ok := sub.(*pdu.TransferSyntaxSubItem); ok && ts == "" {
					ts = t.Name
				}
			}
		}
	}
	p.send(&pdu.A_ASSOCIATE{
		Type:            pdu.PDUTypeA_ASSOCIATE_AC,
		ProtocolVersion: pdu.CurrentProtocolVersion,
		CalledAETitle:   rq.CalledAETitle,
		CallingAETitle:  rq.CallingAETitle,
		Items: []pdu.SubItem{
			&pdu.ApplicationContextItem{Name: pdu.DICOMApplicationContextItemName},
			&pdu.PresentationContextItem{
				Type:      pdu.ItemTypePresentationContextResponse,
				ContextID: 1,
				Result:    pdu.PresentationContextAccepted,
				Items:     []pdu.SubItem{&pdu.TransferSyntaxSubItem{Name: ts}},
			},
			&pdu.UserInformationItem{Items: []pdu.SubItem{
				&pdu.UserInformationMaximumLengthItem{MaximumLengthReceived: 16384},
			}},
		},
	})
}

// startPeer runs script on the far end of a pipe and returns the near end.
// The returned channel is closed when the script is done.
func startPeer(t *testing.T, script func(p *rawPeer)) (net.Conn, <-chan struct{}) {
	near, far := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer far.Close()
		script(&rawPeer{t: t, conn: far})
	}()
	return near, done
}

func newTestUser() *ServiceUser {
	return NewServiceUser(ServiceUserParams{
		CalledAETitle:    "SCP",
		CallingAETitle:   "SCU",
		SOPClasses:       []string{sopclass.VerificationSOPClass},
		TransferSyntaxes: []string{sopclass.ImplicitVRLittleEndian},
		ARTIMTimeout:     time.Second,
		ReadTimeout:      5 * time.Second,
	})
}

func TestRequestorRejected(t *testing.T) {
	conn, done := startPeer(t, func(p *rawPeer) {
		rq := p.recv().(*pdu.A_ASSOCIATE)
		assert.Equal(t, "SCP", rq.CalledAETitle)
		assert.Equal(t, "SCU", rq.CallingAETitle)
		p.send(rejectPermanent(pdu.SourceULServiceUser, pdu.ReasonCalledAETitleNotRecognized))
	})
	err := newTestUser().SetConn(conn)
	var rj *RejectError
	require.True(t, errors.As(err, &rj), "%v", err)
	assert.Equal(t, pdu.ResultRejectedPermanent, rj.Result)
	assert.Equal(t, pdu.ReasonCalledAETitleNotRecognized, rj.Reason)
	<-done
}

func TestPeerReleaseEndsReceive(t *testing.T) {
	conn, done := startPeer(t, func(p *rawPeer) {
		p.acceptFirstContext()
		p.send(&pdu.A_RELEASE_RQ{})
		_, ok := p.recv().(*pdu.A_RELEASE_RP)
		assert.True(t, ok)
	})
	su := newTestUser()
	require.NoError(t, su.SetConn(conn))
	assert.True(t, su.Association().Established())
	r := su.Association().ReceiveMessage()
	assert.Equal(t, Released, r.Status)
	assert.True(t, IsReleased(r.Err))
	assert.False(t, su.Association().Established())
	<-done

	// Further operations report the release.
	assert.True(t, IsReleased(su.CEcho()))
}

func TestUnexpectedPDUAborts(t *testing.T) {
	conn, done := startPeer(t, func(p *rawPeer) {
		p.acceptFirstContext()
		p.send(&pdu.A_RELEASE_RP{})
		abort, ok := p.recv().(*pdu.A_ABORT)
		require.True(t, ok)
		assert.Equal(t, pdu.AbortSourceServiceProvider, abort.Source)
		assert.Equal(t, pdu.AbortReasonUnexpectedPDU, abort.Reason)
	})
	su := newTestUser()
	require.NoError(t, su.SetConn(conn))
	r := su.Association().ReceiveMessage()
	assert.Equal(t, Failed, r.Status)
	var protoErr *ProtocolError
	assert.True(t, errors.As(r.Err, &protoErr), "%v", r.Err)
	<-done
}

func TestPeerAbort(t *testing.T) {
	conn, done := startPeer(t, func(p *rawPeer) {
		p.acceptFirstContext()
		p.send(&pdu.A_ABORT{Source: pdu.AbortSourceServiceUser, Reason: pdu.AbortReasonNotSpecified})
	})
	su := newTestUser()
	require.NoError(t, su.SetConn(conn))
	r := su.Association().ReceiveMessage()
	assert.Equal(t, Aborted, r.Status)
	var abortErr *AbortError
	require.True(t, errors.As(r.Err, &abortErr))
	assert.Equal(t, pdu.AbortSourceServiceUser, abortErr.Source)
	<-done
}

func TestReleaseCollision(t *testing.T) {
	conn, done := startPeer(t, func(p *rawPeer) {
		p.acceptFirstContext()
		_, ok := p.recv().(*pdu.A_RELEASE_RQ)
		require.True(t, ok)
		p.send(&pdu.A_RELEASE_RQ{})
		// The requestor answers first.
		_, ok = p.recv().(*pdu.A_RELEASE_RP)
		require.True(t, ok)
		p.send(&pdu.A_RELEASE_RP{})
	})
	su := newTestUser()
	require.NoError(t, su.SetConn(conn))
	assert.NoError(t, su.Release())
	assert.False(t, su.Association().Established())
	<-done
}

func TestFaultInjectorDropsAssociateRequest(t *testing.T) {
	conn, done := startPeer(t, func(p *rawPeer) {
		_, err := pdu.ReadPDU(p.conn, DefaultMaxPDUSize)
		assert.Error(t, err)
	})
	su := newTestUser()
	su.params.Faults = NewDisconnectingFaultInjector(1)
	err := su.SetConn(conn)
	assert.True(t, errors.Is(err, errFaultInjected), "%v", err)
	assert.Equal(t, 1, su.params.Faults.Sends())
	<-done
}

func newTestAcceptor(conn net.Conn, aeTitle string) (*Association, error) {
	return acceptAssociation(conn, acceptorParams{
		associationParams: associationParams{
			seq:         1,
			artim:       time.Second,
			readTimeout: 500 * time.Millisecond,
		},
		aeTitle:    aeTitle,
		negotiator: NewNegotiator([]string{sopclass.VerificationSOPClass}, nil),
	})
}

func associateRQ(calledAETitle string, version uint16, abstractSyntax string) *pdu.A_ASSOCIATE {
	return &pdu.A_ASSOCIATE{
		Type:            pdu.PDUTypeA_ASSOCIATE_RQ,
		ProtocolVersion: version,
		CalledAETitle:   calledAETitle,
		CallingAETitle:  "SCU",
		Items: []pdu.SubItem{
			&pdu.ApplicationContextItem{Name: pdu.DICOMApplicationContextItemName},
			&pdu.PresentationContextItem{
				Type:      pdu.ItemTypePresentationContextRequest,
				ContextID: 1,
				Items: []pdu.SubItem{
					&pdu.AbstractSyntaxSubItem{Name: abstractSyntax},
					&pdu.TransferSyntaxSubItem{Name: sopclass.ImplicitVRLittleEndian},
					&pdu.TransferSyntaxSubItem{Name: sopclass.ExplicitVRLittleEndian},
				},
			},
			&pdu.UserInformationItem{Items: []pdu.SubItem{
				&pdu.UserInformationMaximumLengthItem{MaximumLengthReceived: 0},
			}},
		},
	}
}

func TestAcceptorRejects(t *testing.T) {
	for _, test := range []struct {
		name   string
		rq     *pdu.A_ASSOCIATE
		source pdu.RejectSource
		reason pdu.RejectReason
	}{
		{"protocol version", associateRQ("SCP", 2, sopclass.VerificationSOPClass),
			pdu.SourceULServiceProviderACSE, pdu.ReasonProtocolVersionNotSupported},
		{"called AE", associateRQ("OTHER", 1, sopclass.VerificationSOPClass),
			pdu.SourceULServiceUser, pdu.ReasonCalledAETitleNotRecognized},
		{"no context", associateRQ("SCP", 1, ctImage),
			pdu.SourceULServiceUser, pdu.ReasonNone},
	} {
		t.Run(test.name, func(t *testing.T) {
			conn, done := startPeer(t, func(p *rawPeer) {
				p.send(test.rq)
				rj, ok := p.recv().(*pdu.A_ASSOCIATE_RJ)
				require.True(t, ok)
				assert.Equal(t, pdu.ResultRejectedPermanent, rj.Result)
				assert.Equal(t, test.source, rj.Source)
				assert.Equal(t, test.reason, rj.Reason)
			})
			a, err := newTestAcceptor(conn, "SCP")
			var rj *RejectError
			require.True(t, errors.As(err, &rj), "%v", err)
			assert.Equal(t, test.reason, rj.Reason)
			assert.Equal(t, "SCU", a.CallingAETitle())
			<-done
		})
	}
}

func TestAcceptorAccepts(t *testing.T) {
	conn, done := startPeer(t, func(p *rawPeer) {
		p.send(associateRQ("SCP", 1, sopclass.VerificationSOPClass))
		ac, ok := p.recv().(*pdu.A_ASSOCIATE)
		require.True(t, ok)
		assert.Equal(t, pdu.PDUTypeA_ASSOCIATE_AC, ac.Type)
		assert.Equal(t, "SCP", ac.CalledAETitle)
		assert.Equal(t, "SCU", ac.CallingAETitle)
		p.send(&pdu.A_RELEASE_RQ{})
		_, ok = p.recv().(*pdu.A_RELEASE_RP)
		assert.True(t, ok)
	})
	a, err := newTestAcceptor(conn, "SCP")
	require.NoError(t, err)
	require.Len(t, a.PresentationContexts(), 1)
	assert.Equal(t, sopclass.ExplicitVRLittleEndian, a.PresentationContexts()[0].TransferSyntaxUID)
	assert.Equal(t, DefaultMaxPDUSize, a.PeerMaxPDUSize())
	r := a.ReceiveMessage()
	assert.Equal(t, Released, r.Status)
	<-done
}

func TestAcceptorTimesOutWithoutRequest(t *testing.T) {
	conn, done := startPeer(t, func(p *rawPeer) {
		_, err := pdu.ReadPDU(p.conn, DefaultMaxPDUSize)
		assert.Error(t, err)
	})
	start := time.Now()
	_, err := newTestAcceptor(conn, "SCP")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	<-done
}

func TestUnexpectedEventsHaveActions(t *testing.T) {
	// Every PDU event must be handled in every state where the reader runs.
	for _, state := range []*stateType{sta02, sta05, sta06, sta07, sta13} {
		for _, event := range []eventType{evt03, evt04, evt06, evt10, evt12, evt13, evt16, evt17, evt19} {
			assert.NotNil(t, findAction(state, event), "%v %v", state.Name, event)
		}
	}
}

func TestAcceptorReleaseCollision(t *testing.T) {
	conn, done := startPeer(t, func(p *rawPeer) {
		p.send(associateRQ("SCP", 1, sopclass.VerificationSOPClass))
		_, ok := p.recv().(*pdu.A_ASSOCIATE)
		require.True(t, ok)
		_, ok = p.recv().(*pdu.A_RELEASE_RQ)
		require.True(t, ok)
		p.send(&pdu.A_RELEASE_RQ{})
		// The acceptor waits for the requestor's reply before answering.
		p.send(&pdu.A_RELEASE_RP{})
		_, ok = p.recv().(*pdu.A_RELEASE_RP)
		require.True(t, ok)
		// Nothing else arrives; the acceptor closes once ARTIM expires.
		_, err := pdu.ReadPDU(p.conn, DefaultMaxPDUSize)
		assert.Error(t, err)
	})
	a, err := newTestAcceptor(conn, "SCP")
	require.NoError(t, err)
	assert.NoError(t, a.Release())
	assert.False(t, a.Established())
	assert.True(t, a.connClosed)
	<-done

	// A second release reports the closed association without sending.
	assert.Error(t, a.Release())
}

func TestReleaseTimesOutWithoutReply(t *testing.T) {
	conn, done := startPeer(t, func(p *rawPeer) {
		p.acceptFirstContext()
		_, ok := p.recv().(*pdu.A_RELEASE_RQ)
		require.True(t, ok)
		// Stay silent until the requestor gives up.
		_, err := pdu.ReadPDU(p.conn, DefaultMaxPDUSize)
		assert.Error(t, err)
	})
	su := newTestUser()
	require.NoError(t, su.SetConn(conn))
	start := time.Now()
	err := su.Release()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out in Sta07")
	assert.GreaterOrEqual(t, time.Since(start), su.params.ARTIMTimeout/2)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, su.Association().Established())
	<-done
}

func TestAcceptorRefusesContextWithoutTransferSyntax(t *testing.T) {
	rq := associateRQ("SCP", 1, sopclass.VerificationSOPClass)
	rq.Items = append(rq.Items[:2], append([]pdu.SubItem{
		&pdu.PresentationContextItem{
			Type:      pdu.ItemTypePresentationContextRequest,
			ContextID: 3,
			Items:     []pdu.SubItem{&pdu.AbstractSyntaxSubItem{Name: sopclass.VerificationSOPClass}},
		},
	}, rq.Items[2:]...)...)
	conn, done := startPeer(t, func(p *rawPeer) {
		p.send(rq)
		ac, ok := p.recv().(*pdu.A_ASSOCIATE)
		require.True(t, ok)
		require.Equal(t, pdu.PDUTypeA_ASSOCIATE_AC, ac.Type)
		results := map[byte]pdu.PresentationContextResult{}
		for _, item := range ac.Items {
			if pc, ok := item.(*pdu.PresentationContextItem); ok {
				results[pc.ContextID] = pc.Result
			}
		}
		assert.Equal(t, pdu.PresentationContextAccepted, results[1])
		assert.Equal(t, pdu.PresentationContextProviderRejectionTransferSyntaxNotSupported, results[3])
		p.send(&pdu.A_RELEASE_RQ{})
		_, ok = p.recv().(*pdu.A_RELEASE_RP)
		assert.True(t, ok)
	})
	a, err := newTestAcceptor(conn, "SCP")
	require.NoError(t, err)
	require.Len(t, a.PresentationContexts(), 1)
	assert.Equal(t, byte(1), a.PresentationContexts()[0].ContextID)
	assert.Equal(t, Released, a.ReceiveMessage().Status)
	<-done
}

func TestAcceptorAbortsOnTinyMaxPDUSize(t *testing.T) {
	rq := associateRQ("SCP", 1, sopclass.VerificationSOPClass)
	rq.Items[2] = &pdu.UserInformationItem{Items: []pdu.SubItem{
		&pdu.UserInformationMaximumLengthItem{MaximumLengthReceived: pdu.PDVHeaderSize},
	}}
	conn, done := startPeer(t, func(p *rawPeer) {
		p.send(rq)
		abort, ok := p.recv().(*pdu.A_ABORT)
		require.True(t, ok)
		assert.Equal(t, pdu.AbortSourceServiceProvider, abort.Source)
	})
	_, err := newTestAcceptor(conn, "SCP")
	var protoErr *ProtocolError
	require.True(t, errors.As(err, &protoErr), "%v", err)
	assert.Contains(t, err.Error(), "max PDU length")
	<-done
}
