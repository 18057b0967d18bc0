package netdicom

import (
	"testing"

	"github.com/pacslink/go-netdicom/pdu"
	"github.com/pacslink/go-netdicom/sopclass"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ctImage = "1.2.840.10008.5.1.4.1.1.2"

func TestNegotiatePrefersExplicitLittleEndian(t *testing.T) {
	n := NewNegotiator([]string{sopclass.VerificationSOPClass}, nil)
	results := n.Negotiate([]ContextProposal{{
		ContextID:         1,
		AbstractSyntaxUID: sopclass.VerificationSOPClass,
		TransferSyntaxUIDs: []string{
			sopclass.ImplicitVRLittleEndian,
			sopclass.ExplicitVRLittleEndian,
		},
	}})
	require.Len(t, results, 1)
	assert.Equal(t, pdu.PresentationContextAccepted, results[0].Result)
	assert.Equal(t, sopclass.ExplicitVRLittleEndian, results[0].TransferSyntaxUID)
	assert.Equal(t, byte(1), results[0].ContextID)
}

func TestNegotiateCompressedOnlyWhenListed(t *testing.T) {
	proposals := []ContextProposal{{
		ContextID:          3,
		AbstractSyntaxUID:  ctImage,
		TransferSyntaxUIDs: []string{sopclass.JPEGBaseline, sopclass.ImplicitVRLittleEndian},
	}}

	results := NewNegotiator([]string{ctImage}, nil).Negotiate(proposals)
	assert.Equal(t, sopclass.ImplicitVRLittleEndian, results[0].TransferSyntaxUID)

	results = NewNegotiator([]string{ctImage}, []string{sopclass.JPEGBaseline}).Negotiate(proposals)
	assert.Equal(t, sopclass.JPEGBaseline, results[0].TransferSyntaxUID)
}

func TestNegotiateRejections(t *testing.T) {
	n := NewNegotiator([]string{ctImage}, nil)
	results := n.Negotiate([]ContextProposal{
		{ContextID: 1, AbstractSyntaxUID: sopclass.VerificationSOPClass, TransferSyntaxUIDs: []string{sopclass.ImplicitVRLittleEndian}},
		{ContextID: 3, AbstractSyntaxUID: ctImage, TransferSyntaxUIDs: []string{sopclass.JPEGBaseline}},
		{ContextID: 5, AbstractSyntaxUID: ctImage, TransferSyntaxUIDs: []string{sopclass.ExplicitVRBigEndian}},
		{ContextID: 5, AbstractSyntaxUID: ctImage, TransferSyntaxUIDs: []string{sopclass.ImplicitVRLittleEndian}},
	})
	require.Len(t, results, 4)
	assert.Equal(t, pdu.PresentationContextProviderRejectionAbstractSyntaxNotSupported, results[0].Result)
	assert.Equal(t, pdu.PresentationContextProviderRejectionTransferSyntaxNotSupported, results[1].Result)
	assert.Equal(t, pdu.PresentationContextAccepted, results[2].Result)
	assert.Equal(t, sopclass.ExplicitVRBigEndian, results[2].TransferSyntaxUID)
	assert.Equal(t, pdu.PresentationContextProviderRejectionNoReason, results[3].Result)
	for _, r := range []ContextResult{results[0], results[1], results[3]} {
		assert.Empty(t, r.TransferSyntaxUID)
	}
}

func TestNegotiateNilPoliciesAcceptEverything(t *testing.T) {
	results := Negotiator{}.Negotiate([]ContextProposal{
		{ContextID: 7, AbstractSyntaxUID: "1.2.3.4", TransferSyntaxUIDs: []string{sopclass.ImplicitVRLittleEndian}},
	})
	assert.Equal(t, pdu.PresentationContextAccepted, results[0].Result)
}

type firstProposed struct{}

func (firstProposed) SelectTransferSyntax(_ string, proposed []string) (string, bool) {
	if len(proposed) == 0 {
		return "", false
	}
	return proposed[0], true
}

func TestNegotiateCustomPolicy(t *testing.T) {
	n := Negotiator{
		AbstractSyntaxes: AnyAbstractSyntax{},
		TransferSyntaxes: firstProposed{},
	}
	results := n.Negotiate([]ContextProposal{
		{ContextID: 1, AbstractSyntaxUID: ctImage, TransferSyntaxUIDs: []string{sopclass.JPEGBaseline, sopclass.ExplicitVRLittleEndian}},
		{ContextID: 3, AbstractSyntaxUID: ctImage},
	})
	assert.Equal(t, sopclass.JPEGBaseline, results[0].TransferSyntaxUID)
	assert.Equal(t, pdu.PresentationContextProviderRejectionTransferSyntaxNotSupported, results[1].Result)
}
