package netdicom

import (
	"github.com/pacslink/go-netdicom/pdu"
	"github.com/pacslink/go-netdicom/sopclass"
	"golang.org/x/exp/slices"
)

// AbstractSyntaxPolicy decides which abstract syntaxes (SOP classes) the
// acceptor supports.
type AbstractSyntaxPolicy interface {
	AcceptsAbstractSyntax(uid string) bool
}

// TransferSyntaxPolicy picks exactly one of the transfer syntaxes proposed
// for a context, or reports that none is acceptable.
type TransferSyntaxPolicy interface {
	SelectTransferSyntax(abstractSyntaxUID string, proposed []string) (string, bool)
}

// AbstractSyntaxSet accepts the listed SOP class UIDs.
type AbstractSyntaxSet []string

func (s AbstractSyntaxSet) AcceptsAbstractSyntax(uid string) bool {
	return slices.Contains(s, uid)
}

// AnyAbstractSyntax accepts every SOP class.
type AnyAbstractSyntax struct{}

func (AnyAbstractSyntax) AcceptsAbstractSyntax(string) bool { return true }

// PreferredTransferSyntaxes selects the first proposed syntax in the order
// compressed (only those listed in Compressed), deflated explicit little
// endian, explicit little endian, explicit big endian, implicit little endian.
type PreferredTransferSyntaxes struct {
	// Encapsulated syntaxes the local side can handle, most preferred first.
	Compressed []string
}

// Order returns the full preference list.
func (p PreferredTransferSyntaxes) Order() []string {
	order := make([]string, 0, len(p.Compressed)+4)
	order = append(order, p.Compressed...)
	return append(order,
		sopclass.DeflatedExplicitVRLittleEndian,
		sopclass.ExplicitVRLittleEndian,
		sopclass.ExplicitVRBigEndian,
		sopclass.ImplicitVRLittleEndian)
}

func (p PreferredTransferSyntaxes) SelectTransferSyntax(_ string, proposed []string) (string, bool) {
	for _, uid := range p.Order() {
		if slices.Contains(proposed, uid) {
			return uid, true
		}
	}
	return "", false
}

// ContextProposal is one presentation context of an A-ASSOCIATE-RQ.
type ContextProposal struct {
	ContextID          byte
	AbstractSyntaxUID  string
	TransferSyntaxUIDs []string
}

// ContextResult is the answer to one ContextProposal. TransferSyntaxUID is
// set iff Result is PresentationContextAccepted.
type ContextResult struct {
	ContextID         byte
	AbstractSyntaxUID string
	TransferSyntaxUID string
	Result            pdu.PresentationContextResult
}

// Negotiator applies the two policies to a list of proposals. A nil
// AbstractSyntaxes accepts everything; a nil TransferSyntaxes uses
// PreferredTransferSyntaxes{}.
type Negotiator struct {
	AbstractSyntaxes AbstractSyntaxPolicy
	TransferSyntaxes TransferSyntaxPolicy
}

// NewNegotiator creates a Negotiator that supports the given SOP classes and,
// besides the uncompressed syntaxes, the given compressed ones.
func NewNegotiator(abstractSyntaxUIDs []string, compressed []string) Negotiator {
	return Negotiator{
		AbstractSyntaxes: AbstractSyntaxSet(abstractSyntaxUIDs),
		TransferSyntaxes: PreferredTransferSyntaxes{Compressed: compressed},
	}
}

// Negotiate answers each proposal. The abstract syntax of every proposal is
// checked first; transfer syntaxes are examined only for the survivors.
// Results are in proposal order.
func (n Negotiator) Negotiate(proposals []ContextProposal) []ContextResult {
	var abstractSyntaxes AbstractSyntaxPolicy = AnyAbstractSyntax{}
	if n.AbstractSyntaxes != nil {
		abstractSyntaxes = n.AbstractSyntaxes
	}
	var transferSyntaxes TransferSyntaxPolicy = PreferredTransferSyntaxes{}
	if n.TransferSyntaxes != nil {
		transferSyntaxes = n.TransferSyntaxes
	}

	results := make([]ContextResult, len(proposals))
	seen := map[byte]bool{}
	for i, p := range proposals {
		results[i] = ContextResult{
			ContextID:         p.ContextID,
			AbstractSyntaxUID: p.AbstractSyntaxUID,
			Result:            pdu.PresentationContextAccepted,
		}
		switch {
		case seen[p.ContextID]:
			results[i].Result = pdu.PresentationContextProviderRejectionNoReason
		case !abstractSyntaxes.AcceptsAbstractSyntax(p.AbstractSyntaxUID):
			results[i].Result = pdu.PresentationContextProviderRejectionAbstractSyntaxNotSupported
		}
		seen[p.ContextID] = true
	}
	for i, p := range proposals {
		if results[i].Result != pdu.PresentationContextAccepted {
			continue
		}
		uid, ok := transferSyntaxes.SelectTransferSyntax(p.AbstractSyntaxUID, p.TransferSyntaxUIDs)
		if !ok {
			results[i].Result = pdu.PresentationContextProviderRejectionTransferSyntaxNotSupported
			continue
		}
		results[i].TransferSyntaxUID = uid
	}
	return results
}
