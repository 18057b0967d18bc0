package dimse

import "fmt"

// Status is the outcome of a DIMSE operation, carried in every response.
// P3.7 annex C.
type Status struct {
	Status StatusCode
	// Optional free-form text, for failures.
	ErrorComment string
}

// Success is the status of a successfully completed operation.
var Success = Status{Status: StatusSuccess}

func (s Status) String() string {
	if s.ErrorComment == "" {
		return s.Status.String()
	}
	return fmt.Sprintf("%v (%s)", s.Status, s.ErrorComment)
}

// StatusCode is a DIMSE response status value.
type StatusCode uint16

// Status codes shared by all services.
const (
	StatusSuccess               StatusCode = 0
	StatusWarning               StatusCode = 0x0001
	StatusCancel                StatusCode = 0xfe00
	StatusPending               StatusCode = 0xff00
	StatusPendingOptionalKeys   StatusCode = 0xff01 // some optional keys were not supported
	StatusAttributeListError    StatusCode = 0x0107
	StatusSOPClassNotSupported  StatusCode = 0x0122
	StatusNoSuchSOPInstance     StatusCode = 0x0112
	StatusNoSuchSOPClass        StatusCode = 0x0118
	StatusClassInstanceConflict StatusCode = 0x0119
	StatusNotAuthorized         StatusCode = 0x0124
	StatusUnrecognizedOperation StatusCode = 0x0211
	StatusProcessingFailure     StatusCode = 0x0110
)

// Service-specific codes. P3.4 annexes B and C.
const (
	CStoreOutOfResources              StatusCode = 0xa700
	CStoreDataSetDoesNotMatchSOPClass StatusCode = 0xa900
	CStoreCannotUnderstand            StatusCode = 0xc000

	CFindOutOfResources  StatusCode = 0xa700
	CFindUnableToProcess StatusCode = 0xc000

	CMoveOutOfResourcesUnableToCalculateNumberOfMatches StatusCode = 0xa701
	CMoveOutOfResourcesUnableToPerformSubOperations     StatusCode = 0xa702
	CMoveMoveDestinationUnknown                         StatusCode = 0xa801
	CMoveUnableToProcess                                StatusCode = 0xc000

	// Sub-operations completed, one or more failures or warnings.
	CMoveWarningSubOperationsFailed StatusCode = 0xb000
)

// IsPending reports whether more responses follow for the same request.
func (c StatusCode) IsPending() bool {
	return c == StatusPending || c == StatusPendingOptionalKeys
}

// IsSuccessOrWarning reports whether the operation should be considered
// done, possibly with caveats.
func (c StatusCode) IsSuccessOrWarning() bool {
	return c == StatusSuccess || c.IsWarning()
}

// IsWarning reports whether the operation completed with caveats.
func (c StatusCode) IsWarning() bool {
	return c == StatusWarning || c&0xf000 == 0xb000
}

func (c StatusCode) String() string {
	switch c {
	case StatusSuccess:
		return "Success"
	case StatusWarning:
		return "Warning"
	case StatusCancel:
		return "Cancel"
	case StatusPending:
		return "Pending"
	case StatusPendingOptionalKeys:
		return "Pending (optional keys not supported)"
	case CMoveWarningSubOperationsFailed:
		return "Warning (sub-operations failed)"
	case CMoveMoveDestinationUnknown:
		return "Failure (move destination unknown)"
	}
	return fmt.Sprintf("status(0x%04x)", uint16(c))
}
