package dimse

import (
	"fmt"

	"github.com/grailbio/go-dicom/dicomio"
	"github.com/pkg/errors"
)

// CommandDataSetTypeFor returns the CommandDataSetType announcing whether a
// data set follows.
func CommandDataSetTypeFor(hasData bool) uint16 {
	if hasData {
		return CommandDataSetTypeNonNull
	}
	return CommandDataSetTypeNull
}

// C_STORE_RQ is P3.7 9.3.1.1.
type C_STORE_RQ struct {
	AffectedSOPClassUID                  string
	MessageID                            MessageID
	Priority                             uint16
	CommandDataSetType                   uint16
	AffectedSOPInstanceUID               string
	MoveOriginatorApplicationEntityTitle string
	MoveOriginatorMessageID              MessageID
}

func (v *C_STORE_RQ) Encode(e *dicomio.Encoder) {
	encodeUInt16(e, TagCommandField, CommandFieldCStoreRq)
	encodeUID(e, TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	encodeUInt16(e, TagMessageID, v.MessageID)
	encodeUInt16(e, TagPriority, v.Priority)
	encodeUInt16(e, TagCommandDataSetType, v.CommandDataSetType)
	encodeUID(e, TagAffectedSOPInstanceUID, v.AffectedSOPInstanceUID)
	if v.MoveOriginatorApplicationEntityTitle != "" {
		encodeText(e, TagMoveOriginatorApplicationEntityTitle, v.MoveOriginatorApplicationEntityTitle)
	}
	if v.MoveOriginatorMessageID != 0 {
		encodeUInt16(e, TagMoveOriginatorMessageID, v.MoveOriginatorMessageID)
	}
}

func (v *C_STORE_RQ) CommandField() uint16    { return CommandFieldCStoreRq }
func (v *C_STORE_RQ) GetMessageID() MessageID { return v.MessageID }
func (v *C_STORE_RQ) GetStatus() *Status      { return nil }
func (v *C_STORE_RQ) HasData() bool           { return v.CommandDataSetType != CommandDataSetTypeNull }

func (v *C_STORE_RQ) String() string {
	return fmt.Sprintf("C_STORE_RQ{AffectedSOPClassUID:%v MessageID:%v Priority:%v CommandDataSetType:%v AffectedSOPInstanceUID:%v MoveOriginatorApplicationEntityTitle:%v MoveOriginatorMessageID:%v}",
		v.AffectedSOPClassUID, v.MessageID, v.Priority, v.CommandDataSetType, v.AffectedSOPInstanceUID, v.MoveOriginatorApplicationEntityTitle, v.MoveOriginatorMessageID)
}

func decodeC_STORE_RQ(d *messageDecoder) *C_STORE_RQ {
	return &C_STORE_RQ{
		AffectedSOPClassUID:                  d.getString(TagAffectedSOPClassUID, requiredElement),
		MessageID:                            d.getUInt16(TagMessageID, requiredElement),
		Priority:                             d.getUInt16(TagPriority, requiredElement),
		CommandDataSetType:                   d.getUInt16(TagCommandDataSetType, requiredElement),
		AffectedSOPInstanceUID:               d.getString(TagAffectedSOPInstanceUID, requiredElement),
		MoveOriginatorApplicationEntityTitle: d.getString(TagMoveOriginatorApplicationEntityTitle, optionalElement),
		MoveOriginatorMessageID:              d.getUInt16(TagMoveOriginatorMessageID, optionalElement),
	}
}

// C_STORE_RSP is P3.7 9.3.1.2.
type C_STORE_RSP struct {
	AffectedSOPClassUID       string
	MessageIDBeingRespondedTo MessageID
	CommandDataSetType        uint16
	AffectedSOPInstanceUID    string
	Status                    Status
}

func (v *C_STORE_RSP) Encode(e *dicomio.Encoder) {
	encodeUInt16(e, TagCommandField, CommandFieldCStoreRsp)
	encodeUID(e, TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	encodeUInt16(e, TagMessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	encodeUInt16(e, TagCommandDataSetType, v.CommandDataSetType)
	encodeUID(e, TagAffectedSOPInstanceUID, v.AffectedSOPInstanceUID)
	encodeStatus(e, v.Status)
}

func (v *C_STORE_RSP) CommandField() uint16    { return CommandFieldCStoreRsp }
func (v *C_STORE_RSP) GetMessageID() MessageID { return v.MessageIDBeingRespondedTo }
func (v *C_STORE_RSP) GetStatus() *Status      { return &v.Status }
func (v *C_STORE_RSP) HasData() bool           { return v.CommandDataSetType != CommandDataSetTypeNull }

func (v *C_STORE_RSP) String() string {
	return fmt.Sprintf("C_STORE_RSP{AffectedSOPClassUID:%v MessageIDBeingRespondedTo:%v CommandDataSetType:%v AffectedSOPInstanceUID:%v Status:%v}",
		v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType, v.AffectedSOPInstanceUID, v.Status)
}

func decodeC_STORE_RSP(d *messageDecoder) *C_STORE_RSP {
	return &C_STORE_RSP{
		AffectedSOPClassUID:       d.getString(TagAffectedSOPClassUID, optionalElement),
		MessageIDBeingRespondedTo: d.getUInt16(TagMessageIDBeingRespondedTo, requiredElement),
		CommandDataSetType:        d.getUInt16(TagCommandDataSetType, requiredElement),
		AffectedSOPInstanceUID:    d.getString(TagAffectedSOPInstanceUID, optionalElement),
		Status:                    d.getStatus(),
	}
}

// C_FIND_RQ is P3.7 9.3.2.1. The data set is the query identifier.
type C_FIND_RQ struct {
	AffectedSOPClassUID string
	MessageID           MessageID
	Priority            uint16
	CommandDataSetType  uint16
}

func (v *C_FIND_RQ) Encode(e *dicomio.Encoder) {
	encodeRequest(e, CommandFieldCFindRq, v.AffectedSOPClassUID, v.MessageID, v.Priority, v.CommandDataSetType)
}

func (v *C_FIND_RQ) CommandField() uint16    { return CommandFieldCFindRq }
func (v *C_FIND_RQ) GetMessageID() MessageID { return v.MessageID }
func (v *C_FIND_RQ) GetStatus() *Status      { return nil }
func (v *C_FIND_RQ) HasData() bool           { return v.CommandDataSetType != CommandDataSetTypeNull }

func (v *C_FIND_RQ) String() string {
	return fmt.Sprintf("C_FIND_RQ{AffectedSOPClassUID:%v MessageID:%v Priority:%v CommandDataSetType:%v}",
		v.AffectedSOPClassUID, v.MessageID, v.Priority, v.CommandDataSetType)
}

// C_FIND_RSP is P3.7 9.3.2.2. Pending responses carry one matching
// identifier.
type C_FIND_RSP struct {
	AffectedSOPClassUID       string
	MessageIDBeingRespondedTo MessageID
	CommandDataSetType        uint16
	Status                    Status
}

func (v *C_FIND_RSP) Encode(e *dicomio.Encoder) {
	encodeResponse(e, CommandFieldCFindRsp, v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType)
	encodeStatus(e, v.Status)
}

func (v *C_FIND_RSP) CommandField() uint16    { return CommandFieldCFindRsp }
func (v *C_FIND_RSP) GetMessageID() MessageID { return v.MessageIDBeingRespondedTo }
func (v *C_FIND_RSP) GetStatus() *Status      { return &v.Status }
func (v *C_FIND_RSP) HasData() bool           { return v.CommandDataSetType != CommandDataSetTypeNull }

func (v *C_FIND_RSP) String() string {
	return fmt.Sprintf("C_FIND_RSP{AffectedSOPClassUID:%v MessageIDBeingRespondedTo:%v CommandDataSetType:%v Status:%v}",
		v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType, v.Status)
}

// C_GET_RQ is P3.7 9.3.3.1.
type C_GET_RQ struct {
	AffectedSOPClassUID string
	MessageID           MessageID
	Priority            uint16
	CommandDataSetType  uint16
}

func (v *C_GET_RQ) Encode(e *dicomio.Encoder) {
	encodeRequest(e, CommandFieldCGetRq, v.AffectedSOPClassUID, v.MessageID, v.Priority, v.CommandDataSetType)
}

func (v *C_GET_RQ) CommandField() uint16    { return CommandFieldCGetRq }
func (v *C_GET_RQ) GetMessageID() MessageID { return v.MessageID }
func (v *C_GET_RQ) GetStatus() *Status      { return nil }
func (v *C_GET_RQ) HasData() bool           { return v.CommandDataSetType != CommandDataSetTypeNull }

func (v *C_GET_RQ) String() string {
	return fmt.Sprintf("C_GET_RQ{AffectedSOPClassUID:%v MessageID:%v Priority:%v CommandDataSetType:%v}",
		v.AffectedSOPClassUID, v.MessageID, v.Priority, v.CommandDataSetType)
}

// SubOperationCounts are the progress fields of C-GET and C-MOVE
// responses.
type SubOperationCounts struct {
	NumberOfRemainingSuboperations uint16
	NumberOfCompletedSuboperations uint16
	NumberOfFailedSuboperations    uint16
	NumberOfWarningSuboperations   uint16
}

func (c *SubOperationCounts) encode(e *dicomio.Encoder, status StatusCode) {
	// Remaining is only meaningful while the operation is pending.
	if status.IsPending() || c.NumberOfRemainingSuboperations != 0 {
		encodeUInt16(e, TagNumberOfRemainingSuboperations, c.NumberOfRemainingSuboperations)
	}
	encodeUInt16(e, TagNumberOfCompletedSuboperations, c.NumberOfCompletedSuboperations)
	encodeUInt16(e, TagNumberOfFailedSuboperations, c.NumberOfFailedSuboperations)
	encodeUInt16(e, TagNumberOfWarningSuboperations, c.NumberOfWarningSuboperations)
}

func decodeSubOperationCounts(d *messageDecoder) SubOperationCounts {
	return SubOperationCounts{
		NumberOfRemainingSuboperations: d.getUInt16(TagNumberOfRemainingSuboperations, optionalElement),
		NumberOfCompletedSuboperations: d.getUInt16(TagNumberOfCompletedSuboperations, optionalElement),
		NumberOfFailedSuboperations:    d.getUInt16(TagNumberOfFailedSuboperations, optionalElement),
		NumberOfWarningSuboperations:   d.getUInt16(TagNumberOfWarningSuboperations, optionalElement),
	}
}

func (c SubOperationCounts) String() string {
	return fmt.Sprintf("remaining:%d completed:%d failed:%d warning:%d",
		c.NumberOfRemainingSuboperations, c.NumberOfCompletedSuboperations,
		c.NumberOfFailedSuboperations, c.NumberOfWarningSuboperations)
}

// C_GET_RSP is P3.7 9.3.3.2.
type C_GET_RSP struct {
	AffectedSOPClassUID       string
	MessageIDBeingRespondedTo MessageID
	CommandDataSetType        uint16
	SubOperationCounts
	Status Status
}

func (v *C_GET_RSP) Encode(e *dicomio.Encoder) {
	encodeResponse(e, CommandFieldCGetRsp, v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType)
	v.SubOperationCounts.encode(e, v.Status.Status)
	encodeStatus(e, v.Status)
}

func (v *C_GET_RSP) CommandField() uint16    { return CommandFieldCGetRsp }
func (v *C_GET_RSP) GetMessageID() MessageID { return v.MessageIDBeingRespondedTo }
func (v *C_GET_RSP) GetStatus() *Status      { return &v.Status }
func (v *C_GET_RSP) HasData() bool           { return v.CommandDataSetType != CommandDataSetTypeNull }

func (v *C_GET_RSP) String() string {
	return fmt.Sprintf("C_GET_RSP{AffectedSOPClassUID:%v MessageIDBeingRespondedTo:%v CommandDataSetType:%v %v Status:%v}",
		v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType, v.SubOperationCounts, v.Status)
}

// C_MOVE_RQ is P3.7 9.3.4.1.
type C_MOVE_RQ struct {
	AffectedSOPClassUID string
	MessageID           MessageID
	Priority            uint16
	MoveDestination     string
	CommandDataSetType  uint16
}

func (v *C_MOVE_RQ) Encode(e *dicomio.Encoder) {
	encodeRequest(e, CommandFieldCMoveRq, v.AffectedSOPClassUID, v.MessageID, v.Priority, v.CommandDataSetType)
	encodeText(e, TagMoveDestination, v.MoveDestination)
}

func (v *C_MOVE_RQ) CommandField() uint16    { return CommandFieldCMoveRq }
func (v *C_MOVE_RQ) GetMessageID() MessageID { return v.MessageID }
func (v *C_MOVE_RQ) GetStatus() *Status      { return nil }
func (v *C_MOVE_RQ) HasData() bool           { return v.CommandDataSetType != CommandDataSetTypeNull }

func (v *C_MOVE_RQ) String() string {
	return fmt.Sprintf("C_MOVE_RQ{AffectedSOPClassUID:%v MessageID:%v Priority:%v MoveDestination:%v CommandDataSetType:%v}",
		v.AffectedSOPClassUID, v.MessageID, v.Priority, v.MoveDestination, v.CommandDataSetType)
}

// C_MOVE_RSP is P3.7 9.3.4.2.
type C_MOVE_RSP struct {
	AffectedSOPClassUID       string
	MessageIDBeingRespondedTo MessageID
	CommandDataSetType        uint16
	SubOperationCounts
	Status Status
}

func (v *C_MOVE_RSP) Encode(e *dicomio.Encoder) {
	encodeResponse(e, CommandFieldCMoveRsp, v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType)
	v.SubOperationCounts.encode(e, v.Status.Status)
	encodeStatus(e, v.Status)
}

func (v *C_MOVE_RSP) CommandField() uint16    { return CommandFieldCMoveRsp }
func (v *C_MOVE_RSP) GetMessageID() MessageID { return v.MessageIDBeingRespondedTo }
func (v *C_MOVE_RSP) GetStatus() *Status      { return &v.Status }
func (v *C_MOVE_RSP) HasData() bool           { return v.CommandDataSetType != CommandDataSetTypeNull }

func (v *C_MOVE_RSP) String() string {
	return fmt.Sprintf("C_MOVE_RSP{AffectedSOPClassUID:%v MessageIDBeingRespondedTo:%v CommandDataSetType:%v %v Status:%v}",
		v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType, v.SubOperationCounts, v.Status)
}

// C_ECHO_RQ is P3.7 9.3.5.1.
type C_ECHO_RQ struct {
	AffectedSOPClassUID string
	MessageID           MessageID
	CommandDataSetType  uint16
}

func (v *C_ECHO_RQ) Encode(e *dicomio.Encoder) {
	encodeUInt16(e, TagCommandField, CommandFieldCEchoRq)
	encodeUID(e, TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	encodeUInt16(e, TagMessageID, v.MessageID)
	encodeUInt16(e, TagCommandDataSetType, v.CommandDataSetType)
}

func (v *C_ECHO_RQ) CommandField() uint16    { return CommandFieldCEchoRq }
func (v *C_ECHO_RQ) GetMessageID() MessageID { return v.MessageID }
func (v *C_ECHO_RQ) GetStatus() *Status      { return nil }
func (v *C_ECHO_RQ) HasData() bool           { return v.CommandDataSetType != CommandDataSetTypeNull }

func (v *C_ECHO_RQ) String() string {
	return fmt.Sprintf("C_ECHO_RQ{AffectedSOPClassUID:%v MessageID:%v CommandDataSetType:%v}",
		v.AffectedSOPClassUID, v.MessageID, v.CommandDataSetType)
}

// C_ECHO_RSP is P3.7 9.3.5.2.
type C_ECHO_RSP struct {
	AffectedSOPClassUID       string
	MessageIDBeingRespondedTo MessageID
	CommandDataSetType        uint16
	Status                    Status
}

func (v *C_ECHO_RSP) Encode(e *dicomio.Encoder) {
	encodeResponse(e, CommandFieldCEchoRsp, v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType)
	encodeStatus(e, v.Status)
}

func (v *C_ECHO_RSP) CommandField() uint16    { return CommandFieldCEchoRsp }
func (v *C_ECHO_RSP) GetMessageID() MessageID { return v.MessageIDBeingRespondedTo }
func (v *C_ECHO_RSP) GetStatus() *Status      { return &v.Status }
func (v *C_ECHO_RSP) HasData() bool           { return v.CommandDataSetType != CommandDataSetTypeNull }

func (v *C_ECHO_RSP) String() string {
	return fmt.Sprintf("C_ECHO_RSP{AffectedSOPClassUID:%v MessageIDBeingRespondedTo:%v CommandDataSetType:%v Status:%v}",
		v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType, v.Status)
}

// N_DELETE_RQ is P3.7 10.3.6.1.
type N_DELETE_RQ struct {
	RequestedSOPClassUID    string
	MessageID               MessageID
	CommandDataSetType      uint16
	RequestedSOPInstanceUID string
}

func (v *N_DELETE_RQ) Encode(e *dicomio.Encoder) {
	encodeUInt16(e, TagCommandField, CommandFieldNDeleteRq)
	encodeUID(e, TagRequestedSOPClassUID, v.RequestedSOPClassUID)
	encodeUInt16(e, TagMessageID, v.MessageID)
	encodeUInt16(e, TagCommandDataSetType, v.CommandDataSetType)
	encodeUID(e, TagRequestedSOPInstanceUID, v.RequestedSOPInstanceUID)
}

func (v *N_DELETE_RQ) CommandField() uint16    { return CommandFieldNDeleteRq }
func (v *N_DELETE_RQ) GetMessageID() MessageID { return v.MessageID }
func (v *N_DELETE_RQ) GetStatus() *Status      { return nil }
func (v *N_DELETE_RQ) HasData() bool           { return v.CommandDataSetType != CommandDataSetTypeNull }

func (v *N_DELETE_RQ) String() string {
	return fmt.Sprintf("N_DELETE_RQ{RequestedSOPClassUID:%v MessageID:%v CommandDataSetType:%v RequestedSOPInstanceUID:%v}",
		v.RequestedSOPClassUID, v.MessageID, v.CommandDataSetType, v.RequestedSOPInstanceUID)
}

// N_DELETE_RSP is P3.7 10.3.6.2.
type N_DELETE_RSP struct {
	AffectedSOPClassUID       string
	MessageIDBeingRespondedTo MessageID
	CommandDataSetType        uint16
	AffectedSOPInstanceUID    string
	Status                    Status
}

func (v *N_DELETE_RSP) Encode(e *dicomio.Encoder) {
	encodeResponse(e, CommandFieldNDeleteRsp, v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType)
	if v.AffectedSOPInstanceUID != "" {
		encodeUID(e, TagAffectedSOPInstanceUID, v.AffectedSOPInstanceUID)
	}
	encodeStatus(e, v.Status)
}

func (v *N_DELETE_RSP) CommandField() uint16    { return CommandFieldNDeleteRsp }
func (v *N_DELETE_RSP) GetMessageID() MessageID { return v.MessageIDBeingRespondedTo }
func (v *N_DELETE_RSP) GetStatus() *Status      { return &v.Status }
func (v *N_DELETE_RSP) HasData() bool           { return v.CommandDataSetType != CommandDataSetTypeNull }

func (v *N_DELETE_RSP) String() string {
	return fmt.Sprintf("N_DELETE_RSP{AffectedSOPClassUID:%v MessageIDBeingRespondedTo:%v CommandDataSetType:%v AffectedSOPInstanceUID:%v Status:%v}",
		v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType, v.AffectedSOPInstanceUID, v.Status)
}

// C_CANCEL_RQ is P3.7 9.3.2.3. It asks the provider to stop the C-FIND,
// C-GET or C-MOVE identified by MessageIDBeingRespondedTo.
type C_CANCEL_RQ struct {
	MessageIDBeingRespondedTo MessageID
	CommandDataSetType        uint16
}

func (v *C_CANCEL_RQ) Encode(e *dicomio.Encoder) {
	encodeUInt16(e, TagCommandField, CommandFieldCCancelRq)
	encodeUInt16(e, TagMessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	encodeUInt16(e, TagCommandDataSetType, v.CommandDataSetType)
}

func (v *C_CANCEL_RQ) CommandField() uint16    { return CommandFieldCCancelRq }
func (v *C_CANCEL_RQ) GetMessageID() MessageID { return v.MessageIDBeingRespondedTo }
func (v *C_CANCEL_RQ) GetStatus() *Status      { return nil }
func (v *C_CANCEL_RQ) HasData() bool           { return v.CommandDataSetType != CommandDataSetTypeNull }

func (v *C_CANCEL_RQ) String() string {
	return fmt.Sprintf("C_CANCEL_RQ{MessageIDBeingRespondedTo:%v CommandDataSetType:%v}",
		v.MessageIDBeingRespondedTo, v.CommandDataSetType)
}

func encodeRequest(e *dicomio.Encoder, commandField uint16, sopClassUID string, id MessageID, priority, dataSetType uint16) {
	encodeUInt16(e, TagCommandField, commandField)
	encodeUID(e, TagAffectedSOPClassUID, sopClassUID)
	encodeUInt16(e, TagMessageID, id)
	encodeUInt16(e, TagPriority, priority)
	encodeUInt16(e, TagCommandDataSetType, dataSetType)
}

func encodeResponse(e *dicomio.Encoder, commandField uint16, sopClassUID string, id MessageID, dataSetType uint16) {
	encodeUInt16(e, TagCommandField, commandField)
	if sopClassUID != "" {
		encodeUID(e, TagAffectedSOPClassUID, sopClassUID)
	}
	encodeUInt16(e, TagMessageIDBeingRespondedTo, id)
	encodeUInt16(e, TagCommandDataSetType, dataSetType)
}

func decodeMessageForType(d *messageDecoder, commandField uint16) Message {
	request := func() (string, MessageID, uint16, uint16) {
		return d.getString(TagAffectedSOPClassUID, requiredElement),
			d.getUInt16(TagMessageID, requiredElement),
			d.getUInt16(TagPriority, optionalElement),
			d.getUInt16(TagCommandDataSetType, requiredElement)
	}
	response := func() (string, MessageID, uint16) {
		return d.getString(TagAffectedSOPClassUID, optionalElement),
			d.getUInt16(TagMessageIDBeingRespondedTo, requiredElement),
			d.getUInt16(TagCommandDataSetType, requiredElement)
	}
	switch commandField {
	case CommandFieldCStoreRq:
		return decodeC_STORE_RQ(d)
	case CommandFieldCStoreRsp:
		return decodeC_STORE_RSP(d)
	case CommandFieldCFindRq:
		v := &C_FIND_RQ{}
		v.AffectedSOPClassUID, v.MessageID, v.Priority, v.CommandDataSetType = request()
		return v
	case CommandFieldCFindRsp:
		v := &C_FIND_RSP{}
		v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType = response()
		v.Status = d.getStatus()
		return v
	case CommandFieldCGetRq:
		v := &C_GET_RQ{}
		v.AffectedSOPClassUID, v.MessageID, v.Priority, v.CommandDataSetType = request()
		return v
	case CommandFieldCGetRsp:
		v := &C_GET_RSP{}
		v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType = response()
		v.SubOperationCounts = decodeSubOperationCounts(d)
		v.Status = d.getStatus()
		return v
	case CommandFieldCMoveRq:
		v := &C_MOVE_RQ{}
		v.AffectedSOPClassUID, v.MessageID, v.Priority, v.CommandDataSetType = request()
		v.MoveDestination = d.getString(TagMoveDestination, requiredElement)
		return v
	case CommandFieldCMoveRsp:
		v := &C_MOVE_RSP{}
		v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType = response()
		v.SubOperationCounts = decodeSubOperationCounts(d)
		v.Status = d.getStatus()
		return v
	case CommandFieldCEchoRq:
		return &C_ECHO_RQ{
			AffectedSOPClassUID: d.getString(TagAffectedSOPClassUID, optionalElement),
			MessageID:           d.getUInt16(TagMessageID, requiredElement),
			CommandDataSetType:  d.getUInt16(TagCommandDataSetType, requiredElement),
		}
	case CommandFieldCEchoRsp:
		v := &C_ECHO_RSP{}
		v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType = response()
		v.Status = d.getStatus()
		return v
	case CommandFieldNDeleteRq:
		return &N_DELETE_RQ{
			RequestedSOPClassUID:    d.getString(TagRequestedSOPClassUID, requiredElement),
			MessageID:               d.getUInt16(TagMessageID, requiredElement),
			CommandDataSetType:      d.getUInt16(TagCommandDataSetType, requiredElement),
			RequestedSOPInstanceUID: d.getString(TagRequestedSOPInstanceUID, requiredElement),
		}
	case CommandFieldNDeleteRsp:
		v := &N_DELETE_RSP{}
		v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType = response()
		v.AffectedSOPInstanceUID = d.getString(TagAffectedSOPInstanceUID, optionalElement)
		v.Status = d.getStatus()
		return v
	case CommandFieldCCancelRq:
		return &C_CANCEL_RQ{
			MessageIDBeingRespondedTo: d.getUInt16(TagMessageIDBeingRespondedTo, requiredElement),
			CommandDataSetType:        d.getUInt16(TagCommandDataSetType, requiredElement),
		}
	}
	d.setError(errors.Errorf("dimse: unknown command field 0x%x", commandField))
	return nil
}
