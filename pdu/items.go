package pdu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/grailbio/go-dicom/dicomio"
	"github.com/pkg/errors"
)

// SubItem is an item nested inside A-ASSOCIATE PDUs, such as
// ApplicationContextItem or TransferSyntaxSubItem.
type SubItem interface {
	fmt.Stringer
	Write(*dicomio.Encoder)
}

// Item type values. P3.8 9.3 and annex D.
const (
	ItemTypeApplicationContext           = 0x10
	ItemTypePresentationContextRequest   = 0x20
	ItemTypePresentationContextResponse  = 0x21
	ItemTypeAbstractSyntax               = 0x30
	ItemTypeTransferSyntax               = 0x40
	ItemTypeUserInformation              = 0x50
	ItemTypeUserInformationMaximumLength = 0x51
	ItemTypeImplementationClassUID       = 0x52
	ItemTypeAsynchronousOperationsWindow = 0x53
	ItemTypeRoleSelection                = 0x54
	ItemTypeImplementationVersionName    = 0x55
	ItemTypeUserIdentityRequest          = 0x58
	ItemTypeUserIdentityResponse         = 0x59
)

// DICOMApplicationContextItemName is the only application context defined
// for DICOM. It is the first item of every A-ASSOCIATE-RQ and -AC.
const DICOMApplicationContextItemName = "1.2.840.10008.3.1.1.1"

func decodeSubItems(d *dicomio.Decoder) []SubItem {
	var items []SubItem
	for d.Len() > 0 {
		item := decodeSubItem(d)
		if d.Error() != nil {
			break
		}
		items = append(items, item)
	}
	return items
}

func decodeSubItem(d *dicomio.Decoder) SubItem {
	itemType := d.ReadByte()
	d.Skip(1)
	length := d.ReadUInt16()
	if d.Error() != nil {
		return nil
	}
	if int64(length) > d.Len() {
		d.SetError(errors.Errorf("item 0x%x: length %d exceeds remaining %d bytes", itemType, length, d.Len()))
		return nil
	}
	d.PushLimit(int64(length))
	defer d.PopLimit()
	var item SubItem
	switch itemType {
	case ItemTypeApplicationContext:
		item = &ApplicationContextItem{Name: decodeName(d, length)}
	case ItemTypeAbstractSyntax:
		item = &AbstractSyntaxSubItem{Name: decodeName(d, length)}
	case ItemTypeTransferSyntax:
		item = &TransferSyntaxSubItem{Name: decodeName(d, length)}
	case ItemTypePresentationContextRequest, ItemTypePresentationContextResponse:
		item = decodePresentationContextItem(d, itemType)
	case ItemTypeUserInformation:
		item = &UserInformationItem{Items: decodeSubItems(d)}
	case ItemTypeUserInformationMaximumLength:
		if length != 4 {
			d.SetError(errors.Errorf("maximum length item must be 4 bytes, found %d", length))
			return nil
		}
		item = &UserInformationMaximumLengthItem{MaximumLengthReceived: d.ReadUInt32()}
	case ItemTypeImplementationClassUID:
		item = &ImplementationClassUIDSubItem{Name: decodeName(d, length)}
	case ItemTypeAsynchronousOperationsWindow:
		item = &AsynchronousOperationsWindowSubItem{
			MaxOpsInvoked:   d.ReadUInt16(),
			MaxOpsPerformed: d.ReadUInt16(),
		}
	case ItemTypeRoleSelection:
		item = decodeRoleSelectionSubItem(d)
	case ItemTypeImplementationVersionName:
		item = &ImplementationVersionNameSubItem{Name: decodeName(d, length)}
	case ItemTypeUserIdentityRequest:
		item = decodeUserIdentityRequestSubItem(d)
	case ItemTypeUserIdentityResponse:
		item = &UserIdentityResponseSubItem{ServerResponse: d.ReadBytes(int(d.ReadUInt16()))}
	default:
		item = &SubItemUnsupported{Type: itemType, Data: d.ReadBytes(int(length))}
	}
	if d.Error() == nil && d.Len() != 0 {
		d.SetError(errors.Errorf("item 0x%x: %d trailing bytes", itemType, d.Len()))
	}
	return item
}

func encodeSubItemHeader(e *dicomio.Encoder, itemType byte, length int) {
	if length > 0xffff {
		e.SetError(errors.Errorf("item 0x%x: length %d overflows", itemType, length))
		return
	}
	e.WriteByte(itemType)
	e.WriteZeros(1)
	e.WriteUInt16(uint16(length))
}

// encodeNestedItems writes the header for itemType followed by prefix and
// the serialized items.
func encodeNestedItems(e *dicomio.Encoder, itemType byte, prefix []byte, items []SubItem) {
	sub := dicomio.NewBytesEncoder(binary.BigEndian, dicomio.UnknownVR)
	for _, s := range items {
		s.Write(sub)
	}
	if err := sub.Error(); err != nil {
		e.SetError(err)
		return
	}
	body := sub.Bytes()
	encodeSubItemHeader(e, itemType, len(prefix)+len(body))
	e.WriteBytes(prefix)
	e.WriteBytes(body)
}

// UIDs inside items are not padded, but some peers NUL-pad them anyway.
func decodeName(d *dicomio.Decoder, length uint16) string {
	return strings.TrimRight(d.ReadString(int(length)), "\x00")
}

func encodeName(e *dicomio.Encoder, itemType byte, name string) {
	encodeSubItemHeader(e, itemType, len(name))
	e.WriteString(name)
}

// ApplicationContextItem is P3.8 9.3.2.1.
type ApplicationContextItem struct{ Name string }

func (v *ApplicationContextItem) Write(e *dicomio.Encoder) {
	encodeName(e, ItemTypeApplicationContext, v.Name)
}

func (v *ApplicationContextItem) String() string {
	return fmt.Sprintf("applicationcontext{name: \"%s\"}", v.Name)
}

// AbstractSyntaxSubItem is P3.8 9.3.2.2.1.
type AbstractSyntaxSubItem struct{ Name string }

func (v *AbstractSyntaxSubItem) Write(e *dicomio.Encoder) {
	encodeName(e, ItemTypeAbstractSyntax, v.Name)
}

func (v *AbstractSyntaxSubItem) String() string {
	return fmt.Sprintf("abstractsyntax{name: \"%s\"}", v.Name)
}

// TransferSyntaxSubItem is P3.8 9.3.2.2.2.
type TransferSyntaxSubItem struct{ Name string }

func (v *TransferSyntaxSubItem) Write(e *dicomio.Encoder) {
	encodeName(e, ItemTypeTransferSyntax, v.Name)
}

func (v *TransferSyntaxSubItem) String() string {
	return fmt.Sprintf("transfersyntax{name: \"%s\"}", v.Name)
}

// PresentationContextResult is the result/reason field of a presentation
// context in A-ASSOCIATE-AC. P3.8 table 9-18.
type PresentationContextResult byte

const (
	PresentationContextAccepted                                    PresentationContextResult = 0
	PresentationContextUserRejection                               PresentationContextResult = 1
	PresentationContextProviderRejectionNoReason                   PresentationContextResult = 2
	PresentationContextProviderRejectionAbstractSyntaxNotSupported PresentationContextResult = 3
	PresentationContextProviderRejectionTransferSyntaxNotSupported PresentationContextResult = 4
)

func (p PresentationContextResult) String() string {
	switch p {
	case PresentationContextAccepted:
		return "Accepted"
	case PresentationContextUserRejection:
		return "User rejection"
	case PresentationContextProviderRejectionNoReason:
		return "Provider rejection (no reason)"
	case PresentationContextProviderRejectionAbstractSyntaxNotSupported:
		return "Provider rejection (abstract syntax not supported)"
	case PresentationContextProviderRejectionTransferSyntaxNotSupported:
		return "Provider rejection (transfer syntax not supported)"
	}
	return fmt.Sprintf("Unknown presentationcontextresult %d", byte(p))
}

// PresentationContextItem is P3.8 9.3.2.2 (request) and 9.3.3.2 (accept).
type PresentationContextItem struct {
	Type      byte // ItemTypePresentationContext{Request,Response}
	ContextID byte
	// Result is meaningful iff Type=ItemTypePresentationContextResponse.
	Result PresentationContextResult
	Items  []SubItem // {Abstract,Transfer}SyntaxSubItem
}

func decodePresentationContextItem(d *dicomio.Decoder, itemType byte) *PresentationContextItem {
	v := &PresentationContextItem{Type: itemType}
	v.ContextID = d.ReadByte()
	d.Skip(1)
	v.Result = PresentationContextResult(d.ReadByte())
	d.Skip(1)
	v.Items = decodeSubItems(d)
	if d.Error() == nil && v.ContextID%2 != 1 {
		d.SetError(errors.Errorf("presentation context ID must be odd, found %d", v.ContextID))
	}
	return v
}

func (v *PresentationContextItem) Write(e *dicomio.Encoder) {
	if v.Type != ItemTypePresentationContextRequest &&
		v.Type != ItemTypePresentationContextResponse {
		e.SetError(errors.Errorf("presentation context: invalid item type 0x%x", v.Type))
		return
	}
	encodeNestedItems(e, v.Type, []byte{v.ContextID, 0, byte(v.Result), 0}, v.Items)
}

func (v *PresentationContextItem) String() string {
	itemType := "rq"
	if v.Type == ItemTypePresentationContextResponse {
		itemType = "ac"
	}
	return fmt.Sprintf("presentationcontext%s{id: %d result: %d, items:%s}",
		itemType, v.ContextID, v.Result, subItemListString(v.Items))
}

// UserInformationItem is P3.8 9.3.2.3.
type UserInformationItem struct {
	Items []SubItem // P3.8 annex D and P3.7 annex D.3.3.
}

func (v *UserInformationItem) Write(e *dicomio.Encoder) {
	encodeNestedItems(e, ItemTypeUserInformation, nil, v.Items)
}

func (v *UserInformationItem) String() string {
	return fmt.Sprintf("userinformationitem{items: %s}", subItemListString(v.Items))
}

// UserInformationMaximumLengthItem is P3.8 D.1. A zero value means no limit.
type UserInformationMaximumLengthItem struct {
	MaximumLengthReceived uint32
}

func (v *UserInformationMaximumLengthItem) Write(e *dicomio.Encoder) {
	encodeSubItemHeader(e, ItemTypeUserInformationMaximumLength, 4)
	e.WriteUInt32(v.MaximumLengthReceived)
}

func (v *UserInformationMaximumLengthItem) String() string {
	return fmt.Sprintf("userinformationmaximumlengthitem{%d}", v.MaximumLengthReceived)
}

// ImplementationClassUIDSubItem is P3.7 D.3.3.2.1.
type ImplementationClassUIDSubItem struct{ Name string }

func (v *ImplementationClassUIDSubItem) Write(e *dicomio.Encoder) {
	encodeName(e, ItemTypeImplementationClassUID, v.Name)
}

func (v *ImplementationClassUIDSubItem) String() string {
	return fmt.Sprintf("implementationclassuid{name: \"%s\"}", v.Name)
}

// ImplementationVersionNameSubItem is P3.7 D.3.3.2.3.
type ImplementationVersionNameSubItem struct{ Name string }

func (v *ImplementationVersionNameSubItem) Write(e *dicomio.Encoder) {
	encodeName(e, ItemTypeImplementationVersionName, v.Name)
}

func (v *ImplementationVersionNameSubItem) String() string {
	return fmt.Sprintf("implementationversionname{name: \"%s\"}", v.Name)
}

// AsynchronousOperationsWindowSubItem is P3.7 D.3.3.3.1.
type AsynchronousOperationsWindowSubItem struct {
	MaxOpsInvoked   uint16
	MaxOpsPerformed uint16
}

func (v *AsynchronousOperationsWindowSubItem) Write(e *dicomio.Encoder) {
	encodeSubItemHeader(e, ItemTypeAsynchronousOperationsWindow, 2*2)
	e.WriteUInt16(v.MaxOpsInvoked)
	e.WriteUInt16(v.MaxOpsPerformed)
}

func (v *AsynchronousOperationsWindowSubItem) String() string {
	return fmt.Sprintf("asynchronousopswindow{invoked: %d performed: %d}",
		v.MaxOpsInvoked, v.MaxOpsPerformed)
}

// RoleSelectionSubItem is P3.7 D.3.3.4. The requestor states which roles it
// wants to play for the SOP class; the acceptor answers with the roles it
// grants.
type RoleSelectionSubItem struct {
	SOPClassUID string
	SCURole     byte
	SCPRole     byte
}

func decodeRoleSelectionSubItem(d *dicomio.Decoder) *RoleSelectionSubItem {
	uidLength := d.ReadUInt16()
	return &RoleSelectionSubItem{
		SOPClassUID: decodeName(d, uidLength),
		SCURole:     d.ReadByte(),
		SCPRole:     d.ReadByte(),
	}
}

func (v *RoleSelectionSubItem) Write(e *dicomio.Encoder) {
	encodeSubItemHeader(e, ItemTypeRoleSelection, 2+len(v.SOPClassUID)+2)
	e.WriteUInt16(uint16(len(v.SOPClassUID)))
	e.WriteString(v.SOPClassUID)
	e.WriteByte(v.SCURole)
	e.WriteByte(v.SCPRole)
}

func (v *RoleSelectionSubItem) String() string {
	return fmt.Sprintf("roleselection{sopclass: \"%s\" scu: %d scp: %d}", v.SOPClassUID, v.SCURole, v.SCPRole)
}

// UserIdentityType is the kind of credential in a user identity sub-item.
type UserIdentityType byte

const (
	UserIdentityUsername         UserIdentityType = 1
	UserIdentityUsernamePasscode UserIdentityType = 2
	UserIdentityKerberos         UserIdentityType = 3
	UserIdentitySAML             UserIdentityType = 4
	UserIdentityJWT              UserIdentityType = 5
)

// UserIdentityRequestSubItem is P3.7 D.3.3.7.1.
type UserIdentityRequestSubItem struct {
	IdentityType              UserIdentityType
	PositiveResponseRequested bool
	PrimaryField              []byte
	SecondaryField            []byte // passcode; only for UserIdentityUsernamePasscode
}

func decodeUserIdentityRequestSubItem(d *dicomio.Decoder) *UserIdentityRequestSubItem {
	v := &UserIdentityRequestSubItem{}
	v.IdentityType = UserIdentityType(d.ReadByte())
	v.PositiveResponseRequested = d.ReadByte() == 1
	v.PrimaryField = d.ReadBytes(int(d.ReadUInt16()))
	v.SecondaryField = d.ReadBytes(int(d.ReadUInt16()))
	return v
}

func (v *UserIdentityRequestSubItem) Write(e *dicomio.Encoder) {
	encodeSubItemHeader(e, ItemTypeUserIdentityRequest, 2+2+len(v.PrimaryField)+2+len(v.SecondaryField))
	e.WriteByte(byte(v.IdentityType))
	if v.PositiveResponseRequested {
		e.WriteByte(1)
	} else {
		e.WriteByte(0)
	}
	e.WriteUInt16(uint16(len(v.PrimaryField)))
	e.WriteBytes(v.PrimaryField)
	e.WriteUInt16(uint16(len(v.SecondaryField)))
	e.WriteBytes(v.SecondaryField)
}

func (v *UserIdentityRequestSubItem) String() string {
	return fmt.Sprintf("useridentityrq{type: %d response: %v primary: %dB secondary: %dB}",
		v.IdentityType, v.PositiveResponseRequested, len(v.PrimaryField), len(v.SecondaryField))
}

// UserIdentityResponseSubItem is P3.7 D.3.3.7.2.
type UserIdentityResponseSubItem struct {
	ServerResponse []byte
}

func (v *UserIdentityResponseSubItem) Write(e *dicomio.Encoder) {
	encodeSubItemHeader(e, ItemTypeUserIdentityResponse, 2+len(v.ServerResponse))
	e.WriteUInt16(uint16(len(v.ServerResponse)))
	e.WriteBytes(v.ServerResponse)
}

func (v *UserIdentityResponseSubItem) String() string {
	return fmt.Sprintf("useridentityac{response: %dB}", len(v.ServerResponse))
}

// SubItemUnsupported holds an item this package does not interpret, such
// as SOP class extended negotiation. It is re-encoded verbatim.
type SubItemUnsupported struct {
	Type byte
	Data []byte
}

func (item *SubItemUnsupported) Write(e *dicomio.Encoder) {
	encodeSubItemHeader(e, item.Type, len(item.Data))
	e.WriteBytes(item.Data)
}

func (item *SubItemUnsupported) String() string {
	return fmt.Sprintf("subitemunsupported{type: 0x%0x data: %dbytes}",
		item.Type, len(item.Data))
}

func subItemListString(items []SubItem) string {
	buf := bytes.Buffer{}
	buf.WriteString("[")
	for i, subitem := range items {
		if i > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(subitem.String())
	}
	buf.WriteString("]")
	return buf.String()
}
