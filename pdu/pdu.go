// Package pdu implements the upper-layer protocol data units defined in P3.8.
// It sits below the DIMSE layer.
//
// http://dicom.nema.org/medical/dicom/current/output/pdf/part08.pdf
package pdu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/go-dicom/dicomio"
	"github.com/pkg/errors"
)

// PDU is one of A_ASSOCIATE (RQ or AC), A_ASSOCIATE_RJ, P_DATA_TF,
// A_RELEASE_RQ, A_RELEASE_RP, A_ABORT. The set is closed; callers switch on
// the concrete type.
type PDU interface {
	fmt.Stringer
	// PDUType returns the value of the first byte of the encoded PDU.
	PDUType() PDUType
	// WritePayload encodes everything after the 6-byte common header.
	WritePayload(*dicomio.Encoder)
}

// PDUType is the first byte of every PDU.
type PDUType byte

const (
	PDUTypeA_ASSOCIATE_RQ PDUType = 1
	PDUTypeA_ASSOCIATE_AC PDUType = 2
	PDUTypeA_ASSOCIATE_RJ PDUType = 3
	PDUTypeP_DATA_TF      PDUType = 4
	PDUTypeA_RELEASE_RQ   PDUType = 5
	PDUTypeA_RELEASE_RP   PDUType = 6
	PDUTypeA_ABORT        PDUType = 7
)

func (t PDUType) String() string {
	switch t {
	case PDUTypeA_ASSOCIATE_RQ:
		return "A-ASSOCIATE-RQ"
	case PDUTypeA_ASSOCIATE_AC:
		return "A-ASSOCIATE-AC"
	case PDUTypeA_ASSOCIATE_RJ:
		return "A-ASSOCIATE-RJ"
	case PDUTypeP_DATA_TF:
		return "P-DATA-TF"
	case PDUTypeA_RELEASE_RQ:
		return "A-RELEASE-RQ"
	case PDUTypeA_RELEASE_RP:
		return "A-RELEASE-RP"
	case PDUTypeA_ABORT:
		return "A-ABORT"
	}
	return fmt.Sprintf("pdutype(0x%02x)", byte(t))
}

// HeaderSize is the size of the type, reserved and length fields that
// precede every PDU payload.
const HeaderSize = 6

// CurrentProtocolVersion is the only protocol version defined by P3.8.
const CurrentProtocolVersion uint16 = 1

// DecodeError reports a PDU whose bytes could not be parsed. The receiver of
// such a PDU must abort the association.
type DecodeError struct {
	Type PDUType
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("pdu: malformed %v: %v", e.Type, e.Err)
}

func (e *DecodeError) Cause() error { return e.Err }
func (e *DecodeError) Unwrap() error { return e.Err }

// EncodePDU serializes the PDU including its 6-byte header.
func EncodePDU(pdu PDU) ([]byte, error) {
	e := dicomio.NewBytesEncoder(binary.BigEndian, dicomio.UnknownVR)
	pdu.WritePayload(e)
	if err := e.Error(); err != nil {
		return nil, errors.Wrapf(err, "pdu: encode %v", pdu.PDUType())
	}
	payload := e.Bytes()
	buf := make([]byte, HeaderSize, HeaderSize+len(payload))
	buf[0] = byte(pdu.PDUType())
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	return append(buf, payload...), nil
}

// DecodePDU parses the payload of a PDU whose header has already been
// consumed. The body must be exactly the length announced in the header.
func DecodePDU(pduType PDUType, body []byte) (PDU, error) {
	d := dicomio.NewBytesDecoder(body, binary.BigEndian, dicomio.UnknownVR)
	var pdu PDU
	switch pduType {
	case PDUTypeA_ASSOCIATE_RQ, PDUTypeA_ASSOCIATE_AC:
		pdu = decodeA_ASSOCIATE(d, pduType)
	case PDUTypeA_ASSOCIATE_RJ:
		pdu = decodeA_ASSOCIATE_RJ(d)
	case PDUTypeP_DATA_TF:
		pdu = decodeP_DATA_TF(d)
	case PDUTypeA_RELEASE_RQ:
		d.Skip(4)
		pdu = &A_RELEASE_RQ{}
	case PDUTypeA_RELEASE_RP:
		d.Skip(4)
		pdu = &A_RELEASE_RP{}
	case PDUTypeA_ABORT:
		pdu = decodeA_ABORT(d)
	default:
		return nil, &DecodeError{Type: pduType, Err: errors.New("unknown PDU type")}
	}
	if err := d.Finish(); err != nil {
		return nil, &DecodeError{Type: pduType, Err: err}
	}
	return pdu, nil
}

// ReadPDU reads one PDU from the stream. maxPDUSize bounds the memory
// allocated for the body. Transport errors are returned as is; malformed
// content yields a *DecodeError.
func ReadPDU(in io.Reader, maxPDUSize int) (PDU, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(in, header[:]); err != nil {
		return nil, err
	}
	pduType := PDUType(header[0])
	length := binary.BigEndian.Uint32(header[2:6])
	if maxPDUSize > 0 && int64(length) > int64(maxPDUSize)*2 {
		// *2 is an arbitrary slack for peers that count the header.
		return nil, &DecodeError{Type: pduType,
			Err: errors.Errorf("length %d is much larger than max PDU size %d", length, maxPDUSize)}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(in, body); err != nil {
		return nil, err
	}
	return DecodePDU(pduType, body)
}

// A_ASSOCIATE is A-ASSOCIATE-RQ or A-ASSOCIATE-AC. P3.8 9.3.2 and 9.3.3.
type A_ASSOCIATE struct {
	Type            PDUType // PDUTypeA_ASSOCIATE_RQ or PDUTypeA_ASSOCIATE_AC
	ProtocolVersion uint16
	// For AC, the AE titles are copied from the RQ.
	CalledAETitle  string
	CallingAETitle string
	Items          []SubItem
}

func (pdu *A_ASSOCIATE) PDUType() PDUType { return pdu.Type }

func decodeA_ASSOCIATE(d *dicomio.Decoder, pduType PDUType) *A_ASSOCIATE {
	pdu := &A_ASSOCIATE{Type: pduType}
	pdu.ProtocolVersion = d.ReadUInt16()
	d.Skip(2)
	pdu.CalledAETitle = trimAETitle(d.ReadString(16))
	pdu.CallingAETitle = trimAETitle(d.ReadString(16))
	d.Skip(8 * 4)
	pdu.Items = decodeSubItems(d)
	return pdu
}

func (pdu *A_ASSOCIATE) WritePayload(e *dicomio.Encoder) {
	if pdu.Type != PDUTypeA_ASSOCIATE_RQ && pdu.Type != PDUTypeA_ASSOCIATE_AC {
		e.SetError(errors.Errorf("A_ASSOCIATE: invalid type %v", pdu.Type))
		return
	}
	e.WriteUInt16(pdu.ProtocolVersion)
	e.WriteZeros(2)
	e.WriteString(fillString(pdu.CalledAETitle, 16))
	e.WriteString(fillString(pdu.CallingAETitle, 16))
	e.WriteZeros(8 * 4)
	for _, item := range pdu.Items {
		item.Write(e)
	}
}

func (pdu *A_ASSOCIATE) String() string {
	name := "AC"
	if pdu.Type == PDUTypeA_ASSOCIATE_RQ {
		name = "RQ"
	}
	return fmt.Sprintf("A_ASSOCIATE_%s{version:%v called:'%v' calling:'%v' items:%s}",
		name, pdu.ProtocolVersion,
		pdu.CalledAETitle, pdu.CallingAETitle, subItemListString(pdu.Items))
}

// A_ASSOCIATE_RJ is P3.8 9.3.4.
type A_ASSOCIATE_RJ struct {
	Result RejectResult
	Source RejectSource
	Reason RejectReason
}

// RejectResult is A_ASSOCIATE_RJ.Result.
type RejectResult byte

const (
	ResultRejectedPermanent RejectResult = 1
	ResultRejectedTransient RejectResult = 2
)

// RejectSource is A_ASSOCIATE_RJ.Source.
type RejectSource byte

const (
	SourceULServiceUser                 RejectSource = 1
	SourceULServiceProviderACSE         RejectSource = 2
	SourceULServiceProviderPresentation RejectSource = 3
)

// RejectReason is A_ASSOCIATE_RJ.Reason. Its meaning depends on Source;
// see P3.8 table 9-21.
type RejectReason byte

const (
	// Source = service user.
	ReasonNone                               RejectReason = 1
	ReasonApplicationContextNameNotSupported RejectReason = 2
	ReasonCallingAETitleNotRecognized        RejectReason = 3
	ReasonCalledAETitleNotRecognized         RejectReason = 7

	// Source = service provider (ACSE).
	ReasonProtocolVersionNotSupported RejectReason = 2

	// Source = service provider (presentation).
	ReasonTemporaryCongestion RejectReason = 1
	ReasonLocalLimitExceeded  RejectReason = 2
)

func decodeA_ASSOCIATE_RJ(d *dicomio.Decoder) *A_ASSOCIATE_RJ {
	pdu := &A_ASSOCIATE_RJ{}
	d.Skip(1)
	pdu.Result = RejectResult(d.ReadByte())
	pdu.Source = RejectSource(d.ReadByte())
	pdu.Reason = RejectReason(d.ReadByte())
	return pdu
}

func (pdu *A_ASSOCIATE_RJ) PDUType() PDUType { return PDUTypeA_ASSOCIATE_RJ }

func (pdu *A_ASSOCIATE_RJ) WritePayload(e *dicomio.Encoder) {
	e.WriteZeros(1)
	e.WriteByte(byte(pdu.Result))
	e.WriteByte(byte(pdu.Source))
	e.WriteByte(byte(pdu.Reason))
}

func (pdu *A_ASSOCIATE_RJ) String() string {
	return fmt.Sprintf("A_ASSOCIATE_RJ{result:%d source:%d reason:%d}", pdu.Result, pdu.Source, pdu.Reason)
}

// A_ABORT is P3.8 9.3.8.
type A_ABORT struct {
	Source AbortSource
	Reason AbortReason
}

// AbortSource is A_ABORT.Source.
type AbortSource byte

const (
	AbortSourceServiceUser     AbortSource = 0
	AbortSourceServiceProvider AbortSource = 2
)

// AbortReason is A_ABORT.Reason. Meaningful only when the source is the
// service provider.
type AbortReason byte

const (
	AbortReasonNotSpecified             AbortReason = 0
	AbortReasonUnrecognizedPDU          AbortReason = 1
	AbortReasonUnexpectedPDU            AbortReason = 2
	AbortReasonUnrecognizedPDUParameter AbortReason = 4
	AbortReasonUnexpectedPDUParameter   AbortReason = 5
	AbortReasonInvalidPDUParameterValue AbortReason = 6
)

func decodeA_ABORT(d *dicomio.Decoder) *A_ABORT {
	pdu := &A_ABORT{}
	d.Skip(2)
	pdu.Source = AbortSource(d.ReadByte())
	pdu.Reason = AbortReason(d.ReadByte())
	return pdu
}

func (pdu *A_ABORT) PDUType() PDUType { return PDUTypeA_ABORT }

func (pdu *A_ABORT) WritePayload(e *dicomio.Encoder) {
	e.WriteZeros(2)
	e.WriteByte(byte(pdu.Source))
	e.WriteByte(byte(pdu.Reason))
}

func (pdu *A_ABORT) String() string {
	return fmt.Sprintf("A_ABORT{source:%d reason:%d}", pdu.Source, pdu.Reason)
}

// A_RELEASE_RQ is P3.8 9.3.6.
type A_RELEASE_RQ struct{}

func (pdu *A_RELEASE_RQ) PDUType() PDUType              { return PDUTypeA_RELEASE_RQ }
func (pdu *A_RELEASE_RQ) WritePayload(e *dicomio.Encoder) { e.WriteZeros(4) }
func (pdu *A_RELEASE_RQ) String() string                { return "A_RELEASE_RQ" }

// A_RELEASE_RP is P3.8 9.3.7.
type A_RELEASE_RP struct{}

func (pdu *A_RELEASE_RP) PDUType() PDUType              { return PDUTypeA_RELEASE_RP }
func (pdu *A_RELEASE_RP) WritePayload(e *dicomio.Encoder) { e.WriteZeros(4) }
func (pdu *A_RELEASE_RP) String() string                { return "A_RELEASE_RP" }

// P_DATA_TF is P3.8 9.3.5.
type P_DATA_TF struct {
	Items []PresentationDataValueItem
}

func decodeP_DATA_TF(d *dicomio.Decoder) *P_DATA_TF {
	pdu := &P_DATA_TF{}
	for d.Len() > 0 {
		item := readPresentationDataValueItem(d)
		if d.Error() != nil {
			break
		}
		pdu.Items = append(pdu.Items, item)
	}
	return pdu
}

func (pdu *P_DATA_TF) PDUType() PDUType { return PDUTypeP_DATA_TF }

func (pdu *P_DATA_TF) WritePayload(e *dicomio.Encoder) {
	for i := range pdu.Items {
		pdu.Items[i].Write(e)
	}
}

func (pdu *P_DATA_TF) String() string {
	buf := bytes.Buffer{}
	buf.WriteString("P_DATA_TF{items: [")
	for i, item := range pdu.Items {
		if i > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(item.String())
	}
	buf.WriteString("]}")
	return buf.String()
}

// PresentationDataValueItem is one PDV. P3.8 9.3.5.1 and annex E.
type PresentationDataValueItem struct {
	ContextID byte
	// The message control header byte.
	Command bool // bit 0: command (1) or data set (0)
	Last    bool // bit 1: last fragment

	Value []byte
}

// PDVHeaderSize is the number of bytes a PDV adds to its payload: item
// length, context ID and message control header.
const PDVHeaderSize = 6

func readPresentationDataValueItem(d *dicomio.Decoder) PresentationDataValueItem {
	item := PresentationDataValueItem{}
	length := d.ReadUInt32()
	if length < 2 {
		d.SetError(errors.Errorf("PDV length %d is too short", length))
		return item
	}
	item.ContextID = d.ReadByte()
	header := d.ReadByte()
	if header&0xfc != 0 {
		d.SetError(errors.Errorf("PDV: illegal message control header 0x%x", header))
	}
	item.Command = header&1 != 0
	item.Last = header&2 != 0
	item.Value = d.ReadBytes(int(length - 2))
	return item
}

func (v *PresentationDataValueItem) Write(e *dicomio.Encoder) {
	var header byte
	if v.Command {
		header |= 1
	}
	if v.Last {
		header |= 2
	}
	e.WriteUInt32(uint32(2 + len(v.Value)))
	e.WriteByte(v.ContextID)
	e.WriteByte(header)
	e.WriteBytes(v.Value)
}

func (v *PresentationDataValueItem) String() string {
	return fmt.Sprintf("presentationdatavalue{context: %d, cmd:%v last:%v value: %d bytes}", v.ContextID, v.Command, v.Last, len(v.Value))
}

// fillString space-pads or truncates v to exactly length bytes.
func fillString(v string, length int) string {
	if len(v) >= length {
		return v[:length]
	}
	return v + strings.Repeat(" ", length-len(v))
}

func trimAETitle(v string) string {
	return strings.TrimRight(v, " \x00")
}
