// Package dimse implements the command messages defined in P3.7 and their
// transport over P-DATA-TF PDUs.
//
// http://dicom.nema.org/medical/dicom/current/output/pdf/part07.pdf
package dimse

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/grailbio/go-dicom/dicomio"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/pacslink/go-netdicom/pdu"
	"github.com/pkg/errors"
	"v.io/x/lib/vlog"
)

// MessageID identifies a request within an association. Responses carry it
// back as MessageIDBeingRespondedTo.
type MessageID = uint16

// Message is implemented by every C-XXX and N-XXX request and response.
type Message interface {
	fmt.Stringer
	// CommandField returns the (0000,0100) value of the message.
	CommandField() uint16
	// GetMessageID returns MessageID for a request and
	// MessageIDBeingRespondedTo for a response.
	GetMessageID() MessageID
	// GetStatus returns nil for requests.
	GetStatus() *Status
	// HasData reports whether a data set follows the command.
	HasData() bool
	Encode(*dicomio.Encoder)
}

// CommandDataSetType values. Any value other than CommandDataSetTypeNull
// means a data set follows.
const (
	CommandDataSetTypeNull    uint16 = 0x101
	CommandDataSetTypeNonNull uint16 = 1
)

// Priority values for requests.
const (
	PriorityMedium uint16 = 0
	PriorityHigh   uint16 = 1
	PriorityLow    uint16 = 2
)

// Command set elements are always implicit VR little endian. P3.7 6.3.1.
var commandByteOrder = binary.LittleEndian

type commandElement struct {
	tag   dicomtag.Tag
	value []byte
}

type isOptionalElement int

const (
	requiredElement isOptionalElement = iota
	optionalElement
)

// messageDecoder extracts typed values from a list of raw command elements.
// The first error is kept in err.
type messageDecoder struct {
	elems  []commandElement
	parsed []bool
	err    error
}

func (d *messageDecoder) setError(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *messageDecoder) findElement(tag dicomtag.Tag, optional isOptionalElement) []byte {
	for i, elem := range d.elems {
		if elem.tag == tag {
			d.parsed[i] = true
			return elem.value
		}
	}
	if optional == requiredElement {
		d.setError(errors.Errorf("dimse: element %v not found", tag))
	}
	return nil
}

func (d *messageDecoder) getString(tag dicomtag.Tag, optional isOptionalElement) string {
	v := d.findElement(tag, optional)
	return strings.TrimRight(string(v), " \x00")
}

func (d *messageDecoder) getUInt16(tag dicomtag.Tag, optional isOptionalElement) uint16 {
	v := d.findElement(tag, optional)
	if v == nil {
		return 0
	}
	if len(v) != 2 {
		d.setError(errors.Errorf("dimse: element %v: expect 2 bytes, found %d", tag, len(v)))
		return 0
	}
	return commandByteOrder.Uint16(v)
}

func (d *messageDecoder) getStatus() Status {
	return Status{
		Status:       StatusCode(d.getUInt16(TagStatus, requiredElement)),
		ErrorComment: d.getString(TagErrorComment, optionalElement),
	}
}

// unparsed returns elements that no decode function asked for.
func (d *messageDecoder) unparsed() []dicomtag.Tag {
	var tags []dicomtag.Tag
	for i, elem := range d.elems {
		if !d.parsed[i] {
			tags = append(tags, elem.tag)
		}
	}
	return tags
}

func encodeElement(e *dicomio.Encoder, tag dicomtag.Tag, value []byte) {
	e.WriteUInt16(tag.Group)
	e.WriteUInt16(tag.Element)
	e.WriteUInt32(uint32(len(value)))
	e.WriteBytes(value)
}

func encodeUInt16(e *dicomio.Encoder, tag dicomtag.Tag, v uint16) {
	var buf [2]byte
	commandByteOrder.PutUint16(buf[:], v)
	encodeElement(e, tag, buf[:])
}

// encodeUID writes a UI value, NUL-padded to even length.
func encodeUID(e *dicomio.Encoder, tag dicomtag.Tag, v string) {
	if len(v)%2 == 1 {
		v += "\x00"
	}
	encodeElement(e, tag, []byte(v))
}

// encodeText writes an AE or LO value, space-padded to even length.
func encodeText(e *dicomio.Encoder, tag dicomtag.Tag, v string) {
	if len(v)%2 == 1 {
		v += " "
	}
	encodeElement(e, tag, []byte(v))
}

func encodeStatus(e *dicomio.Encoder, s Status) {
	encodeUInt16(e, TagStatus, uint16(s.Status))
	if s.ErrorComment != "" {
		encodeText(e, TagErrorComment, s.ErrorComment)
	}
}

// ReadMessage decodes a command set. Errors are reported through d.
func ReadMessage(d *dicomio.Decoder) Message {
	var elems []commandElement
	d.PushTransferSyntax(commandByteOrder, dicomio.ImplicitVR)
	defer d.PopTransferSyntax()
	for !d.EOF() {
		tag := dicomtag.Tag{Group: d.ReadUInt16(), Element: d.ReadUInt16()}
		length := d.ReadUInt32()
		if d.Error() != nil {
			break
		}
		if int64(length) > d.Len() {
			d.SetError(errors.Errorf("dimse: element %v: length %d exceeds remaining %d bytes", tag, length, d.Len()))
			break
		}
		value := d.ReadBytes(int(length))
		if d.Error() != nil {
			break
		}
		if tag.Group != 0 {
			d.SetError(errors.Errorf("dimse: element %v is not in the command group", tag))
			break
		}
		elems = append(elems, commandElement{tag: tag, value: value})
	}
	if d.Error() != nil {
		return nil
	}
	md := &messageDecoder{elems: elems, parsed: make([]bool, len(elems))}
	md.findElement(TagCommandGroupLength, optionalElement)
	commandField := md.getUInt16(TagCommandField, requiredElement)
	if md.err != nil {
		d.SetError(md.err)
		return nil
	}
	v := decodeMessageForType(md, commandField)
	if md.err != nil {
		d.SetError(md.err)
		return nil
	}
	if tags := md.unparsed(); len(tags) > 0 {
		vlog.VI(2).Infof("dimse: %v: ignoring elements %v", v, tags)
	}
	return v
}

// EncodeMessage writes the command set for v, prefixed with
// CommandGroupLength.
func EncodeMessage(e *dicomio.Encoder, v Message) {
	sub := dicomio.NewBytesEncoder(commandByteOrder, dicomio.ImplicitVR)
	v.Encode(sub)
	if err := sub.Error(); err != nil {
		e.SetError(err)
		return
	}
	body := sub.Bytes()
	e.PushTransferSyntax(commandByteOrder, dicomio.ImplicitVR)
	defer e.PopTransferSyntax()
	var length [4]byte
	commandByteOrder.PutUint32(length[:], uint32(len(body)))
	encodeElement(e, TagCommandGroupLength, length[:])
	e.WriteBytes(body)
}

// EncodeMessageBytes is EncodeMessage into a fresh buffer.
func EncodeMessageBytes(v Message) ([]byte, error) {
	e := dicomio.NewBytesEncoder(commandByteOrder, dicomio.ImplicitVR)
	EncodeMessage(e, v)
	if err := e.Error(); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// DecodeMessageBytes parses a complete command set.
func DecodeMessageBytes(data []byte) (Message, error) {
	d := dicomio.NewBytesDecoder(data, commandByteOrder, dicomio.ImplicitVR)
	v := ReadMessage(d)
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return v, nil
}

// MessageIDSource hands out message IDs for the requests sent on one
// association. The zero value is ready to use; IDs start at 1 and skip 0
// on wrap-around.
type MessageIDSource struct {
	last atomic.Uint32
}

func (s *MessageIDSource) Next() MessageID {
	for {
		if id := MessageID(s.last.Add(1)); id != 0 {
			return id
		}
	}
}

// Assembled is one complete DIMSE message rebuilt from PDVs.
type Assembled struct {
	ContextID byte
	Command   Message
	// Data is nil iff the command announces no data set.
	Data []byte
}

// CommandAssembler rebuilds DIMSE messages from a stream of PDVs. PDVs must
// be fed one at a time, in arrival order; a single P-DATA-TF may finish one
// message and start the next.
type CommandAssembler struct {
	contextID    byte
	commandBytes []byte
	command      Message
	dataBytes    []byte
	readAllCmd   bool
	readAllData  bool
}

// AddPDV consumes one PDV. It returns a non-nil *Assembled when the PDV
// completes a message.
func (a *CommandAssembler) AddPDV(item *pdu.PresentationDataValueItem) (*Assembled, error) {
	if a.contextID == 0 {
		a.contextID = item.ContextID
	} else if a.contextID != item.ContextID {
		return nil, errors.Errorf("dimse: mixed presentation contexts %d and %d in one message", a.contextID, item.ContextID)
	}
	if item.Command {
		if a.readAllCmd {
			return nil, errors.New("dimse: command fragment after the last one")
		}
		a.commandBytes = append(a.commandBytes, item.Value...)
		a.readAllCmd = item.Last
	} else {
		if !a.readAllCmd {
			return nil, errors.New("dimse: data fragment before the end of a command")
		}
		if a.readAllData {
			return nil, errors.New("dimse: data fragment after the last one")
		}
		a.dataBytes = append(a.dataBytes, item.Value...)
		a.readAllData = item.Last
	}
	if !a.readAllCmd {
		return nil, nil
	}
	if a.command == nil {
		command, err := DecodeMessageBytes(a.commandBytes)
		if err != nil {
			return nil, err
		}
		a.command = command
	}
	if a.command.HasData() && !a.readAllData {
		return nil, nil
	}
	m := &Assembled{ContextID: a.contextID, Command: a.command}
	if a.command.HasData() {
		m.Data = a.dataBytes
		if m.Data == nil {
			m.Data = []byte{}
		}
	}
	*a = CommandAssembler{}
	return m, nil
}

// Idle reports whether no message is partially assembled.
func (a *CommandAssembler) Idle() bool {
	return a.contextID == 0
}

// MinPDUSize is the smallest max PDU length that fits a PDV with one byte of
// payload. Associations declaring less are refused, so Fragment only raises
// smaller values to it for callers outside an association.
const MinPDUSize = pdu.PDVHeaderSize + 1

// Fragment splits a command and an optional data set (nil for none) into
// P-DATA-TF PDUs. The payload of every PDU, excluding its 6-byte header,
// fits in maxPDUSize. PDVs are packed so that one PDU may carry the tail of
// the command and the head of the data set.
func Fragment(contextID byte, command, data []byte, maxPDUSize int) []*pdu.P_DATA_TF {
	if maxPDUSize < MinPDUSize {
		maxPDUSize = MinPDUSize
	}
	f := fragmenter{contextID: contextID, maxPDUSize: maxPDUSize}
	f.add(command, true)
	if data != nil {
		f.add(data, false)
	}
	return f.pdus
}

type fragmenter struct {
	contextID  byte
	maxPDUSize int
	pdus       []*pdu.P_DATA_TF
	used       int // payload bytes used in the last PDU
}

func (f *fragmenter) add(payload []byte, command bool) {
	for {
		if len(f.pdus) == 0 || f.maxPDUSize-f.used <= pdu.PDVHeaderSize {
			f.pdus = append(f.pdus, &pdu.P_DATA_TF{})
			f.used = 0
		}
		n := f.maxPDUSize - f.used - pdu.PDVHeaderSize
		if n > len(payload) {
			n = len(payload)
		}
		last := n == len(payload)
		cur := f.pdus[len(f.pdus)-1]
		cur.Items = append(cur.Items, pdu.PresentationDataValueItem{
			ContextID: f.contextID,
			Command:   command,
			Last:      last,
			Value:     payload[:n],
		})
		f.used += pdu.PDVHeaderSize + n
		payload = payload[n:]
		if last {
			return
		}
	}
}
