package netdicom

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomio"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/klauspost/compress/flate"
	"github.com/pacslink/go-netdicom/sopclass"
	"github.com/pkg/errors"
)

// DataSetCodec converts between data set elements and their encoding in a
// given transfer syntax. The association layer itself treats data sets as
// opaque bytes; the codec is only needed to build identifiers, read query
// responses and transcode objects.
type DataSetCodec interface {
	Encode(elems []*dicom.Element, transferSyntaxUID string) ([]byte, error)
	Decode(data []byte, transferSyntaxUID string) ([]*dicom.Element, error)
}

// GoDICOMCodec is the DataSetCodec backed by github.com/grailbio/go-dicom.
// Encapsulated syntaxes are handled as explicit VR little endian, which is
// how their elements (pixel data aside) are laid out.
type GoDICOMCodec struct{}

func (GoDICOMCodec) Encode(elems []*dicom.Element, transferSyntaxUID string) ([]byte, error) {
	bo, implicit, err := dicomio.ParseTransferSyntaxUID(transferSyntaxUID)
	if err != nil {
		return nil, errors.Wrapf(err, "encode data set")
	}
	e := dicomio.NewBytesEncoder(bo, implicit)
	for _, elem := range elems {
		dicom.WriteElement(e, elem)
	}
	if err := e.Error(); err != nil {
		return nil, errors.Wrapf(err, "encode data set")
	}
	data := e.Bytes()
	if transferSyntaxUID == sopclass.DeflatedExplicitVRLittleEndian {
		return deflate(data)
	}
	return data, nil
}

func (GoDICOMCodec) Decode(data []byte, transferSyntaxUID string) ([]*dicom.Element, error) {
	bo, implicit, err := dicomio.ParseTransferSyntaxUID(transferSyntaxUID)
	if err != nil {
		return nil, errors.Wrapf(err, "decode data set")
	}
	if transferSyntaxUID == sopclass.DeflatedExplicitVRLittleEndian {
		if data, err = inflate(data); err != nil {
			return nil, err
		}
	}
	d := dicomio.NewBytesDecoder(data, bo, implicit)
	var elems []*dicom.Element
	for !d.EOF() {
		elem := dicom.ReadElement(d, dicom.ReadOptions{})
		if d.Error() != nil {
			break
		}
		elems = append(elems, elem)
	}
	if err := d.Finish(); err != nil {
		return nil, errors.Wrapf(err, "decode data set")
	}
	return elems, nil
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrap(err, "deflate data set")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "deflate data set")
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "inflate data set")
	}
	return out, nil
}

func orDefaultCodec(c DataSetCodec) DataSetCodec {
	if c != nil {
		return c
	}
	return GoDICOMCodec{}
}

// isTranscodable reports whether the codec can re-encode data sets in uid
// without touching pixel data.
func isTranscodable(uid string) bool {
	return sopclass.IsUncompressed(uid) || uid == sopclass.DeflatedExplicitVRLittleEndian
}

// canTranscode reports whether an object encoded in from can be sent on a
// context negotiated for to.
func canTranscode(from, to string) bool {
	return from == to || (isTranscodable(from) && isTranscodable(to))
}

func transcode(codec DataSetCodec, data []byte, from, to string) ([]byte, error) {
	if from == to {
		return data, nil
	}
	if !canTranscode(from, to) {
		return nil, errors.Errorf("cannot transcode from %s to %s", from, to)
	}
	elems, err := codec.Decode(data, from)
	if err != nil {
		return nil, err
	}
	return codec.Encode(elems, to)
}

// StoreObject is one object to send with C-STORE.
type StoreObject struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	// Label names the object in logs and reports, e.g. a file path.
	Label string
	// Data is the encoded data set, without the part-10 header. If nil, Load
	// is called when the object is sent.
	Data []byte
	Load func() ([]byte, error)
}

func (o *StoreObject) dataSet() ([]byte, error) {
	if o.Data != nil {
		return o.Data, nil
	}
	if o.Load == nil {
		return nil, errors.Errorf("%s: no data", o.Label)
	}
	data, err := o.Load()
	if err != nil {
		return nil, errors.Wrapf(err, "%s: load", o.Label)
	}
	return data, nil
}

// ReceivedObject is an object received with C-STORE, either by a provider
// or by a C-GET requestor.
type ReceivedObject struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	// Data is the data set without part-10 header.
	Data []byte
	// ID is what the storage sink returned on commit, e.g. a path.
	ID string
}

// ParseStoreObject splits a DICOM part-10 file into its meta information and
// data set.
func ParseStoreObject(label string, part10 []byte) (StoreObject, error) {
	d := dicomio.NewBytesDecoder(part10, binary.LittleEndian, dicomio.ExplicitVR)
	meta := dicom.ParseFileHeader(d)
	if err := d.Error(); err != nil {
		return StoreObject{}, errors.Wrapf(err, "%s: parse file header", label)
	}
	get := func(tag dicomtag.Tag) (string, error) {
		elem, err := dicom.FindElementByTag(meta, tag)
		if err != nil {
			return "", errors.Wrapf(err, "%s", label)
		}
		s, err := elem.GetString()
		if err != nil {
			return "", errors.Wrapf(err, "%s: %s", label, dicomtag.DebugString(tag))
		}
		return s, nil
	}
	obj := StoreObject{Label: label}
	var err error
	if obj.SOPClassUID, err = get(dicomtag.MediaStorageSOPClassUID); err != nil {
		return StoreObject{}, err
	}
	if obj.SOPInstanceUID, err = get(dicomtag.MediaStorageSOPInstanceUID); err != nil {
		return StoreObject{}, err
	}
	if obj.TransferSyntaxUID, err = get(dicomtag.TransferSyntaxUID); err != nil {
		return StoreObject{}, err
	}
	obj.Data = part10[len(part10)-int(d.Len()):]
	return obj, nil
}

// LoadStoreObjectFromFile reads a DICOM part-10 file.
func LoadStoreObjectFromFile(path string) (StoreObject, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return StoreObject{}, errors.Wrapf(err, "read %s", path)
	}
	return ParseStoreObject(path, data)
}

// EncodeFileHeader returns the part-10 preamble and meta information group
// for an object. Appending the data set yields a DICOM file.
func EncodeFileHeader(sopClassUID, sopInstanceUID, transferSyntaxUID string) ([]byte, error) {
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ExplicitVR)
	dicom.WriteFileHeader(e, []*dicom.Element{
		dicom.MustNewElement(dicomtag.TransferSyntaxUID, transferSyntaxUID),
		dicom.MustNewElement(dicomtag.MediaStorageSOPClassUID, sopClassUID),
		dicom.MustNewElement(dicomtag.MediaStorageSOPInstanceUID, sopInstanceUID),
	})
	if err := e.Error(); err != nil {
		return nil, errors.Wrap(err, "encode file header")
	}
	return e.Bytes(), nil
}
