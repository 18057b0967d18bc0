package netdicom

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/pacslink/go-netdicom/sopclass"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testElements() []*dicom.Element {
	return []*dicom.Element{
		dicom.MustNewElement(dicomtag.SOPClassUID, ctImage),
		dicom.MustNewElement(dicomtag.SOPInstanceUID, "1.2.3.4.5"),
		dicom.MustNewElement(dicomtag.PatientName, "Doe^Jane"),
		dicom.MustNewElement(dicomtag.PatientID, "12345"),
	}
}

func elementStrings(t *testing.T, elems []*dicom.Element) map[dicomtag.Tag]string {
	m := map[dicomtag.Tag]string{}
	for _, elem := range elems {
		s, err := elem.GetString()
		require.NoError(t, err)
		m[elem.Tag] = s
	}
	return m
}

func TestCodecRoundTrip(t *testing.T) {
	for _, ts := range []string{
		sopclass.ImplicitVRLittleEndian,
		sopclass.ExplicitVRLittleEndian,
		sopclass.ExplicitVRBigEndian,
		sopclass.DeflatedExplicitVRLittleEndian,
	} {
		t.Run(ts, func(t *testing.T) {
			data, err := GoDICOMCodec{}.Encode(testElements(), ts)
			require.NoError(t, err)
			elems, err := GoDICOMCodec{}.Decode(data, ts)
			require.NoError(t, err)
			assert.Equal(t, elementStrings(t, testElements()), elementStrings(t, elems))
		})
	}
}

func TestCodecDeflateShrinks(t *testing.T) {
	elems := testElements()
	elems = append(elems, dicom.MustNewElement(dicomtag.StudyDescription, strings.Repeat("CHEST ", 600)))
	plain, err := GoDICOMCodec{}.Encode(elems, sopclass.ExplicitVRLittleEndian)
	require.NoError(t, err)
	deflated, err := GoDICOMCodec{}.Encode(elems, sopclass.DeflatedExplicitVRLittleEndian)
	require.NoError(t, err)
	assert.Less(t, len(deflated), len(plain))
}

func TestCodecUnknownSyntax(t *testing.T) {
	_, err := GoDICOMCodec{}.Encode(testElements(), "1.2.3.4")
	assert.Error(t, err)
	_, err = GoDICOMCodec{}.Decode([]byte{0, 0}, "1.2.3.4")
	assert.Error(t, err)
}

func TestTranscode(t *testing.T) {
	implicit, err := GoDICOMCodec{}.Encode(testElements(), sopclass.ImplicitVRLittleEndian)
	require.NoError(t, err)

	same, err := transcode(GoDICOMCodec{}, implicit, sopclass.ImplicitVRLittleEndian, sopclass.ImplicitVRLittleEndian)
	require.NoError(t, err)
	assert.Equal(t, implicit, same)

	explicit, err := transcode(GoDICOMCodec{}, implicit, sopclass.ImplicitVRLittleEndian, sopclass.ExplicitVRLittleEndian)
	require.NoError(t, err)
	assert.NotEqual(t, implicit, explicit)
	elems, err := GoDICOMCodec{}.Decode(explicit, sopclass.ExplicitVRLittleEndian)
	require.NoError(t, err)
	assert.Equal(t, elementStrings(t, testElements()), elementStrings(t, elems))

	assert.True(t, canTranscode(sopclass.ExplicitVRBigEndian, sopclass.DeflatedExplicitVRLittleEndian))
	assert.True(t, canTranscode(sopclass.JPEGBaseline, sopclass.JPEGBaseline))
	assert.False(t, canTranscode(sopclass.JPEGBaseline, sopclass.ExplicitVRLittleEndian))
	_, err = transcode(GoDICOMCodec{}, implicit, sopclass.ImplicitVRLittleEndian, sopclass.JPEGBaseline)
	assert.Error(t, err)
}

func TestStoreObjectFromFile(t *testing.T) {
	data, err := GoDICOMCodec{}.Encode(testElements(), sopclass.ExplicitVRLittleEndian)
	require.NoError(t, err)
	header, err := EncodeFileHeader(ctImage, "1.2.3.4.5", sopclass.ExplicitVRLittleEndian)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "x.dcm")
	require.NoError(t, os.WriteFile(path, append(header, data...), 0o644))

	obj, err := LoadStoreObjectFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, obj.Label)
	assert.Equal(t, ctImage, obj.SOPClassUID)
	assert.Equal(t, "1.2.3.4.5", obj.SOPInstanceUID)
	assert.Equal(t, sopclass.ExplicitVRLittleEndian, obj.TransferSyntaxUID)
	assert.Equal(t, data, obj.Data)

	_, err = LoadStoreObjectFromFile(filepath.Join(t.TempDir(), "missing.dcm"))
	assert.Error(t, err)
	_, err = ParseStoreObject("junk", []byte("not a dicom file"))
	assert.Error(t, err)
}

func TestStoreObjectDataSet(t *testing.T) {
	obj := StoreObject{Label: "lazy", Load: func() ([]byte, error) { return []byte{1, 2}, nil }}
	data, err := obj.dataSet()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, data)

	obj = StoreObject{Label: "empty"}
	_, err = obj.dataSet()
	assert.Error(t, err)
}
