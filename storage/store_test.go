package storage

import (
	"testing"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/pacslink/go-netdicom"
	"github.com/pacslink/go-netdicom/dimse"
	"github.com/pacslink/go-netdicom/sopclass"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ctImageStorage = "1.2.840.10008.5.1.4.1.1.2"

func openStore(t *testing.T) *Store {
	s, err := Open(Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func count(t *testing.T, s *Store) int {
	n, err := s.Len()
	require.NoError(t, err)
	return n
}

func newObject(t *testing.T, instanceUID, patientID, studyUID string) netdicom.StoreObject {
	elems := []*dicom.Element{
		dicom.MustNewElement(dicomtag.SOPClassUID, ctImageStorage),
		dicom.MustNewElement(dicomtag.SOPInstanceUID, instanceUID),
		dicom.MustNewElement(dicomtag.PatientName, "Doe^"+patientID),
		dicom.MustNewElement(dicomtag.PatientID, patientID),
		dicom.MustNewElement(dicomtag.StudyInstanceUID, studyUID),
	}
	data, err := netdicom.GoDICOMCodec{}.Encode(elems, sopclass.ImplicitVRLittleEndian)
	require.NoError(t, err)
	return netdicom.StoreObject{
		SOPClassUID:       ctImageStorage,
		SOPInstanceUID:    instanceUID,
		TransferSyntaxUID: sopclass.ImplicitVRLittleEndian,
		Label:             instanceUID,
		Data:              data,
	}
}

func populate(t *testing.T, s *Store) {
	require.NoError(t, s.Put(newObject(t, "1.2.3.1", "P1", "1.2.9.1")))
	require.NoError(t, s.Put(newObject(t, "1.2.3.2", "P1", "1.2.9.1")))
	require.NoError(t, s.Put(newObject(t, "1.2.3.3", "P1", "1.2.9.2")))
	require.NoError(t, s.Put(newObject(t, "1.2.3.4", "P2", "1.2.9.3")))
}

func filter(t *testing.T, level string, elems ...*dicom.Element) []*dicom.Element {
	f := elems
	if level != "" {
		f = append([]*dicom.Element{dicom.MustNewElement(dicomtag.QueryRetrieveLevel, level)}, elems...)
	}
	return f
}

func TestPutAndRead(t *testing.T) {
	s := openStore(t)
	obj := newObject(t, "1.2.3.1", "P1", "1.2.9.1")
	require.NoError(t, s.Put(obj))
	assert.Equal(t, 1, count(t, s))

	data, err := s.ReadData("1.2.3.1")
	require.NoError(t, err)
	assert.Equal(t, obj.Data, data)

	stat, err := s.Stat("1.2.3.1")
	require.NoError(t, err)
	assert.Equal(t, ctImageStorage, stat.SOPClassUID)
	assert.Equal(t, sopclass.ImplicitVRLittleEndian, stat.TransferSyntaxUID)
	assert.Equal(t, len(obj.Data), stat.Size)
	elem, err := dicom.FindElementByTag(stat.Elements, dicomtag.PatientID)
	require.NoError(t, err)
	assert.Equal(t, "P1", elem.MustGetString())

	_, err = s.Stat("1.2.3.99")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ReadData("1.2.3.99")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutReplaces(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Put(newObject(t, "1.2.3.1", "P1", "1.2.9.1")))
	require.NoError(t, s.Put(newObject(t, "1.2.3.1", "P7", "1.2.9.1")))
	assert.Equal(t, 1, count(t, s))
	matches, err := s.Find(filter(t, "", dicom.MustNewElement(dicomtag.PatientID, "P7")))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestAbortDiscards(t *testing.T) {
	s := openStore(t)
	w, err := s.Create(ctImageStorage, "1.2.3.1", sopclass.ImplicitVRLittleEndian)
	require.NoError(t, err)
	_, err = w.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	w.Abort()
	assert.Equal(t, 0, count(t, s))

	_, err = s.Create(ctImageStorage, "", sopclass.ImplicitVRLittleEndian)
	assert.Error(t, err)
}

func TestCommitRejectsGarbage(t *testing.T) {
	s := openStore(t)
	w, err := s.Create(ctImageStorage, "1.2.3.1", sopclass.ExplicitVRLittleEndian)
	require.NoError(t, err)
	_, err = w.Write([]byte{0x08, 0x00, 0x18, 0x00, 'U', 'I', 0xff, 0xff})
	require.NoError(t, err)
	_, err = w.Commit()
	assert.Error(t, err)
	assert.Equal(t, 0, count(t, s))
}

func TestFind(t *testing.T) {
	s := openStore(t)
	populate(t, s)

	matches, err := s.Find(filter(t, "IMAGE", dicom.MustNewElement(dicomtag.PatientID, "P1")))
	require.NoError(t, err)
	require.Len(t, matches, 3)
	for _, m := range matches {
		require.Len(t, m.Elements, 2)
		assert.Equal(t, dicomtag.QueryRetrieveLevel, m.Elements[0].Tag)
		assert.Equal(t, "P1", m.Elements[1].MustGetString())
	}

	matches, err = s.Find(filter(t, "IMAGE", dicom.MustNewElement(dicomtag.PatientID, "P3")))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFindOneResultPerStudy(t *testing.T) {
	s := openStore(t)
	populate(t, s)

	matches, err := s.Find(filter(t, "STUDY",
		dicom.MustNewElement(dicomtag.PatientID, "P1"),
		dicom.MustNewElement(dicomtag.StudyInstanceUID)))
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "1.2.9.1", matches[0].Elements[2].MustGetString())
	assert.Equal(t, "1.2.9.2", matches[1].Elements[2].MustGetString())

	matches, err = s.Find(filter(t, "PATIENT", dicom.MustNewElement(dicomtag.PatientID)))
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestRetrieve(t *testing.T) {
	s := openStore(t)
	populate(t, s)

	objects, err := s.Retrieve(filter(t, "STUDY", dicom.MustNewElement(dicomtag.StudyInstanceUID, "1.2.9.1")))
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "1.2.3.1", objects[0].SOPInstanceUID)
	assert.Equal(t, "1.2.3.2", objects[1].SOPInstanceUID)
	assert.Nil(t, objects[0].Data)
	data, err := objects[1].Load()
	require.NoError(t, err)
	expected, err := s.ReadData("1.2.3.2")
	require.NoError(t, err)
	assert.Equal(t, expected, data)

	require.NoError(t, s.Delete("1.2.3.1"))
	_, err = objects[0].Load()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCFindCallback(t *testing.T) {
	s := openStore(t)
	populate(t, s)
	ch := make(chan netdicom.CFindResult, 8)
	s.CFind(netdicom.ConnectionState{Label: "test"}, sopclass.ImplicitVRLittleEndian,
		sopclass.StudyRootQRFind, filter(t, "IMAGE", dicom.MustNewElement(dicomtag.PatientID, "P2")), ch)
	var results []netdicom.CFindResult
	for r := range ch {
		results = append(results, r)
	}
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
}

func TestNDelete(t *testing.T) {
	s := openStore(t)
	populate(t, s)
	conn := netdicom.ConnectionState{Label: "test"}

	status := s.NDelete(conn, ctImageStorage, "1.2.3.1")
	assert.Equal(t, dimse.StatusSuccess, status.Status)
	assert.Equal(t, 3, count(t, s))

	status = s.NDelete(conn, ctImageStorage, "1.2.3.1")
	assert.Equal(t, dimse.StatusNoSuchSOPInstance, status.Status)

	status = s.NDelete(conn, "1.2.840.10008.5.1.4.1.1.4", "1.2.3.2")
	assert.Equal(t, dimse.StatusClassInstanceConflict, status.Status)
	assert.Equal(t, 3, count(t, s))
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.Put(newObject(t, "1.2.3.1", "P1", "1.2.9.1")))
	require.NoError(t, s.Close())

	s, err = Open(Options{Dir: dir})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 1, count(t, s))
}

func TestLenOnClosedStore(t *testing.T) {
	s, err := Open(Options{})
	require.NoError(t, err)
	require.NoError(t, s.Put(newObject(t, "1.2.3.1", "P1", "1.2.9.1")))
	require.NoError(t, s.Close())
	_, err = s.Len()
	assert.Error(t, err)
}
