package netdicom

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pacslink/go-netdicom/sopclass"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectorySink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "incoming")
	data, err := GoDICOMCodec{}.Encode(testElements(), sopclass.ImplicitVRLittleEndian)
	require.NoError(t, err)

	id, err := storeObject(DirectorySink{Dir: dir}, ReceivedObject{
		SOPClassUID:       ctImage,
		SOPInstanceUID:    "1.2.3.4.5",
		TransferSyntaxUID: sopclass.ImplicitVRLittleEndian,
		Data:              data,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "1.2.3.4.5.dcm"), id)

	obj, err := LoadStoreObjectFromFile(id)
	require.NoError(t, err)
	assert.Equal(t, ctImage, obj.SOPClassUID)
	assert.Equal(t, "1.2.3.4.5", obj.SOPInstanceUID)
	assert.Equal(t, data, obj.Data)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file left behind")
}

func TestDirectorySinkAbort(t *testing.T) {
	dir := t.TempDir()
	w, err := DirectorySink{Dir: dir}.Create(ctImage, "1.2.3", sopclass.ImplicitVRLittleEndian)
	require.NoError(t, err)
	_, err = w.Write([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	w.Abort()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileNameForInstance(t *testing.T) {
	assert.Equal(t, "1.2.840.5.dcm", fileNameForInstance("1.2.840.5"))
	assert.Equal(t, "_.._..___________.dcm", fileNameForInstance("/../../etc/passwd"))
	assert.Equal(t, "_...dcm", fileNameForInstance(".."))
	assert.Equal(t, "_.dcm", fileNameForInstance(""))
}
