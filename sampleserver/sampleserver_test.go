package main

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/pacslink/go-netdicom"
	"github.com/pacslink/go-netdicom/sopclass"
	"github.com/pacslink/go-netdicom/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func part10(t *testing.T, instanceUID string) []byte {
	t.Helper()
	const ctImage = "1.2.840.10008.5.1.4.1.1.2"
	data, err := netdicom.GoDICOMCodec{}.Encode([]*dicom.Element{
		dicom.MustNewElement(dicomtag.SOPClassUID, ctImage),
		dicom.MustNewElement(dicomtag.SOPInstanceUID, instanceUID),
		dicom.MustNewElement(dicomtag.PatientID, "P1"),
	}, sopclass.ExplicitVRLittleEndian)
	require.NoError(t, err)
	header, err := netdicom.EncodeFileHeader(ctImage, instanceUID, sopclass.ExplicitVRLittleEndian)
	require.NoError(t, err)
	return append(header, data...)
}

func TestListAndLoadFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.dcm"), part10(t, "1.2.3.1"))
	writeFile(t, filepath.Join(dir, "sub", "b.dcm"), part10(t, "1.2.3.2"))
	writeFile(t, filepath.Join(dir, "notes.txt"), []byte("hello"))
	writeFile(t, filepath.Join(dir, "cd", "DICOMDIR"), []byte("index"))
	writeFile(t, filepath.Join(dir, "cd", "IM0001"), part10(t, "1.2.3.3"))
	writeFile(t, filepath.Join(dir, "broken.dcm"), []byte("garbage"))

	paths, err := listDicomFiles(dir)
	require.NoError(t, err)
	for i, p := range paths {
		paths[i], _ = filepath.Rel(dir, p)
	}
	sort.Strings(paths)
	assert.Equal(t, []string{"a.dcm", "broken.dcm", filepath.Join("cd", "IM0001"), filepath.Join("sub", "b.dcm")}, paths)

	store, err := storage.Open(storage.Options{})
	require.NoError(t, err)
	defer store.Close()
	n, err := loadFiles(store, dir)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	total, err := store.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	writeFile(t, path, []byte(`
port: "11112"
ae: PACS
remote_aes:
  VIEWER: viewer.example.com:104
max_pdu_size: 65536
compressed_transfer_syntaxes:
  - 1.2.840.10008.1.2.4.50
`))
	c, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 65536, c.MaxPDUSize)
	assert.Equal(t, []string{sopclass.JPEGBaseline}, c.CompressedTransferSyntaxes)

	merged, err := settings(c, map[string]bool{"ae": true})
	require.NoError(t, err)
	assert.Equal(t, "11112", merged.Port)
	assert.Equal(t, *aeFlag, merged.AETitle)
	assert.Equal(t, *dirFlag, merged.Dir)
	assert.Equal(t, map[string]string{"VIEWER": "viewer.example.com:104"}, merged.RemoteAEs)

	merged, err = settings(config{}, nil)
	require.NoError(t, err)
	addr, err := netdicom.StaticResolver(merged.RemoteAEs).Resolve("GBMAC0261")
	require.NoError(t, err)
	assert.Equal(t, "localhost:11112", addr)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCanonicalizeHostPort(t *testing.T) {
	assert.Equal(t, ":104", canonicalizeHostPort("104"))
	assert.Equal(t, "localhost:104", canonicalizeHostPort("localhost:104"))
}
