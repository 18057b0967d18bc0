package sopclass

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestName(t *testing.T) {
	assert.Equal(t, "VerificationSOPClass", Name(VerificationSOPClass))
	assert.Equal(t, "CTImageStorage", Name("1.2.840.10008.5.1.4.1.1.2"))
	assert.Equal(t, "StudyRootQueryRetrieveInformationModelGet", Name(StudyRootQRGet))
	assert.Equal(t, "1.2.3.4", Name("1.2.3.4"))
}

func TestIsStorage(t *testing.T) {
	assert.True(t, IsStorage("1.2.840.10008.5.1.4.1.1.2"))
	assert.False(t, IsStorage(VerificationSOPClass))
	assert.False(t, IsStorage(PatientRootQRMove))
}

func TestUIDs(t *testing.T) {
	uids := UIDs(VerificationClasses, QRGetClasses)
	assert.Len(t, uids, 1+len(QRGetClasses))
	assert.Equal(t, VerificationSOPClass, uids[0])
	assert.Contains(t, uids, PatientRootQRGet)
	assert.Empty(t, UIDs())
}

func TestTransferSyntaxClasses(t *testing.T) {
	for _, uid := range CompressedTransferSyntaxes {
		assert.True(t, IsEncapsulated(uid), uid)
		assert.False(t, IsUncompressed(uid), uid)
	}
	for _, uid := range UncompressedTransferSyntaxes {
		assert.False(t, IsEncapsulated(uid), uid)
		assert.True(t, IsUncompressed(uid), uid)
	}
	assert.False(t, IsEncapsulated(DeflatedExplicitVRLittleEndian))
	assert.False(t, IsUncompressed(DeflatedExplicitVRLittleEndian))
	assert.True(t, IsEncapsulated("1.2.840.10008.1.2.4.999"))
}
