package sopclass

import (
	"strings"

	"golang.org/x/exp/slices"
)

// Transfer syntax UIDs. P3.5 section 10 and annex A.
const (
	ImplicitVRLittleEndian         = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian         = "1.2.840.10008.1.2.1"
	DeflatedExplicitVRLittleEndian = "1.2.840.10008.1.2.1.99"
	ExplicitVRBigEndian            = "1.2.840.10008.1.2.2"

	JPEGBaseline       = "1.2.840.10008.1.2.4.50"
	JPEGExtended       = "1.2.840.10008.1.2.4.51"
	JPEGLossless       = "1.2.840.10008.1.2.4.57"
	JPEGLosslessSV1    = "1.2.840.10008.1.2.4.70"
	JPEGLSLossless     = "1.2.840.10008.1.2.4.80"
	JPEGLSNearLossless = "1.2.840.10008.1.2.4.81"
	JPEG2000Lossless   = "1.2.840.10008.1.2.4.90"
	JPEG2000           = "1.2.840.10008.1.2.4.91"
	RLELossless        = "1.2.840.10008.1.2.5"
)

// UncompressedTransferSyntaxes can be converted into each other without
// touching pixel data.
var UncompressedTransferSyntaxes = []string{
	ImplicitVRLittleEndian,
	ExplicitVRLittleEndian,
	ExplicitVRBigEndian,
}

// StandardTransferSyntaxes is proposed by default when the caller does not
// name any transfer syntax.
var StandardTransferSyntaxes = []string{
	ImplicitVRLittleEndian,
	ExplicitVRLittleEndian,
	ExplicitVRBigEndian,
	DeflatedExplicitVRLittleEndian,
}

// CompressedTransferSyntaxes lists the encapsulated syntaxes known here.
var CompressedTransferSyntaxes = []string{
	JPEGBaseline,
	JPEGExtended,
	JPEGLossless,
	JPEGLosslessSV1,
	JPEGLSLossless,
	JPEGLSNearLossless,
	JPEG2000Lossless,
	JPEG2000,
	RLELossless,
}

// IsEncapsulated reports whether uid stores pixel data in compressed
// fragments. Unknown UIDs under the JPEG and RLE arcs count as encapsulated.
func IsEncapsulated(uid string) bool {
	if slices.Contains(CompressedTransferSyntaxes, uid) {
		return true
	}
	return strings.HasPrefix(uid, "1.2.840.10008.1.2.4.") || strings.HasPrefix(uid, "1.2.840.10008.1.2.5")
}

// IsUncompressed reports whether uid is one of UncompressedTransferSyntaxes.
func IsUncompressed(uid string) bool {
	return slices.Contains(UncompressedTransferSyntaxes, uid)
}
