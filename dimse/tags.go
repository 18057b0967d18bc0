package dimse

import "github.com/grailbio/go-dicom/dicomtag"

// Command group elements. P3.7 annex E.
var (
	TagCommandGroupLength                   = dicomtag.Tag{Group: 0x0000, Element: 0x0000}
	TagAffectedSOPClassUID                  = dicomtag.Tag{Group: 0x0000, Element: 0x0002}
	TagRequestedSOPClassUID                 = dicomtag.Tag{Group: 0x0000, Element: 0x0003}
	TagCommandField                         = dicomtag.Tag{Group: 0x0000, Element: 0x0100}
	TagMessageID                            = dicomtag.Tag{Group: 0x0000, Element: 0x0110}
	TagMessageIDBeingRespondedTo            = dicomtag.Tag{Group: 0x0000, Element: 0x0120}
	TagMoveDestination                      = dicomtag.Tag{Group: 0x0000, Element: 0x0600}
	TagPriority                             = dicomtag.Tag{Group: 0x0000, Element: 0x0700}
	TagCommandDataSetType                   = dicomtag.Tag{Group: 0x0000, Element: 0x0800}
	TagStatus                               = dicomtag.Tag{Group: 0x0000, Element: 0x0900}
	TagErrorComment                         = dicomtag.Tag{Group: 0x0000, Element: 0x0902}
	TagAffectedSOPInstanceUID               = dicomtag.Tag{Group: 0x0000, Element: 0x1000}
	TagRequestedSOPInstanceUID              = dicomtag.Tag{Group: 0x0000, Element: 0x1001}
	TagNumberOfRemainingSuboperations       = dicomtag.Tag{Group: 0x0000, Element: 0x1020}
	TagNumberOfCompletedSuboperations       = dicomtag.Tag{Group: 0x0000, Element: 0x1021}
	TagNumberOfFailedSuboperations          = dicomtag.Tag{Group: 0x0000, Element: 0x1022}
	TagNumberOfWarningSuboperations         = dicomtag.Tag{Group: 0x0000, Element: 0x1023}
	TagMoveOriginatorApplicationEntityTitle = dicomtag.Tag{Group: 0x0000, Element: 0x1030}
	TagMoveOriginatorMessageID              = dicomtag.Tag{Group: 0x0000, Element: 0x1031}
)

// CommandField values.
const (
	CommandFieldCStoreRq   uint16 = 0x0001
	CommandFieldCStoreRsp  uint16 = 0x8001
	CommandFieldCGetRq     uint16 = 0x0010
	CommandFieldCGetRsp    uint16 = 0x8010
	CommandFieldCFindRq    uint16 = 0x0020
	CommandFieldCFindRsp   uint16 = 0x8020
	CommandFieldCMoveRq    uint16 = 0x0021
	CommandFieldCMoveRsp   uint16 = 0x8021
	CommandFieldCEchoRq    uint16 = 0x0030
	CommandFieldCEchoRsp   uint16 = 0x8030
	CommandFieldNDeleteRq  uint16 = 0x0150
	CommandFieldNDeleteRsp uint16 = 0x8150
	CommandFieldCCancelRq  uint16 = 0x0fff
)
