package pdu_test

import (
	"bytes"
	"testing"

	"github.com/pacslink/go-netdicom/pdu"
)

func FuzzReadPDU(f *testing.F) {
	for _, v := range []pdu.PDU{
		&pdu.A_RELEASE_RQ{},
		&pdu.A_ABORT{Source: pdu.AbortSourceServiceUser},
		&pdu.P_DATA_TF{Items: []pdu.PresentationDataValueItem{{ContextID: 1, Command: true, Last: true, Value: []byte{1, 2}}}},
		&pdu.A_ASSOCIATE{
			Type:            pdu.PDUTypeA_ASSOCIATE_RQ,
			ProtocolVersion: pdu.CurrentProtocolVersion,
			CalledAETitle:   "a",
			CallingAETitle:  "b",
			Items: []pdu.SubItem{
				&pdu.ApplicationContextItem{Name: pdu.DICOMApplicationContextItemName},
				&pdu.UserInformationItem{Items: []pdu.SubItem{&pdu.UserInformationMaximumLengthItem{MaximumLengthReceived: 4096}}},
			},
		},
	} {
		data, err := pdu.EncodePDU(v)
		if err != nil {
			f.Fatal(err)
		}
		f.Add(data)
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		v, err := pdu.ReadPDU(bytes.NewReader(data), 1<<16)
		if err != nil {
			return
		}
		// Anything that decodes must encode again.
		if _, err := pdu.EncodePDU(v); err != nil {
			t.Fatalf("re-encode %v: %v", v, err)
		}
	})
}
