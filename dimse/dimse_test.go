package dimse_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/grailbio/go-dicom/dicomio"
	"github.com/pacslink/go-netdicom/dimse"
	"github.com/pacslink/go-netdicom/pdu"
	"github.com/stretchr/testify/require"
)

func testDIMSE(t *testing.T, v dimse.Message) {
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ImplicitVR)
	dimse.EncodeMessage(e, v)
	require.NoError(t, e.Error())
	data := e.Bytes()
	require.Zero(t, len(data)%2, "command set must have even length")
	d := dicomio.NewBytesDecoder(data, binary.LittleEndian, dicomio.ImplicitVR)
	v2 := dimse.ReadMessage(d)
	require.NoError(t, d.Finish())
	require.Equal(t, v.String(), v2.String())
	require.Equal(t, v, v2)
}

func TestCStoreRq(t *testing.T) {
	testDIMSE(t, &dimse.C_STORE_RQ{
		AffectedSOPClassUID:                  "1.2.3",
		MessageID:                            0x1234,
		Priority:                             dimse.PriorityHigh,
		CommandDataSetType:                   dimse.CommandDataSetTypeNonNull,
		AffectedSOPInstanceUID:               "3.4.5",
		MoveOriginatorApplicationEntityTitle: "foohah",
		MoveOriginatorMessageID:              0x3456,
	})
}

func TestCStoreRsp(t *testing.T) {
	testDIMSE(t, &dimse.C_STORE_RSP{
		AffectedSOPClassUID:       "1.2.3",
		MessageIDBeingRespondedTo: 0x1234,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		AffectedSOPInstanceUID:    "3.4.5",
		Status:                    dimse.Status{Status: dimse.CStoreOutOfResources, ErrorComment: "disk full"},
	})
}

func TestCFind(t *testing.T) {
	testDIMSE(t, &dimse.C_FIND_RQ{
		AffectedSOPClassUID: "1.2.840.10008.5.1.4.1.2.2.1",
		MessageID:           7,
		CommandDataSetType:  dimse.CommandDataSetTypeNonNull,
	})
	testDIMSE(t, &dimse.C_FIND_RSP{
		AffectedSOPClassUID:       "1.2.840.10008.5.1.4.1.2.2.1",
		MessageIDBeingRespondedTo: 7,
		CommandDataSetType:        dimse.CommandDataSetTypeNonNull,
		Status:                    dimse.Status{Status: dimse.StatusPending},
	})
}

func TestCMoveAndCGet(t *testing.T) {
	testDIMSE(t, &dimse.C_MOVE_RQ{
		AffectedSOPClassUID: "1.2.840.10008.5.1.4.1.2.2.2",
		MessageID:           9,
		MoveDestination:     "STORESCP",
		CommandDataSetType:  dimse.CommandDataSetTypeNonNull,
	})
	testDIMSE(t, &dimse.C_MOVE_RSP{
		AffectedSOPClassUID:       "1.2.840.10008.5.1.4.1.2.2.2",
		MessageIDBeingRespondedTo: 9,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		SubOperationCounts: dimse.SubOperationCounts{
			NumberOfRemainingSuboperations: 2,
			NumberOfCompletedSuboperations: 2,
			NumberOfFailedSuboperations:    1,
		},
		Status: dimse.Status{Status: dimse.StatusPending},
	})
	testDIMSE(t, &dimse.C_GET_RQ{
		AffectedSOPClassUID: "1.2.840.10008.5.1.4.1.2.2.3",
		MessageID:           10,
		CommandDataSetType:  dimse.CommandDataSetTypeNonNull,
	})
	testDIMSE(t, &dimse.C_GET_RSP{
		AffectedSOPClassUID:       "1.2.840.10008.5.1.4.1.2.2.3",
		MessageIDBeingRespondedTo: 10,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		SubOperationCounts: dimse.SubOperationCounts{
			NumberOfCompletedSuboperations: 4,
			NumberOfFailedSuboperations:    1,
			NumberOfWarningSuboperations:   1,
		},
		Status: dimse.Status{Status: dimse.CMoveWarningSubOperationsFailed},
	})
}

func TestCEcho(t *testing.T) {
	testDIMSE(t, &dimse.C_ECHO_RQ{AffectedSOPClassUID: "1.2.840.10008.1.1", MessageID: 0x1234, CommandDataSetType: dimse.CommandDataSetTypeNull})
	testDIMSE(t, &dimse.C_ECHO_RSP{
		AffectedSOPClassUID:       "1.2.840.10008.1.1",
		MessageIDBeingRespondedTo: 0x1234,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		Status:                    dimse.Success,
	})
}

func TestNDeleteAndCancel(t *testing.T) {
	testDIMSE(t, &dimse.N_DELETE_RQ{
		RequestedSOPClassUID:    "1.2.3",
		MessageID:               3,
		CommandDataSetType:      dimse.CommandDataSetTypeNull,
		RequestedSOPInstanceUID: "1.2.3.4",
	})
	testDIMSE(t, &dimse.N_DELETE_RSP{
		AffectedSOPClassUID:       "1.2.3",
		MessageIDBeingRespondedTo: 3,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		AffectedSOPInstanceUID:    "1.2.3.4",
		Status:                    dimse.Status{Status: dimse.StatusNoSuchSOPInstance},
	})
	testDIMSE(t, &dimse.C_CANCEL_RQ{MessageIDBeingRespondedTo: 5, CommandDataSetType: dimse.CommandDataSetTypeNull})
}

func TestOddLengthUIDIsNulPadded(t *testing.T) {
	data, err := dimse.EncodeMessageBytes(&dimse.C_ECHO_RQ{AffectedSOPClassUID: "1.2.3", MessageID: 1, CommandDataSetType: dimse.CommandDataSetTypeNull})
	require.NoError(t, err)
	require.True(t, bytes.Contains(data, []byte("1.2.3\x00")))

	data, err = dimse.EncodeMessageBytes(&dimse.C_MOVE_RQ{AffectedSOPClassUID: "1.2", MessageID: 1, MoveDestination: "ABC", CommandDataSetType: 1})
	require.NoError(t, err)
	require.True(t, bytes.Contains(data, []byte("ABC ")))
}

func TestDecodeErrors(t *testing.T) {
	_, err := dimse.DecodeMessageBytes([]byte{0, 0, 0, 1, 2, 0, 0, 0, 0xff, 0xff})
	require.Error(t, err, "unknown command field")

	_, err = dimse.DecodeMessageBytes([]byte{0, 0, 0x10, 1, 2, 0, 0, 0, 0x30, 0})
	require.Error(t, err, "missing command field")

	_, err = dimse.DecodeMessageBytes([]byte{0, 0, 0, 1, 20, 0, 0, 0, 0x30, 0})
	require.Error(t, err, "truncated element")
}

func TestMessageIDSource(t *testing.T) {
	var ids dimse.MessageIDSource
	require.Equal(t, dimse.MessageID(1), ids.Next())
	require.Equal(t, dimse.MessageID(2), ids.Next())
	for i := 0; i < 0xfffc; i++ {
		ids.Next()
	}
	require.Equal(t, dimse.MessageID(0xffff), ids.Next())
	require.Equal(t, dimse.MessageID(1), ids.Next(), "0 is skipped on wrap-around")
}

func encodeCommand(t *testing.T, v dimse.Message) []byte {
	data, err := dimse.EncodeMessageBytes(v)
	require.NoError(t, err)
	return data
}

func TestFragmentReassemble(t *testing.T) {
	command := encodeCommand(t, &dimse.C_STORE_RQ{
		AffectedSOPClassUID:    "1.2.840.10008.5.1.4.1.1.2",
		MessageID:              11,
		CommandDataSetType:     dimse.CommandDataSetTypeNonNull,
		AffectedSOPInstanceUID: "1.2.3.4.5.6",
	})
	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i)
	}
	sizes := []int{0, dimse.MinPDUSize, dimse.MinPDUSize + 1, 64, 100, 1000, 4095, 16384, 1 << 20}
	for _, maxPDUSize := range sizes {
		pdus := dimse.Fragment(3, command, data, maxPDUSize)
		limit := maxPDUSize
		if limit < dimse.MinPDUSize {
			limit = dimse.MinPDUSize
		}
		var cmd, ds []byte
		var assembler dimse.CommandAssembler
		var got *dimse.Assembled
		for _, p := range pdus {
			encoded, err := pdu.EncodePDU(p)
			require.NoError(t, err)
			require.LessOrEqual(t, len(encoded)-pdu.HeaderSize, limit)
			for i := range p.Items {
				item := &p.Items[i]
				require.Equal(t, byte(3), item.ContextID)
				if item.Command {
					require.Empty(t, ds, "command after data")
					cmd = append(cmd, item.Value...)
				} else {
					ds = append(ds, item.Value...)
				}
				m, err := assembler.AddPDV(item)
				require.NoError(t, err)
				if m != nil {
					require.Nil(t, got, "message completed twice")
					got = m
				}
			}
		}
		require.Equal(t, command, cmd, "maxPDUSize=%d", maxPDUSize)
		require.Equal(t, data, ds, "maxPDUSize=%d", maxPDUSize)
		require.NotNil(t, got)
		require.Equal(t, byte(3), got.ContextID)
		require.Equal(t, data, got.Data)
		require.Equal(t, dimse.MessageID(11), got.Command.GetMessageID())
		require.True(t, assembler.Idle())
	}
}

func TestFragmentLargeDataSet(t *testing.T) {
	const maxPDUSize = 16 << 10
	command := encodeCommand(t, &dimse.C_STORE_RQ{
		AffectedSOPClassUID:    "1.2.840.10008.5.1.4.1.1.2",
		MessageID:              1,
		CommandDataSetType:     dimse.CommandDataSetTypeNonNull,
		AffectedSOPInstanceUID: "1.2.3",
	})
	data := bytes.Repeat([]byte{0x5a}, 10<<20)
	pdus := dimse.Fragment(1, command, data, maxPDUSize)
	require.Greater(t, len(pdus), 1)
	nLastData := 0
	total := 0
	for _, p := range pdus {
		for _, item := range p.Items {
			require.LessOrEqual(t, len(item.Value), maxPDUSize-pdu.PDVHeaderSize)
			if !item.Command {
				total += len(item.Value)
				if item.Last {
					nLastData++
				}
			}
		}
	}
	require.Equal(t, 1, nLastData)
	require.Equal(t, len(data), total)
}

func TestFragmentWithoutDataSet(t *testing.T) {
	command := encodeCommand(t, &dimse.C_ECHO_RQ{MessageID: 1, CommandDataSetType: dimse.CommandDataSetTypeNull})
	pdus := dimse.Fragment(1, command, nil, 1<<20)
	require.Len(t, pdus, 1)
	require.Len(t, pdus[0].Items, 1)
	require.True(t, pdus[0].Items[0].Command)
	require.True(t, pdus[0].Items[0].Last)
}

func TestAssemblerTwoMessagesInOnePDU(t *testing.T) {
	echo := encodeCommand(t, &dimse.C_ECHO_RQ{MessageID: 1, CommandDataSetType: dimse.CommandDataSetTypeNull})
	find := encodeCommand(t, &dimse.C_FIND_RQ{AffectedSOPClassUID: "1.2", MessageID: 2, CommandDataSetType: dimse.CommandDataSetTypeNonNull})
	p := &pdu.P_DATA_TF{Items: []pdu.PresentationDataValueItem{
		{ContextID: 1, Command: true, Last: true, Value: echo},
		{ContextID: 3, Command: true, Last: true, Value: find},
		{ContextID: 3, Command: false, Last: false, Value: []byte{1, 2}},
		{ContextID: 3, Command: false, Last: true, Value: []byte{3, 4}},
	}}
	var assembler dimse.CommandAssembler
	var msgs []*dimse.Assembled
	for i := range p.Items {
		m, err := assembler.AddPDV(&p.Items[i])
		require.NoError(t, err)
		if m != nil {
			msgs = append(msgs, m)
		}
	}
	require.Len(t, msgs, 2)
	require.IsType(t, &dimse.C_ECHO_RQ{}, msgs[0].Command)
	require.Nil(t, msgs[0].Data)
	require.IsType(t, &dimse.C_FIND_RQ{}, msgs[1].Command)
	require.Equal(t, []byte{1, 2, 3, 4}, msgs[1].Data)
}

func TestAssemblerErrors(t *testing.T) {
	echo := encodeCommand(t, &dimse.C_ECHO_RQ{MessageID: 1, CommandDataSetType: dimse.CommandDataSetTypeNull})

	var a dimse.CommandAssembler
	_, err := a.AddPDV(&pdu.PresentationDataValueItem{ContextID: 1, Command: true, Value: echo[:4]})
	require.NoError(t, err)
	_, err = a.AddPDV(&pdu.PresentationDataValueItem{ContextID: 3, Command: true, Last: true, Value: echo[4:]})
	require.Error(t, err, "mixed contexts")

	a = dimse.CommandAssembler{}
	_, err = a.AddPDV(&pdu.PresentationDataValueItem{ContextID: 1, Command: false, Last: true, Value: []byte{1}})
	require.Error(t, err, "data before any command")
}

func TestAssemblerRejectsDataAfterCommandWithoutDataSet(t *testing.T) {
	echo := encodeCommand(t, &dimse.C_ECHO_RQ{MessageID: 1, CommandDataSetType: dimse.CommandDataSetTypeNull})
	store := encodeCommand(t, &dimse.C_STORE_RQ{
		AffectedSOPClassUID:    "1.2.840.10008.5.1.4.1.1.2",
		MessageID:              2,
		CommandDataSetType:     dimse.CommandDataSetTypeNonNull,
		AffectedSOPInstanceUID: "1.2.3",
	})

	var a dimse.CommandAssembler
	m, err := a.AddPDV(&pdu.PresentationDataValueItem{ContextID: 1, Command: true, Last: true, Value: echo})
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Nil(t, m.Data)

	// The stray data set must not be carried over to the next message.
	_, err = a.AddPDV(&pdu.PresentationDataValueItem{ContextID: 1, Command: false, Last: true, Value: []byte{9, 9}})
	require.Error(t, err)

	a = dimse.CommandAssembler{}
	m, err = a.AddPDV(&pdu.PresentationDataValueItem{ContextID: 1, Command: true, Last: true, Value: store})
	require.NoError(t, err)
	require.Nil(t, m)
	m, err = a.AddPDV(&pdu.PresentationDataValueItem{ContextID: 1, Command: false, Last: true, Value: []byte{1, 2}})
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, []byte{1, 2}, m.Data)
}

func TestFragmentHonorsSmallestMaxPDUSize(t *testing.T) {
	command := encodeCommand(t, &dimse.C_ECHO_RQ{MessageID: 1, CommandDataSetType: dimse.CommandDataSetTypeNull})
	pdus := dimse.Fragment(1, command, nil, dimse.MinPDUSize)
	require.Len(t, pdus, len(command))
	for _, p := range pdus {
		encoded, err := pdu.EncodePDU(p)
		require.NoError(t, err)
		require.Equal(t, dimse.MinPDUSize, len(encoded)-pdu.HeaderSize)
	}
}
