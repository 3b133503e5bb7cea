package admin

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/kestrelworks/dtnd/pkg/eid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusReportRoundTrip(t *testing.T) {
	sr := &StatusReport{
		Flags:        StatusDelivered | StatusCustody,
		Reason:       ReasonNoAddtlInfo,
		StatusSecs:   820000000,
		StatusSeq:    3,
		CreationSecs: 819999000,
		CreationSeq:  42,
		Source:       eid.MustParse("ipn:5.1"),
	}
	got, err := DecodeStatusReport(sr.Encode())
	require.NoError(t, err)
	assert.Equal(t, sr, got)
}

func TestStatusReportFragmentFields(t *testing.T) {
	sr := &StatusReport{
		Flags:         StatusReceived,
		IsForFragment: true,
		FragOffset:    1024,
		FragLength:    512,
		CreationSecs:  1000,
		Source:        eid.MustParse("dtn://gs1/app"),
	}
	got, err := DecodeStatusReport(sr.Encode())
	require.NoError(t, err)
	assert.True(t, got.IsForFragment)
	assert.Equal(t, uint64(1024), got.FragOffset)
	assert.Equal(t, uint64(512), got.FragLength)
}

func TestCustodySignalRoundTrip(t *testing.T) {
	cs := &CustodySignal{
		Succeeded:    true,
		Reason:       ReasonNoAddtlInfo,
		SignalSecs:   820000100,
		CreationSecs: 820000000,
		CreationSeq:  7,
		Source:       eid.MustParse("ipn:1.1"),
	}
	got, err := DecodeCustodySignal(cs.Encode())
	require.NoError(t, err)
	assert.Equal(t, cs, got)
	assert.False(t, got.RedundantReception())
}

func TestCustodySignalRedundantReception(t *testing.T) {
	cs := &CustodySignal{
		Succeeded: false,
		Reason:    ReasonRedundantReception,
		Source:    eid.MustParse("ipn:1.1"),
	}
	got, err := DecodeCustodySignal(cs.Encode())
	require.NoError(t, err)
	assert.True(t, got.RedundantReception())
}

func TestRecordTypeMismatch(t *testing.T) {
	sr := &StatusReport{Source: eid.MustParse("ipn:1.1")}
	_, err := DecodeCustodySignal(sr.Encode())
	assert.ErrorIs(t, err, ErrWrongType)
}

func TestACSRoundTrip(t *testing.T) {
	// Custody IDs {1, 2, 4}: one adjacent run of two, then a gap of one
	// and a run of one.
	acs := &AggregateCustodySignal{
		Succeeded: true,
		Entries: []ACSEntry{
			{Gap: 0, Fill: 2},
			{Gap: 1, Fill: 1},
		},
	}
	assert.Equal(t, []uint64{1, 2, 4}, acs.CustodyIDs())

	encoded := acs.Encode()
	assert.Equal(t, acs.EncodedLen(), len(encoded))

	got, err := DecodeAggregateCustodySignal(encoded)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 4}, got.CustodyIDs())
	assert.True(t, got.Succeeded)
}

func TestACSRejectsZeroFill(t *testing.T) {
	payload := []byte{TypeAggregateCustody << 4, 0x80, 0x00, 0x00}
	_, err := DecodeAggregateCustodySignal(payload)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestV7RecordRoundTrip(t *testing.T) {
	body := V7CustodySignal{Succeeded: true, Reason: 0, TransmitIDs: []uint64{1, 2, 4}}
	payload, err := EncodeV7(TypeV7CustodySignal, body)
	require.NoError(t, err)

	rec, err := DecodeV7(payload)
	require.NoError(t, err)
	assert.Equal(t, TypeV7CustodySignal, rec.Type)

	var got V7CustodySignal
	require.NoError(t, cbor.Unmarshal(rec.Body, &got))
	assert.Equal(t, body, got)
}
