package acs

import (
	"testing"
	"time"

	"github.com/kestrelworks/dtnd/pkg/admin"
	"github.com/kestrelworks/dtnd/pkg/eid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlacements(t *testing.T) {
	p := &PendingSignal{Custodian: "ipn:2.0", Succeeded: true}

	place := func(id uint64) Placement {
		pl, added := p.Add(id)
		require.True(t, added, "id %d", id)
		return pl
	}

	assert.Equal(t, InsertFirst, place(10))
	assert.Equal(t, ExtendEntry, place(11))
	assert.Equal(t, PrependEntry, place(9))
	assert.Equal(t, InsertAtEnd, place(20))
	assert.Equal(t, Insert, place(15))
	assert.Equal(t, InsertFirst, place(2))

	_, added := p.Add(10)
	assert.False(t, added, "duplicate id rejected")

	assert.Equal(t, []Run{{2, 2}, {9, 11}, {15, 15}, {20, 20}}, p.Runs)
}

func TestAdjacentRunsCoalesce(t *testing.T) {
	p := &PendingSignal{}
	p.Add(1)
	p.Add(2)
	p.Add(4)
	p.Add(5)
	pl, added := p.Add(3)
	require.True(t, added)
	assert.Equal(t, ExtendEntry, pl)
	assert.Equal(t, []Run{{1, 5}}, p.Runs)
}

func TestSignalEncoding(t *testing.T) {
	// Custody IDs 1, 2, 4: entries (gap=0 fill=2) and (gap=1 fill=1).
	p := &PendingSignal{Succeeded: true}
	p.Add(1)
	p.Add(2)
	p.Add(4)

	sig := p.Signal()
	require.Equal(t, []admin.ACSEntry{{Gap: 0, Fill: 2}, {Gap: 1, Fill: 1}}, sig.Entries)
	assert.Equal(t, uint64(3), p.IDCount())

	decoded, err := admin.DecodeAggregateCustodySignal(sig.Encode())
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 4}, decoded.CustodyIDs())
}

func TestFlushRoundTripAscending(t *testing.T) {
	p := &PendingSignal{Succeeded: true}
	inserted := []uint64{7, 3, 9, 4, 1, 8}
	for _, id := range inserted {
		_, added := p.Add(id)
		require.True(t, added)
	}
	decoded, err := admin.DecodeAggregateCustodySignal(p.Signal().Encode())
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 3, 4, 7, 8, 9}, decoded.CustodyIDs())
}

func TestPendingPersistenceRoundTrip(t *testing.T) {
	p := &PendingSignal{Custodian: "ipn:2.0", Succeeded: true, Created: time.Now()}
	p.Add(5)
	p.Add(6)

	data, err := p.Encode()
	require.NoError(t, err)

	got, err := DecodePending(data)
	require.NoError(t, err)
	assert.Equal(t, p.Runs, got.Runs)
	assert.Equal(t, p.Key(), got.Key())
}

func TestIDAllocator(t *testing.T) {
	a := NewIDAllocator()
	assert.Equal(t, uint64(1), a.Next())
	assert.Equal(t, uint64(2), a.Next())
	a.Seed(100)
	assert.Equal(t, uint64(101), a.Next())
	a.Seed(5) // lower seeds are ignored
	assert.Equal(t, uint64(102), a.Next())
}

func TestParamStoreLongestMatch(t *testing.T) {
	s := NewParamStore(RouteParams{Enabled: false})
	s.SetOverride(eid.MustParsePattern("ipn:2.*"),
		RouteParams{Enabled: true, Size: 100, Delay: time.Second})
	s.SetOverride(eid.MustParsePattern("*"),
		RouteParams{Enabled: true, Size: 500, Delay: time.Minute})

	got := s.For(eid.MustParse("ipn:2.0"))
	assert.Equal(t, uint64(100), got.Size)

	got = s.For(eid.MustParse("ipn:3.0"))
	assert.Equal(t, uint64(500), got.Size)
}

func TestManagerAddAndFlush(t *testing.T) {
	params := NewParamStore(RouteParams{Enabled: true, Size: 0, Delay: time.Second})
	m := NewManager(params)
	custodian := eid.MustParse("ipn:2.0")

	res, added := m.Add(custodian, true, admin.ReasonNoAddtlInfo, 1)
	require.True(t, added)
	assert.True(t, res.Armed, "first addition arms the timer")

	res, added = m.Add(custodian, true, admin.ReasonNoAddtlInfo, 2)
	require.True(t, added)
	assert.False(t, res.Armed)

	_, added = m.Add(custodian, true, admin.ReasonNoAddtlInfo, 2)
	assert.False(t, added)

	sig, pending := m.TakeFlush(res.Key)
	require.NotNil(t, sig)
	assert.Equal(t, []uint64{1, 2}, sig.CustodyIDs())
	assert.Equal(t, uint64(2), pending.IDCount())

	sig, _ = m.TakeFlush(res.Key)
	assert.Nil(t, sig, "second flush finds nothing")
}

func TestManagerSizeFlush(t *testing.T) {
	params := NewParamStore(RouteParams{Enabled: true, Size: 5, Delay: time.Minute})
	m := NewManager(params)
	custodian := eid.MustParse("ipn:2.0")

	// Two-byte header plus two SDNV pairs crosses the 5-byte line on the
	// second sparse addition.
	res, _ := m.Add(custodian, true, admin.ReasonNoAddtlInfo, 1)
	assert.False(t, res.FlushNow)
	res, _ = m.Add(custodian, true, admin.ReasonNoAddtlInfo, 10)
	assert.True(t, res.FlushNow)
}

func TestManagerSeparateKeysPerVerdict(t *testing.T) {
	params := NewParamStore(RouteParams{Enabled: true, Delay: time.Second})
	m := NewManager(params)
	custodian := eid.MustParse("ipn:2.0")

	m.Add(custodian, true, admin.ReasonNoAddtlInfo, 1)
	m.Add(custodian, false, admin.ReasonDepletedStorage, 2)
	assert.Len(t, m.Pending(), 2)
}
