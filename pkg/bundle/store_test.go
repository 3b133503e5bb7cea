package bundle

import (
	"testing"

	"github.com/kestrelworks/dtnd/pkg/eid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBundle() *Bundle {
	return New(eid.MustParse("ipn:1.1"), eid.MustParse("ipn:9.2"),
		Timestamp{Seconds: 1000, SeqNo: 0}, 3600)
}

func TestInsertAssignsMonotonicIDs(t *testing.T) {
	s := NewStore()
	r1 := s.Insert(newTestBundle())
	r2 := s.Insert(newTestBundle())
	assert.Greater(t, r2.Bundle().ID, r1.Bundle().ID)
	assert.True(t, s.Contains(r1.Bundle().ID))
}

func TestIDGeneratorWraps(t *testing.T) {
	var g IDGenerator
	g.seq = 1<<idSeqBits - 2
	first := g.Next()
	wrapped := g.Next()
	assert.NotEqual(t, first, wrapped)
	assert.Equal(t, uint64(1), g.version)
}

func TestPendingImpliesDupefinder(t *testing.T) {
	s := NewStore()
	ref := s.Insert(newTestBundle())
	b := ref.Bundle()

	require.True(t, s.AddPending(b))
	_, ok := s.FindByGBOF(b.GBOF())
	assert.True(t, ok, "pending bundle must be in dupefinder")

	all, pending, custody, dupe := s.Counts()
	assert.Equal(t, 1, all)
	assert.Equal(t, 1, pending)
	assert.Equal(t, 0, custody)
	assert.Equal(t, 1, dupe)
}

func TestCustodyIndexTracksFlag(t *testing.T) {
	s := NewStore()
	ref := s.Insert(newTestBundle())
	b := ref.Bundle()

	require.True(t, s.AddCustody(b))
	assert.True(t, b.LocalCustody)
	assert.True(t, s.InCustody(b))

	require.True(t, s.RemoveCustody(b))
	assert.False(t, b.LocalCustody)
	assert.False(t, s.InCustody(b))
}

func TestRefcountLifecycle(t *testing.T) {
	s := NewStore()
	ref := s.Insert(newTestBundle())
	b := ref.Bundle()

	s.AddPending(b)
	// all + pending + dupefinder + caller = 4
	assert.Equal(t, 4, b.RefCount())

	s.RemovePending(b)
	assert.Equal(t, 2, b.RefCount())

	s.Erase(b)
	assert.Equal(t, 1, b.RefCount())
	assert.False(t, s.Contains(b.ID))

	zero := ref.Release()
	assert.True(t, zero)
	assert.Equal(t, 0, b.RefCount())
}

func TestEraseWhilePendingPanics(t *testing.T) {
	s := NewStore()
	ref := s.Insert(newTestBundle())
	s.AddPending(ref.Bundle())
	assert.Panics(t, func() { s.Erase(ref.Bundle()) })
}

func TestFindCustodyByGBOF(t *testing.T) {
	s := NewStore()
	ref := s.Insert(newTestBundle())
	b := ref.Bundle()
	s.AddCustody(b)

	got, ok := s.FindCustodyByGBOF(b.GBOF())
	require.True(t, ok)
	assert.Equal(t, b.ID, got.Bundle().ID)

	_, ok = s.FindCustodyByGBOF(GBOF{Source: "ipn:7.7"})
	assert.False(t, ok)
}

func TestFragmentValidation(t *testing.T) {
	b := newTestBundle()
	b.IsFragment = true
	b.OriginalLength = 100
	b.FragOffset = 50
	b.FragLength = 50
	assert.NoError(t, b.ValidateFragment())

	b.FragLength = 60
	assert.Error(t, b.ValidateFragment())
}

func TestForwardingLogRewrite(t *testing.T) {
	b := newTestBundle()
	b.LogForwarding("ltp-gs1", ActionForward, ForwardingTransmitted)

	require.True(t, b.UpdateForwardingState("ltp-gs1", ForwardingCustodyTimeout))
	assert.Equal(t, ForwardingCustodyTimeout, b.ForwardingStateFor("ltp-gs1"))
	assert.False(t, b.UpdateForwardingState("nosuch", ForwardingDelivered))
}

func TestDuplicateGBOFSharesDupefinderSlot(t *testing.T) {
	s := NewStore()
	ref1 := s.Insert(newTestBundle())
	ref2 := s.Insert(newTestBundle()) // same GBOF
	s.AddPending(ref1.Bundle())

	// Second bundle with the same GBOF does not displace the first.
	s.AddPending(ref2.Bundle())
	got, ok := s.FindByGBOF(ref1.Bundle().GBOF())
	require.True(t, ok)
	assert.Equal(t, ref1.Bundle().ID, got.Bundle().ID)

	// Removing the second does not evict the first's dupefinder entry.
	s.RemovePending(ref2.Bundle())
	_, ok = s.FindByGBOF(ref1.Bundle().GBOF())
	assert.True(t, ok)
}
