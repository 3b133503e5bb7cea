package link

import (
	"testing"

	"github.com/kestrelworks/dtnd/pkg/bundle"
	"github.com/kestrelworks/dtnd/pkg/eid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCL is a minimal convergence layer for link tests.
type fakeCL struct {
	name   string
	queued int
}

func (f *fakeCL) Name() string                                   { return f.name }
func (f *fakeCL) InterfaceUp(string, map[string]string) error    { return nil }
func (f *fakeCL) InterfaceDown(string) error                     { return nil }
func (f *fakeCL) InitLink(*Link, map[string]string) error        { return nil }
func (f *fakeCL) DeleteLink(*Link)                               {}
func (f *fakeCL) ReconfigureLink(*Link, map[string]string) error { return nil }
func (f *fakeCL) DumpLink(*Link) string                          { return "" }
func (f *fakeCL) OpenContact(*Contact, *Link) error              { return nil }
func (f *fakeCL) CloseContact(*Contact, *Link) error             { return nil }
func (f *fakeCL) BundleQueued(*Link, bundle.Ref)                 { f.queued++ }
func (f *fakeCL) ListLinkOpts() []string                         { return nil }
func (f *fakeCL) ListInterfaceOpts() []string                    { return nil }
func (f *fakeCL) Shutdown()                                      {}

func newTestLink(t *testing.T) *Link {
	t.Helper()
	return New("l1", OnDemand, &fakeCL{name: "fake"}, "10.0.0.2:4556", eid.MustParse("ipn:2.0"))
}

func TestStateTransitions(t *testing.T) {
	l := newTestLink(t)
	assert.Equal(t, Unavailable, l.State())

	require.NoError(t, l.SetState(Available))
	require.NoError(t, l.SetState(Opening))
	require.NoError(t, l.SetState(Open))
	require.NoError(t, l.SetState(Closed))
	require.NoError(t, l.SetState(Available))

	// Closed -> Open directly is not a valid transition.
	require.NoError(t, l.SetState(Opening))
	require.NoError(t, l.SetState(Open))
	require.NoError(t, l.SetState(Closed))
	assert.Error(t, l.SetState(Open))
}

func TestSingleContact(t *testing.T) {
	l := newTestLink(t)
	c := NewContact()
	require.NoError(t, l.BindContact(c))
	assert.Error(t, l.BindContact(NewContact()), "second contact must be rejected")

	got := l.UnbindContact()
	assert.Equal(t, c.ID, got.ID)
	assert.Nil(t, l.Contact())
}

func TestQueueAndInFlight(t *testing.T) {
	l := newTestLink(t)
	store := bundle.NewStore()
	ref := store.Insert(bundle.New(eid.MustParse("ipn:1.1"), eid.MustParse("ipn:2.1"),
		bundle.Timestamp{Seconds: 1}, 60))

	l.Enqueue(ref)
	assert.Equal(t, 1, l.QueueLen())

	got, ok := l.Dequeue()
	require.True(t, ok)
	l.MarkInFlight(got)
	assert.Equal(t, 1, l.InFlightCount())

	_, ok = l.ClearInFlight(got.Bundle().ID)
	assert.True(t, ok)
	assert.Equal(t, 0, l.InFlightCount())
}

func TestManagerAddFindDel(t *testing.T) {
	m := NewManager()
	l := newTestLink(t)
	require.NoError(t, m.Add(l))
	assert.Error(t, m.Add(l), "duplicate name rejected")

	got, ok := m.Find("l1")
	require.True(t, ok)
	assert.Equal(t, l, got)

	byRemote := m.FindByRemote(eid.MustParse("ipn:2.0"))
	assert.Len(t, byRemote, 1)

	_, ok = m.Del("l1")
	assert.True(t, ok)
	_, ok = m.Find("l1")
	assert.False(t, ok)
}

func TestRecordRoundTripAndReincarnate(t *testing.T) {
	l := newTestLink(t)
	l.Persistent = true
	l.Params = map[string]string{"remote_engine_id": "2"}

	data, err := EncodeRecord(l)
	require.NoError(t, err)

	rec, err := DecodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, "l1", rec.Name)

	reg := NewRegistry()
	reg.Register(&fakeCL{name: "fake"})
	got, err := Reincarnate(rec, reg)
	require.NoError(t, err)
	assert.True(t, got.Reincarnated)
	assert.Equal(t, l.NextHop, got.NextHop)
	assert.Equal(t, l.Remote, got.Remote)
}

func TestReincarnateRefusesOpportunistic(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeCL{name: "fake"})
	_, err := Reincarnate(&Record{Name: "o1", Type: "opportunistic", CLName: "fake",
		Remote: "ipn:3.0"}, reg)
	assert.Error(t, err)
}
