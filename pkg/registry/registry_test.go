package registry

import (
	"slices"
	"testing"

	"github.com/raskyld/tasklink/pkg/wire"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeChannel uint32

func (c fakeChannel) ID() uint32 { return uint32(c) }

func TestTree_InsertGetDelete(t *testing.T) {
	tr := newTree[int]()
	keys := []string{"/svc/a", "/svc/ab", "/svc/b", "/other", "/svc"}
	for i, k := range keys {
		_, updated := tr.insert(k, i)
		require.False(t, updated)
	}
	require.Equal(t, len(keys), tr.size)

	old, updated := tr.insert("/svc/ab", 42)
	require.True(t, updated)
	require.Equal(t, 1, old)

	v, ok := tr.get("/svc/ab")
	require.True(t, ok)
	require.Equal(t, 42, v)
	_, ok = tr.get("/sv")
	require.False(t, ok)

	var scanned []string
	for k := range tr.walkPrefix("/svc/") {
		scanned = append(scanned, k)
	}
	require.Equal(t, []string{"/svc/a", "/svc/ab", "/svc/b"}, scanned)

	_, deleted := tr.delete("/svc/a")
	require.True(t, deleted)
	_, deleted = tr.delete("/svc/a")
	require.False(t, deleted)
	v, ok = tr.get("/svc/ab")
	require.True(t, ok)
	require.Equal(t, 42, v)
	require.Equal(t, len(keys)-1, tr.size)
}

func TestRegistry_LookupErrors(t *testing.T) {
	r := New(nil)
	srv := fakeChannel(3)

	_, err := r.Lookup(0, wire.FormatProto, 1)
	require.ErrorIs(t, err, ErrNoDestination)

	hash := wire.PathHash("/svc/echo")
	_, err = r.Lookup(hash, wire.FormatProto, 1)
	require.ErrorIs(t, err, ErrNoPeer)

	require.NoError(t, r.Bind(Binding{Path: "/svc/echo", Method: 1, Format: wire.FormatProto, Target: srv}))
	b, err := r.Lookup(hash, wire.FormatProto, 1)
	require.NoError(t, err)
	require.Equal(t, srv, b.Target)
	require.Equal(t, hash, b.PathHash)

	_, err = r.Lookup(hash, wire.FormatProto, 2)
	require.ErrorIs(t, err, ErrNoMethod)
}

func TestRegistry_AnyMethod(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Bind(Binding{Path: "/svc/any", Method: AnyMethod, Target: fakeChannel(1)}))
	_, err := r.Lookup(wire.PathHash("/svc/any"), wire.FormatRaw, 99)
	require.NoError(t, err)
}

func TestRegistry_Preference(t *testing.T) {
	r := New(nil)
	hash := wire.PathHash("/svc/pref")
	require.NoError(t, r.Bind(Binding{Type: BindingPeer, Instance: 9, PathHash: hash, Method: 1}))
	require.NoError(t, r.Bind(Binding{Type: BindingPeer, Instance: 4, PathHash: hash, Method: 1}))

	b, err := r.Lookup(hash, wire.FormatRaw, 1)
	require.NoError(t, err)
	require.Equal(t, uint32(4), b.Instance, "lowest peer instance wins")

	require.NoError(t, r.Bind(Binding{Path: "/svc/pref", Method: 1, Target: fakeChannel(2)}))
	b, err = r.Lookup(hash, wire.FormatRaw, 1)
	require.NoError(t, err)
	require.Equal(t, BindingLocal, b.Type, "local always wins")

	entry, ok := r.Path(hash)
	require.True(t, ok)
	require.Equal(t, "/svc/pref", entry.Path, "path learned from the local binding")
}

func TestRegistry_Conflicts(t *testing.T) {
	r := New(nil)
	b := Binding{Path: "/svc/x", Method: 1, Target: fakeChannel(1)}
	require.NoError(t, r.Bind(b))
	require.NoError(t, r.Bind(b), "rebinding the same target is a no-op")

	b.Target = fakeChannel(2)
	require.ErrorIs(t, r.Bind(b), ErrAlreadyBound)

	require.ErrorIs(t, r.Bind(Binding{Path: "/svc/x", PathHash: 7, Target: fakeChannel(1)}), ErrPathMismatch)
	require.ErrorIs(t, r.Bind(Binding{Method: 1, Target: fakeChannel(1)}), ErrInvalidBinding)
	require.ErrorIs(t, r.Bind(Binding{Path: "/svc/y"}), ErrInvalidBinding)
}

func TestRegistry_UnbindAndGeneration(t *testing.T) {
	r := New(nil)
	srv := fakeChannel(1)
	gen := r.Generation()
	require.NoError(t, r.Bind(Binding{Path: "/svc/a", Method: 1, Target: srv}))
	require.NoError(t, r.Bind(Binding{Path: "/svc/b", Method: 1, Target: srv}))
	require.NoError(t, r.Bind(Binding{Type: BindingPeer, Instance: 5, Path: "/svc/c", Method: 1}))
	require.Greater(t, r.Generation(), gen)

	require.Len(t, r.ScanPaths("/svc/"), 3)
	require.Len(t, slices.Collect(r.Bindings(func(b Binding) bool { return b.Type == BindingLocal })), 2)

	gen = r.Generation()
	require.Len(t, r.UnbindTarget(srv), 2)
	require.Greater(t, r.Generation(), gen)
	require.Equal(t, []PathEntry{{Path: "/svc/c", Hash: wire.PathHash("/svc/c")}}, r.ScanPaths("/svc/"))

	require.Len(t, r.UnbindInstance(5), 1)
	require.Empty(t, r.ScanPaths(""))
	require.Empty(t, r.UnbindInstance(5))
}

func TestRegistry_ChannelIDs(t *testing.T) {
	r := New(nil)
	seen := map[uint32]bool{}
	for i := 0; i < 10; i++ {
		ch, err := r.AddChannel(func(id uint32) (Channel, error) { return fakeChannel(id), nil })
		require.NoError(t, err)
		require.NotZero(t, ch.ID())
		require.False(t, seen[ch.ID()])
		seen[ch.ID()] = true
	}
	require.Equal(t, 10, r.NumChannels())

	r.RemoveChannel(1)
	_, ok := r.Channel(1)
	require.False(t, ok)

	ch, err := r.AddChannel(func(id uint32) (Channel, error) { return fakeChannel(id), nil })
	require.NoError(t, err)
	require.Equal(t, uint32(11), ch.ID(), "released ids are not reused right away")
	require.Equal(t, 10, len(slices.Collect(r.Channels())))
}
