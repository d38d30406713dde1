package keydir

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/busybox42/floodmesh/internal/store"
	"github.com/busybox42/floodmesh/pkg/crypto"
	"github.com/busybox42/floodmesh/pkg/types"
	"github.com/stretchr/testify/require"
)

var (
	keysOnce sync.Once
	keyA     *crypto.KeyPair
	keyB     *crypto.KeyPair
)

func testKeys(t *testing.T) (*crypto.KeyPair, *crypto.KeyPair) {
	t.Helper()
	keysOnce.Do(func() {
		var err error
		if keyA, err = crypto.GenerateKeyPair(); err != nil {
			panic(err)
		}
		if keyB, err = crypto.GenerateKeyPair(); err != nil {
			panic(err)
		}
	})
	return keyA, keyB
}

// Mock fetcher counting network round trips.
type mockFetcher struct {
	mu    sync.Mutex
	keys  map[types.Identity]*rsa.PublicKey
	calls int
}

func (f *mockFetcher) FetchPublicKey(_ context.Context, id types.Identity) (*rsa.PublicKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if pub, ok := f.keys[id]; ok {
		return pub, nil
	}
	return nil, errors.New("connection refused")
}

// Mock store whose writes always fail.
type failingStore struct{}

func (failingStore) Get(types.Identity) ([]byte, error) { return nil, store.ErrNotFound }
func (failingStore) Put(types.Identity, []byte) error { return errors.New("disk full") }

func TestLookupMiss(t *testing.T) {
	d := New(store.NewLocal(), nil)
	_, err := d.Lookup("127.0.0.1:1")
	require.ErrorIs(t, err, ErrUnknownKey)
}

func TestBindPersistsAndLooksUp(t *testing.T) {
	a, _ := testKeys(t)
	s := store.NewLocal()
	d := New(s, nil)

	require.NoError(t, d.Bind("127.0.0.1:1", a.Public))

	pub, err := d.Lookup("127.0.0.1:1")
	require.NoError(t, err)
	require.True(t, a.Public.Equal(pub))

	raw, err := s.Get("127.0.0.1:1")
	require.NoError(t, err)
	encoded, _ := crypto.EncodePublicKey(a.Public)
	require.Equal(t, encoded, string(raw))

	// A fresh directory over the same store finds the key without a bind.
	fresh := New(s, nil)
	pub, err = fresh.Lookup("127.0.0.1:1")
	require.NoError(t, err)
	require.True(t, a.Public.Equal(pub))
	require.Equal(t, []types.Identity{"127.0.0.1:1"}, fresh.Known())
}

func TestBindFirstSeenWins(t *testing.T) {
	a, b := testKeys(t)
	d := New(nil, nil)

	require.NoError(t, d.Bind("127.0.0.1:1", a.Public))
	require.NoError(t, d.Bind("127.0.0.1:1", a.Public), "rebinding the same key must be idempotent")

	err := d.Bind("127.0.0.1:1", b.Public)
	require.ErrorIs(t, err, ErrKeyConflict)

	pub, err := d.Lookup("127.0.0.1:1")
	require.NoError(t, err)
	require.True(t, a.Public.Equal(pub))
}

func TestBindSurvivesStoreFailure(t *testing.T) {
	a, _ := testKeys(t)
	d := New(failingStore{}, nil)

	require.NoError(t, d.Bind("127.0.0.1:1", a.Public))
	_, err := d.Lookup("127.0.0.1:1")
	require.NoError(t, err)
}

func TestCorruptStoredKeyIsIgnored(t *testing.T) {
	s := store.NewLocal()
	require.NoError(t, s.Put("127.0.0.1:1", []byte("not-a-key")))

	d := New(s, nil)
	_, err := d.Lookup("127.0.0.1:1")
	require.ErrorIs(t, err, ErrUnknownKey)
}

func TestDiscoverAndResolve(t *testing.T) {
	a, _ := testKeys(t)
	f := &mockFetcher{keys: map[types.Identity]*rsa.PublicKey{"127.0.0.1:2": a.Public}}
	d := New(nil, nil)
	ctx := context.Background()

	pub, err := d.Resolve(ctx, "127.0.0.1:2", f)
	require.NoError(t, err)
	require.True(t, a.Public.Equal(pub))
	require.Equal(t, 1, f.calls)

	// Cached now: no further network round trip.
	_, err = d.Resolve(ctx, "127.0.0.1:2", f)
	require.NoError(t, err)
	require.Equal(t, 1, f.calls)

	_, err = d.Resolve(ctx, "127.0.0.1:3", f)
	require.ErrorIs(t, err, ErrDiscovery)

	_, err = d.Discover(ctx, "127.0.0.1:3", nil)
	require.ErrorIs(t, err, ErrDiscovery)
}

func TestDiscoverConflictingKey(t *testing.T) {
	a, b := testKeys(t)
	d := New(nil, nil)
	require.NoError(t, d.Bind("127.0.0.1:2", a.Public))

	f := &mockFetcher{keys: map[types.Identity]*rsa.PublicKey{"127.0.0.1:2": b.Public}}
	_, err := d.Discover(context.Background(), "127.0.0.1:2", f)
	require.ErrorIs(t, err, ErrDiscovery)

	pub, err := d.Lookup("127.0.0.1:2")
	require.NoError(t, err)
	require.True(t, a.Public.Equal(pub))
}

func TestConcurrentBind(t *testing.T) {
	a, b := testKeys(t)
	d := New(store.NewLocal(), nil)

	var wg sync.WaitGroup
	conflicts := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := types.Identity(fmt.Sprintf("127.0.0.1:%d", 1000+i%8))
			key := a.Public
			if (i/8)%2 == 1 {
				key = b.Public
			}
			if err := d.Bind(id, key); err != nil {
				conflicts <- err
			}
		}(i)
	}
	wg.Wait()
	close(conflicts)

	for err := range conflicts {
		require.ErrorIs(t, err, ErrKeyConflict)
	}
	require.Len(t, d.Known(), 8)
}
