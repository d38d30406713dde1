// Package keydir binds node identities to their public keys.
//
// Bindings are trusted on first sight: once an identity has a key for the
// lifetime of the process, a different key for it is rejected rather than
// replacing the original.
package keydir

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/busybox42/floodmesh/internal/store"
	"github.com/busybox42/floodmesh/pkg/crypto"
	"github.com/busybox42/floodmesh/pkg/types"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownKey  = errors.New("public key not known")
	ErrKeyConflict = errors.New("identity already bound to a different key")
	ErrDiscovery   = errors.New("key discovery failed")
)

// Store persists encoded public keys. Get returns store.ErrNotFound on a
// miss.
type Store interface {
	Get(id types.Identity) ([]byte, error)
	Put(id types.Identity, value []byte) error
}

// Fetcher asks a live node for its public key.
type Fetcher interface {
	FetchPublicKey(ctx context.Context, id types.Identity) (*rsa.PublicKey, error)
}

type Directory struct {
	cache sync.Map // types.Identity -> *rsa.PublicKey
	store Store
	log   logrus.FieldLogger
}

func New(s Store, log logrus.FieldLogger) *Directory {
	if s == nil {
		s = store.NewLocal()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Directory{store: s, log: log}
}

// Lookup checks the cache, then the store.
func (d *Directory) Lookup(id types.Identity) (*rsa.PublicKey, error) {
	if v, ok := d.cache.Load(id); ok {
		return v.(*rsa.PublicKey), nil
	}

	raw, err := d.store.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, id)
	}
	if err != nil {
		d.log.WithError(err).WithField("identity", id).Warn("Key store read failed")
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, id)
	}

	pub, err := crypto.ParsePublicKey(string(raw))
	if err != nil {
		d.log.WithError(err).WithField("identity", id).Warn("Ignoring corrupt stored key")
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, id)
	}

	// Another goroutine may have bound a key meanwhile; the first one wins.
	actual, _ := d.cache.LoadOrStore(id, pub)
	return actual.(*rsa.PublicKey), nil
}

// Bind records pub for id. Binding the same key again is a no-op; binding a
// different key returns ErrKeyConflict and leaves the original in place.
func (d *Directory) Bind(id types.Identity, pub *rsa.PublicKey) error {
	if pub == nil {
		return fmt.Errorf("nil key for %s", id)
	}

	actual, loaded := d.cache.LoadOrStore(id, pub)
	if loaded {
		if actual.(*rsa.PublicKey).Equal(pub) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrKeyConflict, id)
	}

	encoded, err := crypto.EncodePublicKey(pub)
	if err != nil {
		return err
	}
	if err := d.store.Put(id, []byte(encoded)); err != nil {
		// The in-memory binding still holds for this run.
		d.log.WithError(err).WithField("identity", id).Warn("Failed to persist public key")
	}
	return nil
}

// Discover fetches id's key from the network and binds it.
func (d *Directory) Discover(ctx context.Context, id types.Identity, f Fetcher) (*rsa.PublicKey, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: %s: no transport", ErrDiscovery, id)
	}
	pub, err := f.FetchPublicKey(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDiscovery, id, err)
	}
	if err := d.Bind(id, pub); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}

	d.log.WithField("identity", id).Debug("Discovered public key")
	return pub, nil
}

// Resolve returns the known key for id, discovering it on a miss.
func (d *Directory) Resolve(ctx context.Context, id types.Identity, f Fetcher) (*rsa.PublicKey, error) {
	if pub, err := d.Lookup(id); err == nil {
		return pub, nil
	}
	return d.Discover(ctx, id, f)
}

// Known returns every identity with a cached key, sorted.
func (d *Directory) Known() []types.Identity {
	var ids []types.Identity
	d.cache.Range(func(key, _ any) bool {
		ids = append(ids, key.(types.Identity))
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
