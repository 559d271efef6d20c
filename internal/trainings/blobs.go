package trainings

import (
	"errors"
	"fmt"
	"time"

	"github.com/ensembleworks/troupegate/pkg"

	"github.com/coocood/freecache"
)

var ErrBlobGone = errors.New("blob expired or unknown")

// BlobStore holds decoded training files for viewing. Entries expire on
// their own; expiry is the revocation, there is no explicit delete.
type BlobStore struct {
	cache *freecache.Cache
	ttl   time.Duration
	// ability to inject random string generator func for keys (for unit and dev testing)
	RandKeyFunc func(s int) (string, error)
}

func NewBlobStore(ttl time.Duration) *BlobStore {
	megabyte := 1024 * 1024
	return &BlobStore{
		cache:       freecache.NewCache(64 * megabyte),
		ttl:         ttl,
		RandKeyFunc: pkg.GenerateRandomString,
	}
}

func (b *BlobStore) Put(data []byte, contentType string) (string, error) {
	key, err := b.RandKeyFunc(20)
	if err != nil {
		return "", err
	}

	expire := int(b.ttl.Seconds())
	if err := b.cache.Set([]byte("blob||"+key), data, expire); err != nil {
		return "", fmt.Errorf("store blob: %w", err)
	}
	if err := b.cache.Set([]byte("blobct||"+key), []byte(contentType), expire); err != nil {
		return "", fmt.Errorf("store blob content type: %w", err)
	}

	return key, nil
}

func (b *BlobStore) Get(key string) (data []byte, contentType string, err error) {
	data, err = b.cache.Get([]byte("blob||" + key))
	if err != nil {
		return nil, "", ErrBlobGone
	}
	ctBytes, err := b.cache.Get([]byte("blobct||" + key))
	if err != nil {
		return nil, "", ErrBlobGone
	}
	return data, string(ctBytes), nil
}
