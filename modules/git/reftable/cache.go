// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT
package reftable

import (
	"fmt"
	"io"
	"os"

	"github.com/dgraph-io/ristretto/v2"
)

// blockCacheCapacity bounds the cached byte volume per stack; tables in a
// single stack level are small, so a modest cache covers the working set of
// "the blocks every open table's recent reads touched" without much
// memory (§9 optional read cache).
const blockCacheCapacity = 32 << 20

// cachedFileSource wraps a file-backed BlockSource with a ristretto
// read-through cache keyed by (path, offset), avoiding repeat syscalls when
// the merged iterator or repeated point lookups revisit the same blocks.
type cachedFileSource struct {
	inner BlockSource
	cache *ristretto.Cache[string, []byte]
	key   string
}

func newCachedFileSource(path string, inner BlockSource, cache *ristretto.Cache[string, []byte]) BlockSource {
	if cache == nil {
		return inner
	}
	return &cachedFileSource{inner: inner, cache: cache, key: path}
}

func (c *cachedFileSource) ReadAt(p []byte, off int64) (int, error) {
	cacheKey := fmt.Sprintf("%s@%d", c.key, off)
	if v, ok := c.cache.Get(cacheKey); ok {
		n := copy(p, v)
		if n < len(p) {
			return n, io.EOF
		}
		return n, nil
	}
	n, err := c.inner.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return n, err
	}
	cached := append([]byte(nil), p[:n]...)
	c.cache.Set(cacheKey, cached, int64(len(cached)))
	return n, err
}

func (c *cachedFileSource) Size() int64  { return c.inner.Size() }
func (c *cachedFileSource) Close() error { return c.inner.Close() }

// newBlockCache builds the shared ristretto cache a Stack's tables read
// through. A nil return (with nil error) means caching is disabled.
func newBlockCache(enabled bool) (*ristretto.Cache[string, []byte], error) {
	if !enabled {
		return nil, nil
	}
	return ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 10_000,
		MaxCost:     blockCacheCapacity,
		BufferItems: 64,
	})
}

// fileSource is the plain, uncached BlockSource over an on-disk table.
type fileSource struct {
	f    *os.File
	size int64
}

func openFileSource(path string) (BlockSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &fileSource{f: f, size: info.Size()}, nil
}

func (s *fileSource) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }
func (s *fileSource) Size() int64                             { return s.size }
func (s *fileSource) Close() error                            { return s.f.Close() }
