// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT
package reftable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func refRecords(names ...string) []Record {
	out := make([]Record, len(names))
	for i, n := range names {
		out[i] = &RefRecord{RefName: n, UpdateIndex: 1, Value: RefValueVal1, Hash: hashOf(byte(i + 1))}
	}
	return out
}

func TestBlockWriterReaderRoundTrip(t *testing.T) {
	bw := newBlockWriter(BlockTypeRef, 4096, 4)
	recs := refRecords("refs/heads/a", "refs/heads/b", "refs/heads/c", "refs/tags/v1")
	for _, r := range recs {
		ok, err := bw.add(r, testHashSize)
		require.NoError(t, err)
		require.True(t, ok)
	}
	data, fullSize, err := bw.finish()
	require.NoError(t, err)
	assert.Equal(t, 4096, fullSize)

	br, err := parseBlock(data, 4096, BlockTypeRef)
	require.NoError(t, err)
	it := br.iterator(testHashSize)
	for _, want := range recs {
		got, err := it.next()
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want.Key(), got.Key())
	}
	last, err := it.next()
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestBlockWriterRejectsOutOfOrder(t *testing.T) {
	bw := newBlockWriter(BlockTypeRef, 4096, 4)
	ok, err := bw.add(&RefRecord{RefName: "refs/heads/b", Value: RefValueVal1, Hash: hashOf(1)}, testHashSize)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = bw.add(&RefRecord{RefName: "refs/heads/a", Value: RefValueVal1, Hash: hashOf(1)}, testHashSize)
	assert.Error(t, err)
}

func TestBlockWriterOverflowReportsFalse(t *testing.T) {
	bw := newBlockWriter(BlockTypeRef, 64, 4)
	added := 0
	for i := 0; i < 100; i++ {
		rec := &RefRecord{RefName: string(rune('a' + i)), Value: RefValueVal1, Hash: hashOf(byte(i))}
		ok, err := bw.add(rec, testHashSize)
		require.NoError(t, err)
		if !ok {
			break
		}
		added++
	}
	assert.Less(t, added, 100)
	assert.False(t, bw.empty())
}

func TestBlockSeekKey(t *testing.T) {
	bw := newBlockWriter(BlockTypeRef, 4096, 2)
	recs := refRecords("refs/heads/a", "refs/heads/b", "refs/heads/c", "refs/heads/d", "refs/tags/v1")
	for _, r := range recs {
		ok, err := bw.add(r, testHashSize)
		require.NoError(t, err)
		require.True(t, ok)
	}
	data, _, err := bw.finish()
	require.NoError(t, err)
	br, err := parseBlock(data, 4096, BlockTypeRef)
	require.NoError(t, err)

	it := br.iterator(testHashSize)
	require.NoError(t, it.seekKey([]byte("refs/heads/c")))
	got, err := it.next()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "refs/heads/c", got.(*RefRecord).RefName)

	it2 := br.iterator(testHashSize)
	require.NoError(t, it2.seekKey([]byte("refs/zzz")))
	got2, err := it2.next()
	require.NoError(t, err)
	assert.Nil(t, got2)
}

func TestLogBlockCompressed(t *testing.T) {
	bw := newBlockWriter(BlockTypeLog, 4096, 4)
	rec := &LogRecord{RefName: "refs/heads/main", UpdateIndex: 1, Value: LogValueUpdate, OldHash: hashOf(1), NewHash: hashOf(2), Name: "A", Email: "a@example.org", Time: 1}
	ok, err := bw.add(rec, testHashSize)
	require.NoError(t, err)
	require.True(t, ok)
	data, fullSize, err := bw.finish()
	require.NoError(t, err)
	assert.Equal(t, len(data), fullSize)
	assert.Equal(t, byte(BlockTypeLog), data[0])

	br, err := parseBlock(data, 0, BlockTypeLog)
	require.NoError(t, err)
	it := br.iterator(testHashSize)
	got, err := it.next()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "refs/heads/main", got.(*LogRecord).RefName)
}
