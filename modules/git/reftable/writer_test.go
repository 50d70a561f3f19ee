// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT
package reftable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTable(t *testing.T, refs []*RefRecord, logs []*LogRecord) *Table {
	t.Helper()
	tw, err := NewTableWriter(testHashSize, 256, 4)
	require.NoError(t, err)
	tw.SetLimits(1, 1)
	for _, r := range refs {
		require.NoError(t, tw.AddRef(r))
	}
	for _, l := range logs {
		require.NoError(t, tw.AddLog(l))
	}
	data, err := tw.Finish()
	require.NoError(t, err)
	table, err := OpenTable("test.ref", NewByteSource(data))
	require.NoError(t, err)
	return table
}

func TestTableWriterReaderSeekRef(t *testing.T) {
	refs := []*RefRecord{
		{RefName: "HEAD", Value: RefValueSymref, Target: "refs/heads/main"},
		{RefName: "refs/heads/main", Value: RefValueVal1, Hash: hashOf(1)},
		{RefName: "refs/heads/topic", Value: RefValueVal1, Hash: hashOf(2)},
		{RefName: "refs/tags/v1", Value: RefValueVal1, Hash: hashOf(3)},
	}
	table := buildTable(t, refs, nil)
	defer table.Close()

	it, err := table.SeekRef("refs/heads/topic")
	require.NoError(t, err)
	require.NotNil(t, it)
	rec, err := it.next()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "refs/heads/topic", rec.(*RefRecord).RefName)
}

func TestTableWriterReaderFullScanOrder(t *testing.T) {
	var refs []*RefRecord
	names := []string{"refs/heads/a", "refs/heads/b", "refs/heads/c", "refs/heads/d", "refs/tags/v1", "refs/tags/v2"}
	for i, n := range names {
		refs = append(refs, &RefRecord{RefName: n, Value: RefValueVal1, Hash: hashOf(byte(i + 1))})
	}
	table := buildTable(t, refs, nil)
	defer table.Close()

	it, err := table.RefIterator()
	require.NoError(t, err)
	var got []string
	for {
		rec, err := it.Next()
		require.NoError(t, err)
		if rec == nil {
			break
		}
		got = append(got, rec.(*RefRecord).RefName)
	}
	assert.Equal(t, names, got)
}

func TestTableWriterReaderSeekLog(t *testing.T) {
	refs := []*RefRecord{{RefName: "refs/heads/main", Value: RefValueVal1, Hash: hashOf(9)}}
	logs := []*LogRecord{
		{RefName: "refs/heads/main", UpdateIndex: 2, Value: LogValueUpdate, OldHash: hashOf(1), NewHash: hashOf(2), Name: "a"},
		{RefName: "refs/heads/main", UpdateIndex: 1, Value: LogValueUpdate, OldHash: make([]byte, testHashSize), NewHash: hashOf(1), Name: "a"},
	}
	table := buildTable(t, refs, logs)
	defer table.Close()

	it, err := table.SeekLog("refs/heads/main", ^uint64(0))
	require.NoError(t, err)
	require.NotNil(t, it)
	rec, err := it.next()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, uint64(2), rec.(*LogRecord).UpdateIndex)
}

func TestTableWriterBuildsIndexWhenManyBlocks(t *testing.T) {
	tw, err := NewTableWriter(testHashSize, 256, 2)
	require.NoError(t, err)
	tw.SetLimits(1, 1)
	for i := 0; i < 200; i++ {
		name := "refs/heads/" + string(rune('a'+(i/26))) + string(rune('a'+(i%26)))
		require.NoError(t, tw.AddRef(&RefRecord{RefName: name, Value: RefValueVal1, Hash: hashOf(byte(i))}))
	}
	data, err := tw.Finish()
	require.NoError(t, err)

	table, err := OpenTable("big.ref", NewByteSource(data))
	require.NoError(t, err)
	defer table.Close()
	assert.NotZero(t, table.f.RefIndexOffset)

	it, err := table.SeekRef("refs/heads/cz")
	require.NoError(t, err)
	require.NotNil(t, it)
	rec, err := it.next()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "refs/heads/cz", rec.(*RefRecord).RefName)
}

func TestTableWriterRejectsOutOfOrderRefs(t *testing.T) {
	tw, err := NewTableWriter(testHashSize, 256, 4)
	require.NoError(t, err)
	require.NoError(t, tw.AddRef(&RefRecord{RefName: "refs/heads/b", Value: RefValueVal1, Hash: hashOf(1)}))
	err = tw.AddRef(&RefRecord{RefName: "refs/heads/a", Value: RefValueVal1, Hash: hashOf(1)})
	assert.Error(t, err)
}

func TestTableWriterEmptyTableOpens(t *testing.T) {
	tw, err := NewTableWriter(testHashSize, 256, 4)
	require.NoError(t, err)
	data, err := tw.Finish()
	require.NoError(t, err)
	table, err := OpenTable("empty.ref", NewByteSource(data))
	require.NoError(t, err)
	defer table.Close()

	it, err := table.SeekRef("refs/heads/anything")
	require.NoError(t, err)
	if it != nil {
		rec, err := it.next()
		require.NoError(t, err)
		assert.Nil(t, rec)
	}
}
