// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT
package reftable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStack(t *testing.T) *Stack {
	t.Helper()
	dir := t.TempDir()
	s, err := StackOpen(dir, HashSHA1, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStackAddAndReadRef(t *testing.T) {
	s := openTestStack(t)

	add, err := s.NewAddition()
	require.NoError(t, err)
	require.NoError(t, add.AddRef(&RefRecord{RefName: "refs/heads/main", Value: RefValueVal1, Hash: hashOf(1)}))
	require.NoError(t, add.Commit())

	got, err := s.ReadRef("refs/heads/main")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, hashOf(1), got.Hash)
}

func TestStackUpdateIndexIncreasesAcrossAdditions(t *testing.T) {
	s := openTestStack(t)

	add1, err := s.NewAddition()
	require.NoError(t, err)
	ui1 := add1.UpdateIndex()
	require.NoError(t, add1.AddRef(&RefRecord{RefName: "refs/heads/main", Value: RefValueVal1, Hash: hashOf(1)}))
	require.NoError(t, add1.Commit())

	add2, err := s.NewAddition()
	require.NoError(t, err)
	assert.Greater(t, add2.UpdateIndex(), ui1)
	require.NoError(t, add2.Close())
}

func TestStackRejectsConflictingHierarchy(t *testing.T) {
	s := openTestStack(t)

	add1, err := s.NewAddition()
	require.NoError(t, err)
	require.NoError(t, add1.AddRef(&RefRecord{RefName: "refs/heads/a", Value: RefValueVal1, Hash: hashOf(1)}))
	require.NoError(t, add1.Commit())

	add2, err := s.NewAddition()
	require.NoError(t, err)
	err = add2.AddRef(&RefRecord{RefName: "refs/heads/a/b", Value: RefValueVal1, Hash: hashOf(2)})
	assert.Error(t, err)
	require.NoError(t, add2.Close())
}

func TestStackDeletionTombstonesRef(t *testing.T) {
	s := openTestStack(t)

	add1, err := s.NewAddition()
	require.NoError(t, err)
	require.NoError(t, add1.AddRef(&RefRecord{RefName: "refs/heads/main", Value: RefValueVal1, Hash: hashOf(1)}))
	require.NoError(t, add1.Commit())

	add2, err := s.NewAddition()
	require.NoError(t, err)
	require.NoError(t, add2.AddRef(&RefRecord{RefName: "refs/heads/main", Value: RefValueDeletion}))
	require.NoError(t, add2.Commit())

	got, err := s.ReadRef("refs/heads/main")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStackCompactAllMergesTables(t *testing.T) {
	s := openTestStack(t)
	// Equal-sized tables would otherwise be folded together by the
	// auto-compaction that runs after every Commit.
	s.opts.DisableAutoCompact = true

	for i := 0; i < 4; i++ {
		add, err := s.NewAddition()
		require.NoError(t, err)
		name := "refs/heads/" + string(rune('a'+i))
		require.NoError(t, add.AddRef(&RefRecord{RefName: name, Value: RefValueVal1, Hash: hashOf(byte(i + 1))}))
		require.NoError(t, add.Commit())
	}

	s.mu.RLock()
	before := len(s.tables)
	s.mu.RUnlock()
	assert.Greater(t, before, 1)

	require.NoError(t, s.CompactAll())

	s.mu.RLock()
	after := len(s.tables)
	s.mu.RUnlock()
	assert.Equal(t, 1, after)

	for i := 0; i < 4; i++ {
		name := "refs/heads/" + string(rune('a'+i))
		got, err := s.ReadRef(name)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, hashOf(byte(i+1)), got.Hash)
	}
}

func TestStackReopenReadsPreviousCommits(t *testing.T) {
	dir := t.TempDir()
	s1, err := StackOpen(dir, HashSHA1, nil)
	require.NoError(t, err)
	add, err := s1.NewAddition()
	require.NoError(t, err)
	require.NoError(t, add.AddRef(&RefRecord{RefName: "refs/heads/main", Value: RefValueVal1, Hash: hashOf(7)}))
	require.NoError(t, add.Commit())
	require.NoError(t, s1.Close())

	s2, err := StackOpen(dir, HashSHA1, nil)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.ReadRef("refs/heads/main")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, hashOf(7), got.Hash)
}

func TestCompactTablesPreservesTombstoneWhenNotFullStack(t *testing.T) {
	tombstoned := buildTable(t, []*RefRecord{{RefName: "refs/heads/main", Value: RefValueDeletion}}, nil)

	merged, err := compactTables([]*Table{tombstoned}, testHashSize, defaultStackOptions(), false)
	require.NoError(t, err)
	table, err := OpenTable("merged.ref", NewByteSource(merged))
	require.NoError(t, err)
	defer table.Close()

	it, err := table.SeekRef("refs/heads/main")
	require.NoError(t, err)
	require.NotNil(t, it)
	rec, err := it.next()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.(*RefRecord).IsDeletion())
}

func TestStackCleanRemovesOrphanedTable(t *testing.T) {
	s := openTestStack(t)
	add, err := s.NewAddition()
	require.NoError(t, err)
	require.NoError(t, add.AddRef(&RefRecord{RefName: "refs/heads/main", Value: RefValueVal1, Hash: hashOf(1)}))
	require.NoError(t, add.Commit())

	orphan := Name{MaxUpdateIndex: 99, Suffix: 0xdeadbeef}
	orphanPath := filepath.Join(s.dir, orphan.String())
	require.NoError(t, os.WriteFile(orphanPath, []byte("garbage"), 0644))

	require.NoError(t, s.Clean())
	_, err = os.Stat(orphanPath)
	assert.True(t, os.IsNotExist(err))
}
