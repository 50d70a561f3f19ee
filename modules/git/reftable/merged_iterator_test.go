// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT
package reftable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func refTableIter(t *testing.T, refs []*RefRecord) *tableIter {
	t.Helper()
	table := buildTable(t, refs, nil)
	it, err := table.RefIterator()
	require.NoError(t, err)
	return it
}

func TestMergedIteratorNewestWinsOnTie(t *testing.T) {
	older := refTableIter(t, []*RefRecord{{RefName: "refs/heads/main", Value: RefValueVal1, Hash: hashOf(1)}})
	newer := refTableIter(t, []*RefRecord{{RefName: "refs/heads/main", Value: RefValueVal1, Hash: hashOf(2)}})

	m, err := newMergedIterator([]*tableIter{older, newer})
	require.NoError(t, err)
	rec, err := m.Next()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, hashOf(2), rec.(*RefRecord).Hash)

	rec, err = m.Next()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestMergedIteratorSuppressesTombstone(t *testing.T) {
	older := refTableIter(t, []*RefRecord{{RefName: "refs/heads/main", Value: RefValueVal1, Hash: hashOf(1)}})
	newer := refTableIter(t, []*RefRecord{{RefName: "refs/heads/main", Value: RefValueDeletion}})

	m, err := newMergedIterator([]*tableIter{older, newer})
	require.NoError(t, err)
	rec, err := m.Next()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestMergedIteratorOrdersAcrossTables(t *testing.T) {
	a := refTableIter(t, []*RefRecord{{RefName: "refs/heads/a", Value: RefValueVal1, Hash: hashOf(1)}})
	b := refTableIter(t, []*RefRecord{{RefName: "refs/heads/b", Value: RefValueVal1, Hash: hashOf(2)}})

	m, err := newMergedIterator([]*tableIter{a, b})
	require.NoError(t, err)
	var names []string
	for {
		rec, err := m.Next()
		require.NoError(t, err)
		if rec == nil {
			break
		}
		names = append(names, rec.(*RefRecord).RefName)
	}
	assert.Equal(t, []string{"refs/heads/a", "refs/heads/b"}, names)
}
