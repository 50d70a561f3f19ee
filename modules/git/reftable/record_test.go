// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT
package reftable

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHashSize = HashSHA1

func hashOf(b byte) []byte {
	h := make([]byte, testHashSize)
	for i := range h {
		h[i] = b
	}
	return h
}

func TestRefRecordEncodeDecodeVal1(t *testing.T) {
	rec := &RefRecord{RefName: "refs/heads/main", UpdateIndex: 7, Value: RefValueVal1, Hash: hashOf(0xaa)}
	encoded, err := rec.EncodeValue(nil, testHashSize)
	require.NoError(t, err)

	var decoded RefRecord
	rest, err := decoded.DecodeValue(rec.Key(), rec.ValType(), encoded, testHashSize)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.True(t, rec.Equal(&decoded, testHashSize))
}

func TestRefRecordEncodeDecodeSymref(t *testing.T) {
	rec := &RefRecord{RefName: "HEAD", UpdateIndex: 1, Value: RefValueSymref, Target: "refs/heads/main"}
	encoded, err := rec.EncodeValue(nil, testHashSize)
	require.NoError(t, err)

	var decoded RefRecord
	rest, err := decoded.DecodeValue(rec.Key(), rec.ValType(), encoded, testHashSize)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, "refs/heads/main", decoded.Target)
}

func TestRefRecordDeletionIsDeletion(t *testing.T) {
	rec := &RefRecord{RefName: "refs/heads/gone", Value: RefValueDeletion}
	assert.True(t, rec.IsDeletion())
	encoded, err := rec.EncodeValue(nil, testHashSize)
	require.NoError(t, err)
	assert.NotEmpty(t, encoded) // update_index varint still present
}

func TestRefRecordRejectsWrongHashSize(t *testing.T) {
	rec := &RefRecord{RefName: "refs/heads/main", Value: RefValueVal1, Hash: hashOf(0xaa)[:4]}
	_, err := rec.EncodeValue(nil, testHashSize)
	assert.Error(t, err)
}

func TestLogRecordKeyOrdersNewestFirst(t *testing.T) {
	older := &LogRecord{RefName: "refs/heads/main", UpdateIndex: 1}
	newer := &LogRecord{RefName: "refs/heads/main", UpdateIndex: 2}
	assert.Equal(t, -1, bytesCompare(newer.Key(), older.Key()))
}

func TestLogRecordEncodeDecodeUpdate(t *testing.T) {
	rec := &LogRecord{
		RefName:  "refs/heads/main",
		Value:    LogValueUpdate,
		OldHash:  hashOf(0x01),
		NewHash:  hashOf(0x02),
		Name:     "Pat Doe",
		Email:    "pat@example.org",
		Time:     1700000000,
		TZOffset: -420,
		Message:  "commit: test",
	}
	key := rec.Key()
	encoded, err := rec.EncodeValue(nil, testHashSize)
	require.NoError(t, err)

	var decoded LogRecord
	rest, err := decoded.DecodeValue(key, rec.ValType(), encoded, testHashSize)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, rec.RefName, decoded.RefName)
	assert.Equal(t, rec.Name, decoded.Name)
	assert.Equal(t, rec.Email, decoded.Email)
	assert.Equal(t, rec.Message, decoded.Message)
	assert.True(t, bytes.Equal(rec.NewHash, decoded.NewHash))
}

func TestObjRecordEncodeDecode(t *testing.T) {
	rec := &ObjRecord{HashPrefix: []byte{0x01, 0x02, 0x03}, Offsets: []uint64{100, 150, 4096}}
	encoded, err := rec.EncodeValue(nil, testHashSize)
	require.NoError(t, err)

	var decoded ObjRecord
	rest, err := decoded.DecodeValue(rec.Key(), rec.ValType(), encoded, testHashSize)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, rec.Offsets, decoded.Offsets)
}

func TestIndexRecordEncodeDecode(t *testing.T) {
	rec := &IndexRecord{LastKey: []byte("refs/heads/main"), Offset: 4096}
	encoded, err := rec.EncodeValue(nil, testHashSize)
	require.NoError(t, err)

	var decoded IndexRecord
	rest, err := decoded.DecodeValue(rec.Key(), rec.ValType(), encoded, testHashSize)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, rec.Offset, decoded.Offset)
}

func TestNewRecordUnknownType(t *testing.T) {
	_, err := NewRecord(0xff)
	assert.Error(t, err)
}
