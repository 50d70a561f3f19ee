// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT
package reftable

import (
	"bytes"

	"github.com/klauspost/compress/zlib"
)

// MaxRestarts is the largest number of restart points a single block may
// hold; the 2-byte restart_count field bounds it (§4.3, §9).
const MaxRestarts = (1 << 16) - 1

// DefaultRestartInterval is the number of records between two restart
// points absent an override (§4.3).
const DefaultRestartInterval = 16

// errRestartOverflow signals that committing the pending record would push
// the restart array past MaxRestarts; the table writer reacts by doubling
// restartInterval and re-assembling the block from scratch (§9).
type errRestartOverflow struct{}

func (errRestartOverflow) Error() string { return "reftable: restart table overflow" }

// blockWriter accumulates records of one type into a single fixed-size
// block (§4.3). blockSize is this block's available capacity: the table
// writer passes blockSize-header_size for the table's very first block,
// since the format header occupies that many bytes before block 0 begins.
type blockWriter struct {
	blockType       byte
	blockSize       int
	restartInterval int

	buf      []byte
	next     int
	restarts []uint32
	lastKey  []byte
	count    int
}

func newBlockWriter(blockType byte, blockSize, restartInterval int) *blockWriter {
	if restartInterval <= 0 {
		restartInterval = DefaultRestartInterval
	}
	return &blockWriter{
		blockType:       blockType,
		blockSize:       blockSize,
		restartInterval: restartInterval,
		buf:             make([]byte, blockSize),
		next:            4,
	}
}

func (w *blockWriter) empty() bool { return w.count == 0 }

// add appends rec to the block. It returns (false, nil) when the block has
// no room left for rec — the caller should finish this block and start a
// fresh one with rec as its first record — and a non-nil error only for a
// genuine invariant violation (out-of-order key) or restart overflow.
func (w *blockWriter) add(rec Record, hashSize int) (bool, error) {
	key := rec.Key()
	if w.count > 0 && bytesCompare(key, w.lastKey) <= 0 {
		return false, NewErrAPIMisuse("records must be added in strictly ascending key order: %q <= %q", key, w.lastKey)
	}

	isRestart := w.count%w.restartInterval == 0
	prevKey := w.lastKey
	if isRestart {
		prevKey = nil
	}

	keyPart := encodedKeyLen(prevKey, key)
	valPart, err := rec.EncodeValue(nil, hashSize)
	if err != nil {
		return false, err
	}

	restartCount := len(w.restarts)
	if isRestart {
		restartCount++
	}
	if restartCount > MaxRestarts {
		return false, errRestartOverflow{}
	}

	used := w.next + keyPart + len(valPart) + restartCount*3 + 2
	if used > w.blockSize {
		return false, nil
	}

	recStart := w.next
	dst, _ := encodeKey(w.buf[:w.next], prevKey, key, rec.ValType())
	dst = append(dst, valPart...)
	w.next = len(dst)
	if isRestart {
		w.restarts = append(w.restarts, uint32(recStart))
	}

	w.lastKey = append(w.lastKey[:0], key...)
	w.count++
	return true, nil
}

// finish serializes the restart table and footer fields and returns the
// block's on-disk bytes together with their length. Ref, obj and index
// blocks are zero-padded to blockSize; a log block is returned compressed
// and unpadded, so its fullBlockSize is usually smaller than blockSize.
func (w *blockWriter) finish() (data []byte, fullBlockSize int, err error) {
	body := w.buf[4:w.next]
	for _, off := range w.restarts {
		body = append(body, 0, 0, 0)
		PutBE24(body[len(body)-3:], off)
	}
	var cnt [2]byte
	PutBE16(cnt[:], uint16(len(w.restarts)))
	body = append(body, cnt[:]...)

	if w.blockType == BlockTypeLog {
		var compressed bytes.Buffer
		zw := zlib.NewWriter(&compressed)
		if _, err := zw.Write(body); err != nil {
			return nil, 0, err
		}
		if err := zw.Close(); err != nil {
			return nil, 0, err
		}
		out := make([]byte, 4+compressed.Len())
		out[0] = w.blockType
		PutBE24(out[1:4], uint32(compressed.Len()))
		copy(out[4:], compressed.Bytes())
		return out, len(out), nil
	}

	out := w.buf[:4]
	out[0] = w.blockType
	PutBE24(out[1:4], uint32(len(body)))
	total := 4 + len(body)
	out = append(out[:4:4], body...)
	if total < w.blockSize {
		out = append(out, make([]byte, w.blockSize-total)...)
	}
	return out, len(out), nil
}
