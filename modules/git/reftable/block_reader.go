// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT
package reftable

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"
)

// blockReader parses one block's framing (§3.3): type, length, optional
// zlib inflate for log blocks, and the restart table. It does not itself
// track a read cursor — blockIter does.
type blockReader struct {
	blockType     byte
	body          []byte // everything after the 4-byte type+len prefix, inflated for log blocks
	recordsEnd    int    // body[:recordsEnd] is record data; body[recordsEnd:] is the restart table + count
	restarts      []uint32
	fullBlockSize int // total on-disk bytes this block occupies
}

// parseBlock parses the block starting at the front of raw. For a table's
// very first block, raw must already have the format header (§3.2) sliced
// off the front, and tableBlockSize must be blockSize-header_size.
func parseBlock(raw []byte, tableBlockSize int, wantType byte) (*blockReader, error) {
	if len(raw) < 4 {
		return nil, NewErrFormat("block: truncated header")
	}
	blockType := raw[0]
	if wantType != 0 && blockType != wantType {
		return nil, NewErrAPIMisuse("expected block type %q, got %q", wantType, blockType)
	}
	blockLen := int(GetBE24(raw[1:4]))

	br := &blockReader{blockType: blockType}

	if blockType == BlockTypeLog {
		if len(raw) < 4+blockLen {
			return nil, NewErrFormat("block: truncated compressed payload")
		}
		zr, err := zlib.NewReader(bytes.NewReader(raw[4 : 4+blockLen]))
		if err != nil {
			return nil, NewErrFormat("block: zlib init: %v", err)
		}
		body, err := io.ReadAll(zr)
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, NewErrFormat("block: zlib inflate: %v", err)
		}
		_ = zr.Close()
		br.body = body
		br.fullBlockSize = 4 + blockLen
	} else {
		if tableBlockSize > 0 && len(raw) < tableBlockSize {
			return nil, NewErrFormat("block: truncated block")
		}
		if len(raw) < 4+blockLen {
			return nil, NewErrFormat("block: truncated body")
		}
		br.body = raw[4 : 4+blockLen]
		br.fullBlockSize = tableBlockSize
		if br.fullBlockSize == 0 {
			br.fullBlockSize = 4 + blockLen
		}
	}

	if len(br.body) < 2 {
		return nil, NewErrFormat("block: missing restart count")
	}
	restartCount := int(GetBE16(br.body[len(br.body)-2:]))
	restartTableStart := len(br.body) - 2 - 3*restartCount
	if restartTableStart < 0 {
		return nil, NewErrFormat("block: restart table overruns block")
	}
	br.recordsEnd = restartTableStart
	br.restarts = make([]uint32, restartCount)
	for i := 0; i < restartCount; i++ {
		br.restarts[i] = GetBE24(br.body[restartTableStart+3*i:])
	}
	return br, nil
}

// bodyOffset translates an absolute restart offset (measured from the start
// of the block, including the 4-byte type+len prefix) into an index into
// br.body.
func (br *blockReader) bodyOffset(absolute uint32) int {
	return int(absolute) - 4
}

// blockIter walks the records of one block in order, reconstructing keys
// from their delta encoding as it goes (§4.4).
type blockIter struct {
	br       *blockReader
	pos      int
	lastKey  []byte
	hashSize int
}

func (br *blockReader) iterator(hashSize int) *blockIter {
	return &blockIter{br: br, pos: 0, hashSize: hashSize}
}

// next decodes the next record into a freshly allocated Record of the
// block's type. It returns (nil, nil) at end-of-block.
func (it *blockIter) next() (Record, error) {
	if it.pos >= it.br.recordsEnd {
		return nil, nil
	}
	src := it.br.body[it.pos:it.br.recordsEnd]
	key, extra, rest, err := decodeKey(it.lastKey, src)
	if err != nil {
		return nil, err
	}
	headerConsumed := len(src) - len(rest)

	rec, err := NewRecord(it.br.blockType)
	if err != nil {
		return nil, err
	}
	leftover, err := rec.DecodeValue(key, extra, rest, it.hashSize)
	if err != nil {
		return nil, err
	}
	valueConsumed := len(rest) - len(leftover)

	it.pos += headerConsumed + valueConsumed
	it.lastKey = key
	return rec, nil
}

// firstKeyAt decodes only the key of the record starting at body offset
// off, without materializing its value; used for restart binary search and
// linear block-to-block seeking (§4.4, §4.5).
func (br *blockReader) firstKeyAt(off int) ([]byte, error) {
	if off < 0 || off >= br.recordsEnd {
		return nil, NewErrFormat("block: restart offset out of range")
	}
	key, _, _, err := decodeKey(nil, br.body[off:br.recordsEnd])
	return key, err
}

// seekKey positions the iterator at the first record whose key is >= want,
// using the restart array to binary search before falling back to a linear
// scan (§4.4). Seeking past every record is valid: it leaves the iterator
// at end-of-block.
func (it *blockIter) seekKey(want []byte) error {
	restarts := it.br.restarts
	lo, hi := 0, len(restarts)
	for lo < hi {
		mid := (lo + hi) / 2
		key, err := it.br.firstKeyAt(it.br.bodyOffset(restarts[mid]))
		if err != nil {
			return err
		}
		if bytesCompare(key, want) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	idx := lo - 1
	if idx < 0 {
		it.pos = 0
	} else {
		it.pos = it.br.bodyOffset(restarts[idx])
	}
	it.lastKey = nil

	for it.pos < it.br.recordsEnd {
		save := it.pos
		saveKey := append([]byte(nil), it.lastKey...)
		rec, err := it.next()
		if err != nil {
			return err
		}
		if rec == nil {
			break
		}
		if bytesCompare(rec.Key(), want) >= 0 {
			it.pos = save
			it.lastKey = saveKey
			return nil
		}
	}
	return nil
}
