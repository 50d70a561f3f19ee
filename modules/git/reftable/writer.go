// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT
package reftable

import (
	"fmt"
	"sort"
)

// DefaultBlockSize is used when a caller does not configure one explicitly
// (§4.3, §9: must be representable in 24 bits and non-zero).
const DefaultBlockSize = 4096

// DefaultObjIDLen is the number of leading hash bytes kept as the obj
// section's key. Git's own writer grows this with the ref count to bound
// collisions; this package keeps it fixed, which is simpler and, for the
// table sizes a single stack level holds before compaction, collides rarely
// enough not to matter (§4.6 only requires obj lookups to be a reverse
// index "hint" scanned against the real hash afterward).
const DefaultObjIDLen = 5

// TableWriter builds one reftable file (§4 overall): refs first, then an
// optional multi-level ref index, the obj section derived from the refs
// actually written, its own optional index, and finally the log section and
// its index. Callers add records in ascending key order and call Finish
// exactly once.
type TableWriter struct {
	hashSize        int
	blockSize       int
	restartInterval int
	objIDLen        int

	minUpdateIndex uint64
	maxUpdateIndex uint64

	refs     []*RefRecord
	logs     []*LogRecord
	lastRef  []byte
	lastLog  []byte
	finished bool
}

// NewTableWriter configures a writer. restartInterval of 0 selects
// DefaultRestartInterval; blockSize of 0 selects DefaultBlockSize.
func NewTableWriter(hashSize, blockSize, restartInterval int) (*TableWriter, error) {
	if _, err := hashIDFor(hashSize); err != nil {
		return nil, err
	}
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if blockSize >= 1<<24 {
		return nil, NewErrAPIMisuse("block size %d does not fit in 24 bits", blockSize)
	}
	return &TableWriter{
		hashSize:        hashSize,
		blockSize:       blockSize,
		restartInterval: restartInterval,
		objIDLen:        DefaultObjIDLen,
	}, nil
}

// SetLimits records the logical update-index range this table covers
// (§3.4.3); it must be called before Finish.
func (w *TableWriter) SetLimits(min, max uint64) {
	w.minUpdateIndex = min
	w.maxUpdateIndex = max
}

// AddRef stages a ref record. Records must arrive in strictly ascending
// RefName order (§4.2).
func (w *TableWriter) AddRef(rec *RefRecord) error {
	if w.finished {
		return NewErrAPIMisuse("writer already finished")
	}
	if w.lastRef != nil && bytesCompare([]byte(rec.RefName), w.lastRef) <= 0 {
		return NewErrAPIMisuse("ref records must be added in ascending order: %q <= %q", rec.RefName, w.lastRef)
	}
	w.lastRef = []byte(rec.RefName)
	w.refs = append(w.refs, rec)
	return nil
}

// AddLog stages a log record. Records must arrive in strictly ascending key
// order, i.e. by refname and then by descending update-index (§4.2).
func (w *TableWriter) AddLog(rec *LogRecord) error {
	if w.finished {
		return NewErrAPIMisuse("writer already finished")
	}
	key := rec.Key()
	if w.lastLog != nil && bytesCompare(key, w.lastLog) <= 0 {
		return NewErrAPIMisuse("log records must be added in ascending key order")
	}
	w.lastLog = append([]byte(nil), key...)
	w.logs = append(w.logs, rec)
	return nil
}

// blockSection is one packed run of same-type blocks plus the index
// entries (last key, start offset) needed to point at each of them.
type blockSection struct {
	data         []byte
	blockIndex   []IndexRecord
	recordOffset []uint64 // parallel to the input records: which block each landed in
}

// packBlocks packs records into one or more same-type blocks. firstBlockSize
// overrides the capacity of only the very first block written (0 means "use
// blockSize"); it exists so the table's opening block, which shares its
// on-disk space with the format header, can be sized accordingly.
func packBlocks(records []Record, blockType byte, blockSize, firstBlockSize, restartInterval, hashSize int, startOffset uint64) (*blockSection, error) {
	for {
		sec, err := tryPackBlocks(records, blockType, blockSize, firstBlockSize, restartInterval, hashSize, startOffset)
		if _, overflow := err.(errRestartOverflow); overflow {
			restartInterval *= 2
			continue
		}
		return sec, err
	}
}

// tryPackBlocks is packBlocks' single-pass body. It returns errRestartOverflow
// unwrapped so packBlocks can recognize it and retry the whole section with a
// doubled restartInterval (§9: "restarts overflow the restart table, increase
// restart_interval and restart block assembly").
func tryPackBlocks(records []Record, blockType byte, blockSize, firstBlockSize, restartInterval, hashSize int, startOffset uint64) (*blockSection, error) {
	sec := &blockSection{recordOffset: make([]uint64, 0, len(records))}
	offset := startOffset
	i := 0
	first := true
	for first || i < len(records) {
		thisBlockSize := blockSize
		if first && firstBlockSize > 0 {
			thisBlockSize = firstBlockSize
		}
		bw := newBlockWriter(blockType, thisBlockSize, restartInterval)
		var lastKey []byte
		count := 0
		for i < len(records) {
			ok, err := bw.add(records[i], hashSize)
			if err != nil {
				return nil, err
			}
			if !ok {
				if count == 0 {
					return nil, NewErrAPIMisuse("record too large to fit in a %d-byte block", blockSize)
				}
				break
			}
			lastKey = records[i].Key()
			sec.recordOffset = append(sec.recordOffset, offset)
			i++
			count++
		}
		data, fullSize, err := bw.finish()
		if err != nil {
			return nil, fmt.Errorf("reftable: finish block: %w", err)
		}
		sec.data = append(sec.data, data...)
		sec.blockIndex = append(sec.blockIndex, IndexRecord{LastKey: append([]byte(nil), lastKey...), Offset: offset})
		offset += uint64(fullSize)
		first = false
	}
	return sec, nil
}

// writeIndexLevels builds a (possibly multi-level) index over entries,
// returning the byte stream to append and the offset of the root index
// block. It returns hasIndex=false when entries has at most one member:
// a single-block section needs no index (§4.5).
func writeIndexLevels(entries []IndexRecord, blockSize, restartInterval, hashSize int, startOffset uint64) (data []byte, rootOffset uint64, hasIndex bool, err error) {
	if len(entries) <= 1 {
		return nil, 0, false, nil
	}
	level := entries
	offset := startOffset
	for depth := 0; depth < 32; depth++ {
		recs := make([]Record, len(level))
		for i := range level {
			e := level[i]
			recs[i] = &e
		}
		sec, err := packBlocks(recs, BlockTypeIndex, blockSize, 0, restartInterval, hashSize, offset)
		if err != nil {
			return nil, 0, false, err
		}
		data = append(data, sec.data...)
		root := sec.blockIndex[0].Offset
		offset += uint64(len(sec.data))
		if len(sec.blockIndex) == 1 {
			return data, root, true, nil
		}
		level = sec.blockIndex
	}
	return nil, 0, false, NewErrFormat("index tree exceeded maximum depth")
}

func refsAsRecords(refs []*RefRecord) []Record {
	out := make([]Record, len(refs))
	for i, r := range refs {
		out[i] = r
	}
	return out
}

func logsAsRecords(logs []*LogRecord) []Record {
	out := make([]Record, len(logs))
	for i, r := range logs {
		out[i] = r
	}
	return out
}

// Finish packs every staged record into the final table byte stream,
// including the header, the obj section derived from the refs written, any
// indexes a section's size demands, and the CRC32-protected footer (§3.2,
// §3.3).
func (w *TableWriter) Finish() ([]byte, error) {
	if w.finished {
		return nil, NewErrAPIMisuse("writer already finished")
	}
	w.finished = true

	hashID, err := hashIDFor(w.hashSize)
	if err != nil {
		return nil, err
	}
	ver := version(2)
	headerSize := ver.headerSize()
	if headerSize >= w.blockSize {
		return nil, NewErrAPIMisuse("block size %d too small to hold the %d-byte header", w.blockSize, headerSize)
	}

	// The format header occupies the first header_size bytes of the file;
	// block 0 (always the start of the ref section, even when empty) shares
	// the rest of that first blockSize-sized slot (§3.2).
	refSec, err := packBlocks(refsAsRecords(w.refs), BlockTypeRef, w.blockSize, w.blockSize-headerSize, w.restartInterval, w.hashSize, uint64(headerSize))
	if err != nil {
		return nil, err
	}
	out := make([]byte, headerSize, headerSize+len(refSec.data))
	out = append(out, refSec.data...)
	cursor := uint64(len(out))

	refIndexData, refIndexOffset, hasRefIndex, err := writeIndexLevels(refSec.blockIndex, w.blockSize, w.restartInterval, w.hashSize, cursor)
	if err != nil {
		return nil, err
	}
	out = append(out, refIndexData...)
	cursor = uint64(len(out))

	objMap := map[string][]uint64{}
	var objKeys []string
	for i, r := range w.refs {
		var prefix []byte
		switch r.Value {
		case RefValueVal1, RefValueVal2:
			prefix = r.Hash
		default:
			continue
		}
		n := w.objIDLen
		if n > len(prefix) {
			n = len(prefix)
		}
		key := string(prefix[:n])
		if _, ok := objMap[key]; !ok {
			objKeys = append(objKeys, key)
		}
		objMap[key] = append(objMap[key], refSec.recordOffset[i])
	}
	sort.Strings(objKeys)

	var objOffset uint64
	var objIDLenUsed int
	var objIndexOffset uint64
	var hasObjIndex bool
	if len(objKeys) > 0 {
		objRecords := make([]Record, len(objKeys))
		for i, k := range objKeys {
			offs := objMap[k]
			sort.Slice(offs, func(a, b int) bool { return offs[a] < offs[b] })
			objRecords[i] = &ObjRecord{HashPrefix: []byte(k), Offsets: offs}
		}
		objSec, err := packBlocks(objRecords, BlockTypeObj, w.blockSize, 0, w.restartInterval, w.hashSize, cursor)
		if err != nil {
			return nil, err
		}
		objOffset = cursor
		objIDLenUsed = w.objIDLen
		out = append(out, objSec.data...)
		cursor = uint64(len(out))

		var objIndexData []byte
		objIndexData, objIndexOffset, hasObjIndex, err = writeIndexLevels(objSec.blockIndex, w.blockSize, w.restartInterval, w.hashSize, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, objIndexData...)
		cursor = uint64(len(out))
	}

	var logOffset uint64
	var logIndexOffset uint64
	var hasLogIndex bool
	if len(w.logs) > 0 {
		logOffset = cursor
		logSec, err := packBlocks(logsAsRecords(w.logs), BlockTypeLog, w.blockSize, 0, w.restartInterval, w.hashSize, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, logSec.data...)
		cursor = uint64(len(out))

		var logIndexData []byte
		logIndexData, logIndexOffset, hasLogIndex, err = writeIndexLevels(logSec.blockIndex, w.blockSize, w.restartInterval, w.hashSize, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, logIndexData...)
		cursor = uint64(len(out))
	}

	f := footer{
		header: header{
			headerV1: headerV1{
				Magic:          magic,
				Version:        ver,
				BlockSize:      putUint24(uint32(w.blockSize)),
				MinUpdateIndex: w.minUpdateIndex,
				MaxUpdateIndex: w.maxUpdateIndex,
			},
			HashID: hashID,
		},
		footerEnd: footerEnd{
			LogOffset: logOffset,
		},
	}
	if hasRefIndex {
		f.RefIndexOffset = refIndexOffset
	}
	if objOffset > 0 {
		f.ObjectOffsetAndLen = objOffset<<5 | uint64(objIDLenUsed&0x1f)
	}
	if hasObjIndex {
		f.ObjectIndexOffset = objIndexOffset
	}
	if hasLogIndex {
		f.LogIndexOffset = logIndexOffset
	}

	footerBytes, err := encodeFooter(&f)
	if err != nil {
		return nil, err
	}
	out = append(out, footerBytes...)
	copy(out[:headerSize], footerBytes[:headerSize])
	return out, nil
}
