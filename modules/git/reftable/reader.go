// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT
package reftable

import (
	"fmt"
	"io"
)

// BlockSource abstracts the byte-addressable medium a table is read from
// (§4.4): a plain *os.File for on-disk tables, or an in-memory buffer for
// tables built by a TableWriter and not yet flushed. A cache (§9 optional
// block cache) wraps one of these rather than replacing it.
type BlockSource interface {
	ReadAt(p []byte, off int64) (int, error)
	Size() int64
	Close() error
}

// byteSource is a BlockSource over an in-memory table, used by tests and by
// the stack's "read the table we just wrote without reopening it" path.
type byteSource struct{ data []byte }

// NewByteSource wraps a fully materialized table (e.g. a TableWriter's
// Finish output) as a BlockSource.
func NewByteSource(data []byte) BlockSource { return &byteSource{data: data} }

func (b *byteSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
func (b *byteSource) Size() int64 { return int64(len(b.data)) }
func (b *byteSource) Close() error { return nil }

// Table is an opened, parsed reftable ready for seeking (§4.4, §4.5).
type Table struct {
	src          BlockSource
	name         string
	blockSize    int
	footerOffset int64
	hashSize     int
	f            footer
}

// OpenTable parses src's header and footer and returns a ready-to-query
// Table. Close releases src.
func OpenTable(name string, src BlockSource) (*Table, error) {
	// Read enough bytes to cover a version-2 header (28 bytes) up front;
	// a version-1 table is at least that long too since its footer alone
	// is 68 bytes, so this never reads past a genuine table's content.
	var hdrBuf [28]byte
	n, err := src.ReadAt(hdrBuf[:], 0)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reftable: read table header: %w", err)
	}
	var probe header
	if err := parseHeader(bytesReader(hdrBuf[:n]), &probe); err != nil {
		return nil, err
	}

	t := &Table{src: src, name: name}
	footerSize := int64(probe.Version.footerSize())
	t.footerOffset = src.Size() - footerSize
	if t.footerOffset < 0 {
		return nil, NewErrFormat("table: smaller than its own footer")
	}

	footerBuf := make([]byte, footerSize)
	if _, err := src.ReadAt(footerBuf, t.footerOffset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("reftable: read table footer: %w", err)
	}
	if err := parseFooter(bytesReader(footerBuf), &t.f); err != nil {
		return nil, err
	}
	if t.f.header != probe {
		return nil, NewErrFormat("table: header and footer disagree")
	}

	t.blockSize = int(parseUint24(t.f.BlockSize))
	if t.blockSize <= probe.Version.headerSize() {
		return nil, NewErrFormat("table: block size %d too small", t.blockSize)
	}
	t.hashSize, err = hashSizeFor(t.f.HashID)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func bytesReader(b []byte) io.Reader { return &sliceReader{b: b} }

type sliceReader struct {
	b   []byte
	pos int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

// Close releases the underlying block source.
func (t *Table) Close() error { return t.src.Close() }

// MinUpdateIndex and MaxUpdateIndex report the logical update-index range
// this table covers (§3.4.3).
func (t *Table) MinUpdateIndex() uint64 { return t.f.MinUpdateIndex }
func (t *Table) MaxUpdateIndex() uint64 { return t.f.MaxUpdateIndex }

// HashSize reports this table's hash size (20 for SHA-1, 32 for SHA-256).
func (t *Table) HashSize() int { return t.hashSize }

// Name returns the table's file name as supplied to OpenTable.
func (t *Table) Name() string { return t.name }

// readBlockAt reads the block whose type byte sits at absolute file offset
// off. The first block of the file (off == header size) has a reduced
// capacity since the format header shares its slot.
func (t *Table) readBlockAt(off int64, wantType byte) (*blockReader, error) {
	headerSize := int64(t.f.Version.headerSize())
	avail := t.blockSize
	if off == headerSize {
		avail = t.blockSize - int(headerSize)
	}
	// Log blocks are not padded to blockSize and may be followed
	// immediately by another block; read generously and let parseBlock
	// trust the embedded length instead of the window size.
	window := avail
	if wantType == BlockTypeLog || wantType == 0 {
		window = t.blockSize
	}
	buf := make([]byte, window)
	n, err := t.src.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reftable: read block at %d: %w", off, err)
	}
	buf = buf[:n]
	return parseBlock(buf, avail, wantType)
}

// sectionSeek implements §4.5: binary search over a section's index when
// one exists, else a linear block-by-block scan comparing each block's first
// key, then a seek inside the winning block.
func (t *Table) sectionSeek(sectionStart int64, indexOffset int64, blockType byte, key []byte) (*blockIter, error) {
	if indexOffset != 0 {
		return t.indexedSeek(indexOffset, blockType, key)
	}
	return t.linearSeek(sectionStart, blockType, key)
}

func (t *Table) indexedSeek(indexOffset int64, leafType byte, key []byte) (*blockIter, error) {
	off := indexOffset
	for {
		br, err := t.readBlockAt(off, BlockTypeIndex)
		if err != nil {
			return nil, err
		}
		it := br.iterator(t.hashSize)
		target, err := t.seekWithinIndex(it, key)
		if err != nil {
			return nil, err
		}
		if target == nil {
			return nil, nil
		}
		rec := target.(*IndexRecord)
		child, err := t.readBlockAt(int64(rec.Offset), 0)
		if err != nil {
			return nil, err
		}
		if child.blockType == leafType {
			leafIt := child.iterator(t.hashSize)
			if err := leafIt.seekKey(key); err != nil {
				return nil, err
			}
			return leafIt, nil
		}
		off = int64(rec.Offset)
	}
}

// seekWithinIndex finds the first IndexRecord in it whose LastKey is >=
// key, following the same "biggest block that might contain key" rule the
// block-level seek uses (§4.5).
func (t *Table) seekWithinIndex(it *blockIter, key []byte) (Record, error) {
	if err := it.seekKey(key); err != nil {
		return nil, err
	}
	return it.next()
}

// linearSeek scans every block of a section (no index present) comparing
// its decoded-on-demand first key to find the block that may contain key,
// then does a binary-search seek within that block (§4.4, §4.5).
func (t *Table) linearSeek(sectionStart int64, blockType byte, key []byte) (*blockIter, error) {
	off := sectionStart
	var candidate *blockReader
	first := true
	for off < t.footerOffset {
		br, err := t.readBlockAt(off, 0)
		if err != nil {
			return nil, err
		}
		if br.blockType != blockType {
			break
		}
		if br.recordsEnd == 0 {
			// Empty block (e.g. an empty table's sole ref block).
			candidate = br
			break
		}
		firstKey, err := br.firstKeyAt(0)
		if err != nil {
			return nil, err
		}
		// The first block is always a viable candidate, even when key
		// sorts before everything it holds: the answer then is simply
		// "the first record of this table" (§4.4, §4.5).
		if !first && bytesCompare(firstKey, key) > 0 {
			break
		}
		candidate = br
		first = false
		off += int64(br.fullBlockSize)
	}
	if candidate == nil {
		return nil, nil
	}
	it := candidate.iterator(t.hashSize)
	if err := it.seekKey(key); err != nil {
		return nil, err
	}
	return it, nil
}

// SeekRef returns an iterator positioned at the first ref record whose name
// is >= name (§4.6).
func (t *Table) SeekRef(name string) (*blockIter, error) {
	headerSize := int64(t.f.Version.headerSize())
	return t.sectionSeek(headerSize, int64(t.f.RefIndexOffset), BlockTypeRef, []byte(name))
}

// SeekLog returns an iterator positioned at the first log record whose key
// is >= LogKey(refname, updateIndex) (§4.6). Pass updateIndex = ^uint64(0)
// to seek to the newest entry for refname.
func (t *Table) SeekLog(refname string, updateIndex uint64) (*blockIter, error) {
	if t.f.LogOffset == 0 {
		return nil, nil
	}
	return t.sectionSeek(int64(t.f.LogOffset), int64(t.f.LogIndexOffset), BlockTypeLog, LogKey(refname, updateIndex))
}

// objSection reports the obj section's start offset and key length, or ok
// == false when the table has no obj section (§3.1, §4.6).
func (t *Table) objSection() (start int64, idLen int, ok bool) {
	if t.f.ObjectOffsetAndLen == 0 {
		return 0, 0, false
	}
	return int64(t.f.ObjectOffsetAndLen >> 5), int(t.f.ObjectOffsetAndLen & 0x1f), true
}

// SeekObj returns an iterator over the obj section positioned at the first
// record whose key is >= the given hash prefix, truncated to this table's
// obj id length.
func (t *Table) SeekObj(hashPrefix []byte) (*blockIter, error) {
	start, idLen, ok := t.objSection()
	if !ok {
		return nil, nil
	}
	if len(hashPrefix) > idLen {
		hashPrefix = hashPrefix[:idLen]
	}
	return t.sectionSeek(start, int64(t.f.ObjectIndexOffset), BlockTypeObj, hashPrefix)
}

// RefIterator walks every ref record in the table in key order, used for
// full scans (manifest rewrite, compaction) rather than point lookups.
func (t *Table) RefIterator() (*tableIter, error) {
	return t.newTableIter(int64(t.f.Version.headerSize()), BlockTypeRef)
}

// LogIterator walks every log record in the table in key order.
func (t *Table) LogIterator() (*tableIter, error) {
	if t.f.LogOffset == 0 {
		return &tableIter{done: true}, nil
	}
	return t.newTableIter(int64(t.f.LogOffset), BlockTypeLog)
}

// tableIter walks all blocks of one section of a table, in order, vending
// every record. It is used for whole-table merges (the stack's merged
// iterator) rather than point seeks.
type tableIter struct {
	t         *Table
	off       int64
	blockType byte
	cur       *blockIter
	done      bool
}

func (t *Table) newTableIter(start int64, blockType byte) (*tableIter, error) {
	ti := &tableIter{t: t, off: start, blockType: blockType}
	if err := ti.advanceBlock(); err != nil {
		return nil, err
	}
	return ti, nil
}

func (ti *tableIter) advanceBlock() error {
	if ti.off >= ti.t.footerOffset {
		ti.done = true
		return nil
	}
	br, err := ti.t.readBlockAt(ti.off, 0)
	if err != nil {
		return err
	}
	if br.blockType != ti.blockType {
		ti.done = true
		return nil
	}
	ti.off += int64(br.fullBlockSize)
	ti.cur = br.iterator(ti.t.hashSize)
	return nil
}

// Next returns the next record, or (nil, nil) once the section is
// exhausted.
func (ti *tableIter) Next() (Record, error) {
	for !ti.done {
		rec, err := ti.cur.next()
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
		if err := ti.advanceBlock(); err != nil {
			return nil, err
		}
	}
	return nil, nil
}
