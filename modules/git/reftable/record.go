// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT
package reftable

import (
	"encoding/hex"
	"fmt"
)

// Block type tags (§3.3); a block's first byte is exactly one of these.
const (
	BlockTypeRef   = 'r'
	BlockTypeLog   = 'g'
	BlockTypeObj   = 'o'
	BlockTypeIndex = 'i'
)

// RefValueType enumerates the §3.1 ref record variants. It doubles as the
// 3-bit "extra" field carried alongside the delta-encoded key (§4.2).
type RefValueType uint8

const (
	RefValueDeletion RefValueType = 0
	RefValueVal1     RefValueType = 1
	RefValueVal2     RefValueType = 2
	RefValueSymref   RefValueType = 3
)

// LogValueType enumerates the §3.1 log record variants.
type LogValueType uint8

const (
	LogValueDeletion LogValueType = 0
	LogValueUpdate   LogValueType = 1
)

// Record is the v-table every stored record variant implements (§4.2). The
// block writer/reader operate purely in terms of this interface; they never
// know whether they're shuffling refs, logs, objs, or indexes.
type Record interface {
	// Key returns the record's sort key. The returned slice must not be
	// retained past the next call into the record.
	Key() []byte
	// BlockType returns which section this record variant lives in.
	BlockType() byte
	// ValType returns the 3-bit extra value carried in the delta-encoded
	// key (§4.2); distinguishes value variants without a separate byte.
	ValType() uint8
	// EncodeValue appends this record's value payload (everything after
	// the delta-encoded key) to dst and returns the result.
	EncodeValue(dst []byte, hashSize int) ([]byte, error)
	// DecodeValue parses a value payload of this record's ValType from
	// the front of src, consuming and returning the remainder.
	DecodeValue(key []byte, valType uint8, src []byte, hashSize int) ([]byte, error)
	// IsDeletion reports whether this record is a tombstone.
	IsDeletion() bool
	// CompareKey orders two records of the same type by key.
	CompareKey(other Record) int
	// Equal reports deep equality, used by tests (§8 property 4).
	Equal(other Record, hashSize int) bool
	String() string
}

// NewRecord allocates a zero-value record for the given block type, used by
// the block reader before it knows which concrete variant to decode into.
func NewRecord(blockType byte) (Record, error) {
	switch blockType {
	case BlockTypeRef:
		return &RefRecord{}, nil
	case BlockTypeLog:
		return &LogRecord{}, nil
	case BlockTypeObj:
		return &ObjRecord{}, nil
	case BlockTypeIndex:
		return &IndexRecord{}, nil
	default:
		return nil, NewErrAPIMisuse("unknown block type %q", blockType)
	}
}

func encodeString(dst []byte, s string) []byte {
	var tmp [maxVarintLen]byte
	n := PutVarint(tmp[:], uint64(len(s)))
	dst = append(dst, tmp[:n]...)
	return append(dst, s...)
}

func decodeString(src []byte) (string, []byte, error) {
	l, n, err := GetVarint(src)
	if err != nil {
		return "", nil, err
	}
	src = src[n:]
	if uint64(len(src)) < l {
		return "", nil, NewErrFormat("string: truncated payload")
	}
	return string(src[:l]), src[l:], nil
}

// ---------------------------------------------------------------- RefRecord

// RefRecord is the §3.1 reference record: a refname bound to a deletion
// tombstone, one hash, a hash pair (tag plus peeled target), or a symbolic
// target, tagged with the logical update-index it was written at.
type RefRecord struct {
	RefName     string
	UpdateIndex uint64
	Value       RefValueType
	Hash        []byte // VAL1, VAL2's first hash
	PeeledHash  []byte // VAL2's second hash
	Target      string // SYMREF's target refname
}

func (r *RefRecord) Key() []byte        { return []byte(r.RefName) }
func (r *RefRecord) BlockType() byte    { return BlockTypeRef }
func (r *RefRecord) ValType() uint8     { return uint8(r.Value) }
func (r *RefRecord) IsDeletion() bool   { return r.Value == RefValueDeletion }
func (r *RefRecord) CompareKey(o Record) int {
	return bytesCompare(r.Key(), o.Key())
}

func (r *RefRecord) EncodeValue(dst []byte, hashSize int) ([]byte, error) {
	var tmp [maxVarintLen]byte
	n := PutVarint(tmp[:], r.UpdateIndex)
	dst = append(dst, tmp[:n]...)
	switch r.Value {
	case RefValueDeletion:
	case RefValueVal1:
		if len(r.Hash) != hashSize {
			return nil, NewErrAPIMisuse("val1 hash must be %d bytes, got %d", hashSize, len(r.Hash))
		}
		dst = append(dst, r.Hash...)
	case RefValueVal2:
		if len(r.Hash) != hashSize || len(r.PeeledHash) != hashSize {
			return nil, NewErrAPIMisuse("val2 hashes must be %d bytes", hashSize)
		}
		dst = append(dst, r.Hash...)
		dst = append(dst, r.PeeledHash...)
	case RefValueSymref:
		dst = encodeString(dst, r.Target)
	default:
		return nil, NewErrAPIMisuse("unknown ref value type %d", r.Value)
	}
	return dst, nil
}

func (r *RefRecord) DecodeValue(key []byte, valType uint8, src []byte, hashSize int) ([]byte, error) {
	ui, n, err := GetVarint(src)
	if err != nil {
		return nil, err
	}
	src = src[n:]
	r.RefName = string(key)
	r.UpdateIndex = ui
	r.Value = RefValueType(valType)
	r.Hash, r.PeeledHash, r.Target = nil, nil, ""
	switch r.Value {
	case RefValueDeletion:
	case RefValueVal1:
		if len(src) < hashSize {
			return nil, NewErrFormat("ref record: truncated val1")
		}
		r.Hash = append([]byte(nil), src[:hashSize]...)
		src = src[hashSize:]
	case RefValueVal2:
		if len(src) < 2*hashSize {
			return nil, NewErrFormat("ref record: truncated val2")
		}
		r.Hash = append([]byte(nil), src[:hashSize]...)
		r.PeeledHash = append([]byte(nil), src[hashSize:2*hashSize]...)
		src = src[2*hashSize:]
	case RefValueSymref:
		target, rest, err := decodeString(src)
		if err != nil {
			return nil, err
		}
		r.Target = target
		src = rest
	default:
		return nil, NewErrFormat("ref record: unknown value type %d", valType)
	}
	return src, nil
}

func (r *RefRecord) Equal(o Record, hashSize int) bool {
	other, ok := o.(*RefRecord)
	if !ok {
		return false
	}
	if r.RefName != other.RefName || r.UpdateIndex != other.UpdateIndex || r.Value != other.Value {
		return false
	}
	switch r.Value {
	case RefValueVal1:
		return bytesEqual(r.Hash, other.Hash)
	case RefValueVal2:
		return bytesEqual(r.Hash, other.Hash) && bytesEqual(r.PeeledHash, other.PeeledHash)
	case RefValueSymref:
		return r.Target == other.Target
	default:
		return true
	}
}

func (r *RefRecord) String() string {
	switch r.Value {
	case RefValueDeletion:
		return fmt.Sprintf("ref{%s(%d) delete}", r.RefName, r.UpdateIndex)
	case RefValueVal1:
		return fmt.Sprintf("ref{%s(%d) %s}", r.RefName, r.UpdateIndex, hex.EncodeToString(r.Hash))
	case RefValueVal2:
		return fmt.Sprintf("ref{%s(%d) %s (peeled %s)}", r.RefName, r.UpdateIndex,
			hex.EncodeToString(r.Hash), hex.EncodeToString(r.PeeledHash))
	case RefValueSymref:
		return fmt.Sprintf("ref{%s(%d) => %s}", r.RefName, r.UpdateIndex, r.Target)
	default:
		return "ref{?}"
	}
}

// ---------------------------------------------------------------- LogRecord

// LogRecord is the §3.1 reflog entry. Its key embeds a bitwise-inverted
// update-index so that, within one refname, newer entries sort first
// (§4.2, testable property 5).
type LogRecord struct {
	RefName     string
	UpdateIndex uint64
	Value       LogValueType
	OldHash     []byte
	NewHash     []byte
	Name        string
	Email       string
	Time        uint64
	TZOffset    int16
	Message     string

	keyBuf []byte // scratch, reused across Key() calls
}

// LogKey returns the encoded (refname, ~updateIndex) key for a log record
// without requiring an instance, used by callers that need to seek without
// constructing a full record.
func LogKey(refname string, updateIndex uint64) []byte {
	key := make([]byte, 0, len(refname)+9)
	key = append(key, refname...)
	key = append(key, 0)
	var be [8]byte
	PutBE64(be[:], ^uint64(0)-updateIndex)
	return append(key, be[:]...)
}

func (r *LogRecord) Key() []byte {
	r.keyBuf = LogKey(r.RefName, r.UpdateIndex)
	return r.keyBuf
}

func (r *LogRecord) BlockType() byte { return BlockTypeLog }
func (r *LogRecord) ValType() uint8  { return uint8(r.Value) }
func (r *LogRecord) IsDeletion() bool { return r.Value == LogValueDeletion }
func (r *LogRecord) CompareKey(o Record) int {
	return bytesCompare(r.Key(), o.Key())
}

func (r *LogRecord) EncodeValue(dst []byte, hashSize int) ([]byte, error) {
	if r.Value == LogValueDeletion {
		return dst, nil
	}
	if len(r.OldHash) != hashSize || len(r.NewHash) != hashSize {
		return nil, NewErrAPIMisuse("log record hashes must be %d bytes", hashSize)
	}
	dst = append(dst, r.OldHash...)
	dst = append(dst, r.NewHash...)
	dst = encodeString(dst, r.Name)
	dst = encodeString(dst, r.Email)
	var tmp [maxVarintLen]byte
	n := PutVarint(tmp[:], r.Time)
	dst = append(dst, tmp[:n]...)
	var tz [2]byte
	PutBE16(tz[:], uint16(r.TZOffset))
	dst = append(dst, tz[:]...)
	dst = encodeString(dst, r.Message)
	return dst, nil
}

func (r *LogRecord) DecodeValue(key []byte, valType uint8, src []byte, hashSize int) ([]byte, error) {
	if len(key) <= 9 || key[len(key)-9] != 0 {
		return nil, NewErrFormat("log record: malformed key")
	}
	r.RefName = string(key[:len(key)-9])
	ts := GetBE64(key[len(key)-8:])
	r.UpdateIndex = ^uint64(0) - ts
	r.Value = LogValueType(valType)
	r.OldHash, r.NewHash = nil, nil
	r.Name, r.Email, r.Message, r.Time, r.TZOffset = "", "", "", 0, 0
	if r.Value == LogValueDeletion {
		return src, nil
	}
	if r.Value != LogValueUpdate {
		return nil, NewErrFormat("log record: unknown value type %d", valType)
	}
	if len(src) < 2*hashSize {
		return nil, NewErrFormat("log record: truncated hashes")
	}
	r.OldHash = append([]byte(nil), src[:hashSize]...)
	r.NewHash = append([]byte(nil), src[hashSize:2*hashSize]...)
	src = src[2*hashSize:]
	name, src, err := decodeString(src)
	if err != nil {
		return nil, err
	}
	r.Name = name
	email, src, err := decodeString(src)
	if err != nil {
		return nil, err
	}
	r.Email = email
	ti, n, err := GetVarint(src)
	if err != nil {
		return nil, err
	}
	r.Time = ti
	src = src[n:]
	if len(src) < 2 {
		return nil, NewErrFormat("log record: truncated tz offset")
	}
	r.TZOffset = int16(GetBE16(src))
	src = src[2:]
	message, src, err := decodeString(src)
	if err != nil {
		return nil, err
	}
	r.Message = message
	return src, nil
}

func (r *LogRecord) Equal(o Record, hashSize int) bool {
	other, ok := o.(*LogRecord)
	if !ok {
		return false
	}
	if r.RefName != other.RefName || r.UpdateIndex != other.UpdateIndex || r.Value != other.Value {
		return false
	}
	if r.Value == LogValueDeletion {
		return true
	}
	return bytesEqual(r.OldHash, other.OldHash) && bytesEqual(r.NewHash, other.NewHash) &&
		r.Name == other.Name && r.Email == other.Email && r.Time == other.Time &&
		r.TZOffset == other.TZOffset && r.Message == other.Message
}

func (r *LogRecord) String() string {
	if r.Value == LogValueDeletion {
		return fmt.Sprintf("log{%s(%d) delete}", r.RefName, r.UpdateIndex)
	}
	return fmt.Sprintf("log{%s(%d) %s <%s> %d %+05d %s => %s}", r.RefName, r.UpdateIndex,
		r.Name, r.Email, r.Time, r.TZOffset, hex.EncodeToString(r.OldHash), hex.EncodeToString(r.NewHash))
}

// ---------------------------------------------------------------- ObjRecord

// ObjRecord maps a truncated object id prefix to the ascending list of
// ref-record byte offsets, within the same table, whose target begins with
// that prefix (§3.1).
type ObjRecord struct {
	HashPrefix []byte
	Offsets    []uint64
}

func (r *ObjRecord) Key() []byte     { return r.HashPrefix }
func (r *ObjRecord) BlockType() byte { return BlockTypeObj }
func (r *ObjRecord) ValType() uint8 {
	if len(r.Offsets) > 0 && len(r.Offsets) < 8 {
		return uint8(len(r.Offsets))
	}
	return 0
}
func (r *ObjRecord) IsDeletion() bool { return false }
func (r *ObjRecord) CompareKey(o Record) int {
	other := o.(*ObjRecord)
	n := len(r.HashPrefix)
	if len(other.HashPrefix) > n {
		n = len(other.HashPrefix)
	}
	a, b := padTo(r.HashPrefix, n), padTo(other.HashPrefix, n)
	if c := bytesCompare(a, b); c != 0 {
		return c
	}
	return len(r.HashPrefix) - len(other.HashPrefix)
}

func padTo(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *ObjRecord) EncodeValue(dst []byte, hashSize int) ([]byte, error) {
	var tmp [maxVarintLen]byte
	if len(r.Offsets) == 0 || len(r.Offsets) >= 8 {
		n := PutVarint(tmp[:], uint64(len(r.Offsets)))
		dst = append(dst, tmp[:n]...)
	}
	if len(r.Offsets) == 0 {
		return dst, nil
	}
	n := PutVarint(tmp[:], r.Offsets[0])
	dst = append(dst, tmp[:n]...)
	last := r.Offsets[0]
	for _, off := range r.Offsets[1:] {
		n := PutVarint(tmp[:], off-last)
		dst = append(dst, tmp[:n]...)
		last = off
	}
	return dst, nil
}

func (r *ObjRecord) DecodeValue(key []byte, valType uint8, src []byte, hashSize int) ([]byte, error) {
	r.HashPrefix = append([]byte(nil), key...)
	count := uint64(valType)
	if valType == 0 {
		n, consumed, err := GetVarint(src)
		if err != nil {
			return nil, err
		}
		count = n
		src = src[consumed:]
	}
	r.Offsets = nil
	if count == 0 {
		return src, nil
	}
	if count > uint64(len(src)) {
		return nil, NewErrFormat("obj record: offset count %d exceeds payload", count)
	}
	r.Offsets = make([]uint64, count)
	first, n, err := GetVarint(src)
	if err != nil {
		return nil, err
	}
	r.Offsets[0] = first
	src = src[n:]
	last := first
	for i := uint64(1); i < count; i++ {
		delta, n, err := GetVarint(src)
		if err != nil {
			return nil, err
		}
		last += delta
		r.Offsets[i] = last
		src = src[n:]
	}
	return src, nil
}

func (r *ObjRecord) Equal(o Record, hashSize int) bool {
	other, ok := o.(*ObjRecord)
	if !ok {
		return false
	}
	if !bytesEqual(r.HashPrefix, other.HashPrefix) || len(r.Offsets) != len(other.Offsets) {
		return false
	}
	for i := range r.Offsets {
		if r.Offsets[i] != other.Offsets[i] {
			return false
		}
	}
	return true
}

func (r *ObjRecord) String() string {
	return fmt.Sprintf("obj{%s %v}", hex.EncodeToString(r.HashPrefix), r.Offsets)
}

// -------------------------------------------------------------- IndexRecord

// IndexRecord points at the block whose highest key is LastKey; index
// blocks chain into a tree when a section's index itself overflows a
// single block (§3.1).
type IndexRecord struct {
	LastKey []byte
	Offset  uint64
}

func (r *IndexRecord) Key() []byte           { return r.LastKey }
func (r *IndexRecord) BlockType() byte       { return BlockTypeIndex }
func (r *IndexRecord) ValType() uint8        { return 0 }
func (r *IndexRecord) IsDeletion() bool      { return false }
func (r *IndexRecord) CompareKey(o Record) int {
	return bytesCompare(r.LastKey, o.(*IndexRecord).LastKey)
}

func (r *IndexRecord) EncodeValue(dst []byte, hashSize int) ([]byte, error) {
	var tmp [maxVarintLen]byte
	n := PutVarint(tmp[:], r.Offset)
	return append(dst, tmp[:n]...), nil
}

func (r *IndexRecord) DecodeValue(key []byte, valType uint8, src []byte, hashSize int) ([]byte, error) {
	r.LastKey = append([]byte(nil), key...)
	off, n, err := GetVarint(src)
	if err != nil {
		return nil, err
	}
	r.Offset = off
	return src[n:], nil
}

func (r *IndexRecord) Equal(o Record, hashSize int) bool {
	other, ok := o.(*IndexRecord)
	if !ok {
		return false
	}
	return r.Offset == other.Offset && bytesEqual(r.LastKey, other.LastKey)
}

func (r *IndexRecord) String() string {
	return fmt.Sprintf("index{%q %d}", r.LastKey, r.Offset)
}

// ---------------------------------------------------------------- helpers

func bytesCompare(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func bytesEqual(a, b []byte) bool {
	return bytesCompare(a, b) == 0
}
