// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT
package reftable

// encodeKey appends the delta-encoded form of key (relative to prevKey) to
// dst: prefix_len varint, (suffix_len<<3 | extra) varint, suffix bytes
// (§3.3, §4.2). It reports whether the record is a restart point
// (prefix_len == 0).
func encodeKey(dst []byte, prevKey, key []byte, extra uint8) (out []byte, isRestart bool) {
	prefixLen := CommonPrefixLen(prevKey, key)
	suffix := key[prefixLen:]

	var tmp [maxVarintLen]byte
	n := PutVarint(tmp[:], uint64(prefixLen))
	dst = append(dst, tmp[:n]...)

	n = PutVarint(tmp[:], uint64(len(suffix))<<3|uint64(extra&0x7))
	dst = append(dst, tmp[:n]...)

	dst = append(dst, suffix...)
	return dst, prefixLen == 0
}

// encodedKeyLen returns the number of bytes encodeKey would append, without
// writing anything; used by the block writer to decide whether a record
// fits before committing it.
func encodedKeyLen(prevKey, key []byte) int {
	prefixLen := CommonPrefixLen(prevKey, key)
	suffixLen := len(key) - prefixLen
	return VarintLen(uint64(prefixLen)) + VarintLen(uint64(suffixLen)<<3|0x7) + suffixLen
}

// decodeKey reconstructs the next key from lastKey and a delta-encoded
// record header at the front of src. It returns the new key, the extra
// bits, and the remainder of src after the header.
func decodeKey(lastKey []byte, src []byte) (key []byte, extra uint8, rest []byte, err error) {
	prefixLen, n, err := GetVarint(src)
	if err != nil {
		return nil, 0, nil, err
	}
	src = src[n:]

	suffixAndExtra, n, err := GetVarint(src)
	if err != nil {
		return nil, 0, nil, err
	}
	src = src[n:]

	extra = uint8(suffixAndExtra & 0x7)
	suffixLen := suffixAndExtra >> 3

	if prefixLen > uint64(len(lastKey)) || uint64(len(src)) < suffixLen {
		return nil, 0, nil, NewErrFormat("key: corrupt delta encoding")
	}

	key = make([]byte, 0, prefixLen+suffixLen)
	key = append(key, lastKey[:prefixLen]...)
	key = append(key, src[:suffixLen]...)
	return key, extra, src[suffixLen:], nil
}
