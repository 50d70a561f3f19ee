// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT
package reftable

import "strings"

// ValidateRefname checks the syntax a stored refname must satisfy (§3.4.4):
// non-empty, slash-separated components, none of which is empty, ".", or
// "..", and no component containing a NUL byte.
func ValidateRefname(name string) error {
	if name == "" {
		return &ErrRefname{Name: name}
	}
	for _, comp := range strings.Split(name, "/") {
		if comp == "" || comp == "." || comp == ".." {
			return &ErrRefname{Name: name}
		}
		if strings.IndexByte(comp, 0) >= 0 {
			return &ErrRefname{Name: name}
		}
	}
	return nil
}

// CheckRefnameConflict reports whether adding newName to a set that already
// contains existing would violate the hierarchy invariant (§3.4.4): a
// refname cannot be both a leaf and a directory, so "refs/a" and
// "refs/a/b" can never coexist. The check is symmetric; call it with
// existing names and the candidate.
func CheckRefnameConflict(existing []string, newName string) error {
	for _, e := range existing {
		if e == newName {
			continue
		}
		if isRefnamePrefix(e, newName) || isRefnamePrefix(newName, e) {
			return &ErrNameConflict{Existing: e, New: newName}
		}
	}
	return nil
}

// isRefnamePrefix reports whether prefix is a directory ancestor of name,
// i.e. name == prefix + "/" + anything.
func isRefnamePrefix(prefix, name string) bool {
	return len(name) > len(prefix) && strings.HasPrefix(name, prefix) && name[len(prefix)] == '/'
}
