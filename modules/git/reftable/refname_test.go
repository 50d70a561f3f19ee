// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT
package reftable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRefnameAccepts(t *testing.T) {
	for _, name := range []string{"HEAD", "refs/heads/main", "refs/heads/feature/x"} {
		assert.NoError(t, ValidateRefname(name))
	}
}

func TestValidateRefnameRejects(t *testing.T) {
	for _, name := range []string{"", "refs//heads", "refs/./heads", "refs/../heads", "refs/heads/\x00bad"} {
		assert.Error(t, ValidateRefname(name))
	}
}

func TestCheckRefnameConflictDetectsDirFileClash(t *testing.T) {
	existing := []string{"refs/heads/a"}
	err := CheckRefnameConflict(existing, "refs/heads/a/b")
	assert.Error(t, err)

	err = CheckRefnameConflict([]string{"refs/heads/a/b"}, "refs/heads/a")
	assert.Error(t, err)
}

func TestCheckRefnameConflictAllowsDisjoint(t *testing.T) {
	existing := []string{"refs/heads/a", "refs/heads/ab"}
	assert.NoError(t, CheckRefnameConflict(existing, "refs/heads/b"))
}

func TestCheckRefnameConflictIgnoresSelf(t *testing.T) {
	existing := []string{"refs/heads/a"}
	assert.NoError(t, CheckRefnameConflict(existing, "refs/heads/a"))
}
