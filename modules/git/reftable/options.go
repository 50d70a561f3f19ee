// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT
package reftable

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// optionsFileName is an optional per-stack-directory override file, read
// once at StackOpen and never rewritten by this package.
const optionsFileName = "reftable.toml"

// StackOptions configures a Stack's on-disk parameters. Every field has a
// sensible zero-value default; absence of reftable.toml is not an error
// (§9: "configuration absence is not an error").
type StackOptions struct {
	BlockSize        int `toml:"block_size"`
	RestartInterval  int `toml:"restart_interval"`
	CompactionFactor int `toml:"compaction_factor"`
	DisableAutoCompact bool `toml:"disable_auto_compact"`
}

func defaultStackOptions() StackOptions {
	return StackOptions{
		BlockSize:        DefaultBlockSize,
		RestartInterval:  DefaultRestartInterval,
		CompactionFactor: DefaultCompactionFactor,
	}
}

// loadStackOptions reads dir/reftable.toml if present, overlaying it onto
// the defaults; a missing file is not an error.
func loadStackOptions(dir string, log *logrus.Logger) (StackOptions, error) {
	opts := defaultStackOptions()
	path := filepath.Join(dir, optionsFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return opts, nil
		}
		return opts, err
	}
	if _, err := toml.Decode(string(data), &opts); err != nil {
		return opts, NewErrFormat("parsing %s: %v", optionsFileName, err)
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.RestartInterval <= 0 {
		opts.RestartInterval = DefaultRestartInterval
	}
	if opts.CompactionFactor <= 1 {
		opts.CompactionFactor = DefaultCompactionFactor
	}
	log.WithField("dir", dir).Debug("reftable: loaded stack options")
	return opts, nil
}
