// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT

// Package reftable implements the block-structured, content-addressable
// on-disk format git calls "reftable": an append-only, LSM-style stack of
// immutable tables recording references and their reflogs, compacted in the
// background to bound lookup cost (https://www.git-scm.com/docs/reftable).
package reftable

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// DefaultCompactionFactor is the geometric size ratio auto-compaction uses
// to decide whether to fold a table into its neighbor: an older table joins
// the newer run being merged unless it is more than this many times larger
// than that run's combined size (§4.7, §9).
const DefaultCompactionFactor = 2

const manifestFileName = "manifest"

// Stack is one reftable-backed reference store: a directory holding a
// manifest file and the table files it names, read newest-last and
// merged on every query (§4.7). All mutation goes through NewAddition; all
// of Stack's own methods are safe for concurrent readers but only one
// writer may hold an addition at a time, enforced by manifest.lock.
type Stack struct {
	dir      string
	hashSize int
	opts     StackOptions
	log      *logrus.Logger
	cache    *ristretto.Cache[string, []byte]
	sf       singleflight.Group

	mu              sync.RWMutex
	names           []Name
	tables          []*Table
	nextUpdateIndex uint64
}

// StackOpenOptions configures StackOpen beyond what reftable.toml can
// express: the logger to use and whether to enable the optional block
// cache.
type StackOpenOptions struct {
	Logger     *logrus.Logger
	EnableCache bool
}

// StackOpen opens (creating if necessary) the reftable stack rooted at dir.
// hashSize must be reftable.HashSHA1 or reftable.HashSHA256 and is fixed
// for the stack's lifetime (§3.4.5, invariant: hash_size consistency).
func StackOpen(dir string, hashSize int, opts *StackOpenOptions) (*Stack, error) {
	if _, err := hashIDFor(hashSize); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &StackOpenOptions{}
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("reftable: create stack dir %s: %w", dir, err)
	}
	stackOpts, err := loadStackOptions(dir, log)
	if err != nil {
		return nil, err
	}
	cache, err := newBlockCache(opts.EnableCache)
	if err != nil {
		return nil, err
	}
	s := &Stack{
		dir:             dir,
		hashSize:        hashSize,
		opts:            stackOpts,
		log:             log,
		cache:           cache,
		nextUpdateIndex: 1,
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stack) manifestPath() string { return filepath.Join(s.dir, manifestFileName) }

// reload re-reads the manifest, opening newly listed tables and closing
// ones no longer present, then recomputes the next update index (§4.7,
// read-your-writes via always trusting the manifest on disk). Concurrent
// reloads triggered by independent readers collapse into one via
// singleflight.
func (s *Stack) reload() error {
	_, err, _ := s.sf.Do("reload", func() (any, error) {
		return nil, s.reloadLocked()
	})
	return err
}

func (s *Stack) reloadLocked() error {
	names, err := s.readManifest()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	open := make(map[string]*Table, len(s.tables))
	for _, t := range s.tables {
		open[t.Name()] = t
	}

	var tables []*Table
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		key := n.String()
		seen[key] = true
		if t, ok := open[key]; ok {
			tables = append(tables, t)
			continue
		}
		t, err := s.openTable(n)
		if err != nil {
			return err
		}
		tables = append(tables, t)
	}
	for key, t := range open {
		if !seen[key] {
			_ = t.Close()
		}
	}

	s.names = names
	s.tables = tables
	s.nextUpdateIndex = 1
	for _, t := range tables {
		if t.MaxUpdateIndex()+1 > s.nextUpdateIndex {
			s.nextUpdateIndex = t.MaxUpdateIndex() + 1
		}
	}
	return nil
}

func (s *Stack) openTable(n Name) (*Table, error) {
	path := filepath.Join(s.dir, n.String())
	src, err := openFileSource(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ErrNotExist{Path: path}
		}
		return nil, err
	}
	src = newCachedFileSource(path, src, s.cache)
	t, err := OpenTable(n.String(), src)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	if t.HashSize() != s.hashSize {
		_ = t.Close()
		return nil, &ErrHashMismatch{Want: s.hashSize, Got: t.HashSize()}
	}
	return t, nil
}

func (s *Stack) readManifest() ([]Name, error) {
	data, err := os.ReadFile(s.manifestPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reftable: read manifest: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	names := make([]Name, len(lines))
	for i, line := range lines {
		n, err := ParseName(strings.TrimSpace(line))
		if err != nil {
			return nil, err
		}
		names[i] = n
	}
	return names, nil
}

func renderManifest(names []Name) string {
	var b strings.Builder
	for _, n := range names {
		b.WriteString(n.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// Close closes every table this stack currently has open. It does not
// release the manifest lock, which no open Stack ever holds outside an
// Addition.
func (s *Stack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, t := range s.tables {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.tables = nil
	return firstErr
}

// mergedIteratorLocked builds a MergedIterator over every currently open
// table for the given section. Callers must hold s.mu for reading.
func (s *Stack) mergedIteratorLocked(blockType byte) (*MergedIterator, error) {
	iters := make([]*tableIter, 0, len(s.tables))
	for _, t := range s.tables {
		var it *tableIter
		var err error
		switch blockType {
		case BlockTypeRef:
			it, err = t.RefIterator()
		case BlockTypeLog:
			it, err = t.LogIterator()
		default:
			return nil, NewErrAPIMisuse("unsupported merged iterator block type %q", blockType)
		}
		if err != nil {
			return nil, err
		}
		iters = append(iters, it)
	}
	return newMergedIterator(iters)
}

// NewRefIterator returns a merged, tombstone-suppressing view of every ref
// currently live in the stack, in refname order (§4.7).
func (s *Stack) NewRefIterator() (*MergedIterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mergedIteratorLocked(BlockTypeRef)
}

// NewLogIterator returns a merged, tombstone-suppressing view of every
// reflog entry currently live in the stack (§4.7).
func (s *Stack) NewLogIterator() (*MergedIterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mergedIteratorLocked(BlockTypeLog)
}

// ReadRef looks up a single ref by exact name, newest table wins, nil if
// absent or tombstoned.
func (s *Stack) ReadRef(name string) (*RefRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.tables) - 1; i >= 0; i-- {
		it, err := s.tables[i].SeekRef(name)
		if err != nil {
			return nil, err
		}
		if it == nil {
			continue
		}
		rec, err := it.next()
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		r := rec.(*RefRecord)
		if r.RefName != name {
			continue
		}
		if r.IsDeletion() {
			return nil, nil
		}
		return r, nil
	}
	return nil, nil
}

func (s *Stack) existingRefNames() (map[string]bool, error) {
	it, err := s.mergedIteratorLocked(BlockTypeRef)
	if err != nil {
		return nil, err
	}
	names := map[string]bool{}
	for {
		rec, err := it.Next()
		if err != nil {
			return nil, err
		}
		if rec == nil {
			break
		}
		names[rec.(*RefRecord).RefName] = true
	}
	return names, nil
}

// Addition is one in-flight transaction against a Stack: a single new table
// accumulating ref and log records, published atomically on Commit (§6,
// "stack_new_addition"/"addition_add"/"addition_commit").
type Addition struct {
	stack       *Stack
	lock        *fileLock
	tw          *TableWriter
	updateIndex uint64
	stagedRefs  map[string]bool
	existing    map[string]bool
	done        bool
}

// NewAddition locks the stack for writing and reloads it so the addition
// is based on the most recent committed state (read-your-writes, §6).
func (s *Stack) NewAddition() (*Addition, error) {
	lock, err := acquireLock(s.manifestPath())
	if err != nil {
		return nil, err
	}
	if err := s.reloadLocked(); err != nil {
		_ = lock.Abort()
		return nil, err
	}

	s.mu.RLock()
	ui := s.nextUpdateIndex
	s.mu.RUnlock()

	existing, err := s.existingRefNames()
	if err != nil {
		_ = lock.Abort()
		return nil, err
	}

	tw, err := NewTableWriter(s.hashSize, s.opts.BlockSize, s.opts.RestartInterval)
	if err != nil {
		_ = lock.Abort()
		return nil, err
	}
	tw.SetLimits(ui, ui)

	return &Addition{
		stack:       s,
		lock:        lock,
		tw:          tw,
		updateIndex: ui,
		stagedRefs:  map[string]bool{},
		existing:    existing,
	}, nil
}

// UpdateIndex is the logical update-index this addition will commit at.
func (a *Addition) UpdateIndex() uint64 { return a.updateIndex }

// AddRef stages a ref record. A zero UpdateIndex is filled in with the
// addition's update-index (§3.4.3). Refname syntax and the hierarchy
// invariant (§3.4.4) are checked against both the stack's current contents
// and everything already staged in this addition.
func (a *Addition) AddRef(rec *RefRecord) error {
	if a.done {
		return NewErrAPIMisuse("addition already closed")
	}
	if err := ValidateRefname(rec.RefName); err != nil {
		return err
	}
	for name := range a.existing {
		if name == rec.RefName {
			continue
		}
		if isRefnamePrefix(name, rec.RefName) || isRefnamePrefix(rec.RefName, name) {
			return &ErrNameConflict{Existing: name, New: rec.RefName}
		}
	}
	for name := range a.stagedRefs {
		if name == rec.RefName {
			continue
		}
		if isRefnamePrefix(name, rec.RefName) || isRefnamePrefix(rec.RefName, name) {
			return &ErrNameConflict{Existing: name, New: rec.RefName}
		}
	}
	if rec.UpdateIndex == 0 {
		rec.UpdateIndex = a.updateIndex
	}
	a.stagedRefs[rec.RefName] = true
	return a.tw.AddRef(rec)
}

// AddLog stages a reflog record, defaulting UpdateIndex like AddRef.
func (a *Addition) AddLog(rec *LogRecord) error {
	if a.done {
		return NewErrAPIMisuse("addition already closed")
	}
	if rec.UpdateIndex == 0 {
		rec.UpdateIndex = a.updateIndex
	}
	return a.tw.AddLog(rec)
}

// Commit finalizes the new table, writes it to disk, and atomically
// republishes the manifest to include it (§6). The stack is reloaded
// afterward so the caller's own next read observes the write.
func (a *Addition) Commit() (err error) {
	if a.done {
		return NewErrAPIMisuse("addition already closed")
	}
	a.done = true
	defer func() {
		if err != nil {
			_ = a.lock.Abort()
		}
	}()

	data, err := a.tw.Finish()
	if err != nil {
		return err
	}
	sfx, err := randomSuffix()
	if err != nil {
		return err
	}
	name := Name{MaxUpdateIndex: a.updateIndex, Suffix: sfx}
	tablePath := filepath.Join(a.stack.dir, name.String())
	if err := os.WriteFile(tablePath, data, 0644); err != nil {
		return fmt.Errorf("reftable: write table %s: %w", tablePath, err)
	}

	a.stack.mu.RLock()
	newNames := append(append([]Name(nil), a.stack.names...), name)
	a.stack.mu.RUnlock()

	if err := a.lock.Write([]byte(renderManifest(newNames))); err != nil {
		_ = os.Remove(tablePath)
		return err
	}
	if err := a.lock.Commit(); err != nil {
		_ = os.Remove(tablePath)
		return err
	}
	a.stack.log.WithFields(logrus.Fields{"table": name.String(), "update_index": a.updateIndex}).Debug("reftable: committed addition")
	if err := a.stack.reload(); err != nil {
		return err
	}
	if !a.stack.opts.DisableAutoCompact {
		if err := a.stack.AutoCompact(); err != nil {
			a.stack.log.WithError(err).Warn("reftable: auto-compact failed")
		}
	}
	return nil
}

// Close aborts the addition if Commit was never called, releasing
// manifest.lock.
func (a *Addition) Close() error {
	if a.done {
		return nil
	}
	a.done = true
	return a.lock.Abort()
}

// CompactAll merges every table in the stack into a single new table,
// keeping only the newest live value for each key and dropping tombstones
// that no older table could still be shadowing (§4.7, §9).
func (s *Stack) CompactAll() error {
	return s.compactRange(0, -1)
}

// AutoCompact folds adjacent tables together using a geometric size policy:
// scanning from the newest table backward, it merges the run of tables
// chosen by pickAutoCompactRange, where each older table is added while its
// size is at most CompactionFactor times the run's combined size, keeping
// amortized compaction cost low the way an LSM tree's levels do (§4.7, §9).
func (s *Stack) AutoCompact() error {
	s.mu.RLock()
	n := len(s.tables)
	sizes := make([]int64, n)
	for i, t := range s.tables {
		sizes[i] = t.src.Size()
	}
	s.mu.RUnlock()

	first := pickAutoCompactRange(sizes, s.opts.CompactionFactor)
	if first < 0 {
		return nil
	}
	return s.compactRange(first, n-1)
}

// pickAutoCompactRange finds the smallest suffix of sizes (oldest-to-newest
// order) whose tables should be merged: starting from the newest table and
// walking backward, it keeps extending the run while the next table's size
// is within a factor of CompactionFactor of the running total, mirroring
// how an LSM tree only compacts a level once its neighbor is comparably
// sized (§9). Returns -1 when nothing qualifies.
func pickAutoCompactRange(sizes []int64, factor int) int {
	if len(sizes) < 2 {
		return -1
	}
	total := sizes[len(sizes)-1]
	start := len(sizes) - 1
	for i := len(sizes) - 2; i >= 0; i-- {
		if sizes[i] > total*int64(factor) {
			break
		}
		total += sizes[i]
		start = i
	}
	if start == len(sizes)-1 {
		return -1
	}
	return start
}

// compactRange merges tables [first,last] (inclusive, last == -1 means "to
// the end") into one new table, then republishes the manifest. It takes the
// manifest lock itself, so it must not be called while an Addition is open
// on the same stack from the same goroutine.
func (s *Stack) compactRange(first, last int) (err error) {
	lock, err := acquireLock(s.manifestPath())
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = lock.Abort()
		}
	}()
	if err := s.reloadLocked(); err != nil {
		return err
	}

	s.mu.RLock()
	tables := append([]*Table(nil), s.tables...)
	names := append([]Name(nil), s.names...)
	s.mu.RUnlock()

	if last < 0 || last >= len(tables) {
		last = len(tables) - 1
	}
	if first >= last {
		return lock.Abort()
	}

	// Tombstones can only be dropped once there is no older table left to
	// shadow: compacting a suffix of the stack must keep its deletion
	// records, or an untouched older table's value would wrongly reappear.
	dropTombstones := first == 0
	merged, err := compactTables(tables[first:last+1], s.hashSize, s.opts, dropTombstones)
	if err != nil {
		return err
	}

	sfx, err := randomSuffix()
	if err != nil {
		return err
	}
	name := Name{
		MaxUpdateIndex: tables[last].MaxUpdateIndex(),
		Suffix:         sfx,
	}
	tablePath := filepath.Join(s.dir, name.String())
	if err := os.WriteFile(tablePath, merged, 0644); err != nil {
		return fmt.Errorf("reftable: write compacted table %s: %w", tablePath, err)
	}

	newNames := append(append(append([]Name(nil), names[:first]...), name), names[last+1:]...)
	if err := lock.Write([]byte(renderManifest(newNames))); err != nil {
		_ = os.Remove(tablePath)
		return err
	}
	if err := lock.Commit(); err != nil {
		_ = os.Remove(tablePath)
		return err
	}

	s.log.WithFields(logrus.Fields{"table": name.String(), "merged": last - first + 1}).Debug("reftable: compacted tables")
	if err := s.reload(); err != nil {
		return err
	}
	return s.removeUnlisted(names[first : last+1])
}

// removeUnlisted deletes table files superseded by a compaction. It is
// best-effort: a failure to unlink an orphaned table leaves stray but
// harmless data for Clean to pick up later.
func (s *Stack) removeUnlisted(superseded []Name) error {
	s.mu.RLock()
	live := make(map[string]bool, len(s.names))
	for _, n := range s.names {
		live[n.String()] = true
	}
	s.mu.RUnlock()

	for _, n := range superseded {
		if live[n.String()] {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, n.String())); err != nil && !os.IsNotExist(err) {
			s.log.WithError(err).WithField("table", n.String()).Warn("reftable: failed to remove superseded table")
		}
	}
	return nil
}

// compactTables merges the ref and log sections of tables into one new
// table's bytes. The lowest-index (oldest) input is tables[0]; ties resolve
// toward the newest (last) input, matching the merged iterator's rule.
// dropTombstones must only be true when tables[0] is the oldest table in
// the whole stack: otherwise an untouched older table's value could
// reappear once the tombstone that was shadowing it is gone.
func compactTables(tables []*Table, hashSize int, opts StackOptions, dropTombstones bool) ([]byte, error) {
	tw, err := NewTableWriter(hashSize, opts.BlockSize, opts.RestartInterval)
	if err != nil {
		return nil, err
	}
	min, max := tables[0].MinUpdateIndex(), tables[0].MaxUpdateIndex()
	for _, t := range tables[1:] {
		if t.MinUpdateIndex() < min {
			min = t.MinUpdateIndex()
		}
		if t.MaxUpdateIndex() > max {
			max = t.MaxUpdateIndex()
		}
	}
	tw.SetLimits(min, max)

	refIters := make([]*tableIter, len(tables))
	for i, t := range tables {
		it, err := t.RefIterator()
		if err != nil {
			return nil, err
		}
		refIters[i] = it
	}
	refMerged, err := newMergedIterator(refIters)
	if err != nil {
		return nil, err
	}
	var lastKey []byte
	for {
		rec, err := refMerged.NextIncludeTombstones()
		if err != nil {
			return nil, err
		}
		if rec == nil {
			break
		}
		if lastKey != nil && bytesCompare(rec.Key(), lastKey) == 0 {
			continue // an older table's value or tombstone for the same key, already shadowed
		}
		lastKey = append(lastKey[:0], rec.Key()...)
		if dropTombstones && rec.IsDeletion() {
			continue
		}
		if err := tw.AddRef(rec.(*RefRecord)); err != nil {
			return nil, fmt.Errorf("compact: %w", err)
		}
	}

	logIters := make([]*tableIter, len(tables))
	for i, t := range tables {
		it, err := t.LogIterator()
		if err != nil {
			return nil, err
		}
		logIters[i] = it
	}
	logMerged, err := newMergedIterator(logIters)
	if err != nil {
		return nil, err
	}
	for {
		rec, err := logMerged.Next()
		if err != nil {
			return nil, err
		}
		if rec == nil {
			break
		}
		if err := tw.AddLog(rec.(*LogRecord)); err != nil {
			return nil, fmt.Errorf("compact: %w", err)
		}
	}

	return tw.Finish()
}

// Clean removes table files on disk that the current manifest does not
// reference — leftovers from a writer that crashed between writing a table
// and publishing the manifest (§6).
func (s *Stack) Clean() error {
	s.mu.RLock()
	live := make(map[string]bool, len(s.names))
	for _, n := range s.names {
		live[n.String()] = true
	}
	s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("reftable: list stack dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == manifestFileName || name == optionsFileName || strings.HasSuffix(name, ".lock") {
			continue
		}
		if _, err := ParseName(name); err != nil {
			continue // not a table file, leave it alone
		}
		if live[name] {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
