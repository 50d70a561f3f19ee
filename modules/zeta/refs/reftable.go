// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package refs

import (
	"os"
	"path/filepath"
	"time"

	"github.com/antgroup/hugescm/modules/git/reftable"
	"github.com/antgroup/hugescm/modules/plumbing"
	"github.com/sirupsen/logrus"
)

// reftableDirName is the subdirectory a repository keeps its reftable stack
// in, mirroring how the loose-file backend keeps refs/ and packed-refs
// alongside the rest of the repository's metadata.
const reftableDirName = "reftable"

type reftableBackend struct {
	stack *reftable.Stack
}

// NewReftableBackend opens (creating if necessary) the reftable-format
// reference store rooted at repoPath/reftable. It is an alternative to
// NewBackend's loose files plus packed-refs; nothing in this package picks
// between the two, the caller does.
func NewReftableBackend(repoPath string) (Backend, error) {
	dir := filepath.Join(repoPath, reftableDirName)
	stack, err := reftable.StackOpen(dir, reftable.HashSHA256, &reftable.StackOpenOptions{
		Logger:      logrus.StandardLogger(),
		EnableCache: true,
	})
	if err != nil {
		return nil, err
	}
	return &reftableBackend{stack: stack}, nil
}

func referenceFromRecord(rec *reftable.RefRecord) *plumbing.Reference {
	switch rec.Value {
	case reftable.RefValueSymref:
		return plumbing.NewSymbolicReference(plumbing.ReferenceName(rec.RefName), plumbing.ReferenceName(rec.Target))
	case reftable.RefValueVal1, reftable.RefValueVal2:
		return plumbing.NewHashReference(plumbing.ReferenceName(rec.RefName), plumbing.Hash(rec.Hash))
	default:
		return nil
	}
}

func recordFromReference(r *plumbing.Reference, updateIndex uint64) *reftable.RefRecord {
	rec := &reftable.RefRecord{RefName: r.Name().String(), UpdateIndex: updateIndex}
	switch r.Type() {
	case plumbing.SymbolicReference:
		rec.Value = reftable.RefValueSymref
		rec.Target = r.Target().String()
	case plumbing.HashReference:
		h := r.Hash()
		rec.Value = reftable.RefValueVal1
		rec.Hash = append([]byte(nil), h[:]...)
	}
	return rec
}

func (b *reftableBackend) HEAD() (*plumbing.Reference, error) {
	return b.Reference(plumbing.ReferenceName("HEAD"))
}

func (b *reftableBackend) References() (*DB, error) {
	db := &DB{cache: make(map[plumbing.ReferenceName]*plumbing.Reference), references: make([]*plumbing.Reference, 0, 100)}
	it, err := b.stack.NewRefIterator()
	if err != nil {
		return nil, err
	}
	for {
		rec, err := it.Next()
		if err != nil {
			return nil, err
		}
		if rec == nil {
			break
		}
		refRec := rec.(*reftable.RefRecord)
		if refRec.RefName == "HEAD" {
			continue
		}
		ref := referenceFromRecord(refRec)
		if ref == nil {
			continue
		}
		db.references = append(db.references, ref)
		db.cache[ref.Name()] = ref
	}
	db.head, err = b.HEAD()
	if err != nil {
		return nil, err
	}
	return db, nil
}

func (b *reftableBackend) Reference(name plumbing.ReferenceName) (*plumbing.Reference, error) {
	rec, err := b.stack.ReadRef(name.String())
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, plumbing.ErrReferenceNotFound
	}
	ref := referenceFromRecord(rec)
	if ref == nil {
		return nil, plumbing.ErrReferenceNotFound
	}
	return ref, nil
}

func (b *reftableBackend) ReferencePrefixMatch(prefix plumbing.ReferenceName) (*plumbing.Reference, error) {
	it, err := b.stack.NewRefIterator()
	if err != nil {
		return nil, err
	}
	want := prefix.String()
	for {
		rec, err := it.Next()
		if err != nil {
			return nil, err
		}
		if rec == nil {
			break
		}
		refRec := rec.(*reftable.RefRecord)
		if !prefixMatch(refRec.RefName, want) {
			continue
		}
		ref := referenceFromRecord(refRec)
		if ref == nil {
			continue
		}
		return ref, nil
	}
	return nil, plumbing.ErrReferenceNotFound
}

func (b *reftableBackend) checkReference(old *plumbing.Reference) error {
	if old == nil {
		return nil
	}
	ref, err := b.Reference(old.Name())
	if err != nil {
		return err
	}
	if ref.Hash() != old.Hash() {
		return ErrReferenceHasChanged
	}
	return nil
}

func (b *reftableBackend) ReferenceUpdate(r, old *plumbing.Reference) error {
	addition, err := b.stack.NewAddition()
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = addition.Close()
		}
	}()

	if err := b.checkReference(old); err != nil {
		return err
	}

	rec := recordFromReference(r, addition.UpdateIndex())
	if err := addition.AddRef(rec); err != nil {
		return err
	}
	if r.Type() == plumbing.HashReference {
		if err := addition.AddLog(logRecordFor(r, old, addition.UpdateIndex())); err != nil {
			return err
		}
	}
	if err := addition.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *reftableBackend) ReferenceRemove(r *plumbing.Reference) error {
	addition, err := b.stack.NewAddition()
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = addition.Close()
		}
	}()

	rec := &reftable.RefRecord{RefName: r.Name().String(), UpdateIndex: addition.UpdateIndex(), Value: reftable.RefValueDeletion}
	if err := addition.AddRef(rec); err != nil {
		return err
	}
	if r.Type() == plumbing.HashReference {
		if err := addition.AddLog(logRecordFor(nil, r, addition.UpdateIndex())); err != nil {
			return err
		}
	}
	if err := addition.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// logRecordFor builds the reflog entry for a hash reference transitioning
// from old to neu (neu is nil for a deletion). Author identity isn't
// threaded through the Backend interface, so entries are attributed to the
// process performing the update, the same fallback git itself uses when
// GIT_COMMITTER_* is unset.
func logRecordFor(neu, old *plumbing.Reference, updateIndex uint64) *reftable.LogRecord {
	name := ""
	if neu != nil {
		name = neu.Name().String()
	} else if old != nil {
		name = old.Name().String()
	}
	rec := &reftable.LogRecord{
		RefName:     name,
		UpdateIndex: updateIndex,
		Value:       reftable.LogValueUpdate,
		OldHash:     make([]byte, reftable.HashSHA256),
		NewHash:     make([]byte, reftable.HashSHA256),
		Name:        committerName(),
		Time:        uint64(time.Now().Unix()),
	}
	if old != nil && old.Type() == plumbing.HashReference {
		h := old.Hash()
		rec.OldHash = append([]byte(nil), h[:]...)
	}
	if neu != nil {
		h := neu.Hash()
		rec.NewHash = append([]byte(nil), h[:]...)
	} else {
		rec.Value = reftable.LogValueDeletion
	}
	return rec
}

func committerName() string {
	if u, err := os.Hostname(); err == nil {
		return u
	}
	return "unknown"
}

func (b *reftableBackend) Packed() error {
	return b.stack.CompactAll()
}
