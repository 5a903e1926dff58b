// Package backend is the authoritative side of a collaborating document:
// it ingests change batches from local and remote actors, reconciles them
// through the op set, and produces incremental patches for a front end.
//
// Backends are linear handles. Every mutating operation freezes the input
// container and returns a new one, so a stale snapshot can never be used
// as if it were current.
package backend

import (
	"fmt"

	"github.com/kevinxiao27/automerge-backend/codec"
	"github.com/kevinxiao27/automerge-backend/opset"
)

// StrictMode enables the structural assertion against a caller-supplied
// canonical change in ApplyLocalChange. Tests switch it on; production
// callers normally leave it off.
var StrictMode = false

// Patch tells a front end how the materialized document changed. Actor
// and Seq are set only on patches produced by ApplyLocalChange.
type Patch struct {
	Version uint64            `json:"version"`
	Clock   map[string]uint64 `json:"clock"`
	Deps    []string          `json:"deps"`
	MaxOp   uint64            `json:"maxOp"`
	Diffs   *opset.Diff       `json:"diffs"`
	Actor   string            `json:"actor,omitempty"`
	Seq     uint64            `json:"seq,omitempty"`
}

type versionEntry struct {
	version   uint64
	localOnly bool
	opSet     *opset.OpSet
}

// Backend holds the current op set, the registry of versions a front end
// may still author against, and the temporary-ID translation table.
type Backend struct {
	opSet     *opset.OpSet
	versions  []*versionEntry
	objectIDs map[string]string
	frozen    bool
}

// Init returns a backend over an empty document, at version 0.
func Init() *Backend {
	s := opset.New()
	return &Backend{
		opSet:     s,
		versions:  []*versionEntry{{version: 0, localOnly: true, opSet: s.Clone()}},
		objectIDs: make(map[string]string),
	}
}

// state is the freeze-guarded accessor every public operation goes
// through.
func (b *Backend) state() (*opset.OpSet, error) {
	if b.frozen || b.opSet == nil {
		return nil, ErrStaleBackend
	}
	return b.opSet, nil
}

// fork freezes b and returns its successor. The successor owns the state;
// the frozen container can no longer reach it.
func (b *Backend) fork() *Backend {
	next := &Backend{opSet: b.opSet, versions: b.versions, objectIDs: b.objectIDs}
	b.frozen = true
	return next
}

// Clone returns an independent backend over the same state. The original
// stays usable.
func Clone(b *Backend) (*Backend, error) {
	s, err := b.state()
	if err != nil {
		return nil, err
	}
	versions := make([]*versionEntry, len(b.versions))
	for i, v := range b.versions {
		versions[i] = &versionEntry{version: v.version, localOnly: v.localOnly, opSet: v.opSet.Clone()}
	}
	objectIDs := make(map[string]string, len(b.objectIDs))
	for k, v := range b.objectIDs {
		objectIDs[k] = v
	}
	return &Backend{opSet: s.Clone(), versions: versions, objectIDs: objectIDs}, nil
}

// Free drops the state and freezes the container.
func Free(b *Backend) {
	b.opSet = nil
	b.versions = nil
	b.objectIDs = nil
	b.frozen = true
}

// ApplyChanges applies remote binary changes and returns the successor
// backend and the incremental patch. Changes whose dependencies have not
// arrived are buffered, not failed.
func ApplyChanges(b *Backend, bins [][]byte) (*Backend, *Patch, error) {
	s, err := b.state()
	if err != nil {
		return nil, nil, err
	}
	changes, err := codec.DecodeChanges(bins)
	if err != nil {
		return nil, nil, err
	}
	next := b.fork()
	diffs := opset.NewPending()
	for _, c := range changes {
		if err := s.AddChange(c, diffs); err != nil {
			return nil, nil, err
		}
	}

	// Any remote activity invalidates the front end's assumption that the
	// registry entries have seen everything; their opSets stay as they
	// were so a lagging author still gets the old frontier.
	for _, v := range next.versions {
		v.localOnly = false
	}
	version := next.versions[len(next.versions)-1].version + 1
	next.versions = append(next.versions, &versionEntry{version: version, localOnly: false, opSet: s.Clone()})

	return next, next.makePatch(s, diffs, version), nil
}

// ApplyLocalChange turns a front-end change request into a canonical
// change, applies it, and returns the successor backend plus a patch
// annotated with the request's actor and seq. The optional canonical
// argument is checked against the processed change in StrictMode.
func ApplyLocalChange(b *Backend, req *Request, canonical *opset.Change) (*Backend, *Patch, error) {
	s, err := b.state()
	if err != nil {
		return nil, nil, err
	}
	if err := req.validate(); err != nil {
		return nil, nil, err
	}
	if s.Clock()[req.Actor] >= req.Seq {
		return nil, nil, fmt.Errorf("%w: %s seq %d", ErrAlreadyApplied, req.Actor, req.Seq)
	}
	var entry *versionEntry
	for _, v := range b.versions {
		if v.version == req.Version {
			entry = v
			break
		}
	}
	if entry == nil {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownVersion, req.Version)
	}

	next := b.fork()
	change, err := processRequest(entry.opSet, next.objectIDs, req)
	if err != nil {
		return nil, nil, err
	}
	fillPreds(entry.opSet, change)
	if canonical != nil && StrictMode {
		if err := verifyCanonical(change, canonical); err != nil {
			return nil, nil, err
		}
	}
	if _, err := codec.EncodeChange(change); err != nil {
		return nil, nil, err
	}

	diffs := opset.NewPending()
	if err := s.AddLocalChange(change, diffs); err != nil {
		return nil, nil, err
	}

	version := next.versions[len(next.versions)-1].version + 1
	kept := next.versions[:0:0]
	for _, v := range next.versions {
		if v.version < req.Version {
			continue
		}
		if v.localOnly {
			// In sync with the current state: swap in the new op set.
			v.opSet = s.Clone()
		} else {
			// The front end has not seen the remote changes this entry
			// predates; merge only the new local change into its history.
			if err := v.opSet.AddLocalChange(change, nil); err != nil {
				return nil, nil, err
			}
		}
		kept = append(kept, v)
	}
	next.versions = append(kept, &versionEntry{version: version, localOnly: true, opSet: s.Clone()})

	patch := next.makePatch(s, diffs, version)
	patch.Actor = req.Actor
	patch.Seq = req.Seq
	return next, patch, nil
}

// Save serializes the whole document as one binary blob.
func Save(b *Backend) ([]byte, error) {
	s, err := b.state()
	if err != nil {
		return nil, err
	}
	return codec.EncodeDocument(s.History())
}

// Load rebuilds a backend from a saved document.
func Load(data []byte) (*Backend, error) {
	chunks, err := codec.DecodeDocument(data)
	if err != nil {
		return nil, err
	}
	return LoadChanges(Init(), chunks)
}

// LoadChanges applies binary changes without producing a patch, resetting
// the version registry to a single entry over the loaded state.
func LoadChanges(b *Backend, bins [][]byte) (*Backend, error) {
	s, err := b.state()
	if err != nil {
		return nil, err
	}
	changes, err := codec.DecodeChanges(bins)
	if err != nil {
		return nil, err
	}
	next := b.fork()
	for _, c := range changes {
		if err := s.AddChange(c, nil); err != nil {
			return nil, err
		}
	}
	next.versions = []*versionEntry{{version: 0, localOnly: false, opSet: s.Clone()}}
	return next, nil
}

// GetPatch rebuilds the whole document as a patch, by way of the saved
// form: save, decode, replay.
func GetPatch(b *Backend) (*Patch, error) {
	if _, err := b.state(); err != nil {
		return nil, err
	}
	data, err := Save(b)
	if err != nil {
		return nil, err
	}
	return constructPatch(data, b.versions[len(b.versions)-1].version)
}

// constructPatch replays a saved document into a fresh op set and renders
// the full diff tree.
func constructPatch(data []byte, version uint64) (*Patch, error) {
	chunks, err := codec.DecodeDocument(data)
	if err != nil {
		return nil, err
	}
	changes, err := codec.DecodeChanges(chunks)
	if err != nil {
		return nil, err
	}
	s := opset.New()
	for _, c := range changes {
		if err := s.AddChange(c, nil); err != nil {
			return nil, err
		}
	}
	return &Patch{
		Version: version,
		Clock:   s.Clock(),
		Deps:    s.Deps(),
		MaxOp:   s.MaxOp(),
		Diffs:   s.FullDiff(),
	}, nil
}

// GetChanges returns every change not reachable from haveDeps, encoded,
// in an order where each change follows its dependencies.
func GetChanges(b *Backend, haveDeps []string) ([][]byte, error) {
	s, err := b.state()
	if err != nil {
		return nil, err
	}
	out := [][]byte{}
	for _, c := range s.GetMissingChanges(haveDeps) {
		bin, err := codec.EncodeChange(c)
		if err != nil {
			return nil, err
		}
		out = append(out, bin)
	}
	return out, nil
}

// GetMissingDeps returns the hashes that queued changes are waiting for.
func GetMissingDeps(b *Backend) ([]string, error) {
	s, err := b.state()
	if err != nil {
		return nil, err
	}
	return s.GetMissingDeps(), nil
}

func (b *Backend) makePatch(s *opset.OpSet, diffs *opset.Pending, version uint64) *Patch {
	return &Patch{
		Version: version,
		Clock:   s.Clock(),
		Deps:    s.Deps(),
		MaxOp:   s.MaxOp(),
		Diffs:   s.FinalizePatch(diffs),
	}
}
