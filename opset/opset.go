package opset

import (
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/kevinxiao27/automerge-backend/skiplist"
	"github.com/kevinxiao27/automerge-backend/util"
)

// FieldOp is one surviving assignment at an (object, key) slot. Value
// starts as the op's value and absorbs later counter increments, so the
// op itself stays immutable and shareable between op sets.
type FieldOp struct {
	ID    OpID
	Op    *Op
	Value any
}

// ChildID returns the object the field references, or "" for scalars.
func (f *FieldOp) ChildID() string {
	switch {
	case f.Op.Action.IsMake():
		return f.ID.String()
	case f.Op.Action == Link:
		return f.Op.Child
	default:
		return ""
	}
}

type objInfo struct {
	objType   string
	parentObj string
	elemIDs   *skiplist.SkipList[*Op]       // sequences only
	fields    map[string][]*FieldOp         // key -> winners, Lamport-descending
}

func (o *objInfo) isSeq() bool {
	return o.elemIDs != nil
}

// OpSet is the causal history of a document: every applied change indexed
// by hash, actor and object, the dependency frontier, and a queue of
// changes whose dependencies have not arrived yet.
type OpSet struct {
	byObject map[string]*objInfo
	states   map[string][]*Change
	history  []*Change
	byHash   map[string]*Change
	deps     mapset.Set[string]
	maxOp    uint64
	queue    []*Change
}

func New() *OpSet {
	return &OpSet{
		byObject: map[string]*objInfo{
			Root: {objType: "map", fields: map[string][]*FieldOp{}},
		},
		states: make(map[string][]*Change),
		byHash: make(map[string]*Change),
		deps:   mapset.NewSet[string](),
	}
}

// Clone returns an independent deep copy. Changes themselves are immutable
// once applied and are shared between the copies.
func (s *OpSet) Clone() *OpSet {
	c := &OpSet{
		byObject: make(map[string]*objInfo, len(s.byObject)),
		states:   make(map[string][]*Change, len(s.states)),
		history:  append([]*Change(nil), s.history...),
		byHash:   make(map[string]*Change, len(s.byHash)),
		deps:     s.deps.Clone(),
		maxOp:    s.maxOp,
		queue:    append([]*Change(nil), s.queue...),
	}
	for id, o := range s.byObject {
		oc := &objInfo{
			objType:   o.objType,
			parentObj: o.parentObj,
			fields:    make(map[string][]*FieldOp, len(o.fields)),
		}
		if o.elemIDs != nil {
			oc.elemIDs = o.elemIDs.Clone()
		}
		for k, fs := range o.fields {
			fsc := make([]*FieldOp, len(fs))
			for i, f := range fs {
				cp := *f
				fsc[i] = &cp
			}
			oc.fields[k] = fsc
		}
		c.byObject[id] = oc
	}
	for actor, changes := range s.states {
		c.states[actor] = append([]*Change(nil), changes...)
	}
	for h, ch := range s.byHash {
		c.byHash[h] = ch
	}
	return c
}

// ready reports whether every dependency hash is applied and the change is
// the next one expected from its actor.
func (s *OpSet) ready(c *Change) bool {
	for _, d := range c.Deps {
		if _, ok := s.byHash[d]; !ok {
			return false
		}
	}
	return c.Seq == uint64(len(s.states[c.Actor]))+1
}

// AddChange applies the change, or buffers it when its dependencies are
// not satisfied yet. Duplicates (by hash, or by an actor sequence number
// already covered) are ignored. Applying a change can unblock queued
// changes, which are applied transitively.
func (s *OpSet) AddChange(c *Change, diffs *Pending) error {
	if c.Hash == "" {
		return fmt.Errorf("change %s/%d has no hash", c.Actor, c.Seq)
	}
	if _, ok := s.byHash[c.Hash]; ok {
		return nil
	}
	if c.Seq <= uint64(len(s.states[c.Actor])) {
		return nil
	}
	if !s.ready(c) {
		for _, q := range s.queue {
			if q.Hash == c.Hash {
				return nil
			}
		}
		s.queue = append(s.queue, c)
		return nil
	}
	if err := s.applyChange(c, diffs); err != nil {
		return err
	}
	return s.drainQueue(diffs)
}

// AddLocalChange is AddChange for a change authored on this backend. The
// caller annotates the resulting patch with the actor and seq; the op set
// treats the change like any other.
func (s *OpSet) AddLocalChange(c *Change, diffs *Pending) error {
	return s.AddChange(c, diffs)
}

// drainQueue re-scans the queue after every successful apply. A full
// re-scan is fine here; queues stay short in practice.
func (s *OpSet) drainQueue(diffs *Pending) error {
	progress := true
	for progress {
		progress = false
		remaining := s.queue[:0:0]
		for _, c := range s.queue {
			switch {
			case s.byHash[c.Hash] != nil || c.Seq <= uint64(len(s.states[c.Actor])):
				progress = true
			case s.ready(c):
				if err := s.applyChange(c, diffs); err != nil {
					return err
				}
				progress = true
			default:
				remaining = append(remaining, c)
			}
		}
		s.queue = remaining
	}
	return nil
}

func (s *OpSet) applyChange(c *Change, diffs *Pending) error {
	if err := s.applyOps(c, diffs); err != nil {
		return err
	}
	s.history = append(s.history, c)
	s.byHash[c.Hash] = c
	s.states[c.Actor] = append(s.states[c.Actor], c)
	for _, d := range c.Deps {
		s.deps.Remove(d)
	}
	s.deps.Add(c.Hash)
	if m := c.MaxOp(); m > s.maxOp {
		s.maxOp = m
	}
	return nil
}

func (s *OpSet) applyOps(c *Change, diffs *Pending) error {
	for i := range c.Ops {
		op := &c.Ops[i]
		opID := c.OpIDAt(i)

		if op.Action.IsMake() {
			child := &objInfo{
				objType:   op.Action.ObjType(),
				parentObj: op.Obj,
				fields:    map[string][]*FieldOp{},
			}
			if op.Action == MakeList || op.Action == MakeText {
				child.elemIDs = skiplist.New[*Op]()
			}
			s.byObject[opID.String()] = child
		}

		obj, ok := s.byObject[op.Obj]
		if !ok {
			return fmt.Errorf("op %s targets unknown object %s", opID, op.Obj)
		}

		key := op.Key
		if op.Insert {
			if !obj.isSeq() {
				return fmt.Errorf("op %s inserts into non-sequence object %s", opID, op.Obj)
			}
			elem := opID.String()
			pred := op.Key
			if pred == HeadElem {
				pred = skiplist.Head
			}
			// Concurrent inserts after the same predecessor converge by
			// skipping over siblings with a greater element ID.
			for {
				next, ok := nextElem(obj.elemIDs, pred)
				if !ok || LamportLess(next, elem) {
					break
				}
				pred = next
			}
			if err := obj.elemIDs.InsertAfter(pred, elem, op); err != nil {
				return fmt.Errorf("op %s: %w", opID, err)
			}
			key = elem
			diffs.edit(op.Obj, Edit{Action: "insert", Index: obj.elemIDs.IndexOf(elem), ElemID: elem})
		}

		if err := s.applyAssignment(op.Obj, obj, key, op, opID, diffs); err != nil {
			return err
		}
	}
	return nil
}

func (s *OpSet) applyAssignment(objID string, obj *objInfo, key string, op *Op, opID OpID, diffs *Pending) error {
	if op.Action == Inc {
		preds := mapset.NewSet(op.Pred...)
		for _, f := range obj.fields[key] {
			if preds.Contains(f.ID.String()) {
				f.Value = AddValues(f.Value, op.Value)
			}
		}
		diffs.touch(objID, key)
		return nil
	}

	preds := mapset.NewSet(op.Pred...)
	remaining := util.Filter(obj.fields[key], func(f *FieldOp) bool {
		return !preds.Contains(f.ID.String())
	})
	if op.Action != Del {
		f := &FieldOp{ID: opID, Op: op, Value: normalizeValue(op.Value)}
		pos := len(remaining)
		for i, r := range remaining {
			if r.ID.Cmp(opID) < 0 {
				pos = i
				break
			}
		}
		remaining = append(remaining[:pos], append([]*FieldOp{f}, remaining[pos:]...)...)
		if child := f.ChildID(); child != "" {
			if co, ok := s.byObject[child]; ok {
				co.parentObj = objID
			}
		}
	}

	if len(remaining) == 0 {
		delete(obj.fields, key)
		if obj.isSeq() && obj.elemIDs.Contains(key) {
			idx := obj.elemIDs.IndexOf(key)
			if err := obj.elemIDs.RemoveKey(key); err != nil {
				return fmt.Errorf("op %s: %w", opID, err)
			}
			diffs.edit(objID, Edit{Action: "remove", Index: idx})
			return nil
		}
	} else {
		obj.fields[key] = remaining
	}
	diffs.touch(objID, key)
	return nil
}

// GetFieldOps returns the surviving ops at (obj, key), greatest op ID
// first. More than one entry means concurrent conflicting assignments.
func (s *OpSet) GetFieldOps(objID, key string) []*FieldOp {
	obj, ok := s.byObject[objID]
	if !ok {
		return nil
	}
	return append([]*FieldOp(nil), obj.fields[key]...)
}

// transitiveDeps expands a set of change hashes to everything reachable
// through dependency pointers, ignoring hashes we have never seen.
func (s *OpSet) transitiveDeps(have []string) mapset.Set[string] {
	reachable := mapset.NewSet[string]()
	stack := append([]string(nil), have...)
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable.Contains(h) {
			continue
		}
		c, ok := s.byHash[h]
		if !ok {
			continue
		}
		reachable.Add(h)
		stack = append(stack, c.Deps...)
	}
	return reachable
}

// GetMissingChanges returns every applied change not reachable from
// haveDeps, in application order, which is a valid topological order.
func (s *OpSet) GetMissingChanges(haveDeps []string) []*Change {
	reachable := s.transitiveDeps(haveDeps)
	return util.Filter(s.history, func(c *Change) bool {
		return !reachable.Contains(c.Hash)
	})
}

// GetMissingDeps returns the hashes referenced by queued changes that are
// neither applied nor themselves queued.
func (s *OpSet) GetMissingDeps() []string {
	queued := mapset.NewSet[string]()
	for _, c := range s.queue {
		queued.Add(c.Hash)
	}
	missing := mapset.NewSet[string]()
	for _, c := range s.queue {
		for _, d := range c.Deps {
			if _, ok := s.byHash[d]; !ok && !queued.Contains(d) {
				missing.Add(d)
			}
		}
	}
	out := missing.ToSlice()
	sort.Strings(out)
	return out
}

// Deps returns the sorted dependency frontier.
func (s *OpSet) Deps() []string {
	out := s.deps.ToSlice()
	sort.Strings(out)
	return out
}

// Clock returns the number of applied changes per actor.
func (s *OpSet) Clock() map[string]uint64 {
	clock := make(map[string]uint64, len(s.states))
	for actor, changes := range s.states {
		clock[actor] = uint64(len(changes))
	}
	return clock
}

func (s *OpSet) MaxOp() uint64 {
	return s.maxOp
}

// History returns the applied changes in application order.
func (s *OpSet) History() []*Change {
	return append([]*Change(nil), s.history...)
}

// ObjType returns the patch type name of an object, or false if unknown.
func (s *OpSet) ObjType(objID string) (string, bool) {
	obj, ok := s.byObject[objID]
	if !ok {
		return "", false
	}
	return obj.objType, true
}

// ElemIDs returns a copy of a sequence object's element-ID list. A brand
// new empty list is returned for unknown objects, which is what the change
// processor wants for objects created inside the request being processed.
func (s *OpSet) ElemIDs(objID string) *skiplist.SkipList[*Op] {
	obj, ok := s.byObject[objID]
	if !ok || obj.elemIDs == nil {
		return skiplist.New[*Op]()
	}
	return obj.elemIDs.Clone()
}

// nextElem returns the element following key in list order, where key may
// be skiplist.Head.
func nextElem(l *skiplist.SkipList[*Op], key string) (string, bool) {
	idx := -1
	if key != skiplist.Head {
		idx = l.IndexOf(key)
		if idx < 0 {
			return "", false
		}
	}
	if idx+1 >= l.Len() {
		return "", false
	}
	next, err := l.KeyOf(idx + 1)
	if err != nil {
		return "", false
	}
	return next, true
}

func normalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}

func AddValues(a, b any) any {
	an, af, aIsInt := toNumber(a)
	bn, bf, bIsInt := toNumber(b)
	if aIsInt && bIsInt {
		return an + bn
	}
	if aIsInt {
		af = float64(an)
	}
	if bIsInt {
		bf = float64(bn)
	}
	return af + bf
}

func toNumber(v any) (int64, float64, bool) {
	switch n := normalizeValue(v).(type) {
	case int64:
		return n, 0, true
	case float64:
		return 0, n, false
	default:
		return 0, 0, true
	}
}
