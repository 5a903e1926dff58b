package opset

import "github.com/kevinxiao27/automerge-backend/util"

// Edit is a positional change to a list or text object.
type Edit struct {
	Action string `json:"action"` // "insert" or "remove"
	Index  int    `json:"index"`
	ElemID string `json:"elemId,omitempty"`
}

// Diff describes an object-level modification. Leaf diffs carry Value;
// object diffs carry ObjectID/Type plus Props (key -> op ID -> diff, with
// more than one op ID per key for concurrent assignments) and, for
// sequences, Edits. A Props entry with an empty map marks a deleted key.
type Diff struct {
	ObjectID string                      `json:"objectId,omitempty"`
	Type     string                      `json:"type,omitempty"`
	Value    any                         `json:"value,omitempty"`
	Props    map[string]map[string]*Diff `json:"props,omitempty"`
	Edits    []Edit                      `json:"edits,omitempty"`
}

// Pending accumulates the diff fragments produced while changes apply,
// to be resolved by FinalizePatch once the op set has settled. A nil
// Pending records nothing.
type Pending struct {
	touched map[string]map[string]bool
	edits   map[string][]Edit
}

func NewPending() *Pending {
	return &Pending{
		touched: make(map[string]map[string]bool),
		edits:   make(map[string][]Edit),
	}
}

func (p *Pending) touch(objID, key string) {
	if p == nil {
		return
	}
	keys, ok := p.touched[objID]
	if !ok {
		keys = make(map[string]bool)
		p.touched[objID] = keys
	}
	keys[key] = true
}

func (p *Pending) edit(objID string, e Edit) {
	if p == nil {
		return
	}
	p.edits[objID] = append(p.edits[objID], e)
}

func (p *Pending) empty() bool {
	return p == nil || (len(p.touched) == 0 && len(p.edits) == 0)
}

// FinalizePatch resolves pending fragments into the nested diff tree the
// front end consumes. Only touched objects and the path from each of them
// to the root are descended into; everything else is referenced by ID.
func (s *OpSet) FinalizePatch(p *Pending) *Diff {
	if p.empty() {
		return &Diff{ObjectID: Root, Type: "map"}
	}
	include := make(map[string]bool)
	for objID := range p.touched {
		s.markPath(objID, include)
	}
	for objID := range p.edits {
		s.markPath(objID, include)
	}
	return s.buildDiff(Root, p, include, make(map[string]bool))
}

func (s *OpSet) markPath(objID string, include map[string]bool) {
	for objID != "" && !include[objID] {
		obj, ok := s.byObject[objID]
		if !ok {
			return
		}
		include[objID] = true
		objID = obj.parentObj
	}
}

func (s *OpSet) buildDiff(objID string, p *Pending, include, visited map[string]bool) *Diff {
	visited[objID] = true
	obj := s.byObject[objID]
	d := &Diff{ObjectID: objID, Type: obj.objType}

	keys := make(map[string]bool)
	if p != nil {
		for k := range p.touched[objID] {
			keys[k] = true
		}
	}
	for k, fs := range obj.fields {
		for _, f := range fs {
			if c := f.ChildID(); c != "" && include[c] && !visited[c] {
				keys[k] = true
			}
		}
	}

	if len(keys) > 0 {
		d.Props = make(map[string]map[string]*Diff, len(keys))
		for _, k := range util.SortedKeys(keys) {
			vals := make(map[string]*Diff)
			for _, f := range obj.fields[k] {
				vals[f.ID.String()] = s.valueDiff(f, p, include, visited)
			}
			d.Props[k] = vals
		}
	}
	if p != nil && len(p.edits[objID]) > 0 {
		d.Edits = append([]Edit(nil), p.edits[objID]...)
	}
	return d
}

func (s *OpSet) valueDiff(f *FieldOp, p *Pending, include, visited map[string]bool) *Diff {
	child := f.ChildID()
	if child == "" {
		return &Diff{Value: f.Value}
	}
	co, ok := s.byObject[child]
	if !ok {
		return &Diff{ObjectID: child}
	}
	if include[child] && !visited[child] {
		return s.buildDiff(child, p, include, visited)
	}
	return &Diff{ObjectID: child, Type: co.objType}
}

// FullDiff rebuilds the whole materialized document as a diff tree.
func (s *OpSet) FullDiff() *Diff {
	return s.fullDiff(Root, make(map[string]bool))
}

func (s *OpSet) fullDiff(objID string, visited map[string]bool) *Diff {
	visited[objID] = true
	obj := s.byObject[objID]
	d := &Diff{ObjectID: objID, Type: obj.objType}

	full := func(f *FieldOp) *Diff {
		child := f.ChildID()
		if child == "" {
			return &Diff{Value: f.Value}
		}
		co, ok := s.byObject[child]
		if !ok {
			return &Diff{ObjectID: child}
		}
		if visited[child] {
			return &Diff{ObjectID: child, Type: co.objType}
		}
		return s.fullDiff(child, visited)
	}

	if obj.isSeq() {
		for i, elem := range obj.elemIDs.Keys() {
			d.Edits = append(d.Edits, Edit{Action: "insert", Index: i, ElemID: elem})
			vals := make(map[string]*Diff)
			for _, f := range obj.fields[elem] {
				vals[f.ID.String()] = full(f)
			}
			if d.Props == nil {
				d.Props = make(map[string]map[string]*Diff)
			}
			d.Props[elem] = vals
		}
		return d
	}

	if len(obj.fields) > 0 {
		d.Props = make(map[string]map[string]*Diff, len(obj.fields))
		for _, k := range util.SortedKeys(obj.fields) {
			vals := make(map[string]*Diff)
			for _, f := range obj.fields[k] {
				vals[f.ID.String()] = full(f)
			}
			d.Props[k] = vals
		}
	}
	return d
}
