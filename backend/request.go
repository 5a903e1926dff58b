package backend

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/kevinxiao27/automerge-backend/opset"
	"github.com/kevinxiao27/automerge-backend/skiplist"
	"github.com/kevinxiao27/automerge-backend/util"
)

// Request is the front-end shape of a change: temporary IDs for objects
// created inside it, and integer indices for list positions. Version is
// the registry entry the front end authored against, which may lag behind
// the backend's current state.
type Request struct {
	Actor       string  `json:"actor"`
	Seq         uint64  `json:"seq"`
	Version     uint64  `json:"version"`
	Time        int64   `json:"time"`
	Message     string  `json:"message,omitempty"`
	RequestType string  `json:"requestType"`
	Ops         []ReqOp `json:"ops"`
}

// ReqOp is a request operation. Key is a string property name for map
// targets and an integer index for list/text targets. Child carries the
// temporary ID of a created object, or a link target.
type ReqOp struct {
	Action opset.Action `json:"action"`
	Obj    string       `json:"obj"`
	Key    any          `json:"key"`
	Value  any          `json:"value,omitempty"`
	Child  string       `json:"child,omitempty"`
	Insert bool         `json:"insert,omitempty"`
}

func (r *Request) validate() error {
	if r.Actor == "" {
		return fmt.Errorf("%w: missing actor", ErrMalformedRequest)
	}
	if r.Seq == 0 {
		return fmt.Errorf("%w: missing seq", ErrMalformedRequest)
	}
	if r.RequestType != "" && r.RequestType != "change" {
		return fmt.Errorf("%w: unsupported request type %q", ErrMalformedRequest, r.RequestType)
	}
	return nil
}

// processRequest translates the request into a canonical change against
// the op set it was authored on: temporary object IDs become op IDs,
// integer list positions become element-ID keys, and repeated writes to
// the same slot are folded into one op.
func processRequest(base *opset.OpSet, objectIDs map[string]string, req *Request) (*opset.Change, error) {
	change := &opset.Change{
		Actor:   req.Actor,
		Seq:     req.Seq,
		StartOp: base.MaxOp() + 1,
		Time:    req.Time,
		Message: req.Message,
		Deps:    base.Deps(),
	}

	working := make(map[string]*skiplist.SkipList[*opset.Op])
	newTypes := make(map[string]opset.Action)
	firstWrite := make(map[[2]string]int) // (obj, key) -> index into change.Ops

	for _, rop := range req.Ops {
		opID := change.OpIDAt(len(change.Ops))
		op := opset.Op{Action: rop.Action, Obj: rop.Obj, Insert: rop.Insert, Value: rop.Value}

		if mapped, ok := objectIDs[op.Obj]; ok {
			op.Obj = mapped
		}
		if op.Action.IsMake() {
			if rop.Child != "" {
				objectIDs[rop.Child] = opID.String()
			}
			newTypes[opID.String()] = op.Action
		} else if op.Action == opset.Link {
			op.Child = rop.Child
			if mapped, ok := objectIDs[op.Child]; ok {
				op.Child = mapped
			}
		}

		if isSeq(base, newTypes, op.Obj) {
			idx, err := reqIndex(rop.Key)
			if err != nil {
				return nil, err
			}
			wl, ok := working[op.Obj]
			if !ok {
				wl = base.ElemIDs(op.Obj)
				working[op.Obj] = wl
			}
			switch {
			case op.Insert && idx == 0:
				op.Key = opset.HeadElem
				if err := wl.InsertAfter(skiplist.Head, opID.String(), nil); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
				}
			case op.Insert:
				prev, err := wl.KeyOf(idx - 1)
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
				}
				op.Key = prev
				if err := wl.InsertAfter(prev, opID.String(), nil); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
				}
			default:
				key, err := wl.KeyOf(idx)
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
				}
				op.Key = key
				if op.Action == opset.Del {
					if err := wl.RemoveKey(key); err != nil {
						return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
					}
				}
			}
		} else {
			key, ok := rop.Key.(string)
			if !ok {
				return nil, fmt.Errorf("%w: map key must be a string, got %T", ErrMalformedRequest, rop.Key)
			}
			op.Key = key
		}

		if !op.Insert && assignsSlot(op.Action) {
			slot := [2]string{op.Obj, op.Key}
			if i, ok := firstWrite[slot]; ok {
				prior := &change.Ops[i]
				if op.Action == opset.Inc {
					prior.Value = opset.AddValues(prior.Value, op.Value)
				} else {
					prior.Action = op.Action
					prior.Value = op.Value
					prior.Child = op.Child
				}
				continue
			}
			firstWrite[slot] = len(change.Ops)
		}
		change.Ops = append(change.Ops, op)
	}
	return change, nil
}

func assignsSlot(a opset.Action) bool {
	switch a {
	case opset.Set, opset.Del, opset.Link, opset.Inc:
		return true
	default:
		return false
	}
}

func isSeq(base *opset.OpSet, newTypes map[string]opset.Action, objID string) bool {
	if a, ok := newTypes[objID]; ok {
		return a == opset.MakeList || a == opset.MakeText
	}
	t, ok := base.ObjType(objID)
	return ok && (t == "list" || t == "text")
}

func reqIndex(key any) (int, error) {
	switch k := key.(type) {
	case int:
		return k, nil
	case int64:
		return int(k), nil
	case uint64:
		return int(k), nil
	case float64:
		if k != float64(int(k)) {
			return 0, fmt.Errorf("%w: list index %v is not an integer", ErrMalformedRequest, k)
		}
		return int(k), nil
	default:
		return 0, fmt.Errorf("%w: list key must be an integer index, got %T", ErrMalformedRequest, key)
	}
}

// fillPreds annotates each op with the op IDs it overwrites: the earlier
// op in the same change that wrote the slot, or failing that the current
// field ops of the base op set.
func fillPreds(base *opset.OpSet, change *opset.Change) {
	myOps := make(map[string]map[string]string)
	for i := range change.Ops {
		op := &change.Ops[i]
		opID := change.OpIDAt(i).String()
		key := op.Key
		if op.Insert {
			key = opID
		}
		if prev, ok := myOps[op.Obj][key]; ok {
			op.Pred = []string{prev}
		} else {
			op.Pred = util.Map(base.GetFieldOps(op.Obj, key), func(f *opset.FieldOp) string {
				return f.ID.String()
			})
		}
		if myOps[op.Obj] == nil {
			myOps[op.Obj] = make(map[string]string)
		}
		if _, ok := myOps[op.Obj][key]; !ok {
			myOps[op.Obj][key] = opID
		}
	}
}

// verifyCanonical compares the processed change against a caller-supplied
// canonical change, ignoring hashes, with deps sorted on both sides.
func verifyCanonical(processed, canonical *opset.Change) error {
	a, b := *processed, *canonical
	a.Hash, b.Hash = "", ""
	a.Deps = append([]string(nil), a.Deps...)
	b.Deps = append([]string(nil), b.Deps...)
	sort.Strings(a.Deps)
	sort.Strings(b.Deps)
	if !reflect.DeepEqual(a, b) {
		return fmt.Errorf("%w: got %+v, want %+v", ErrCanonicalMismatch, a, b)
	}
	return nil
}
