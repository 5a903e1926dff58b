package opset

import (
	"fmt"
	"strconv"
	"strings"
)

// Root is the identifier of the top-level map object.
const Root = "_root"

// HeadElem is the sentinel key denoting the front of a list or text object.
const HeadElem = "_head"

type Action string

const (
	Set       Action = "set"
	Del       Action = "del"
	Inc       Action = "inc"
	Link      Action = "link"
	MakeMap   Action = "makeMap"
	MakeList  Action = "makeList"
	MakeText  Action = "makeText"
	MakeTable Action = "makeTable"
)

// IsMake reports whether the action allocates a new object.
func (a Action) IsMake() bool {
	return strings.HasPrefix(string(a), "make")
}

// ObjType maps a make action to the type name exposed in patches.
func (a Action) ObjType() string {
	switch a {
	case MakeList:
		return "list"
	case MakeText:
		return "text"
	case MakeTable:
		return "table"
	default:
		return "map"
	}
}

// OpID identifies a single operation: a document-wide counter plus the
// actor that issued it. The canonical string form is "<counter>@<actor>".
type OpID struct {
	Counter uint64
	Actor   string
}

func (id OpID) Unpack() (uint64, string) {
	return id.Counter, id.Actor
}

func (id OpID) String() string {
	return strconv.FormatUint(id.Counter, 10) + "@" + id.Actor
}

// ParseOpID parses the "<counter>@<actor>" form.
func ParseOpID(s string) (OpID, error) {
	at := strings.Index(s, "@")
	if at <= 0 || at == len(s)-1 {
		return OpID{}, fmt.Errorf("malformed op ID %q", s)
	}
	counter, err := strconv.ParseUint(s[:at], 10, 64)
	if err != nil {
		return OpID{}, fmt.Errorf("malformed op ID %q: %w", s, err)
	}
	return OpID{Counter: counter, Actor: s[at+1:]}, nil
}

// Cmp is the Lamport order: counter first, actor string breaking ties.
// Returns -1, 0 or 1.
func (id OpID) Cmp(other OpID) int {
	if id.Counter != other.Counter {
		if id.Counter < other.Counter {
			return -1
		}
		return 1
	}
	return strings.Compare(id.Actor, other.Actor)
}

// LamportLess reports whether op ID a orders before b, both in string form.
// IDs that fail to parse sort first so malformed input cannot win a slot.
func LamportLess(a, b string) bool {
	ida, erra := ParseOpID(a)
	idb, errb := ParseOpID(b)
	if erra != nil || errb != nil {
		return erra != nil && errb == nil
	}
	return ida.Cmp(idb) < 0
}

// Op is one atomic mutation inside a change. Key holds a map property
// name, or for sequence objects an element ID (or HeadElem). Insert marks
// ops that introduce a new list element whose ID is the op's own ID.
// Child is set only on link ops; make ops imply their own ID as the child.
type Op struct {
	Action Action   `json:"action" cbor:"1,keyasint"`
	Obj    string   `json:"obj" cbor:"2,keyasint"`
	Key    string   `json:"key,omitempty" cbor:"3,keyasint,omitempty"`
	Insert bool     `json:"insert,omitempty" cbor:"4,keyasint,omitempty"`
	Value  any      `json:"value,omitempty" cbor:"5,keyasint,omitempty"`
	Child  string   `json:"child,omitempty" cbor:"6,keyasint,omitempty"`
	Pred   []string `json:"pred" cbor:"7,keyasint,omitempty"`
}

// Change is a causally linked batch of ops. Hash is the content hash of
// the encoded form; it is filled by the codec, never carried on the wire.
type Change struct {
	Hash    string   `json:"hash,omitempty" cbor:"-"`
	Actor   string   `json:"actor" cbor:"1,keyasint"`
	Seq     uint64   `json:"seq" cbor:"2,keyasint"`
	StartOp uint64   `json:"startOp" cbor:"3,keyasint"`
	Time    int64    `json:"time" cbor:"4,keyasint,omitempty"`
	Message string   `json:"message,omitempty" cbor:"5,keyasint,omitempty"`
	Deps    []string `json:"deps" cbor:"6,keyasint,omitempty"`
	Ops     []Op     `json:"ops" cbor:"7,keyasint,omitempty"`
}

// MaxOp returns the highest op counter used by the change.
func (c *Change) MaxOp() uint64 {
	if len(c.Ops) == 0 {
		return c.StartOp - 1
	}
	return c.StartOp + uint64(len(c.Ops)) - 1
}

// OpIDAt returns the ID of the i-th op in the change.
func (c *Change) OpIDAt(i int) OpID {
	return OpID{Counter: c.StartOp + uint64(i), Actor: c.Actor}
}
