package codec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kevinxiao27/automerge-backend/opset"
)

func sampleChange() *opset.Change {
	return &opset.Change{
		Actor:   "actor-a",
		Seq:     1,
		StartOp: 1,
		Time:    1700000000,
		Message: "first",
		Deps:    []string{},
		Ops: []opset.Op{
			{Action: opset.MakeList, Obj: opset.Root, Key: "xs", Pred: []string{}},
			{Action: opset.Set, Obj: "1@actor-a", Key: opset.HeadElem, Insert: true, Value: "a", Pred: []string{}},
			{Action: opset.Set, Obj: opset.Root, Key: "n", Value: int64(7), Pred: []string{}},
		},
	}
}

func TestChangeRoundTrip(t *testing.T) {
	c := sampleChange()
	bin, err := EncodeChange(c)
	require.NoError(t, err)
	require.NotEmpty(t, c.Hash, "encoding fills in the hash")

	decoded, err := DecodeChanges([][]byte{bin})
	require.NoError(t, err)
	require.Len(t, decoded, 1)

	d := decoded[0]
	require.Equal(t, c.Hash, d.Hash)
	require.Equal(t, c.Actor, d.Actor)
	require.Equal(t, c.Seq, d.Seq)
	require.Equal(t, c.StartOp, d.StartOp)
	require.Equal(t, c.Time, d.Time)
	require.Equal(t, c.Message, d.Message)
	require.Len(t, d.Ops, len(c.Ops))
	for i, op := range d.Ops {
		require.Equal(t, c.Ops[i].Action, op.Action)
		require.Equal(t, c.Ops[i].Obj, op.Obj)
		require.Equal(t, c.Ops[i].Key, op.Key)
		require.Equal(t, c.Ops[i].Insert, op.Insert)
		require.EqualValues(t, c.Ops[i].Value, op.Value)
	}

	// re-encoding the decoded change reproduces the input bytes
	reencoded, err := EncodeChange(d)
	require.NoError(t, err)
	require.Equal(t, bin, reencoded)
}

func TestHashIsStableAndDiscriminating(t *testing.T) {
	c1 := sampleChange()
	c2 := sampleChange()
	_, err := EncodeChange(c1)
	require.NoError(t, err)
	_, err = EncodeChange(c2)
	require.NoError(t, err)
	require.Equal(t, c1.Hash, c2.Hash, "equal changes hash equal")

	c3 := sampleChange()
	c3.Message = "different"
	_, err = EncodeChange(c3)
	require.NoError(t, err)
	require.NotEqual(t, c1.Hash, c3.Hash)
}

func TestDepOrderDoesNotChangeHash(t *testing.T) {
	c1 := sampleChange()
	c1.Deps = []string{"bb", "aa"}
	c2 := sampleChange()
	c2.Deps = []string{"aa", "bb"}
	_, err := EncodeChange(c1)
	require.NoError(t, err)
	_, err = EncodeChange(c2)
	require.NoError(t, err)
	require.Equal(t, c1.Hash, c2.Hash)
}

func TestSplitContainers(t *testing.T) {
	c1 := sampleChange()
	c2 := sampleChange()
	c2.Seq = 2
	c2.StartOp = 4

	bin1, err := EncodeChange(c1)
	require.NoError(t, err)
	bin2, err := EncodeChange(c2)
	require.NoError(t, err)

	blob := append(append([]byte{}, bin1...), bin2...)
	chunks, err := SplitContainers(blob)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, bin1, chunks[0])
	require.Equal(t, bin2, chunks[1])
}

func TestDocumentRoundTrip(t *testing.T) {
	c1 := sampleChange()
	c2 := sampleChange()
	c2.Seq = 2
	c2.StartOp = 4
	_, err := EncodeChange(c1)
	require.NoError(t, err)

	c2.Deps = []string{c1.Hash}
	doc, err := EncodeDocument([]*opset.Change{c1, c2})
	require.NoError(t, err)

	chunks, err := DecodeDocument(doc)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	changes, err := DecodeChanges(chunks)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	require.Equal(t, uint64(1), changes[0].Seq)
	require.Equal(t, uint64(2), changes[1].Seq)
	require.Equal(t, []string{c1.Hash}, changes[1].Deps)

	// a whole document blob also decodes directly
	changes, err = DecodeChanges([][]byte{doc})
	require.NoError(t, err)
	require.Len(t, changes, 2)
}

func TestDecodeErrors(t *testing.T) {
	_, err := SplitContainers([]byte{1, 2, 3})
	require.Error(t, err)

	_, err = SplitContainers([]byte("definitely not a chunk at all"))
	require.Error(t, err)

	bin, err := EncodeChange(sampleChange())
	require.NoError(t, err)
	_, err = SplitContainers(bin[:len(bin)-3])
	require.Error(t, err, "truncated body must fail")

	_, err = DecodeDocument(bin)
	require.Error(t, err, "a change chunk is not a document")
}
