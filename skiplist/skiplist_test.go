package skiplist

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertAfterOrdering(t *testing.T) {
	l := New[string]()
	require.NoError(t, l.InsertAfter(Head, "a", "A"))
	require.NoError(t, l.InsertAfter("a", "c", "C"))
	require.NoError(t, l.InsertAfter("a", "b", "B"))

	require.Equal(t, 3, l.Len())
	require.Equal(t, []string{"a", "b", "c"}, l.Keys())

	k, err := l.KeyOf(0)
	require.NoError(t, err)
	require.Equal(t, "a", k)
	k, err = l.KeyOf(2)
	require.NoError(t, err)
	require.Equal(t, "c", k)

	require.Equal(t, 0, l.IndexOf("a"))
	require.Equal(t, 1, l.IndexOf("b"))
	require.Equal(t, 2, l.IndexOf("c"))
	require.Equal(t, -1, l.IndexOf("nope"))

	v, ok := l.Get("b")
	require.True(t, ok)
	require.Equal(t, "B", v)
}

func TestInsertAtHead(t *testing.T) {
	l := New[int]()
	require.NoError(t, l.InsertAfter(Head, "x", 1))
	require.NoError(t, l.InsertAfter(Head, "y", 2))
	require.Equal(t, []string{"y", "x"}, l.Keys())
}

func TestInsertErrors(t *testing.T) {
	l := New[int]()
	require.NoError(t, l.InsertAfter(Head, "a", 1))
	require.Error(t, l.InsertAfter(Head, "a", 2), "duplicate key must fail")
	require.Error(t, l.InsertAfter("ghost", "b", 2), "unknown predecessor must fail")
}

func TestRemoveKey(t *testing.T) {
	l := New[int]()
	for i, k := range []string{"a", "b", "c", "d"} {
		prev := Head
		if i > 0 {
			prev = []string{"a", "b", "c"}[i-1]
		}
		require.NoError(t, l.InsertAfter(prev, k, i))
	}

	require.NoError(t, l.RemoveKey("b"))
	require.Equal(t, 3, l.Len())
	require.Equal(t, []string{"a", "c", "d"}, l.Keys())
	require.Equal(t, 1, l.IndexOf("c"))
	require.Equal(t, -1, l.IndexOf("b"))
	require.Error(t, l.RemoveKey("b"))

	k, err := l.KeyOf(1)
	require.NoError(t, err)
	require.Equal(t, "c", k)

	_, err = l.KeyOf(3)
	require.Error(t, err)
}

func TestRandomizedAgainstSlice(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	l := New[int]()
	var model []string
	next := 0

	for step := 0; step < 2000; step++ {
		if len(model) == 0 || rnd.Intn(3) > 0 {
			key := fmt.Sprintf("k%d", next)
			next++
			pos := rnd.Intn(len(model) + 1)
			prev := Head
			if pos > 0 {
				prev = model[pos-1]
			}
			require.NoError(t, l.InsertAfter(prev, key, step))
			model = append(model[:pos], append([]string{key}, model[pos:]...)...)
		} else {
			pos := rnd.Intn(len(model))
			require.NoError(t, l.RemoveKey(model[pos]))
			model = append(model[:pos], model[pos+1:]...)
		}
	}

	require.Equal(t, len(model), l.Len())
	require.Equal(t, model, l.Keys())
	for i, k := range model {
		require.Equal(t, i, l.IndexOf(k))
		got, err := l.KeyOf(i)
		require.NoError(t, err)
		require.Equal(t, k, got)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	l := New[int]()
	require.NoError(t, l.InsertAfter(Head, "a", 1))
	require.NoError(t, l.InsertAfter("a", "b", 2))

	c := l.Clone()
	require.NoError(t, c.RemoveKey("a"))
	require.NoError(t, c.InsertAfter("b", "z", 3))

	require.Equal(t, []string{"a", "b"}, l.Keys())
	require.Equal(t, []string{"b", "z"}, c.Keys())
}
