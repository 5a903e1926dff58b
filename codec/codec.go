// Package codec frames changes and documents as binary chunks. A chunk is
// magic bytes, a chunk type, a uvarint body length and a deterministic
// CBOR body. A change's identity is the blake3 hash of its chunk type and
// body, so equal changes hash equal regardless of who encoded them.
package codec

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"

	"github.com/kevinxiao27/automerge-backend/opset"
)

var magic = [4]byte{0x85, 0x6f, 0x4a, 0x83}

const (
	chunkDocument byte = 0
	chunkChange   byte = 1
)

const headerLen = 5 // magic + chunk type

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Decoded changes are cached by hash so re-sync paths do not re-parse the
// same chunks. Changes are immutable once decoded, so sharing is safe.
var decoded = func() *lru.Cache[string, *opset.Change] {
	c, err := lru.New[string, *opset.Change](1024)
	if err != nil {
		panic(err)
	}
	return c
}()

// EncodeChange encodes a single change as a change chunk and fills in its
// hash. Deps are sorted so the encoding is canonical.
func EncodeChange(c *opset.Change) ([]byte, error) {
	wire := *c
	wire.Deps = append([]string(nil), c.Deps...)
	sort.Strings(wire.Deps)
	body, err := encMode.Marshal(&wire)
	if err != nil {
		return nil, fmt.Errorf("encoding change %s/%d: %w", c.Actor, c.Seq, err)
	}
	c.Hash = hashChunk(chunkChange, body)
	return frame(chunkChange, body), nil
}

// EncodeDocument wraps the given changes, which must already be in a valid
// topological order, into one document chunk.
func EncodeDocument(changes []*opset.Change) ([]byte, error) {
	var body []byte
	for _, c := range changes {
		f, err := EncodeChange(c)
		if err != nil {
			return nil, err
		}
		body = append(body, f...)
	}
	return frame(chunkDocument, body), nil
}

// DecodeDocument splits a document chunk back into its change chunks.
func DecodeDocument(b []byte) ([][]byte, error) {
	t, body, rest, err := splitFrame(b)
	if err != nil {
		return nil, err
	}
	if t != chunkDocument {
		return nil, fmt.Errorf("expected document chunk, got type %d", t)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after document chunk", len(rest))
	}
	return SplitContainers(body)
}

// SplitContainers decomposes a blob of concatenated chunks into single
// chunks by walking the length prefixes.
func SplitContainers(b []byte) ([][]byte, error) {
	var chunks [][]byte
	for len(b) > 0 {
		_, _, rest, err := splitFrame(b)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, b[:len(b)-len(rest)])
		b = rest
	}
	return chunks, nil
}

// DecodeChanges decodes every change carried by the given blobs. Document
// chunks are unwrapped into the changes they contain.
func DecodeChanges(blobs [][]byte) ([]*opset.Change, error) {
	var changes []*opset.Change
	for _, blob := range blobs {
		chunks, err := SplitContainers(blob)
		if err != nil {
			return nil, err
		}
		for _, chunk := range chunks {
			t, body, _, err := splitFrame(chunk)
			if err != nil {
				return nil, err
			}
			switch t {
			case chunkChange:
				c, err := decodeChangeBody(body)
				if err != nil {
					return nil, err
				}
				changes = append(changes, c)
			case chunkDocument:
				inner, err := DecodeChanges([][]byte{body})
				if err != nil {
					return nil, err
				}
				changes = append(changes, inner...)
			default:
				return nil, fmt.Errorf("unknown chunk type %d", t)
			}
		}
	}
	return changes, nil
}

func decodeChangeBody(body []byte) (*opset.Change, error) {
	hash := hashChunk(chunkChange, body)
	if c, ok := decoded.Get(hash); ok {
		return c, nil
	}
	c := &opset.Change{}
	if err := cbor.Unmarshal(body, c); err != nil {
		return nil, fmt.Errorf("decoding change body: %w", err)
	}
	c.Hash = hash
	decoded.Add(hash, c)
	return c, nil
}

func frame(t byte, body []byte) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(body)))
	out := make([]byte, 0, headerLen+n+len(body))
	out = append(out, magic[:]...)
	out = append(out, t)
	out = append(out, lenBuf[:n]...)
	out = append(out, body...)
	return out
}

func splitFrame(b []byte) (t byte, body, rest []byte, err error) {
	if len(b) < headerLen {
		return 0, nil, nil, fmt.Errorf("chunk too short (%d bytes)", len(b))
	}
	if string(b[:4]) != string(magic[:]) {
		return 0, nil, nil, fmt.Errorf("bad chunk magic %x", b[:4])
	}
	t = b[4]
	size, n := binary.Uvarint(b[headerLen:])
	if n <= 0 {
		return 0, nil, nil, fmt.Errorf("bad chunk length prefix")
	}
	start := headerLen + n
	if uint64(len(b)-start) < size {
		return 0, nil, nil, fmt.Errorf("chunk body truncated: want %d bytes, have %d", size, len(b)-start)
	}
	end := start + int(size)
	return t, b[start:end], b[end:], nil
}

func hashChunk(t byte, body []byte) string {
	h := blake3.New()
	h.Write([]byte{t})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
