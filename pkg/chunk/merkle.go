package chunk

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"permagate/pkg/types"
)

const (
	HashSize = 32
	NoteSize = 32

	MaxChunkSize = 256 * 1024
	MinChunkSize = 32 * 1024
)

// PathResult is what a valid inclusion proof says about the chunk it proves.
type PathResult struct {
	// Offset is the last byte of the chunk, inclusive.
	Offset     int64
	LeftBound  int64
	RightBound int64
	ChunkSize  int64
	DataHash   []byte
}

// ValidatePath checks a merkle inclusion proof for the byte at dest against
// root. Branch nodes are left || right || note(offset); the leaf is
// dataHash || note(rightBound). Every note is a 32-byte big-endian integer.
func ValidatePath(root []byte, dest, leftBound, rightBound int64, path []byte) (*PathResult, error) {
	if rightBound <= 0 {
		return nil, types.Validationf("proof has empty range")
	}
	if dest >= rightBound {
		return ValidatePath(root, 0, rightBound-1, rightBound, path)
	}
	if dest < 0 {
		return ValidatePath(root, 0, 0, rightBound, path)
	}

	if len(path) == HashSize+NoteSize {
		dataHash := path[:HashSize]
		note := path[HashSize:]
		if !bytes.Equal(root, hashAll(hash(dataHash), hash(note))) {
			return nil, types.Validationf("proof leaf does not match")
		}
		return &PathResult{
			Offset:     rightBound - 1,
			LeftBound:  leftBound,
			RightBound: rightBound,
			ChunkSize:  rightBound - leftBound,
			DataHash:   append([]byte(nil), dataHash...),
		}, nil
	}

	if len(path) < 2*HashSize+NoteSize {
		return nil, types.Validationf("proof truncated")
	}

	left := path[:HashSize]
	right := path[HashSize : 2*HashSize]
	note := path[2*HashSize : 2*HashSize+NoteSize]
	remainder := path[2*HashSize+NoteSize:]

	offset, ok := noteToInt(note)
	if !ok {
		return nil, types.Validationf("proof offset out of range")
	}
	if !bytes.Equal(root, hashAll(hash(left), hash(right), hash(note))) {
		return nil, types.Validationf("proof branch does not match")
	}

	if dest < offset {
		return ValidatePath(left, dest, leftBound, min(rightBound, offset), remainder)
	}
	return ValidatePath(right, dest, max(leftBound, offset), rightBound, remainder)
}

// ValidateChunk checks the proof for the chunk containing offset and that
// data is the chunk the proof commits to.
func ValidateChunk(root []byte, size, offset int64, path, data []byte) (*PathResult, error) {
	result, err := ValidatePath(root, offset, 0, size, path)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != result.ChunkSize {
		return nil, types.Validationf("chunk is %d bytes, proof covers %d", len(data), result.ChunkSize)
	}
	if !bytes.Equal(hash(data), result.DataHash) {
		return nil, types.Validationf("chunk data does not match proof")
	}
	return result, nil
}

// Proof is the inclusion proof of one chunk produced by BuildTree.
type Proof struct {
	Offset    int64
	ChunkSize int64
	Path      []byte
}

type node struct {
	id           []byte
	dataHash     []byte
	byteRange    int64
	maxByteRange int64
	left, right  *node
}

// BuildTree splits data into chunkSize pieces and returns the merkle root
// and one proof per piece. Odd nodes are promoted to the next layer.
func BuildTree(data []byte, chunkSize int) ([]byte, []Proof) {
	if chunkSize <= 0 {
		chunkSize = MaxChunkSize
	}

	var leaves []*node
	for start := 0; start < len(data) || start == 0; start += chunkSize {
		end := min(start+chunkSize, len(data))
		dataHash := hash(data[start:end])
		note := intToNote(int64(end))
		leaves = append(leaves, &node{
			id:           hashAll(hash(dataHash), hash(note)),
			dataHash:     dataHash,
			byteRange:    int64(start),
			maxByteRange: int64(end),
		})
		if end == len(data) {
			break
		}
	}

	layer := leaves
	for len(layer) > 1 {
		var next []*node
		for i := 0; i+1 < len(layer); i += 2 {
			l, r := layer[i], layer[i+1]
			note := intToNote(l.maxByteRange)
			next = append(next, &node{
				id:           hashAll(hash(l.id), hash(r.id), hash(note)),
				byteRange:    l.maxByteRange,
				maxByteRange: r.maxByteRange,
				left:         l,
				right:        r,
			})
		}
		if len(layer)%2 == 1 {
			next = append(next, layer[len(layer)-1])
		}
		layer = next
	}

	var proofs []Proof
	collectProofs(layer[0], nil, &proofs)
	return layer[0].id, proofs
}

func collectProofs(n *node, prefix []byte, out *[]Proof) {
	if n.left == nil {
		path := append(append(append([]byte(nil), prefix...), n.dataHash...), intToNote(n.maxByteRange)...)
		*out = append(*out, Proof{
			Offset:    n.byteRange,
			ChunkSize: n.maxByteRange - n.byteRange,
			Path:      path,
		})
		return
	}

	branch := append(append(append([]byte(nil), prefix...), n.left.id...), n.right.id...)
	branch = append(branch, intToNote(n.byteRange)...)
	collectProofs(n.left, branch, out)
	collectProofs(n.right, branch, out)
}

func hash(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

func hashAll(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func intToNote(v int64) []byte {
	note := make([]byte, NoteSize)
	binary.BigEndian.PutUint64(note[NoteSize-8:], uint64(v))
	return note
}

func noteToInt(note []byte) (int64, bool) {
	for _, b := range note[:NoteSize-8] {
		if b != 0 {
			return 0, false
		}
	}
	v := binary.BigEndian.Uint64(note[NoteSize-8:])
	if v > 1<<62 {
		return 0, false
	}
	return int64(v), true
}
