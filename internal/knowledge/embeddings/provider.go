// Package embeddings turns rulebook passages, session memory and player
// queries into vectors for semantic retrieval.
package embeddings

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

// Provider embeds passages at ingest time and queries at retrieval time.
// A passage is only comparable with a query embedded by the same Model.
type Provider interface {
	// Embed returns one unit-length vector per text, in order.
	Embed(ctx context.Context, texts []string) ([]Vector, error)

	Dimensions() int
	Model() string
}

// Vector is an embedding of unit length, so the similarity of two vectors
// is their dot product.
type Vector []float32

// Unit scales v to unit length. A zero vector is returned as is.
func Unit(v Vector) Vector {
	var sq float64
	for _, x := range v {
		sq += float64(x) * float64(x)
	}
	if sq == 0 {
		return v
	}
	n := float32(math.Sqrt(sq))
	out := make(Vector, len(v))
	for i, x := range v {
		out[i] = x / n
	}
	return out
}

// Relevance scores a stored passage against a query. Vectors from models
// of different dimensions score 0.
func Relevance(query, passage Vector) float32 {
	if len(query) != len(passage) {
		return 0
	}
	var dot float32
	for i := range query {
		dot += query[i] * passage[i]
	}
	return dot
}

// Encode packs v as little-endian float32s for the chunks table.
func Encode(v Vector) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

// Decode unpacks a stored embedding. It fails when the blob does not hold
// exactly dims values, as when the passage was embedded by another model.
func Decode(b []byte, dims int) (Vector, error) {
	if len(b) != 4*dims {
		return nil, fmt.Errorf("embedding has %d bytes, want %d dimensions", len(b), dims)
	}
	v := make(Vector, dims)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
