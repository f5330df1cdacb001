package embeddings

import (
	"context"
	"strings"
	"unicode"

	"github.com/zeebo/xxh3"
)

const defaultHashingDimensions = 256

// HashingProvider is an offline provider that projects word and bigram
// features into a fixed number of buckets. It needs no network and is
// deterministic, which makes it the default when no API key is configured.
type HashingProvider struct {
	dimensions int
}

// NewHashingProvider creates a provider with the given dimension count.
func NewHashingProvider(dimensions int) *HashingProvider {
	if dimensions <= 0 {
		dimensions = defaultHashingDimensions
	}
	return &HashingProvider{dimensions: dimensions}
}

// Embed implements Provider.
func (p *HashingProvider) Embed(ctx context.Context, texts []string) ([]Vector, error) {
	out := make([]Vector, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = p.embed(text)
	}
	return out, nil
}

func (p *HashingProvider) embed(text string) Vector {
	vec := make(Vector, p.dimensions)
	words := Tokenize(text)
	add := func(feature string, weight float32) {
		h := xxh3.HashString(feature)
		sign := float32(1)
		if h&1 == 1 {
			sign = -1
		}
		vec[(h>>1)%uint64(p.dimensions)] += sign * weight
	}
	for i, w := range words {
		add(w, 1)
		if i > 0 {
			add(words[i-1]+" "+w, 0.5)
		}
	}
	return Unit(vec)
}

// Dimensions implements Provider.
func (p *HashingProvider) Dimensions() int {
	return p.dimensions
}

// Model implements Provider.
func (p *HashingProvider) Model() string {
	return "hashing-v1"
}

// Tokenize lowercases text and splits it into letter and digit runs.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
