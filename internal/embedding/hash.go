package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const defaultHashDimension = 256

// HashProvider embeds text offline by hashing lowercase word tokens into a
// fixed number of buckets and L2-normalizing the counts. Texts sharing words
// land close together, which is enough to search a knowledge population
// without an external model.
type HashProvider struct {
	dimension int
}

// NewHashProvider creates a hashing provider with the given dimension.
func NewHashProvider(dimension int) *HashProvider {
	if dimension <= 0 {
		dimension = defaultHashDimension
	}
	return &HashProvider{dimension: dimension}
}

// Embed never fails.
func (p *HashProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

// Dimension returns the configured dimension.
func (p *HashProvider) Dimension() int { return p.dimension }

func (p *HashProvider) vector(text string) []float32 {
	vec := make([]float32, p.dimension)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		vec[h.Sum32()%uint32(p.dimension)]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
