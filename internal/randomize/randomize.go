// Package randomize implements the seeded generator behind label mappings and
// rubric-order shuffles. Outputs are bit-exact for a given seed so results can
// be compared across runs and implementations.
package randomize

import (
	"math/rand/v2"
	"sort"

	"github.com/rotisserie/eris"
)

const (
	// TokenLength is the length of every label token.
	TokenLength = 6

	tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	seedMultiplier  uint32 = 2654435761
	indexMultiplier uint32 = 2246822519
	saltMultiplier  uint32 = 0x9E3779B9
)

// Mulberry32 is a 32-bit seeded generator. The zero value is seeded with 0.
type Mulberry32 struct {
	state uint32
}

// NewMulberry32 returns a generator seeded with the low 32 bits of seed.
func NewMulberry32(seed uint32) *Mulberry32 {
	return &Mulberry32{state: seed}
}

// Float64 returns the next value in [0, 1).
func (m *Mulberry32) Float64() float64 {
	m.state += 0x6D2B79F5
	s := m.state
	t := (s ^ (s >> 15)) * (1 | s)
	t = (t + (t^(t>>7))*(61|t)) ^ t
	return float64(t^(t>>14)) / 4294967296
}

// Shuffle returns a Fisher-Yates shuffled copy of items. A nil seed draws
// from a non-reproducible source.
func Shuffle[T any](items []T, seed *int) []T {
	next := rand.Float64
	if seed != nil {
		next = NewMulberry32(uint32(*seed)).Float64
	}
	out := make([]T, len(items))
	copy(out, items)
	for i := len(out) - 1; i > 0; i-- {
		j := int(next() * float64(i+1))
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// GenerateLabelMapping returns a bijection from scaleSize opaque tokens onto
// 1..scaleSize. With a seed each index derives its own sub-seed, so the same
// seed always reproduces the same mapping.
func GenerateLabelMapping(scaleSize int, seed *int) (map[string]int, error) {
	if scaleSize < 1 {
		return nil, eris.Errorf("randomize: scale size must be positive, got %d", scaleSize)
	}
	mapping := make(map[string]int, scaleSize)
	for i := 0; i < scaleSize; i++ {
		var token string
		for salt := uint32(0); ; salt++ {
			if seed != nil {
				token = seededToken(subSeed(uint32(*seed), uint32(i)) ^ (salt * saltMultiplier))
			} else {
				token = randomToken()
			}
			if _, taken := mapping[token]; !taken {
				break
			}
		}
		mapping[token] = i + 1
	}
	return mapping, nil
}

func subSeed(seed, index uint32) uint32 {
	return (seed * seedMultiplier) ^ (index * indexMultiplier)
}

func seededToken(seed uint32) string {
	rng := NewMulberry32(seed)
	buf := make([]byte, TokenLength)
	for i := range buf {
		buf[i] = tokenAlphabet[int(rng.Float64()*float64(len(tokenAlphabet)))]
	}
	return string(buf)
}

func randomToken() string {
	buf := make([]byte, TokenLength)
	for i := range buf {
		buf[i] = tokenAlphabet[rand.IntN(len(tokenAlphabet))]
	}
	return string(buf)
}

// InvertLabelMapping returns tokens indexed by ordinal-1.
func InvertLabelMapping(mapping map[string]int) []string {
	type pair struct {
		token string
		value int
	}
	pairs := make([]pair, 0, len(mapping))
	for k, v := range mapping {
		pairs = append(pairs, pair{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].value < pairs[j].value })
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.token
	}
	return out
}

// LetterLabels returns A, B, C, ... for n scale points.
func LetterLabels(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = string(rune('A' + i))
	}
	return out
}
