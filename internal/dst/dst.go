// Package dst has Dempster-Shafer helpers for sanity-checking verdicts.
// Focal sets are keyed by their sorted, comma-joined ordinals.
package dst

import (
	"sort"
	"strconv"
	"strings"
)

// Mass assigns belief mass to focal sets.
type Mass map[string]float64

// Key returns the canonical focal-set key for scores.
func Key(scores []int) string {
	sorted := append([]int(nil), scores...)
	sort.Ints(sorted)
	parts := make([]string, 0, len(sorted))
	for i, s := range sorted {
		if i > 0 && s == sorted[i-1] {
			continue
		}
		parts = append(parts, strconv.Itoa(s))
	}
	return strings.Join(parts, ",")
}

func members(key string) map[int]bool {
	out := make(map[int]bool)
	if key == "" {
		return out
	}
	for _, p := range strings.Split(key, ",") {
		if v, err := strconv.Atoi(p); err == nil {
			out[v] = true
		}
	}
	return out
}

// MassFromVerdict puts all mass on the set of decoded scores.
func MassFromVerdict(scores []int) Mass {
	return Mass{Key(scores): 1.0}
}

// Combine applies Dempster's rule. Conflict is the mass falling on empty
// intersections; with total conflict the combined mass is empty.
func Combine(m1, m2 Mass) (Mass, float64) {
	raw := make(Mass)
	var conflict float64
	for a, ma := range m1 {
		setA := members(a)
		for b, mb := range m2 {
			var inter []int
			for v := range members(b) {
				if setA[v] {
					inter = append(inter, v)
				}
			}
			if len(inter) == 0 {
				conflict += ma * mb
				continue
			}
			raw[Key(inter)] += ma * mb
		}
	}

	combined := make(Mass, len(raw))
	norm := 1 - conflict
	if norm <= 0 {
		return combined, conflict
	}
	for k, v := range raw {
		combined[k] = v / norm
	}
	return combined, conflict
}
