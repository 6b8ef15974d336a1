package generator

import (
	"hash/fnv"
)

// lcg is a 64-bit linear congruential generator (Knuth MMIX constants).
// Output is stable across platforms and Go releases, which math/rand does
// not promise for a given seed.
type lcg struct {
	state uint64
}

const (
	lcgMul = 6364136223846793005
	lcgInc = 1442695040888963407
)

func newLCG(seed int64) *lcg {
	return &lcg{state: uint64(seed)}
}

func (r *lcg) next() uint32 {
	r.state = r.state*lcgMul + lcgInc
	// low bits of a power-of-two LCG have short periods
	return uint32(r.state >> 32)
}

// intn returns a value in [0, n). n must be > 0.
func (r *lcg) intn(n int) int {
	return int((uint64(r.next()) * uint64(n)) >> 32)
}

// shuffle is Fisher-Yates driven by r.
func shuffle[T any](r *lcg, s []T) {
	for i := len(s) - 1; i > 0; i-- {
		j := r.intn(i + 1)
		s[i], s[j] = s[j], s[i]
	}
}

// SeedFor derives the generation seed for a bundle from its id and the
// generator version, so a regenerated set matches the one first delivered.
func SeedFor(bundleID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(Version))
	h.Write([]byte{':'})
	h.Write([]byte(bundleID))
	return int64(h.Sum64())
}
