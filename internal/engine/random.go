package engine

import (
	"hash/fnv"
	"math/bits"
	"math/rand/v2"

	"github.com/google/uuid"
)

// Random is a seeded source whose position is the number of draws taken. A state stores
// (seed, cursor); rebuilding from the pair resumes the exact same sequence.
type Random struct {
	seed   string
	cursor int
	src    *rand.PCG
}

// NewSeed returns a fresh match seed.
func NewSeed() string { return uuid.NewString() }

// NewRandom restores a source at cursor.
func NewRandom(seed string, cursor int) *Random {
	h1 := fnv.New64a()
	_, _ = h1.Write([]byte(seed))
	h2 := fnv.New64()
	_, _ = h2.Write([]byte(seed))
	r := &Random{seed: seed, src: rand.NewPCG(h1.Sum64(), h2.Sum64())}
	for i := 0; i < cursor; i++ {
		r.next()
	}
	return r
}

func (r *Random) next() uint64 {
	r.cursor++
	return r.src.Uint64()
}

func (r *Random) Seed() string { return r.seed }

func (r *Random) Cursor() int { return r.cursor }

// Float64 returns a value in [0, 1).
func (r *Random) Float64() float64 {
	return float64(r.next()>>11) / (1 << 53)
}

// IntN returns a value in [0, n). It panics if n <= 0.
func (r *Random) IntN(n int) int {
	if n <= 0 {
		panic("engine: IntN called with n <= 0")
	}
	hi, _ := bits.Mul64(r.next(), uint64(n))
	return int(hi)
}

// D rolls a die with the given number of sides.
func (r *Random) D(sides int) int { return r.IntN(sides) + 1 }

// Shuffle permutes n elements in place through swap.
func (r *Random) Shuffle(n int, swap func(i, j int)) {
	for i := n - 1; i > 0; i-- {
		swap(i, r.IntN(i+1))
	}
}

// Pick returns one element of items.
func Pick[T any](r *Random, items []T) T {
	return items[r.IntN(len(items))]
}
