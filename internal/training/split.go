package training

import (
	"math/rand/v2"
)

// Split shuffles the indices 0..n-1 with a seeded generator and takes the
// first int(fraction*n) as the validation partition. The same seed always
// gives the same partitions.
func Split(n int, fraction float64, seed uint64) (train, validation []int) {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	rng := rand.New(rand.NewPCG(seed, seed))
	rng.Shuffle(n, func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })

	valSize := int(fraction * float64(n))
	return indices[valSize:], indices[:valSize]
}
