package pipeline

import (
	"math"
	"math/rand/v2"
)

// MaxSeed is the largest seed handed to the generator.
const MaxSeed = math.MaxInt32

// DeriveSeed returns seed unchanged, or a uniform draw from [0, MaxSeed]
// when randomize is set.
func DeriveSeed(randomize bool, seed uint32) uint32 {
	if !randomize {
		return seed
	}
	return rand.Uint32N(MaxSeed + 1)
}
