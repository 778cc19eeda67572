package utils

import (
	"math/rand"
	"sync"
)

// RandomStringGenerator hands out fixed-length random identifiers. The
// alphabet is lowercase-only so tokens compare equal regardless of how a
// peer normalizes case.
type RandomStringGenerator struct {
	mut sync.Mutex
	gen *rand.Rand
}

func CreateRandomStringGenerator(seed int64) *RandomStringGenerator {
	return &RandomStringGenerator{
		gen: rand.New(rand.NewSource(seed)),
	}
}

var letters = []rune("0123456789abcdefghijklmnopqrstuvwxyz")

func (g *RandomStringGenerator) GetRandomString(n int) string {
	g.mut.Lock()
	defer g.mut.Unlock()

	b := make([]rune, n)
	for i := range b {
		b[i] = letters[g.gen.Intn(len(letters))]
	}
	return string(b)
}
