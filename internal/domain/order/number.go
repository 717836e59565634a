package order

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// numberAlphabet avoids 0/O and 1/I so order numbers survive being read out
// over the phone.
const numberAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

const (
	numberPrefix = "KAPC"
	tokenLength  = 6

	// Sized for years of traffic from a single process; collisions past the
	// filter are caught by the unique constraint and retried.
	numberBloomCapacity = 1_000_000
	numberBloomFPR      = 0.001
)

// NumberGenerator produces human-readable order numbers of the form
// KAPC-<year>-<token>. A bloom filter of numbers issued by this process
// pre-screens repeats cheaply; the database unique constraint is the real
// guarantee, and callers retry creation on a unique violation.
type NumberGenerator struct {
	mu     sync.Mutex
	issued *bloom.BloomFilter
	now    func() time.Time
}

// NewNumberGenerator creates a NumberGenerator.
func NewNumberGenerator() *NumberGenerator {
	return &NumberGenerator{
		issued: bloom.NewWithEstimates(numberBloomCapacity, numberBloomFPR),
		now:    time.Now,
	}
}

// Next returns a fresh order number not previously issued by this process.
func (g *NumberGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	year := g.now().Year()
	for {
		n := fmt.Sprintf("%s-%d-%s", numberPrefix, year, randomToken())
		if g.issued.TestString(n) {
			continue
		}
		g.issued.AddString(n)
		return n
	}
}

func randomToken() string {
	buf := make([]byte, tokenLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the OS entropy source is broken.
		panic(err)
	}
	for i, b := range buf {
		buf[i] = numberAlphabet[int(b)%len(numberAlphabet)]
	}
	return string(buf)
}
