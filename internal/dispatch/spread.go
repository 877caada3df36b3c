package dispatch

import (
	"hash/fnv"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"
)

var spreadSeq uint64

// newSpreadRNG seeds a dedicated RNG per request so concurrent submits never
// contend on a shared source and schedules stay reproducible under test seeds.
func newSpreadRNG(tag string) *rand.Rand {
	seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&spreadSeq, 1)) ^ int64(fnv64a(tag))
	return rand.New(rand.NewSource(seed))
}

// spreadOffsets draws one uniform offset in [0, window) per target, sorts the
// draws ascending, and greedily pushes each element forward until adjacent
// offsets are at least gap apart. Earlier elements are never moved.
//
// window == 0 forces every draw to zero, so the push step alone yields the
// sequence 0, gap, 2*gap, ... regardless of the RNG.
func spreadOffsets(n int, window, gap time.Duration, rng *rand.Rand) []time.Duration {
	if n <= 0 {
		return nil
	}
	offs := make([]time.Duration, n)
	if window > 0 {
		for i := range offs {
			offs[i] = time.Duration(rng.Int63n(int64(window)))
		}
		sort.Slice(offs, func(i, j int) bool { return offs[i] < offs[j] })
	}
	if gap > 0 {
		for i := 1; i < n; i++ {
			if offs[i]-offs[i-1] < gap {
				offs[i] = offs[i-1] + gap
			}
		}
	}
	return offs
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
