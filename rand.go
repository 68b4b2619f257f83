package simvar

import (
	cryrand "crypto/rand"
	"encoding/binary"
	"math"
	mathrand2 "math/rand/v2"
	"sync"
	"time"
)

// SimRNG is the single source of entropy for a simulation
// run. It is a ChaCha8 generator keyed by a uint64 seed,
// behind a mutex so that multiple simulated connections
// can draw from it within one scheduler tick. The
// scheduler itself is single goroutine, so the mutex is
// for Send/Sync hygiene rather than real contention.
//
// Everything "random" in the simulator -- latency hops,
// poll-order shuffles, fault injection -- must come from
// here, or reproducibility from the seed is lost.
type SimRNG struct {
	mut    sync.Mutex
	seed   uint64
	chacha *mathrand2.ChaCha8
	rng    *mathrand2.Rand
}

// NewSimRNG keys a fresh generator from seed. The uint64
// is expanded to the 32 byte ChaCha8 key with splitmix64,
// so nearby seeds still give unrelated streams.
func NewSimRNG(seed uint64) *SimRNG {
	var key [32]byte
	x := seed
	for i := 0; i < 4; i++ {
		x = splitmix64(x)
		binary.LittleEndian.PutUint64(key[i*8:], x)
	}
	chacha := mathrand2.NewChaCha8(key)
	return &SimRNG{
		seed:   seed,
		chacha: chacha,
		rng:    mathrand2.New(chacha),
	}
}

// splitmix64 step; the standard finalizer from
// Vigna's splitmix64.c.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// Seed returns the seed this generator was keyed with.
func (s *SimRNG) Seed() uint64 {
	return s.seed
}

func (s *SimRNG) Uint64() (r uint64) {
	s.mut.Lock()
	r = s.rng.Uint64()
	s.mut.Unlock()
	return
}

// Int64n returns a uniform pseudo random number in [0, n).
func (s *SimRNG) Int64n(n int64) (r int64) {
	s.mut.Lock()
	r = s.rng.Int64N(n)
	s.mut.Unlock()
	return
}

func (s *SimRNG) Float64() (r float64) {
	s.mut.Lock()
	r = s.rng.Float64()
	s.mut.Unlock()
	return
}

// Bool is a weighted coin: true with probability p.
func (s *SimRNG) Bool(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return s.Float64() < p
}

// Range returns a uniform duration in [lo, hi].
func (s *SimRNG) Range(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	vary := int64(hi - lo)
	return lo + time.Duration(s.Int64n(vary+1))
}

// RangeDist returns a duration in [lo, hi] biased toward
// lo by skew. skew 1 is uniform; larger skews cluster
// draws near lo while keeping the occasional outlier
// near hi, which is how real network latency looks.
func (s *SimRNG) RangeDist(lo, hi time.Duration, skew float64) time.Duration {
	if hi <= lo {
		return lo
	}
	if skew < 1 {
		skew = 1
	}
	u := s.Float64()
	frac := math.Pow(u, skew)
	return lo + time.Duration(frac*float64(hi-lo))
}

// Perm returns a pseudo random permutation of [0, n).
func (s *SimRNG) Perm(n int) []int {
	s.mut.Lock()
	r := s.rng.Perm(n)
	s.mut.Unlock()
	return r
}

// Shuffle permutes n elements in place via swap.
func (s *SimRNG) Shuffle(n int, swap func(i, j int)) {
	s.mut.Lock()
	s.rng.Shuffle(n, swap)
	s.mut.Unlock()
}

// TieBreaker returns -1 or 1, a fair coin used to order
// otherwise-tied events.
func (s *SimRNG) TieBreaker() int {
	for {
		a := s.Uint64()
		b := s.Uint64()
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		// loop and try again on ties.
	}
}

// DeriveSeed gives the sub-seed for run number run of a
// multi-run sequence. Run 0 is the initial seed itself so
// that single-run reproduction commands stay trivial.
func (s *SimRNG) DeriveSeed(run int) uint64 {
	if run == 0 {
		return s.seed
	}
	return splitmix64(s.seed + uint64(run))
}

//=========================================
// process-wide convenience generator.
//
// Only sane inside the single-threaded
// simulation; library code that cannot be
// handed an explicit *SimRNG reaches for
// this instead.
//=========================================

var globalRNGMut sync.Mutex
var globalRNG *SimRNG
var globalInitialSeed uint64

// SeedRNG installs a fresh process-wide generator keyed
// by seed, and records seed as the initial seed for
// multi-run reproduction.
func SeedRNG(seed uint64) {
	globalRNGMut.Lock()
	globalRNG = NewSimRNG(seed)
	globalInitialSeed = seed
	globalRNGMut.Unlock()
}

// GlobalRNG returns the process-wide generator, seeding
// it from crypto/rand on first use if SeedRNG was never
// called.
func GlobalRNG() *SimRNG {
	globalRNGMut.Lock()
	defer globalRNGMut.Unlock()
	if globalRNG == nil {
		var b [8]byte
		_, err := cryrand.Read(b[:])
		panicOn(err)
		seed := binary.LittleEndian.Uint64(b[:])
		globalRNG = NewSimRNG(seed)
		globalInitialSeed = seed
	}
	return globalRNG
}

// InitialSeed reports the seed the process-wide generator
// started from, so an entire multi-run sequence can be
// replayed from its beginning.
func InitialSeed() uint64 {
	GlobalRNG()
	globalRNGMut.Lock()
	defer globalRNGMut.Unlock()
	return globalInitialSeed
}
