package simvar

import (
	"time"

	"github.com/caio/go-tdigest"
)

// LatencyDigest accumulates simulated hop latencies in a
// t-digest so the harness can report quantiles without
// keeping every sample.
type LatencyDigest struct {
	td *tdigest.TDigest
}

func NewLatencyDigest() *LatencyDigest {
	td, err := tdigest.New(tdigest.Compression(100))
	panicOn(err)
	return &LatencyDigest{td: td}
}

func (d *LatencyDigest) Add(hop time.Duration) {
	// Add only errors on NaN/Inf, which a Duration
	// cannot produce.
	d.td.Add(float64(hop))
}

func (d *LatencyDigest) Count() int64 {
	return int64(d.td.Count())
}

// Quantile returns the q-th latency quantile, or 0 when
// no samples were recorded.
func (d *LatencyDigest) Quantile(q float64) time.Duration {
	if d.td.Count() == 0 {
		return 0
	}
	return time.Duration(d.td.Quantile(q))
}
