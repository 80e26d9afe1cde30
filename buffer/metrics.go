package buffer

import (
	"fmt"
	"sync/atomic"
)

// na + nr equal the total number of acquires
// na + nr - np equal the number of buffers still checked out.
type PoolMetrics struct {
	na uint64 // number of new acquires
	nr uint64 // number of reuse from pool
	np uint64 // number of put back to pool
	nd uint64 // number of refused double releases
}

func newPoolMetrics() *PoolMetrics { return &PoolMetrics{} }

func (m *PoolMetrics) addNew()                  { atomic.AddUint64(&m.na, 1) }
func (m *PoolMetrics) addReuse()                { atomic.AddUint64(&m.nr, 1) }
func (m *PoolMetrics) addPut()                  { atomic.AddUint64(&m.np, 1) }
func (m *PoolMetrics) addDoubleRelease() uint64 { return atomic.AddUint64(&m.nd, 1) }

func (m *PoolMetrics) snapshot() Stats {
	return Stats{
		New:            atomic.LoadUint64(&m.na),
		Reused:         atomic.LoadUint64(&m.nr),
		PutBack:        atomic.LoadUint64(&m.np),
		DoubleReleases: atomic.LoadUint64(&m.nd),
	}
}

// Stats is a point-in-time view of a Pool.
type Stats struct {
	New            uint64
	Reused         uint64
	PutBack        uint64
	DoubleReleases uint64
	Free           int
}

// InUse returns the number of buffers checked out and not yet returned.
func (s Stats) InUse() int64 {
	return int64(s.New+s.Reused) - int64(s.PutBack)
}

func (s Stats) String() string {
	return fmt.Sprintf("[ new:%d|reuse:%d|putback:%d, inuse:%d, free:%d, double:%d ]",
		s.New, s.Reused, s.PutBack, s.InUse(), s.Free, s.DoubleReleases)
}
