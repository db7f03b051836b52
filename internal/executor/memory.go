package executor

import (
	"runtime/metrics"
	"sync"
	"sync/atomic"
	"time"
)

const heapMetric = "/memory/classes/heap/objects:bytes"

// liveHeap returns bytes occupied by heap objects (live plus not yet swept).
func liveHeap() uint64 {
	s := []metrics.Sample{{Name: heapMetric}}
	metrics.Read(s)
	if s[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return s[0].Value.Uint64()
}

// memSampler tracks heap growth since start and fires onExceed once when it
// passes limit. Interpreter allocations are not tagged per job, so with
// several jobs running the growth is shared and attribution is approximate.
type memSampler struct {
	read     func() uint64
	interval time.Duration
	limit    uint64
	onExceed func()

	baseline uint64
	peak     atomic.Uint64
	exceeded atomic.Bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func startMemSampler(read func() uint64, interval time.Duration, limit uint64, onExceed func()) *memSampler {
	m := &memSampler{
		read:     read,
		interval: interval,
		limit:    limit,
		onExceed: onExceed,
		baseline: read(),
		stop:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.loop()
	return m
}

func (m *memSampler) loop() {
	defer m.wg.Done()
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			m.sample()
			return
		case <-t.C:
			if m.sample() {
				return
			}
		}
	}
}

// sample records one reading; it reports true once the limit has been hit.
func (m *memSampler) sample() bool {
	cur := m.read()
	var grew uint64
	if cur > m.baseline {
		grew = cur - m.baseline
	}
	for {
		old := m.peak.Load()
		if grew <= old || m.peak.CompareAndSwap(old, grew) {
			break
		}
	}
	if m.limit > 0 && grew > m.limit && m.exceeded.CompareAndSwap(false, true) {
		m.onExceed()
		return true
	}
	return m.exceeded.Load()
}

// Stop halts sampling and waits for the goroutine to exit.
func (m *memSampler) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func (m *memSampler) PeakMB() float64 { return float64(m.peak.Load()) / (1 << 20) }

func (m *memSampler) Exceeded() bool { return m.exceeded.Load() }
