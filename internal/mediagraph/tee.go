package mediagraph

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
)

// sink receives fanned-out RTP packets for one dynamically attached branch.
type sink func(*rtp.Packet)

// tee fans one RTP stream out to N dynamically linked sinks. It also keeps a
// permanent packet counter that is touched on every packet regardless of how
// many viewer sinks are linked, playing the role of the always-consuming
// null sink from the source pipeline: the upstream reader is never starved
// of a reason to keep draining just because zero viewers are attached.
type tee struct {
	mu    sync.RWMutex
	sinks map[string]sink

	nullCount atomic.Uint64
}

func newTee() *tee {
	return &tee{sinks: make(map[string]sink)}
}

func (t *tee) link(portID string, s sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinks[portID] = s
}

func (t *tee) unlink(portID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sinks, portID)
}

// fanOut delivers pkt to every currently linked sink. The sink map is
// snapshotted under the read lock and invoked outside of it so that a slow
// sink's leaky-queue push can never block link/unlink or a sibling's
// delivery.
func (t *tee) fanOut(pkt *rtp.Packet) {
	t.nullCount.Add(1)

	t.mu.RLock()
	snapshot := make([]sink, 0, len(t.sinks))
	for _, s := range t.sinks {
		snapshot = append(snapshot, s)
	}
	t.mu.RUnlock()

	for _, s := range snapshot {
		s(pkt)
	}
}

func (t *tee) linkedCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sinks)
}
