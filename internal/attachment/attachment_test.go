package attachment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/camstream/broadcaster/internal/domain"
	"github.com/camstream/broadcaster/internal/mediagraph"
)

// fakeGraph records link/unlink calls for verification, matching the
// teacher's mockPeer/mockSignaler record-and-assert style.
type fakeGraph struct {
	mu sync.Mutex

	requestErr error
	linkedVideo, linkedAudio     bool
	unlinkedVideo, unlinkedAudio bool
	released                     bool
}

func (f *fakeGraph) RequestAttachment() (mediagraph.Port, mediagraph.Port, error) {
	if f.requestErr != nil {
		return mediagraph.Port{}, mediagraph.Port{}, f.requestErr
	}
	return mediagraph.Port{}, mediagraph.Port{}, nil
}

func (f *fakeGraph) ReleaseAttachment(video, audio mediagraph.Port) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
}

func (f *fakeGraph) LinkVideo(port mediagraph.Port, sink func(*rtp.Packet)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkedVideo = true
}

func (f *fakeGraph) UnlinkVideo(port mediagraph.Port) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlinkedVideo = true
}

func (f *fakeGraph) LinkAudio(port mediagraph.Port, sink func(*rtp.Packet)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkedAudio = true
}

func (f *fakeGraph) UnlinkAudio(port mediagraph.Port) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlinkedAudio = true
}

// fakeWriter records every packet handed to WriteRTP and signals received
// so tests can synchronize with the asynchronous drain goroutine.
type fakeWriter struct {
	mu       sync.Mutex
	pkts     []*rtp.Packet
	received chan struct{}
	err      error
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{received: make(chan struct{}, 16)}
}

func (w *fakeWriter) WriteRTP(pkt *rtp.Packet) error {
	w.mu.Lock()
	w.pkts = append(w.pkts, pkt)
	w.mu.Unlock()
	select {
	case w.received <- struct{}{}:
	default:
	}
	return w.err
}

func TestNew_LinksVideoAndAudio(t *testing.T) {
	g := &fakeGraph{}
	video, audio := newFakeWriter(), newFakeWriter()

	a, err := New(domain.ViewerID("v1"), g, video, audio, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer a.Detach(context.Background())

	g.mu.Lock()
	linkedVideo, linkedAudio := g.linkedVideo, g.linkedAudio
	g.mu.Unlock()

	if !linkedVideo || !linkedAudio {
		t.Errorf("expected both branches linked, got video=%v audio=%v", linkedVideo, linkedAudio)
	}
}

func TestNew_PropagatesRequestAttachmentError(t *testing.T) {
	g := &fakeGraph{requestErr: errors.New("graph stopping")}
	_, err := New(domain.ViewerID("v1"), g, newFakeWriter(), newFakeWriter(), nil)
	if err == nil {
		t.Fatal("expected error when RequestAttachment fails")
	}
}

func TestDetach_UnlinksAndReleasesPorts(t *testing.T) {
	g := &fakeGraph{}
	a, err := New(domain.ViewerID("v1"), g, newFakeWriter(), newFakeWriter(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if err := a.Detach(context.Background()); err != nil {
		t.Fatalf("Detach returned error: %v", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.unlinkedVideo || !g.unlinkedAudio {
		t.Error("expected both branches unlinked")
	}
	if !g.released {
		t.Error("expected ports released")
	}
}

func TestDetach_IsIdempotent(t *testing.T) {
	g := &fakeGraph{}
	a, err := New(domain.ViewerID("v1"), g, newFakeWriter(), newFakeWriter(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if err := a.Detach(context.Background()); err != nil {
		t.Fatalf("first Detach returned error: %v", err)
	}
	if err := a.Detach(context.Background()); err != nil {
		t.Fatalf("second Detach returned error: %v", err)
	}
}

func TestNew_QueuedPacketsReachTheWriter(t *testing.T) {
	g := &fakeGraph{}
	video := newFakeWriter()
	a, err := New(domain.ViewerID("v1"), g, video, newFakeWriter(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer a.Detach(context.Background())

	a.videoQ.push(&rtp.Packet{Header: rtp.Header{SequenceNumber: 42}})

	select {
	case <-video.received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for packet to reach the writer")
	}

	video.mu.Lock()
	defer video.mu.Unlock()
	if len(video.pkts) != 1 || video.pkts[0].SequenceNumber != 42 {
		t.Errorf("unexpected packets written: %+v", video.pkts)
	}
}
