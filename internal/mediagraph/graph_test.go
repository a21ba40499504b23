package mediagraph

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
)

// fakeSource yields packets pushed to it via feed, and blocks otherwise
// until ctx is done, matching MediaSource's blocking-read contract.
type fakeSource struct {
	video, audio chan *rtp.Packet
	closed       bool
	mu           sync.Mutex
}

func newFakeSource() *fakeSource {
	return &fakeSource{video: make(chan *rtp.Packet, 8), audio: make(chan *rtp.Packet, 8)}
}

func (s *fakeSource) ReadVideoRTP(ctx context.Context) (*rtp.Packet, error) {
	select {
	case pkt := <-s.video:
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSource) ReadAudioRTP(ctx context.Context) (*rtp.Packet, error) {
	select {
	case pkt := <-s.audio:
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeKeyframeController struct {
	requestErr error
	requested  int
	pulsed     int
	mu         sync.Mutex
}

func (k *fakeKeyframeController) RequestKeyUnit(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.requested++
	return k.requestErr
}

func (k *fakeKeyframeController) PulseGOPMax(ctx context.Context, frames int, hold time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pulsed++
	return nil
}

func TestGraph_StartRequiresStoppedState(t *testing.T) {
	g := NewGraph(newFakeSource(), &fakeKeyframeController{}, nil)
	ctx := context.Background()

	if err := g.Start(ctx); err != nil {
		t.Fatalf("first Start returned error: %v", err)
	}
	defer g.Stop(context.Background())

	if err := g.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestGraph_RequestAttachmentFailsUnlessRunning(t *testing.T) {
	g := NewGraph(newFakeSource(), &fakeKeyframeController{}, nil)

	if _, _, err := g.RequestAttachment(); !errors.Is(err, ErrGraphStopping) {
		t.Errorf("expected ErrGraphStopping before Start, got %v", err)
	}
}

func TestGraph_FanOutReachesLinkedViewer(t *testing.T) {
	source := newFakeSource()
	g := NewGraph(source, &fakeKeyframeController{}, nil)
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer g.Stop(context.Background())

	video, audio, err := g.RequestAttachment()
	if err != nil {
		t.Fatalf("RequestAttachment returned error: %v", err)
	}

	received := make(chan *rtp.Packet, 1)
	g.LinkVideo(video, func(pkt *rtp.Packet) { received <- pkt })

	source.video <- &rtp.Packet{Header: rtp.Header{SequenceNumber: 7}}

	select {
	case pkt := <-received:
		if pkt.SequenceNumber != 7 {
			t.Errorf("expected sequence 7, got %d", pkt.SequenceNumber)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fanned-out packet")
	}

	g.UnlinkVideo(video)
	g.ReleaseAttachment(video, audio)
}

func TestGraph_StopClosesSource(t *testing.T) {
	source := newFakeSource()
	g := NewGraph(source, &fakeKeyframeController{}, nil)
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	if err := g.Stop(context.Background()); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}

	source.mu.Lock()
	defer source.mu.Unlock()
	if !source.closed {
		t.Error("expected source to be closed after Stop")
	}
	if g.State() != StateStopped {
		t.Errorf("expected StateStopped, got %s", g.State())
	}
}

func TestGraph_ForceKeyframeFallsBackToGOPPulse(t *testing.T) {
	kf := &fakeKeyframeController{requestErr: errors.New("rejected")}
	g := NewGraph(newFakeSource(), kf, nil)

	if err := g.ForceKeyframe(context.Background()); err != nil {
		t.Fatalf("ForceKeyframe returned error: %v", err)
	}

	kf.mu.Lock()
	defer kf.mu.Unlock()
	if kf.requested != 1 || kf.pulsed != 1 {
		t.Errorf("expected one key-unit request and one GOP pulse, got requested=%d pulsed=%d", kf.requested, kf.pulsed)
	}
}

func TestGraph_ForceKeyframeSkipsPulseWhenKeyUnitSucceeds(t *testing.T) {
	kf := &fakeKeyframeController{}
	g := NewGraph(newFakeSource(), kf, nil)

	if err := g.ForceKeyframe(context.Background()); err != nil {
		t.Fatalf("ForceKeyframe returned error: %v", err)
	}

	kf.mu.Lock()
	defer kf.mu.Unlock()
	if kf.requested != 1 || kf.pulsed != 0 {
		t.Errorf("expected no GOP pulse when key-unit succeeds, got requested=%d pulsed=%d", kf.requested, kf.pulsed)
	}
}
