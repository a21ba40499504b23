// Package mediagraph implements the shared capture-and-encode fan-out
// engine: one video tee and one audio tee fed by an abstract MediaSource,
// with dynamically attached per-viewer branches.
package mediagraph

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"

	"github.com/camstream/broadcaster/internal/metrics"
)

// GraphState mirrors the SharedGraph lifecycle from the design: a graph is
// always in exactly one of these four states.
type GraphState int

const (
	StateStopped GraphState = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s GraphState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

var (
	// ErrGraphStopping is returned by RequestAttachment once the graph has
	// left the Running state; global invariant 4 forbids new attachments
	// past this point.
	ErrGraphStopping  = errors.New("mediagraph: graph is stopping or stopped")
	ErrAlreadyRunning = errors.New("mediagraph: graph already running")
)

// Port is an opaque, dynamically allocated attachment point on a tee. It
// remains valid until ReleaseAttachment is called and must be released
// exactly once.
type Port struct {
	id string
}

// MediaSource is the abstract boundary to capture, encode, and RTP-payload.
// The shipped implementation (UDPSource) receives already-payloaded RTP from
// an external encoder process; tests substitute a fake source.
type MediaSource interface {
	ReadVideoRTP(ctx context.Context) (*rtp.Packet, error)
	ReadAudioRTP(ctx context.Context) (*rtp.Packet, error)
	Close() error
}

// KeyframeController requests an IDR from the external encoder using the
// two-strategy fallback: an explicit key-unit request first, and a brief
// GOP-max pulse if that request is rejected or times out.
type KeyframeController interface {
	RequestKeyUnit(ctx context.Context) error
	PulseGOPMax(ctx context.Context, frames int, hold time.Duration) error
}

// FatalHandler is notified when the media source reports an unrecoverable
// error. The graph itself does not decide what to do about it — the
// BroadcastManager does — it only surfaces the event.
type FatalHandler func(err error)

// Graph is the shared capture/encode fan-out: one video tee and one audio
// tee, each with a permanent packet counter standing in for the always-on
// null sink, dynamically attached to by ViewerAttachments while running.
type Graph struct {
	source   MediaSource
	keyframe KeyframeController
	metrics  *metrics.Collector
	onFatal  FatalHandler

	mu    sync.Mutex
	state GraphState

	videoTee *tee
	audioTee *tee

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGraph constructs a Graph in the Stopped state. Start must be called
// before RequestAttachment will succeed.
func NewGraph(source MediaSource, keyframe KeyframeController, m *metrics.Collector) *Graph {
	return &Graph{
		source:   source,
		keyframe: keyframe,
		metrics:  m,
		videoTee: newTee(),
		audioTee: newTee(),
		state:    StateStopped,
	}
}

// SetFatalHandler registers the callback invoked when the media source
// bubbles up an unrecoverable read error. Must be called before Start.
func (g *Graph) SetFatalHandler(h FatalHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onFatal = h
}

func (g *Graph) State() GraphState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Start transitions Stopped -> Starting -> Running and spawns the video and
// audio pump goroutines. It returns once both pumps are launched; readiness
// of the underlying source is the source's own responsibility.
func (g *Graph) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.state != StateStopped {
		g.mu.Unlock()
		return ErrAlreadyRunning
	}
	g.state = StateStarting
	g.mu.Unlock()

	pumpCtx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel

	g.wg.Add(2)
	go g.pump(pumpCtx, "video", g.source.ReadVideoRTP, g.videoTee, g.metrics.VideoPacket)
	go g.pump(pumpCtx, "audio", g.source.ReadAudioRTP, g.audioTee, g.metrics.AudioPacket)

	g.mu.Lock()
	g.state = StateRunning
	g.mu.Unlock()

	log.Printf("[graph] running")
	return nil
}

func (g *Graph) pump(ctx context.Context, name string, read func(context.Context) (*rtp.Packet, error), t *tee, record func(int)) {
	defer g.wg.Done()
	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pkt, err := read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveErrors++
			log.Printf("[graph] %s read error: %v", name, err)
			if consecutiveErrors >= 50 {
				g.reportFatal(err)
				return
			}
			continue
		}
		consecutiveErrors = 0
		if record != nil {
			record(len(pkt.Payload))
		}
		t.fanOut(pkt)
	}
}

func (g *Graph) reportFatal(err error) {
	g.mu.Lock()
	h := g.onFatal
	g.mu.Unlock()
	if h != nil {
		h(err)
	}
}

// Stop transitions to Stopping, cancels the pumps, waits for them to exit
// (bounded by ctx), and closes the underlying source. It is safe to call
// more than once. Callers are responsible for detaching viewers first; the
// graph itself holds no viewer state.
func (g *Graph) Stop(ctx context.Context) error {
	g.mu.Lock()
	if g.state == StateStopped || g.state == StateStopping {
		g.mu.Unlock()
		return nil
	}
	g.state = StateStopping
	g.mu.Unlock()

	if g.cancel != nil {
		g.cancel()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if err := g.source.Close(); err != nil {
		log.Printf("[graph] source close: %v", err)
	}

	g.mu.Lock()
	g.state = StateStopped
	g.mu.Unlock()
	log.Printf("[graph] stopped")
	return nil
}

// RequestAttachment allocates a fresh port on each tee. The ports are valid
// until ReleaseAttachment is called and are not yet linked to any sink.
func (g *Graph) RequestAttachment() (video, audio Port, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateRunning {
		return Port{}, Port{}, ErrGraphStopping
	}
	return Port{id: uuid.NewString()}, Port{id: uuid.NewString()}, nil
}

// ReleaseAttachment releases both ports. Idempotent: releasing an
// already-released or never-linked port is a no-op.
func (g *Graph) ReleaseAttachment(video, audio Port) {
	g.videoTee.unlink(video.id)
	g.audioTee.unlink(audio.id)
}

// LinkVideo is the final step of dynamic attachment: it registers sink
// against port so the video pump starts fanning packets to it. Callers must
// ensure sink is already draining before calling this.
func (g *Graph) LinkVideo(port Port, s func(*rtp.Packet)) {
	g.videoTee.link(port.id, s)
}

// UnlinkVideo removes sink from the fan-out registry. Safe before or after
// ReleaseAttachment.
func (g *Graph) UnlinkVideo(port Port) {
	g.videoTee.unlink(port.id)
}

// LinkAudio mirrors LinkVideo for the audio branch.
func (g *Graph) LinkAudio(port Port, s func(*rtp.Packet)) {
	g.audioTee.link(port.id, s)
}

// UnlinkAudio mirrors UnlinkVideo for the audio branch.
func (g *Graph) UnlinkAudio(port Port) {
	g.audioTee.unlink(port.id)
}

// ForceKeyframe requests an immediate IDR plus parameter-set repetition. It
// is safe to call concurrently with viewer attach/detach: it never touches
// the tee registries.
func (g *Graph) ForceKeyframe(ctx context.Context) error {
	if err := g.keyframe.RequestKeyUnit(ctx); err == nil {
		return nil
	} else {
		log.Printf("[graph] key-unit request rejected, falling back to GOP pulse: %v", err)
	}
	return g.keyframe.PulseGOPMax(ctx, 1, 100*time.Millisecond)
}

// ViewerCount reports how many viewers are currently linked to the video
// tee, for metrics/diagnostics.
func (g *Graph) ViewerCount() int {
	return g.videoTee.linkedCount()
}
