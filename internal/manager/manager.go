// Package manager implements the BroadcastManager composition root: it owns
// the viewer registry, wires the shared graph to the signaling adapter, and
// implements domain.Handler exactly as spec.md §4.6 describes each event.
package manager

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/camstream/broadcaster/internal/attachment"
	"github.com/camstream/broadcaster/internal/domain"
	"github.com/camstream/broadcaster/internal/mediagraph"
	"github.com/camstream/broadcaster/internal/metrics"
	"github.com/camstream/broadcaster/internal/webrtcpeer"
)

const (
	sessionSetupTimeout   = 10 * time.Second
	viewerDetachTimeout   = 2 * time.Second
	shutdownDetachTimeout = 2 * time.Second
)

// record is one entry in the viewer registry (ViewerRecord in the design).
type record struct {
	id         domain.ViewerID
	attachment *attachment.Attachment
	session    domain.PeerSession
	joinedAt   time.Time
}

// Config holds the fixed parameters a Manager needs at construction.
type Config struct {
	StreamID string
	STUNURLs []string
}

// Manager is the BroadcastManager. It implements domain.Handler and is
// driven entirely by callbacks from the SignalingAdapter and the shared
// graph's fatal-error bus.
type Manager struct {
	cfg      Config
	graph    *mediagraph.Graph
	sig      domain.Signaler
	turnProv domain.TurnCache
	metrics  *metrics.Collector

	mu      sync.Mutex
	viewers map[domain.ViewerID]*record
	// locks holds a reservation+serialization token per viewer, alive from
	// the moment OnViewerJoined admits the id until removeViewer finishes.
	// Its presence, not the viewers map, is the source of truth for "is this
	// viewer id currently owned by the manager" (spec.md §4.6's registry
	// dedup check), because a join in flight has no record yet but must
	// still block a racing viewer-left or duplicate viewer-joined.
	locks map[domain.ViewerID]*sync.Mutex

	onShutdown func(error)
}

// New constructs a Manager. graph must already be constructed (not
// started); Start calls graph.Start. sig may be nil at construction time to
// break the circular dependency between Manager and its SignalingAdapter
// (the adapter needs the Manager as its domain.Handler); call SetSignaler
// before Start in that case, mirroring the teacher's viewer.SetSignaler.
func New(cfg Config, graph *mediagraph.Graph, sig domain.Signaler, turnProv domain.TurnCache, m *metrics.Collector) *Manager {
	return &Manager{
		cfg:      cfg,
		graph:    graph,
		sig:      sig,
		turnProv: turnProv,
		metrics:  m,
		viewers:  make(map[domain.ViewerID]*record),
		locks:    make(map[domain.ViewerID]*sync.Mutex),
	}
}

// SetSignaler completes construction when sig was nil in New.
func (m *Manager) SetSignaler(sig domain.Signaler) {
	m.sig = sig
}

// OnShutdown registers the callback invoked once, from OnFatal, after every
// viewer has been detached. main uses it to unblock and exit non-zero.
func (m *Manager) OnShutdown(cb func(error)) {
	m.onShutdown = cb
}

// Start brings the graph up, connects to signaling, and registers as the
// broadcaster for cfg.StreamID.
func (m *Manager) Start(ctx context.Context) error {
	m.graph.SetFatalHandler(m.OnFatal)
	if err := m.graph.Start(ctx); err != nil {
		return fmt.Errorf("start graph: %w", err)
	}
	if err := m.sig.Connect(); err != nil {
		return fmt.Errorf("connect signaling: %w", err)
	}
	if err := m.sig.RegisterBroadcaster(m.cfg.StreamID); err != nil {
		return fmt.Errorf("register broadcaster: %w", err)
	}
	log.Printf("[manager] started, stream=%s", m.cfg.StreamID)
	return nil
}

// Stop detaches every viewer and stops the graph. Intended for a clean
// shutdown path distinct from OnFatal's crash path.
func (m *Manager) Stop(ctx context.Context) error {
	m.detachAll()
	m.sig.Close()
	return m.graph.Stop(ctx)
}

// OnViewerJoined implements spec.md §4.6: if the viewer is already known
// (join in flight or complete), do nothing; otherwise build and wire its
// session and attachment, offer, and register it. The reservation check
// runs synchronously (so a second call for the same id, arriving on the
// same signaling read loop right after this one, always sees it), but the
// actual session/attachment setup is offloaded to its own goroutine per
// domain.Handler's contract, since it can block for up to
// sessionSetupTimeout on a TURN credential fetch.
func (m *Manager) OnViewerJoined(id domain.ViewerID) {
	m.mu.Lock()
	if _, exists := m.locks[id]; exists {
		m.mu.Unlock()
		return
	}
	// Take the token before publishing it, so a removeViewer that looks it up
	// next always waits for this join to finish.
	lock := &sync.Mutex{}
	lock.Lock()
	m.locks[id] = lock
	m.mu.Unlock()

	go func() {
		defer lock.Unlock()

		if err := m.attachViewer(id); err != nil {
			log.Printf("[manager] %s join failed: %v", id, err)
			m.metrics.ViewerFailed("join")
			m.mu.Lock()
			delete(m.locks, id)
			m.mu.Unlock()
		}
	}()
}

func (m *Manager) attachViewer(id domain.ViewerID) error {
	ctx, cancel := context.WithTimeout(context.Background(), sessionSetupTimeout)
	defer cancel()

	var turnCreds *domain.TurnCredentials
	if m.turnProv != nil {
		creds, err := m.turnProv.GetCredentials(ctx)
		if err != nil {
			log.Printf("[manager] %s turn credentials unavailable, falling back to STUN: %v", id, err)
		} else {
			turnCreds = &creds
		}
	}

	session, err := webrtcpeer.NewSession(webrtcpeer.Config{
		ViewerID: id,
		STUNURLs: m.cfg.STUNURLs,
		TURN:     turnCreds,
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	att, err := attachment.New(id, m.graph, session.VideoTrack(), session.AudioTrack(), m.metrics)
	if err != nil {
		session.Close()
		return fmt.Errorf("create attachment: %w", err)
	}

	session.OnICECandidate(func(c domain.IceCandidate) {
		if err := m.sig.SendIceCandidate(id, c); err != nil {
			log.Printf("[manager] %s send ice candidate: %v", id, err)
		}
	})
	session.OnFatal(func(cause error) {
		log.Printf("[manager] %s session failed: %v", id, cause)
		m.metrics.ViewerFailed("session-failed")
		go m.removeViewer(id)
	})

	sdp, err := session.CreateOffer(ctx)
	if err != nil {
		att.Detach(ctx)
		session.Close()
		return fmt.Errorf("create offer: %w", err)
	}
	if err := m.sig.SendOffer(id, sdp); err != nil {
		att.Detach(ctx)
		session.Close()
		return fmt.Errorf("send offer: %w", err)
	}

	m.mu.Lock()
	m.viewers[id] = &record{id: id, attachment: att, session: session, joinedAt: time.Now()}
	m.mu.Unlock()

	m.metrics.ViewerJoined()
	log.Printf("[manager] %s joined", id)
	return nil
}

// OnAnswer implements spec.md §4.6: apply the answer, then force a keyframe
// strictly after the remote description is applied. The registry lookup is
// synchronous; SetRemoteAnswer and ForceKeyframe are offloaded to their own
// goroutine per domain.Handler's contract, since ForceKeyframe's
// PulseGOPMax fallback can hold for up to 100ms.
func (m *Manager) OnAnswer(id domain.ViewerID, sdp string) {
	m.mu.Lock()
	rec, ok := m.viewers[id]
	m.mu.Unlock()
	if !ok {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sessionSetupTimeout)
		defer cancel()

		if err := rec.session.SetRemoteAnswer(ctx, sdp); err != nil {
			log.Printf("[manager] %s set remote answer: %v", id, err)
			return
		}
		if err := m.graph.ForceKeyframe(ctx); err != nil {
			log.Printf("[manager] %s force keyframe: %v", id, err)
			return
		}
		m.metrics.KeyframeRequested("viewer-join")
	}()
}

// OnIceCandidate implements spec.md §4.6: drop silently if the viewer is not
// (or no longer) known, since races on disconnect are expected.
func (m *Manager) OnIceCandidate(id domain.ViewerID, c domain.IceCandidate) {
	m.mu.Lock()
	rec, ok := m.viewers[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := rec.session.AddICECandidate(c); err != nil {
		log.Printf("[manager] %s add ice candidate: %v", id, err)
	}
}

// OnViewerLeft implements spec.md §4.6: remove and detach. Offloaded onto
// its own goroutine so the signaling read loop is never blocked by the
// detach sequence's bounded waits.
func (m *Manager) OnViewerLeft(id domain.ViewerID) {
	go m.removeViewer(id)
}

// removeViewer blocks on the viewer's serialization token, so it cannot
// observe a half-completed OnViewerJoined, then removes and tears down the
// record if one exists.
func (m *Manager) removeViewer(id domain.ViewerID) {
	m.mu.Lock()
	lock, ok := m.locks[id]
	m.mu.Unlock()
	if !ok {
		return
	}

	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	rec, ok := m.viewers[id]
	delete(m.viewers, id)
	delete(m.locks, id)
	m.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), viewerDetachTimeout)
	defer cancel()
	if err := rec.attachment.Detach(ctx); err != nil {
		log.Printf("[manager] %s detach: %v", id, err)
	}
	if err := rec.session.Close(); err != nil {
		log.Printf("[manager] %s session close: %v", id, err)
	}

	m.metrics.ViewerLeft()
	log.Printf("[manager] %s left after %s", id, time.Since(rec.joinedAt).Round(time.Second))
}

// OnFatal is wired as the graph's bus-error callback (spec.md §8 S6): it
// detaches every viewer within a bounded window and signals main to exit.
func (m *Manager) OnFatal(err error) {
	log.Printf("[manager] graph reported fatal error: %v", err)
	m.detachAll()
	if m.onShutdown != nil {
		m.onShutdown(err)
	}
}

func (m *Manager) detachAll() {
	m.mu.Lock()
	ids := make([]domain.ViewerID, 0, len(m.viewers))
	for id := range m.viewers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id domain.ViewerID) {
			defer wg.Done()
			m.removeViewer(id)
		}(id)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(shutdownDetachTimeout):
		log.Printf("[manager] shutdown detach exceeded %s", shutdownDetachTimeout)
	}
}

// ViewerCount reports the number of fully joined viewers, for diagnostics.
func (m *Manager) ViewerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.viewers)
}
