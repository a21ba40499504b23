// Package webrtcpeer implements the per-viewer WebRTC state machine: offer
// creation, remote SDP application, ICE candidate queuing ahead of the
// remote description, and connection-state observation. It generalizes the
// teacher's internal/webrtc/peer.go from a single receiving peer to one of
// many independently owned sending peers.
package webrtcpeer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	pion "github.com/pion/webrtc/v4"

	"github.com/camstream/broadcaster/internal/domain"
)

// State is the PeerSession state machine from the design: New is the
// initial state, Failed and Closed are terminal.
type State int

const (
	StateNew State = iota
	StateLocalOffered
	StateRemoteAnswered
	StateIceChecking
	StateIceConnected
	StateIceCompleted
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateLocalOffered:
		return "local-offered"
	case StateRemoteAnswered:
		return "remote-answered"
	case StateIceChecking:
		return "ice-checking"
	case StateIceConnected:
		return "ice-connected"
	case StateIceCompleted:
		return "ice-completed"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// transceiverWaitDeadline and transceiverPollInterval implement the
	// 20x10ms poll from spec.md §4.3. In pion, AddTrack creates transceivers
	// synchronously, so this loop is expected to exit on its first check;
	// it is kept to preserve the documented discipline for callers that
	// construct a Session before tracks are fully wired.
	transceiverWaitDeadline = 200 * time.Millisecond
	transceiverPollInterval = 10 * time.Millisecond

	videoPayloadType = 96
	audioPayloadType = 97
)

// Config configures a new Session.
type Config struct {
	ViewerID domain.ViewerID
	STUNURLs []string
	TURN     *domain.TurnCredentials // nil means STUN-only
}

// Session wraps one viewer's *pion.PeerConnection plus the ICE candidate
// queuing discipline mandated by spec.md §4.3.
type Session struct {
	id         string
	viewerID   domain.ViewerID
	pc         *pion.PeerConnection
	videoTrack *pion.TrackLocalStaticRTP
	audioTrack *pion.TrackLocalStaticRTP

	mu    sync.Mutex
	state State

	iceMu                    sync.Mutex
	remoteDescriptionApplied bool
	pending                  []domain.IceCandidate

	onICECandidate func(domain.IceCandidate)
	onFatal        func(error)
	fatalOnce      sync.Once

	// submitHook, when set, is invoked with every candidate immediately
	// before it reaches the ICE agent in submitCandidate. It exists only so
	// tests can observe flush order without reaching into the ICE agent.
	submitHook func(domain.IceCandidate)
}

// NewSession creates a PeerConnection with H.264/Opus codecs registered, a
// NACK responder/generator for loss recovery, TURN servers injected if
// TURN credentials are supplied, and one send-only video and audio track
// already attached (which is what causes pion to create the transceivers
// CreateOffer later waits on).
func NewSession(cfg Config) (*Session, error) {
	me := &pion.MediaEngine{}

	h264 := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:    pion.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: videoPayloadType,
	}
	if err := me.RegisterCodec(h264, pion.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register h264 codec: %w", err)
	}

	opus := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:  pion.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: audioPayloadType,
	}
	if err := me.RegisterCodec(opus, pion.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}

	registry := &interceptor.Registry{}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	registry.Add(responder)
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	registry.Add(generator)

	api := pion.NewAPI(pion.WithMediaEngine(me), pion.WithInterceptorRegistry(registry))

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   buildICEServers(cfg),
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	videoTrack, err := pion.NewTrackLocalStaticRTP(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeH264}, "video", string(cfg.ViewerID))
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create video track: %w", err)
	}
	audioTrack, err := pion.NewTrackLocalStaticRTP(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus}, "audio", string(cfg.ViewerID))
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create audio track: %w", err)
	}

	videoSender, err := pc.AddTrack(videoTrack)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("add video track: %w", err)
	}
	audioSender, err := pc.AddTrack(audioTrack)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("add audio track: %w", err)
	}
	go drainRTCP(videoSender)
	go drainRTCP(audioSender)

	s := &Session{
		id:         uuid.NewString(),
		viewerID:   cfg.ViewerID,
		pc:         pc,
		videoTrack: videoTrack,
		audioTrack: audioTrack,
		state:      StateNew,
	}

	pc.OnICECandidate(s.handleLocalCandidate)
	pc.OnICEConnectionStateChange(s.handleICEStateChange)
	pc.OnConnectionStateChange(s.handleConnectionStateChange)

	return s, nil
}

func buildICEServers(cfg Config) []pion.ICEServer {
	var servers []pion.ICEServer
	for _, url := range cfg.STUNURLs {
		servers = append(servers, pion.ICEServer{URLs: []string{url}})
	}
	if cfg.TURN == nil {
		return servers
	}
	if cfg.TURN.TurnURI != "" {
		servers = append(servers, pion.ICEServer{
			URLs:       []string{cfg.TURN.TurnURI},
			Username:   cfg.TURN.Username,
			Credential: cfg.TURN.Password,
		})
	}
	if cfg.TURN.TurnsURI != "" {
		servers = append(servers, pion.ICEServer{
			URLs:       []string{cfg.TURN.TurnsURI},
			Username:   cfg.TURN.Username,
			Credential: cfg.TURN.Password,
		})
	}
	return servers
}

func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (s *Session) handleLocalCandidate(c *pion.ICECandidate) {
	if c == nil {
		return
	}
	j := c.ToJSON()
	var mline uint16
	if j.SDPMLineIndex != nil {
		mline = *j.SDPMLineIndex
	}
	var mid string
	if j.SDPMid != nil {
		mid = *j.SDPMid
	}
	if s.onICECandidate != nil {
		s.onICECandidate(domain.IceCandidate{SDPMid: mid, SDPMLineIndex: mline, Candidate: j.Candidate})
	}
}

func (s *Session) handleICEStateChange(state pion.ICEConnectionState) {
	log.Printf("[peer] %s ice connection state: %s", s.viewerID, state)
	switch state {
	case pion.ICEConnectionStateChecking:
		s.setState(StateIceChecking)
	case pion.ICEConnectionStateConnected:
		s.setState(StateIceConnected)
	case pion.ICEConnectionStateCompleted:
		s.setState(StateIceCompleted)
	case pion.ICEConnectionStateFailed:
		s.fail(fmt.Errorf("ice connection failed for %s", s.viewerID))
	}
}

func (s *Session) handleConnectionStateChange(state pion.PeerConnectionState) {
	log.Printf("[peer] %s connection state: %s", s.viewerID, state)
	if state == pion.PeerConnectionStateFailed {
		s.fail(fmt.Errorf("peer connection failed for %s", s.viewerID))
	}
}

// VideoTrack and AudioTrack expose the send-only tracks so the caller's
// ViewerAttachment can drain leaky queues into them.
func (s *Session) VideoTrack() *pion.TrackLocalStaticRTP { return s.videoTrack }
func (s *Session) AudioTrack() *pion.TrackLocalStaticRTP { return s.audioTrack }

// CreateOffer waits for both transceivers to exist (up to 200ms), then
// creates and applies the local SDP offer.
func (s *Session) CreateOffer(ctx context.Context) (string, error) {
	deadline := time.Now().Add(transceiverWaitDeadline)
	for len(s.pc.GetTransceivers()) < 2 {
		if time.Now().After(deadline) {
			log.Printf("[peer] %s creating offer with fewer than 2 transceivers", s.viewerID)
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(transceiverPollInterval):
		}
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	s.setState(StateLocalOffered)
	return offer.SDP, nil
}

// SetRemoteAnswer blocks until the remote description is applied, then
// atomically flips the ICE gate and flushes any candidates that arrived
// before the answer, in the order they were received.
func (s *Session) SetRemoteAnswer(ctx context.Context, sdp string) error {
	answer := pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: sdp}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	s.setState(StateRemoteAnswered)

	// iceMu stays held through the flush so a candidate arriving meanwhile
	// cannot reach the ICE agent ahead of the queued ones.
	s.iceMu.Lock()
	defer s.iceMu.Unlock()
	s.remoteDescriptionApplied = true
	pending := s.pending
	s.pending = nil

	for _, c := range pending {
		if err := s.submitCandidate(c); err != nil {
			log.Printf("[peer] %s flush queued candidate: %v", s.viewerID, err)
		}
	}
	return nil
}

// AddICECandidate enforces the remote-description gate: candidates that
// arrive before the answer are buffered in a FIFO and never reach the ICE
// agent early.
func (s *Session) AddICECandidate(c domain.IceCandidate) error {
	s.iceMu.Lock()
	if !s.remoteDescriptionApplied {
		s.pending = append(s.pending, c)
		s.iceMu.Unlock()
		return nil
	}
	s.iceMu.Unlock()
	return s.submitCandidate(c)
}

func (s *Session) submitCandidate(c domain.IceCandidate) error {
	if s.submitHook != nil {
		s.submitHook(c)
	}
	if c.Candidate == "" {
		return s.pc.AddICECandidate(pion.ICECandidateInit{})
	}
	mline := c.SDPMLineIndex
	init := pion.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMLineIndex: &mline,
	}
	if c.SDPMid != "" {
		init.SDPMid = &c.SDPMid
	}
	return s.pc.AddICECandidate(init)
}

// OnICECandidate registers the callback for locally gathered candidates.
// Must be called before negotiation starts.
func (s *Session) OnICECandidate(cb func(domain.IceCandidate)) {
	s.onICECandidate = cb
}

// OnFatal registers the callback invoked at most once when ICE or the
// connection transitions to Failed.
func (s *Session) OnFatal(cb func(error)) {
	s.onFatal = cb
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFailed || s.state == StateClosed {
		return
	}
	s.state = st
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state == StateFailed || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.mu.Unlock()

	s.fatalOnce.Do(func() {
		if s.onFatal != nil {
			s.onFatal(err)
		}
	})
}

// Close transitions to Closed and tears down the underlying connection.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.mu.Unlock()
	return s.pc.Close()
}
