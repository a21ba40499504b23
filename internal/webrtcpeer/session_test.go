package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	pion "github.com/pion/webrtc/v4"

	"github.com/camstream/broadcaster/internal/domain"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession(Config{ViewerID: domain.ViewerID("v1")})
	if err != nil {
		t.Fatalf("NewSession returned error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSession_InitialState(t *testing.T) {
	s := newTestSession(t)
	if s.State() != StateNew {
		t.Errorf("expected StateNew, got %s", s.State())
	}
	if s.VideoTrack() == nil || s.AudioTrack() == nil {
		t.Error("expected both tracks to be constructed")
	}
}

func TestAddICECandidate_QueuesBeforeRemoteDescriptionApplied(t *testing.T) {
	s := newTestSession(t)

	for i := uint16(0); i < 3; i++ {
		if err := s.AddICECandidate(domain.IceCandidate{Candidate: "candidate:x", SDPMLineIndex: i}); err != nil {
			t.Fatalf("AddICECandidate returned error: %v", err)
		}
	}

	s.iceMu.Lock()
	defer s.iceMu.Unlock()
	if len(s.pending) != 3 {
		t.Fatalf("expected 3 queued candidates, got %d", len(s.pending))
	}
	for i, c := range s.pending {
		if c.SDPMLineIndex != uint16(i) {
			t.Errorf("expected FIFO order preserved, index %d has mline %d", i, c.SDPMLineIndex)
		}
	}
}

func TestSetRemoteAnswer_FlushesQueuedCandidatesInFIFOOrder(t *testing.T) {
	s := newTestSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	offerSDP, err := s.CreateOffer(ctx)
	if err != nil {
		t.Fatalf("CreateOffer returned error: %v", err)
	}

	// A bare pion peer connection stands in for the remote viewer: setting
	// its remote description to our offer makes it auto-create matching
	// recvonly transceivers, so CreateAnswer produces a real, valid answer.
	responder, err := pion.NewPeerConnection(pion.Configuration{})
	if err != nil {
		t.Fatalf("create responder: %v", err)
	}
	defer responder.Close()

	if err := responder.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: offerSDP}); err != nil {
		t.Fatalf("responder set remote description: %v", err)
	}
	answer, err := responder.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("responder create answer: %v", err)
	}
	if err := responder.SetLocalDescription(answer); err != nil {
		t.Fatalf("responder set local description: %v", err)
	}

	var order []domain.IceCandidate
	s.submitHook = func(c domain.IceCandidate) { order = append(order, c) }

	want := make([]domain.IceCandidate, 3)
	for i, mline := range []uint16{0, 1, 0} {
		c := domain.IceCandidate{
			Candidate:     fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.%d 54400 typ host", i+1, i+1),
			SDPMLineIndex: mline,
		}
		want[i] = c
		if err := s.AddICECandidate(c); err != nil {
			t.Fatalf("AddICECandidate returned error: %v", err)
		}
	}

	s.iceMu.Lock()
	queued := len(s.pending)
	s.iceMu.Unlock()
	if queued != 3 {
		t.Fatalf("expected all 3 candidates queued before the answer, got %d", queued)
	}

	if err := s.SetRemoteAnswer(ctx, answer.SDP); err != nil {
		t.Fatalf("SetRemoteAnswer returned error: %v", err)
	}

	if len(order) != len(want) {
		t.Fatalf("expected %d candidates flushed, got %d", len(want), len(order))
	}
	for i, c := range order {
		if c.Candidate != want[i].Candidate || c.SDPMLineIndex != want[i].SDPMLineIndex {
			t.Errorf("flush order mismatch at %d: got %+v, want %+v", i, c, want[i])
		}
	}
}

func TestCreateOffer_ProducesSDPAndAdvancesState(t *testing.T) {
	s := newTestSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sdp, err := s.CreateOffer(ctx)
	if err != nil {
		t.Fatalf("CreateOffer returned error: %v", err)
	}
	if sdp == "" {
		t.Error("expected a non-empty SDP offer")
	}
	if s.State() != StateLocalOffered {
		t.Errorf("expected StateLocalOffered, got %s", s.State())
	}
}

func TestClose_IsIdempotent(t *testing.T) {
	s := newTestSession(t)
	if err := s.Close(); err != nil {
		t.Fatalf("first Close returned error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("expected StateClosed, got %s", s.State())
	}
}

func TestFail_InvokesOnFatalExactlyOnce(t *testing.T) {
	s := newTestSession(t)

	var calls int32
	s.OnFatal(func(err error) { atomic.AddInt32(&calls, 1) })

	s.fail(errors.New("boom"))
	s.fail(errors.New("boom again"))

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected OnFatal invoked once, got %d", got)
	}
	if s.State() != StateFailed {
		t.Errorf("expected StateFailed, got %s", s.State())
	}
}

func TestSetState_NeverLeavesTerminalStates(t *testing.T) {
	s := newTestSession(t)
	s.fail(errors.New("boom"))
	s.setState(StateIceConnected)

	if s.State() != StateFailed {
		t.Errorf("expected state to remain Failed, got %s", s.State())
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateNew:            "new",
		StateLocalOffered:   "local-offered",
		StateRemoteAnswered: "remote-answered",
		StateIceChecking:    "ice-checking",
		StateIceConnected:   "ice-connected",
		StateIceCompleted:   "ice-completed",
		StateFailed:         "failed",
		StateClosed:         "closed",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
