package domain

import "context"

// PeerSession is the manager-facing view of a per-viewer WebRTC state
// machine, satisfied by *internal/webrtcpeer.Session. Declaring it here lets
// internal/manager depend on domain instead of webrtcpeer directly, which
// keeps manager_test.go's fakes free of any pion/webrtc import.
type PeerSession interface {
	CreateOffer(ctx context.Context) (string, error)
	SetRemoteAnswer(ctx context.Context, sdp string) error
	AddICECandidate(candidate IceCandidate) error
	OnICECandidate(cb func(IceCandidate))
	OnFatal(cb func(err error))
	Close() error
}

// TurnCache is the manager-facing view of the TURN credential cache,
// satisfied by *internal/turn.Provider.
type TurnCache interface {
	GetCredentials(ctx context.Context) (TurnCredentials, error)
}
