package signal

// frame is the single wire envelope for every signaling message, inbound or
// outbound. Unlike the teacher's TRANSMIT/MessagePayload base64 wrapping,
// this protocol has no legacy transport to imitate, so every field is a
// plain top-level JSON key.
type frame struct {
	Type          string `json:"type"`
	Role          string `json:"role,omitempty"`
	StreamID      string `json:"stream_id,omitempty"`
	ViewerID      string `json:"viewer_id,omitempty"`
	To            string `json:"to,omitempty"`
	From          string `json:"from,omitempty"`
	SDP           string `json:"sdp,omitempty"`
	Candidate     string `json:"candidate,omitempty"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

const (
	typeRegister     = "register"
	typeOffer        = "offer"
	typeAnswer       = "answer"
	typeIceCandidate = "ice-candidate"
	typeViewerJoined = "viewer-joined"
	typeViewerLeft   = "viewer-left"
)
