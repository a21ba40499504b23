// Package signal implements the SignalingAdapter boundary: a WebSocket
// client carrying the plain JSON viewer-joined/answer/ice-candidate/
// viewer-left and register/offer/ice-candidate protocol, structured the way
// the teacher's internal/signal/client.go structures its own WebSocket
// client (mutex-guarded writes, a closed-channel gate, a dedicated
// readLoop and pingLoop goroutine).
package signal

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/camstream/broadcaster/internal/domain"
)

const (
	handshakeTimeout = 5 * time.Second
	pingInterval     = 20 * time.Second
	pingWriteTimeout = 5 * time.Second
)

// Client is a domain.Signaler backed by a gorilla/websocket connection.
type Client struct {
	url     string
	handler domain.Handler

	mu   sync.Mutex
	conn *websocket.Conn

	closed chan struct{}
	once   sync.Once
}

// NewClient creates a signaling client for the given URL. Dispatched events
// are delivered to handler on the read-loop goroutine.
func NewClient(url string, handler domain.Handler) *Client {
	return &Client{
		url:     url,
		handler: handler,
		closed:  make(chan struct{}),
	}
}

// Connect dials the signaling WebSocket and starts the read and ping loops.
func (c *Client) Connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	log.Printf("[signal] connecting to %s", c.url)
	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn

	go c.readLoop()
	go c.pingLoop()
	return nil
}

// Close shuts down the connection. Safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.closed)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *Client) send(f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("signal: not connected")
	}
	return c.conn.WriteJSON(f)
}

// RegisterBroadcaster announces this connection as the broadcaster for
// streamID.
func (c *Client) RegisterBroadcaster(streamID string) error {
	return c.send(frame{Type: typeRegister, Role: "broadcaster", StreamID: streamID})
}

// SendOffer delivers a local SDP offer to viewer id.
func (c *Client) SendOffer(id domain.ViewerID, sdp string) error {
	return c.send(frame{Type: typeOffer, To: string(id), SDP: sdp})
}

// SendIceCandidate delivers a locally gathered ICE candidate to viewer id.
func (c *Client) SendIceCandidate(id domain.ViewerID, candidate domain.IceCandidate) error {
	mline := candidate.SDPMLineIndex
	return c.send(frame{
		Type:          typeIceCandidate,
		To:            string(id),
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: &mline,
	})
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		select {
		case <-c.closed:
			return
		default:
		}

		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			select {
			case <-c.closed:
			default:
				log.Printf("[signal] read error: %v", err)
			}
			return
		}
		c.dispatch(f)
	}
}

// dispatch invokes the matching Handler callback on the read-loop
// goroutine. Handlers must return quickly; BroadcastManager offloads any
// long-running work onto its own goroutine per event, matching the
// teacher's OnRemoteICECandidate pattern.
func (c *Client) dispatch(f frame) {
	switch f.Type {
	case typeViewerJoined:
		log.Printf("[signal] viewer joined: %s", f.ViewerID)
		c.handler.OnViewerJoined(domain.ViewerID(f.ViewerID))

	case typeAnswer:
		log.Printf("[signal] answer from %s", f.From)
		c.handler.OnAnswer(domain.ViewerID(f.From), f.SDP)

	case typeIceCandidate:
		var mline uint16
		if f.SDPMLineIndex != nil {
			mline = *f.SDPMLineIndex
		}
		c.handler.OnIceCandidate(domain.ViewerID(f.From), domain.IceCandidate{
			SDPMid:        f.SDPMid,
			SDPMLineIndex: mline,
			Candidate:     f.Candidate,
		})

	case typeViewerLeft:
		log.Printf("[signal] viewer left: %s", f.ViewerID)
		c.handler.OnViewerLeft(domain.ViewerID(f.ViewerID))

	default:
		log.Printf("[signal] unhandled message type: %s", f.Type)
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(pingWriteTimeout))
			c.mu.Unlock()
			if err != nil {
				log.Printf("[signal] ping error: %v", err)
				c.Close()
				return
			}
		}
	}
}
