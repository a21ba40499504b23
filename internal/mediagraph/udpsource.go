package mediagraph

// UDPSource is the shipped MediaSource. It does not perform capture or
// encoding itself — that work is delegated to an external process (ffmpeg or
// gstreamer) launched by the operator, piping already-encoded, already
// RTP-payloaded H.264 and Opus onto two loopback UDP ports. This keeps the
// core free of cgo/media-framework bindings, matching spec.md §1's framing
// of capture/encode primitives as external collaborators composed through a
// minimal abstract interface.
//
// A conforming external encoder command line (ffmpeg, USB webcam):
//
//	ffmpeg -f v4l2 -i /dev/video0 -f alsa -i default \
//	  -c:v libx264 -tune zerolatency -preset ultrafast -b:v 2000k \
//	  -g 30 -bf 0 -profile:v baseline -pix_fmt yuv420p \
//	  -payload_type 96 -f rtp rtp://127.0.0.1:5004 \
//	  -c:a libopus -ar 48000 -ac 1 -b:a 32k \
//	  -payload_type 97 -f rtp rtp://127.0.0.1:5006

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/rtp"
)

// UDPSourceConfig names the loopback addresses the external encoder writes
// RTP to.
type UDPSourceConfig struct {
	VideoAddr string // e.g. "127.0.0.1:5004", payload type 96
	AudioAddr string // e.g. "127.0.0.1:5006", payload type 97
}

// UDPSource implements MediaGraph.MediaSource by reading pre-payloaded RTP
// packets off two UDP sockets.
type UDPSource struct {
	videoConn *net.UDPConn
	audioConn *net.UDPConn
}

// NewUDPSource binds both listening sockets. Binding failure is fatal to
// graph construction, per spec.md §4.1.
func NewUDPSource(cfg UDPSourceConfig) (*UDPSource, error) {
	videoConn, err := listenUDP(cfg.VideoAddr)
	if err != nil {
		return nil, fmt.Errorf("bind video source %s: %w", cfg.VideoAddr, err)
	}
	audioConn, err := listenUDP(cfg.AudioAddr)
	if err != nil {
		videoConn.Close()
		return nil, fmt.Errorf("bind audio source %s: %w", cfg.AudioAddr, err)
	}
	return &UDPSource{videoConn: videoConn, audioConn: audioConn}, nil
}

func listenUDP(addr string) (*net.UDPConn, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", laddr)
}

func (s *UDPSource) ReadVideoRTP(ctx context.Context) (*rtp.Packet, error) {
	return readRTP(ctx, s.videoConn)
}

func (s *UDPSource) ReadAudioRTP(ctx context.Context) (*rtp.Packet, error) {
	return readRTP(ctx, s.audioConn)
}

func (s *UDPSource) Close() error {
	verr := s.videoConn.Close()
	aerr := s.audioConn.Close()
	if verr != nil {
		return verr
	}
	return aerr
}

// readRTP blocks until a datagram arrives, ctx is done, or the socket is
// closed. Idle read timeouts are retried silently so the caller can observe
// ctx cancellation promptly without a busy loop.
func readRTP(ctx context.Context, conn *net.UDPConn) (*rtp.Packet, error) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			return nil, err
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return nil, err
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			return nil, fmt.Errorf("unmarshal rtp packet: %w", err)
		}
		return pkt, nil
	}
}
