package mediagraph

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// UDPKeyframeController implements KeyframeController by sending short text
// commands to the same external encoder process UDPSource reads from,
// over a third loopback socket the encoder is expected to listen a simple
// command reader on. RequestKeyUnit sends "KEYFRAME"; PulseGOPMax sends
// "GOP <n>" and, after hold elapses, "GOP <restore>" to undo it — the two
// fallback strategies from spec.md §4.1, translated from a GStreamer
// force-key-unit event and a GOP-max property write into wire commands for
// an external process.
type UDPKeyframeController struct {
	conn    *net.UDPConn
	restore int

	mu sync.Mutex
}

// NewUDPKeyframeController dials the encoder's command socket. restoreGOP is
// the GOP-max value to reinstate after a PulseGOPMax hold elapses (spec.md's
// key-int-max=30).
func NewUDPKeyframeController(addr string, restoreGOP int) (*UDPKeyframeController, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve keyframe control addr %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial keyframe control addr %s: %w", addr, err)
	}
	return &UDPKeyframeController{conn: conn, restore: restoreGOP}, nil
}

func (k *UDPKeyframeController) RequestKeyUnit(ctx context.Context) error {
	return k.send(ctx, "KEYFRAME")
}

func (k *UDPKeyframeController) PulseGOPMax(ctx context.Context, frames int, hold time.Duration) error {
	if err := k.send(ctx, fmt.Sprintf("GOP %d", frames)); err != nil {
		return fmt.Errorf("pulse gop max: %w", err)
	}

	timer := time.NewTimer(hold)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	return k.send(ctx, fmt.Sprintf("GOP %d", k.restore))
}

func (k *UDPKeyframeController) send(ctx context.Context, cmd string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(50 * time.Millisecond)
	}
	if err := k.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := k.conn.Write([]byte(cmd))
	return err
}

func (k *UDPKeyframeController) Close() error {
	return k.conn.Close()
}
