package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/camstream/broadcaster/internal/config"
	"github.com/camstream/broadcaster/internal/domain"
	"github.com/camstream/broadcaster/internal/manager"
	"github.com/camstream/broadcaster/internal/mediagraph"
	"github.com/camstream/broadcaster/internal/metrics"
	sigclient "github.com/camstream/broadcaster/internal/signal"
	"github.com/camstream/broadcaster/internal/turn"
)

const (
	videoSourceAddr     = "127.0.0.1:5004"
	audioSourceAddr     = "127.0.0.1:5006"
	keyframeControlAddr = "127.0.0.1:5008"
	restoreGOP          = 30

	shutdownTimeout = 3 * time.Second

	helpText = `broadcaster - single-source, many-viewer WebRTC broadcaster

Usage:
  broadcaster <signaling_url> <stream_id> <video_device> <audio_device> <camera_type>

  signaling_url  ws:// or wss:// URL of the signaling relay
  stream_id      identifier this broadcaster registers under
  video_device   video capture device (informational; passed to the external encoder)
  audio_device   audio capture device (informational; passed to the external encoder)
  camera_type    one of: csi, legacy, usb

The broadcaster does not itself capture or encode video. Run an external
ffmpeg/gstreamer process piping RTP onto 127.0.0.1:5004 (video, H.264) and
127.0.0.1:5006 (audio, Opus) — see internal/mediagraph/udpsource.go for a
conforming ffmpeg command line for the given device.

Environment variables:
  CLOUDFLARE_ACCOUNT_ID, CLOUDFLARE_TURN_KEY_ID, CLOUDFLARE_API_TOKEN,
  CLOUDFLARE_TURN_TTL   dynamic TURN via Cloudflare
  TURN_SERVER, TURN_USERNAME, TURN_PASSWORD   static TURN fallback
  METRICS_ADDR          address to serve /metrics on (default :9090)

Options:
  -h, --help  Show this help message
`
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	log.SetOutput(os.Stderr)
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprint(os.Stderr, helpText)
		log.Fatalf("[main] %v", err)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %s, shutting down", sig)
		cancel(nil)
	}()

	collector := metrics.New()
	go serveMetrics(cfg.MetricsAddr, collector)

	source, err := mediagraph.NewUDPSource(mediagraph.UDPSourceConfig{
		VideoAddr: videoSourceAddr,
		AudioAddr: audioSourceAddr,
	})
	if err != nil {
		log.Fatalf("[main] create media source: %v", err)
	}

	keyframeCtl, err := mediagraph.NewUDPKeyframeController(keyframeControlAddr, restoreGOP)
	if err != nil {
		log.Fatalf("[main] create keyframe controller: %v", err)
	}

	graph := mediagraph.NewGraph(source, keyframeCtl, collector)

	// turnProv stays a nil domain.TurnCache (not a typed-nil *turn.Provider)
	// when TURN is unconfigured, so manager's nil check behaves correctly.
	var turnProv domain.TurnCache
	if cfg.CloudflareConfigured() || cfg.StaticTurnConfigured() {
		turnProvider := turn.New(
			turn.CloudflareConfig{
				AccountID: cfg.CloudflareAccountID,
				KeyID:     cfg.CloudflareKeyID,
				APIToken:  cfg.CloudflareAPIToken,
				TTL:       cfg.CloudflareTurnTTL,
			},
			turn.StaticConfig{
				Server:   cfg.TurnServer,
				Username: cfg.TurnUsername,
				Password: cfg.TurnPassword,
			},
		)
		turnProvider.OnRefresh(collector.TurnRefreshed)
		turnProv = turnProvider
	}

	mgr := manager.New(manager.Config{
		StreamID: cfg.StreamID,
		STUNURLs: []string{"stun:stun.l.google.com:19302"},
	}, graph, nil, turnProv, collector)

	signalClient := sigclient.NewClient(cfg.SignalingURL, mgr)
	mgr.SetSignaler(signalClient)

	mgr.OnShutdown(func(cause error) {
		log.Printf("[main] shutting down after fatal error: %v", cause)
		cancel(cause)
	})

	log.Printf("[main] video=%s audio=%s camera=%s", cfg.VideoDevice, cfg.AudioDevice, cfg.CameraType)

	if err := mgr.Start(ctx); err != nil {
		log.Fatalf("[main] start: %v", err)
	}

	<-ctx.Done()
	log.Printf("[main] %v", context.Cause(ctx))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := mgr.Stop(stopCtx); err != nil {
		log.Printf("[main] stop: %v", err)
	}

	log.Printf("[main] done")
	if context.Cause(ctx) != nil && context.Cause(ctx) != context.Canceled {
		os.Exit(1)
	}
}

func serveMetrics(addr string, c *metrics.Collector) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	log.Printf("[main] metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("[main] metrics server: %v", err)
	}
}
