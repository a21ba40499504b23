// Package config loads the broadcaster's environment and positional CLI
// configuration, following the teacher's Load() shape (env vars take
// precedence over a .env file, loaded via godotenv) extended with the five
// positional arguments and TURN settings spec.md §6 adds.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// CameraType restricts the fifth positional argument to a known set.
type CameraType string

const (
	CameraCSI    CameraType = "csi"
	CameraLegacy CameraType = "legacy"
	CameraUSB    CameraType = "usb"
)

// Config holds everything main needs to construct and run the broadcaster.
type Config struct {
	// Positional arguments.
	SignalingURL string
	StreamID     string
	VideoDevice  string
	AudioDevice  string
	CameraType   CameraType

	// Dynamic (Cloudflare) TURN, optional.
	CloudflareAccountID string
	CloudflareKeyID     string
	CloudflareAPIToken  string
	CloudflareTurnTTL   time.Duration

	// Static TURN fallback, optional.
	TurnServer   string
	TurnUsername string
	TurnPassword string

	MetricsAddr string
}

// Load parses positional CLI arguments and reads environment variables (and
// .env, which never overrides an already-set variable). args is the
// positional argument slice, i.e. os.Args[1:].
func Load(args []string) (*Config, error) {
	_ = godotenv.Load()

	if len(args) != 5 {
		return nil, fmt.Errorf("expected 5 positional arguments, got %d", len(args))
	}

	camType := CameraType(args[4])
	switch camType {
	case CameraCSI, CameraLegacy, CameraUSB:
	default:
		return nil, fmt.Errorf("camera_type must be one of csi, legacy, usb, got %q", args[4])
	}

	cfg := &Config{
		SignalingURL: args[0],
		StreamID:     args[1],
		VideoDevice:  args[2],
		AudioDevice:  args[3],
		CameraType:   camType,

		CloudflareAccountID: os.Getenv("CLOUDFLARE_ACCOUNT_ID"),
		CloudflareKeyID:     os.Getenv("CLOUDFLARE_TURN_KEY_ID"),
		CloudflareAPIToken:  os.Getenv("CLOUDFLARE_API_TOKEN"),
		CloudflareTurnTTL:   24 * time.Hour,

		TurnServer:   os.Getenv("TURN_SERVER"),
		TurnUsername: os.Getenv("TURN_USERNAME"),
		TurnPassword: os.Getenv("TURN_PASSWORD"),

		MetricsAddr: envOrDefault("METRICS_ADDR", ":9090"),
	}

	if ttl := os.Getenv("CLOUDFLARE_TURN_TTL"); ttl != "" {
		seconds, err := strconv.Atoi(ttl)
		if err != nil {
			return nil, fmt.Errorf("parse CLOUDFLARE_TURN_TTL: %w", err)
		}
		cfg.CloudflareTurnTTL = clampTTL(time.Duration(seconds) * time.Second)
	}

	return cfg, nil
}

func clampTTL(d time.Duration) time.Duration {
	const max = 48 * time.Hour
	if d <= 0 {
		return 24 * time.Hour
	}
	if d > max {
		return max
	}
	return d
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// CloudflareConfigured reports whether enough env vars are present to use
// dynamic Cloudflare TURN.
func (c *Config) CloudflareConfigured() bool {
	return c.CloudflareKeyID != "" && c.CloudflareAPIToken != ""
}

// StaticTurnConfigured reports whether a fallback static TURN server is set.
func (c *Config) StaticTurnConfigured() bool {
	return c.TurnServer != ""
}
