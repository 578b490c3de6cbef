package h2conn

import (
	"time"

	"github.com/relaycore/h2conn/pkg/config"
	"github.com/relaycore/h2conn/pkg/network"
)

// PaddingStrategy lets a caller choose pad lengths for HEADERS frames,
// carried over from the teacher's customhttp.PaddingStrategy with the
// http.Request-specific parameter dropped since this core has no
// http.Request of its own — callers key off streamID instead. The
// connection consults it only for HEADERS; DATA frames are sent unpadded.
type PaddingStrategy interface {
	CalculatePadding(streamID uint32, frameType FrameType, payloadLen int) uint8
}

// ClientConfig aggregates everything the connection engine needs to dial
// and run, trimmed from the teacher's customhttp.ClientConfig to this
// core's concerns (no cookie jar, redirects, retries, or credentials —
// those belong to a higher-level HTTP client this core does not provide).
type ClientConfig struct {
	DialerConfig *network.DialerConfig

	// RequestTimeout is carried in the config but not read by the
	// connection engine; no per-stream timeout is applied.
	RequestTimeout time.Duration
	IdleConnTimeout time.Duration

	H2 config.H2Config

	PaddingStrategy PaddingStrategy
}

// NewClientConfig returns a ClientConfig with the same defaults
// pkg/config.DefaultH2Config and network.NewDialerConfig establish.
func NewClientConfig() *ClientConfig {
	return &ClientConfig{
		DialerConfig:    network.NewDialerConfig(),
		RequestTimeout:  30 * time.Second,
		IdleConnTimeout: 90 * time.Second,
		H2:              config.DefaultH2Config(),
	}
}
