package crx

import (
	"log/slog"

	"github.com/meigma/crx/crx3"
)

// DefaultMaxDepth is the default limit on nested containers.
const DefaultMaxDepth = 8

// IdentityDecoder derives the signer's public key from a CRX3 signed header.
//
// The signed header is the protobuf-encoded region between the fixed
// 12-byte prefix and the payload.
type IdentityDecoder interface {
	DeriveIdentity(signedHeader []byte) ([]byte, error)
}

// IdentityDecoderFunc adapts a function to an IdentityDecoder.
type IdentityDecoderFunc func(signedHeader []byte) ([]byte, error)

// DeriveIdentity calls f(signedHeader).
func (f IdentityDecoderFunc) DeriveIdentity(signedHeader []byte) ([]byte, error) {
	return f(signedHeader)
}

type config struct {
	logger           *slog.Logger
	decoder          IdentityDecoder
	maxDepth         int
	legacyIdentity   bool
	expectedIdentity []byte
}

// Option configures parsing.
type Option func(*config)

func newConfig(opts []Option) *config {
	cfg := &config{
		decoder:  crx3.Decoder{},
		maxDepth: DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.maxDepth < 1 {
		cfg.maxDepth = DefaultMaxDepth
	}
	return cfg
}

// log returns the logger, falling back to a discard logger if nil.
func (c *config) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// WithLogger sets the logger used for diagnostics such as nested
// public key mismatches. If nil, a discard logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithIdentityDecoder sets the decoder used to recover CRX3 public keys.
// Defaults to crx3.Decoder. Pass nil to skip CRX3 identity extraction.
func WithIdentityDecoder(d IdentityDecoder) Option {
	return func(c *config) {
		c.decoder = d
	}
}

// WithMaxDepth limits how many nested containers are unwrapped.
// Values < 1 use DefaultMaxDepth.
func WithMaxDepth(n int) Option {
	return func(c *config) {
		c.maxDepth = n
	}
}

// WithLegacyIdentity captures only the first 4 bytes of a CRX2 public key,
// matching older tooling. Extension ids cannot be derived in this mode.
func WithLegacyIdentity() Option {
	return func(c *config) {
		c.legacyIdentity = true
	}
}

// WithExpectedIdentity sets the identity the outermost layer is compared
// against. A mismatch is logged and reported, not treated as an error.
func WithExpectedIdentity(id []byte) Option {
	return func(c *config) {
		c.expectedIdentity = id
	}
}
