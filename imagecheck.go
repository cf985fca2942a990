// Package imagecheck produces a heuristic authenticity verdict for a single
// raster image: Likely Real, AI-generated, Manipulated/Edited or Deepfake.
//
// The verdict fuses per-face deepfake scores from an injected FaceScorer with
// whole-image statistics (error-level analysis, Laplacian sharpness, entropy,
// capture metadata). Every stage degrades to a neutral value instead of
// failing the analysis.
package imagecheck

import (
	"context"
	"image"
	"net/http"
	"time"
)

// DefaultELAQuality is the JPEG quality used for error-level analysis.
const DefaultELAQuality = 90

// DefaultMissingMetadataPenalty is added to the manipulation score when an
// image carries no capture metadata. It is a tunable, not a derived constant.
const DefaultMissingMetadataPenalty = 0.2

// DefaultFaceInputSize is the square edge length faces are resized to before
// they reach a FaceScorer that asks for prepared input.
const DefaultFaceInputSize = 128

const defaultMaxDownloadBytes = 20 << 20 // 20MB

// Cache abstracts key-value caching (Redis, go-cache, sync.Map, etc.)
type Cache interface {
	Key(prefix, value string) string
	Get(ctx context.Context, key string, dest any) bool
	Set(ctx context.Context, key string, value any)
}

// FaceLocator finds frontal faces. Boxes are returned in detector order.
// Implementations hold a read-only model and must be safe for concurrent use.
type FaceLocator interface {
	Locate(img *Image) ([]FaceBox, error)
}

// FaceScorer returns the probability in [0,1] that a cropped face is
// synthetic. ErrNoVerdict (or any other error) means the face contributes no
// signal. Implementations must be safe for concurrent use.
type FaceScorer interface {
	ScoreFace(ctx context.Context, face image.Image) (float64, error)
}

// Tunables are the heuristic knobs that are not fixed by the decision rule.
type Tunables struct {
	ELAQuality             int     // default: DefaultELAQuality (90)
	MissingMetadataPenalty float64 // default: DefaultMissingMetadataPenalty (0.2)
}

// AnalysisEvent is emitted once per completed or failed analysis.
type AnalysisEvent struct {
	Key        string // sha256 of the input bytes
	Label      Label  // empty when the analysis failed
	Confidence float64
	Faces      int
	Cached     bool
	Duration   time.Duration
	Err        string
}

// Config holds all dependencies injected by the consumer.
type Config struct {
	Locator       FaceLocator  // nil = no face location (zero faces)
	Scorer        FaceScorer   // nil = NoScorer (every face has no verdict)
	Cache         Cache        // optional: results for identical bytes
	StealthClient *http.Client // optional: TLS-fingerprinted client for downloads
	HTTPClient    *http.Client // optional: default http client (nil = http.DefaultClient)
	UserAgent     string       // default: "Mozilla/5.0 (compatible; go-imagecheck/1.0)"

	// MaxDownloadBytes caps AnalyzeURL bodies (default: 20MB).
	MaxDownloadBytes int64

	// ScoreTimeout bounds each FaceScorer call. Zero means no timeout.
	ScoreTimeout time.Duration

	Tunables Tunables

	// Optional callbacks for metrics/logging.
	OnPanic    func(tag string, r any)
	OnAnalysis func(AnalysisEvent)
}

// defaults fills zero-value fields with sensible defaults.
func (c *Config) defaults() {
	if c.Locator == nil {
		c.Locator = NoLocator{}
	}
	if c.Scorer == nil {
		c.Scorer = NoScorer{}
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (compatible; go-imagecheck/1.0)"
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.MaxDownloadBytes <= 0 {
		c.MaxDownloadBytes = defaultMaxDownloadBytes
	}
	if c.Tunables.ELAQuality <= 0 || c.Tunables.ELAQuality > 100 {
		c.Tunables.ELAQuality = DefaultELAQuality
	}
	if c.Tunables.MissingMetadataPenalty < 0 {
		c.Tunables.MissingMetadataPenalty = 0
	}
}

// Analyzer runs the authenticity pipeline. It is stateless across calls and
// safe for concurrent use as long as the injected locator and scorer are.
type Analyzer struct {
	cfg Config
}

// New returns an Analyzer bound to cfg. A zero Tunables.MissingMetadataPenalty
// is kept as zero only when set explicitly through NewWithTunables; New applies
// the default penalty.
func New(cfg Config) *Analyzer {
	if cfg.Tunables.MissingMetadataPenalty == 0 {
		cfg.Tunables.MissingMetadataPenalty = DefaultMissingMetadataPenalty
	}
	cfg.defaults()
	return &Analyzer{cfg: cfg}
}

// NewWithTunables is like New but takes the tunables verbatim, so a zero
// metadata penalty disables the metadata signal.
func NewWithTunables(cfg Config, t Tunables) *Analyzer {
	cfg.Tunables = t
	cfg.defaults()
	return &Analyzer{cfg: cfg}
}

// Tunables returns the effective tunables.
func (a *Analyzer) Tunables() Tunables {
	return a.cfg.Tunables
}
