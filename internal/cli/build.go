package cli

import (
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/anatolykoptev/go-imagecheck"
	"github.com/anatolykoptev/go-imagecheck/internal/config"
	"github.com/anatolykoptev/go-imagecheck/internal/cv"
	"github.com/anatolykoptev/go-imagecheck/internal/logger"
	"github.com/anatolykoptev/go-imagecheck/internal/worker"
)

// backends are the face locator and scorer built from configuration. They
// outlive config reloads.
type backends struct {
	locator     imagecheck.FaceLocator
	scorer      imagecheck.FaceScorer
	locatorName string
	scorerName  string
	closers     []io.Closer
}

func buildBackends(cfg *config.Config) (_ *backends, err error) {
	b := &backends{locatorName: cfg.Detector.Backend, scorerName: cfg.Scorer.Backend}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	d := cfg.Detector
	switch d.Backend {
	case "pigo":
		loc, err := imagecheck.LoadPigoLocator(d.CascadePath, imagecheck.PigoParams{
			MinSize:      d.MinSize,
			ShiftFactor:  d.ShiftFactor,
			ScaleFactor:  d.ScaleFactor,
			IoUThreshold: d.IoUThreshold,
			MinQuality:   float32(d.MinQuality),
		})
		if err != nil {
			return nil, fmt.Errorf("detector: %w", err)
		}
		b.locator = loc
	case "haar":
		loc, err := cv.NewHaarLocator(d.CascadePath, cv.HaarParams{
			ScaleFactor:  d.ScaleFactor,
			MinNeighbors: d.MinNeighbors,
			MinSize:      d.MinSize,
		})
		if err != nil {
			return nil, fmt.Errorf("detector: %w", err)
		}
		b.locator = loc
		b.closers = append(b.closers, loc)
	default:
		b.locator = imagecheck.NoLocator{}
	}

	s := cfg.Scorer
	switch s.Backend {
	case "process":
		n := s.Workers
		if n <= 0 {
			n = runtime.NumCPU()
		}
		pool, err := worker.StartProcessPool(n, s.InputSize, s.Command, s.Args...)
		if err != nil {
			return nil, fmt.Errorf("scorer: %w", err)
		}
		b.scorer = pool
		b.closers = append(b.closers, pool)
	case "onnx":
		sc, err := cv.NewONNXScorer(cv.ONNXConfig{ModelPath: s.ModelPath, InputSize: s.InputSize, NHWC: s.NHWC})
		if err != nil {
			return nil, fmt.Errorf("scorer: %w", err)
		}
		b.scorer = sc
		b.closers = append(b.closers, sc)
	default:
		b.scorer = imagecheck.NoScorer{}
	}

	logger.Debug("backends ready", logger.LoggerOptions{
		Key:  "backends",
		Data: map[string]string{"locator": b.locatorName, "scorer": b.scorerName},
	})
	return b, nil
}

// Close releases every backend.
func (b *backends) Close() error {
	var errs []error
	for _, c := range b.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// newAnalyzer binds the backends and the analysis section of cfg.
func newAnalyzer(cfg *config.Config, b *backends, cache imagecheck.Cache) *imagecheck.Analyzer {
	ac := imagecheck.Config{
		Locator:          b.locator,
		Scorer:           b.scorer,
		MaxDownloadBytes: int64(cfg.Analysis.MaxDownloadMB) << 20,
		ScoreTimeout:     cfg.Scorer.Timeout,
		OnPanic: func(tag string, r any) {
			logger.Error("recovered panic", logger.LoggerOptions{Key: tag, Data: fmt.Sprint(r)})
		},
		OnAnalysis: func(ev imagecheck.AnalysisEvent) {
			logger.Debug("analysis", logger.LoggerOptions{Key: "event", Data: ev})
		},
		Cache: cache,
	}
	return imagecheck.NewWithTunables(ac, imagecheck.Tunables{
		ELAQuality:             cfg.Analysis.JPEGQuality,
		MissingMetadataPenalty: cfg.Analysis.MissingMetadataPenalty,
	})
}
