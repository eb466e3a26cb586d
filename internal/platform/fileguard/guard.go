// Package fileguard decides whether an inbox file is safe to read or move.
package fileguard

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	apperrors "github.com/kislikjeka/gatekeeper/internal/shared/errors"
	"github.com/kislikjeka/gatekeeper/pkg/logger"
)

// Reason explains why a file is not ready
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonTempMarker Reason = "TEMP_MARKER"
	ReasonMissing    Reason = "MISSING"
	ReasonNotSteady  Reason = "NOT_STEADY"
	ReasonLocked     Reason = "LOCKED"
)

// Readiness is the outcome of a readiness check
type Readiness struct {
	Path   string
	Ready  bool
	Reason Reason
	Detail string
}

// Err converts a negative readiness into the matching application error
func (r Readiness) Err() error {
	switch r.Reason {
	case ReasonNone:
		return nil
	case ReasonLocked:
		return apperrors.FileLocked(r.Path)
	case ReasonNotSteady:
		return apperrors.NotSteady(r.Path)
	default:
		return apperrors.New(apperrors.ErrCodeFileNotReady, r.Detail).
			With("path", r.Path).
			With("reason", string(r.Reason))
	}
}

// LockProbe reports whether another process holds path open
type LockProbe func(path string) (bool, error)

// Config holds the steady-state sampling parameters
type Config struct {
	// SteadyChecks is the number of size samples taken, at least 2
	SteadyChecks int
	// SteadyWindow is the total time the samples are spread over
	SteadyWindow time.Duration
}

// DefaultConfig returns the default readiness configuration
func DefaultConfig() Config {
	return Config{
		SteadyChecks: 3,
		SteadyWindow: 2 * time.Second,
	}
}

// Guard runs readiness checks. It has no side effects on the checked file.
type Guard struct {
	cfg    Config
	probe  LockProbe
	logger *logger.Logger
}

// Option customizes a Guard
type Option func(*Guard)

// WithLockProbe replaces the platform lock probe
func WithLockProbe(p LockProbe) Option {
	return func(g *Guard) { g.probe = p }
}

// New creates a new Guard
func New(cfg Config, log *logger.Logger, opts ...Option) *Guard {
	if cfg.SteadyChecks < 2 {
		cfg.SteadyChecks = 2
	}
	if cfg.SteadyWindow < 0 {
		cfg.SteadyWindow = 0
	}
	g := &Guard{
		cfg:    cfg,
		probe:  probeExclusive,
		logger: log.WithField("component", "fileguard"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckReadiness runs, in order, the temp-marker check, the size steady-state
// check and the exclusive-open probe. The returned error is reserved for
// unexpected I/O failures and cancellation; a file that is simply not ready
// yields a Readiness with Ready=false and a nil error.
func (g *Guard) CheckReadiness(ctx context.Context, path string) (Readiness, error) {
	res := Readiness{Path: path}

	if marker, found := tempMarker(path); found {
		res.Reason = ReasonTempMarker
		res.Detail = fmt.Sprintf("temporary or lock marker present: %s", marker)
		g.logger.Debug("file not ready", "path", path, "reason", res.Reason, "marker", marker)
		return res, nil
	}

	steady, err := g.sizeSteady(ctx, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			res.Reason = ReasonMissing
			res.Detail = "file not found, it may still be syncing"
			return res, nil
		}
		return res, err
	}
	if !steady {
		res.Reason = ReasonNotSteady
		res.Detail = "file size is still changing"
		g.logger.Debug("file not ready", "path", path, "reason", res.Reason)
		return res, nil
	}

	locked, err := g.probe(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			res.Reason = ReasonMissing
			res.Detail = "file disappeared during the check"
			return res, nil
		}
		return res, fmt.Errorf("lock probe %s: %w", path, err)
	}
	if locked {
		res.Reason = ReasonLocked
		res.Detail = "file is open in another program"
		g.logger.Debug("file not ready", "path", path, "reason", res.Reason)
		return res, nil
	}

	res.Ready = true
	return res, nil
}

type sample struct {
	size    int64
	modTime time.Time
}

func (g *Guard) sizeSteady(ctx context.Context, path string) (bool, error) {
	interval := g.cfg.SteadyWindow / time.Duration(g.cfg.SteadyChecks-1)

	var first sample
	for i := 0; i < g.cfg.SteadyChecks; i++ {
		if i > 0 {
			if err := sleep(ctx, interval); err != nil {
				return false, err
			}
		}
		info, err := os.Stat(path)
		if err != nil {
			return false, err
		}
		if info.IsDir() {
			return false, fmt.Errorf("%s is a directory", path)
		}
		s := sample{size: info.Size(), modTime: info.ModTime()}
		if i == 0 {
			first = s
			continue
		}
		if s != first {
			return false, nil
		}
	}
	return true, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
