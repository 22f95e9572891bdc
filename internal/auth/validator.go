package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/text/cases"

	"github.com/rickgao/chat-relay/internal/backoff"
)

// Prober checks whether a platform bridge is ready for a session.
type Prober interface {
	Ready(ctx context.Context, platform string) (bool, error)
}

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	ProbePlatforms []string      // Platforms that need a readiness probe (case-insensitive)
	ProbeAttempts  int           // Probe attempts before giving up
	ProbeInterval  time.Duration // Fixed pause between probe attempts
}

// DefaultValidatorConfig returns sensible defaults.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		ProbeAttempts: 3,
		ProbeInterval: 2 * time.Second,
	}
}

// Validator decides whether a connect attempt may proceed. It holds no
// mutable state, so concurrent calls resolve independently.
type Validator struct {
	source   SessionSource
	prober   Prober
	probe    backoff.Policy
	platform map[string]struct{}
	logger   *slog.Logger

	// For testing
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewValidator creates a Validator. prober may be nil when no platform
// needs probing.
func NewValidator(source SessionSource, prober Prober, cfg ValidatorConfig, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ProbeAttempts < 1 {
		cfg.ProbeAttempts = 1
	}

	platforms := make(map[string]struct{}, len(cfg.ProbePlatforms))
	for _, p := range cfg.ProbePlatforms {
		platforms[FoldPlatform(p)] = struct{}{}
	}

	return &Validator{
		source: source,
		prober: prober,
		// Base == Max gives a fixed pause.
		probe: backoff.Policy{
			Base:        cfg.ProbeInterval,
			Max:         cfg.ProbeInterval,
			MaxAttempts: cfg.ProbeAttempts,
		},
		platform: platforms,
		logger:   logger.With("component", "validator"),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Validate returns the current session if it may be used to connect to
// platform. Any error means invalid, except ctx errors which mean the
// caller gave up.
func (v *Validator) Validate(ctx context.Context, platform string) (Session, error) {
	session, err := v.source.Current(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("fetch session: %w", err)
	}
	if session.Token == "" {
		return Session{}, ErrNoSession
	}
	if session.Expired(v.now()) {
		return Session{}, fmt.Errorf("%w at %s", ErrSessionExpired, session.ExpiresAt.Format(time.RFC3339))
	}

	if !v.RequiresProbe(platform) {
		return session, nil
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		ready, err := v.prober.Ready(ctx, platform)
		if ctx.Err() != nil {
			return Session{}, ctx.Err()
		}
		if ready {
			v.logger.Debug("platform ready", "platform", platform, "attempt", attempt)
			return session, nil
		}

		lastErr = err
		v.logger.Debug("platform not ready", "platform", platform, "attempt", attempt, "error", err)

		if v.probe.Exceeded(attempt) {
			break
		}
		if err := v.sleep(ctx, v.probe.NextDelay(attempt)); err != nil {
			return Session{}, err
		}
	}

	if lastErr != nil {
		return Session{}, fmt.Errorf("%w: %s after %d attempts: %v", ErrPlatformNotReady, platform, v.probe.MaxAttempts, lastErr)
	}
	return Session{}, fmt.Errorf("%w: %s after %d attempts", ErrPlatformNotReady, platform, v.probe.MaxAttempts)
}

// RequiresProbe reports whether platform needs a readiness probe.
func (v *Validator) RequiresProbe(platform string) bool {
	if v.prober == nil {
		return false
	}
	_, ok := v.platform[FoldPlatform(platform)]
	return ok
}

// FoldPlatform normalizes a platform identifier for comparison.
func FoldPlatform(platform string) string {
	// A Caser keeps state between calls, so each call gets its own.
	return cases.Fold().String(platform)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
