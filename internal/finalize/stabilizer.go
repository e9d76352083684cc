// Package finalize seals recording sessions once their transcript stops growing.
package finalize

import (
	"context"
	"log"
	"time"

	"github.com/codebuildervaibhav/session-transcription/internal/config"
	"github.com/codebuildervaibhav/session-transcription/internal/types"
)

// LengthFunc samples the current transcript length
type LengthFunc func(ctx context.Context) (int, error)

// CompleteFunc reports whether every chunk up to the one flagged last has been merged
type CompleteFunc func(ctx context.Context) (bool, error)

// Stabilizer polls the transcript length until it holds still for StableSamples
// consecutive samples or Timeout elapses
type Stabilizer struct {
	Interval      time.Duration
	Timeout       time.Duration
	StableSamples int
}

// Outcome describes how stabilization ended
type Outcome struct {
	Length    int
	Samples   int
	Waited    time.Duration
	Converged bool
	FastPath  bool
}

// NewStabilizer creates a stabilizer from configuration
func NewStabilizer(cfg config.ConvergenceConfig) *Stabilizer {
	return &Stabilizer{
		Interval:      cfg.GetInterval(),
		Timeout:       cfg.GetTimeout(),
		StableSamples: cfg.StableSamples,
	}
}

// Wait blocks until the transcript converges. Growth resets the stable counter.
// Running out of time returns the outcome together with a *types.ConvergenceTimeout,
// which callers log and then seal anyway. complete may be nil.
func (s *Stabilizer) Wait(ctx context.Context, sessionID string, sample LengthFunc, complete CompleteFunc) (Outcome, error) {
	started := time.Now()

	length, err := sample(ctx)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Length: length, Samples: 1}

	if done, err := s.allArrived(ctx, complete); err != nil {
		return out, err
	} else if done {
		out.Converged, out.FastPath = true, true
		return out, nil
	}

	timer := time.NewTimer(s.Interval)
	defer timer.Stop()

	stable := 0
	for {
		select {
		case <-ctx.Done():
			out.Waited = time.Since(started)
			return out, ctx.Err()
		case <-timer.C:
		}

		current, err := sample(ctx)
		if err != nil {
			out.Waited = time.Since(started)
			return out, err
		}
		out.Samples++

		if current > out.Length {
			out.Length = current
			stable = 0
		} else {
			stable++
		}
		out.Waited = time.Since(started)

		if stable >= s.StableSamples {
			out.Converged = true
			return out, nil
		}

		if done, err := s.allArrived(ctx, complete); err != nil {
			return out, err
		} else if done {
			out.Converged, out.FastPath = true, true
			return out, nil
		}

		if out.Waited >= s.Timeout {
			log.Printf("Session %s: transcript still growing after %s (%d samples, length %d), sealing best effort",
				sessionID, out.Waited.Round(time.Millisecond), out.Samples, out.Length)
			return out, &types.ConvergenceTimeout{SessionID: sessionID, Length: out.Length, Samples: out.Samples}
		}

		timer.Reset(s.Interval)
	}
}

func (s *Stabilizer) allArrived(ctx context.Context, complete CompleteFunc) (bool, error) {
	if complete == nil {
		return false, nil
	}
	return complete(ctx)
}
