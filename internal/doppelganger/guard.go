// Package doppelganger implements spec.md §4.I, DoppelgangerGuard: a
// startup-only liveness observation that refuses to release duty
// executors if a managed validator index appears live somewhere other
// than this process. Grounded on the teacher's
// validator/client/wait_for_activation.go (a startup gate that blocks
// the main run loop until a condition over the validator set holds).
package doppelganger

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/serenita-org/vero/internal/registry"
	"github.com/serenita-org/vero/internal/verrors"
)

var log = logrus.WithField("prefix", "doppelganger")

// LivenessChecker is the subset of the coordinator the guard needs: a
// call against /eth/v1/validator/liveness/{epoch} returning, for each
// queried index, whether it was observed live.
type LivenessChecker interface {
	Liveness(ctx context.Context, epoch uint64, indices []uint64) (map[uint64]bool, error)
}

// Guard runs the three-epoch startup observation window.
type Guard struct {
	checker  LivenessChecker
	registry *registry.Registry
	enabled  bool

	// cleared holds indices that have already passed the guard in this
	// process lifetime, so that keys added later via Keymanager can
	// bypass it without re-running the full window, per spec.md §4.I's
	// "bypass the guard for this process lifetime".
	cleared map[uint64]bool
}

// New builds a Guard. If enabled is false, Run always succeeds
// immediately, per the --enable-doppelganger-detection flag default.
func New(checker LivenessChecker, reg *registry.Registry, enabled bool) *Guard {
	return &Guard{checker: checker, registry: reg, enabled: enabled, cleared: make(map[uint64]bool)}
}

// Run observes three full epochs starting at the given epoch E0 for
// every currently managed validator with a known index. It returns
// DoppelgangerDetected for the first index observed live elsewhere.
// waitForEpoch lets callers drive the window against a real clock or,
// in tests, a fake one.
func (g *Guard) Run(ctx context.Context, startEpoch uint64, waitForEpoch func(ctx context.Context, epoch uint64) error) error {
	if !g.enabled {
		return nil
	}

	indices := g.uncheckedManagedIndices()
	if len(indices) == 0 {
		return nil
	}

	for e := startEpoch; e < startEpoch+3; e++ {
		if err := waitForEpoch(ctx, e); err != nil {
			return err
		}
		live, err := g.checker.Liveness(ctx, e, indices)
		if err != nil {
			return err
		}
		for idx, isLive := range live {
			if isLive {
				log.WithField("validator_index", idx).WithField("epoch", e).
					Error("Validator observed live elsewhere during doppelganger observation window")
				return &verrors.DoppelgangerDetected{ValidatorIndex: idx}
			}
		}
	}

	for _, idx := range indices {
		g.cleared[idx] = true
	}
	log.WithField("count", len(indices)).Info("Doppelganger observation window passed, releasing duty executors")
	return nil
}

// uncheckedManagedIndices returns the indices of managed validators not
// already cleared in this process lifetime.
func (g *Guard) uncheckedManagedIndices() []uint64 {
	var out []uint64
	for _, v := range g.registry.Snapshot() {
		if v.Index == nil {
			continue
		}
		idx := uint64(*v.Index)
		if !g.cleared[idx] {
			out = append(out, idx)
		}
	}
	return out
}

// WaitForWallClockEpoch is the production waitForEpoch: it sleeps until
// the given epoch's start time.
func WaitForWallClockEpoch(startTime func(epoch uint64) time.Time) func(context.Context, uint64) error {
	return func(ctx context.Context, epoch uint64) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(startTime(epoch))):
			return nil
		}
	}
}
