// Adaptive spin -> yield -> park backoff, one instance per worker.
//
// The park half of the sleep protocol lives in WorkerPool.parkWorker/wakeOne
// (worker_pool.go), built on a sync.Cond-guarded "suspended" counter; this
// file owns only the decision of *when* to transition from spinning to
// yielding to parking, tracked via two exponentially-weighted averages
// (pause-burst length, spin-to-yield threshold).
//
// Numeric thresholds below are tunable defaults, not a contract, and are
// overridable via BackoffConfig.

package mxsched_internal

import "runtime"

type BackoffAction int

const (
	BackoffSpin BackoffAction = iota
	BackoffYield
	BackoffSleepReady
)

type BackoffConfig struct {
	// Initial number of tight-loop spins attempted before yielding the OS
	// thread. Adapts upward/downward via EWMA as the worker's actual
	// find-work latency is observed.
	InitialSpinToYield float64 `yaml:"initial_spin_to_yield"`
	// Initial number of runtime.Gosched-yields attempted before parking.
	InitialPauseBurst float64 `yaml:"initial_pause_burst"`
	// EWMA smoothing factor in (0, 1]; higher reacts faster to recent
	// history, lower smooths out noise.
	EWMAAlpha float64 `yaml:"ewma_alpha"`
}

const (
	BACKOFF_CONFIG_INITIAL_SPIN_TO_YIELD_DEFAULT = 64
	BACKOFF_CONFIG_INITIAL_PAUSE_BURST_DEFAULT   = 32
	BACKOFF_CONFIG_EWMA_ALPHA_DEFAULT            = 0.2
)

func DefaultBackoffConfig() *BackoffConfig {
	return &BackoffConfig{
		InitialSpinToYield: BACKOFF_CONFIG_INITIAL_SPIN_TO_YIELD_DEFAULT,
		InitialPauseBurst:  BACKOFF_CONFIG_INITIAL_PAUSE_BURST_DEFAULT,
		EWMAAlpha:          BACKOFF_CONFIG_EWMA_ALPHA_DEFAULT,
	}
}

type Backoff struct {
	cfg *BackoffConfig

	spinToYield float64
	pauseBurst  float64

	spins  int
	yields int
}

func NewBackoff(cfg *BackoffConfig) *Backoff {
	if cfg == nil {
		cfg = DefaultBackoffConfig()
	}
	return &Backoff{
		cfg:         cfg,
		spinToYield: cfg.InitialSpinToYield,
		pauseBurst:  cfg.InitialPauseBurst,
	}
}

// Tick is called once per failed attempt to find work. It returns the
// action the executor loop should take next.
func (b *Backoff) Tick() BackoffAction {
	b.spins++
	if float64(b.spins) < b.spinToYield {
		return BackoffSpin
	}
	runtime.Gosched()
	b.yields++
	if float64(b.yields) < b.pauseBurst {
		return BackoffYield
	}
	return BackoffSleepReady
}

// Reset is called the moment a worker finds work again; it folds this
// round's spin/yield counts into the running EWMAs and zeroes the counters.
func (b *Backoff) Reset() {
	alpha := b.cfg.EWMAAlpha
	if b.spins > 0 {
		b.spinToYield = b.spinToYield*(1-alpha) + float64(b.spins)*alpha
	}
	if b.yields > 0 {
		b.pauseBurst = b.pauseBurst*(1-alpha) + float64(b.yields)*alpha
	}
	b.spins, b.yields = 0, 0
}

// AfterPark is called when a parked worker wakes back up, clearing counters
// without folding them into the EWMA (a park is not "normal" spin/yield
// history, it is the tail of it).
func (b *Backoff) AfterPark() {
	b.spins, b.yields = 0, 0
}
