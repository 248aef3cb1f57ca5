// The public face of the scheduler for the users of this package.

package mxsched

import (
	"github.com/sirupsen/logrus"

	mxsched_internal "github.com/bgp59/mxsched/internal"
)

const (
	NoAffinity = mxsched_internal.NoAffinity
)

type (
	Config               = mxsched_internal.Config
	LoggerConfig         = mxsched_internal.LoggerConfig
	WorkerPoolConfig     = mxsched_internal.WorkerPoolConfig
	MicroSchedulerConfig = mxsched_internal.MicroSchedulerConfig
	BackoffConfig        = mxsched_internal.BackoffConfig

	WorkerDescriptor = mxsched_internal.WorkerDescriptor
	WorkerPool       = mxsched_internal.WorkerPool
	MicroScheduler   = mxsched_internal.MicroScheduler

	Task          = mxsched_internal.Task
	TaskState     = mxsched_internal.TaskState
	ExecContext   = mxsched_internal.ExecContext
	TaskExecutor  = mxsched_internal.TaskExecutor
	TaskDestroyer = mxsched_internal.TaskDestroyer
	TaskFunc      = mxsched_internal.TaskFunc

	TopologyProvider = mxsched_internal.TopologyProvider
	ProcessorGroup   = mxsched_internal.ProcessorGroup
	Core             = mxsched_internal.Core

	BeforeSleepFunc    = mxsched_internal.BeforeSleepFunc
	AfterWakeFunc      = mxsched_internal.AfterWakeFunc
	OnTaskExecutedFunc = mxsched_internal.OnTaskExecutedFunc
	OnIdleFunc         = mxsched_internal.OnIdleFunc
)

// DefaultConfig returns a Config primed with every section's defaults; load
// a YAML file on top of it with LoadConfig, or mutate it directly before
// passing it to NewWorkerPool.
func DefaultConfig() *Config { return mxsched_internal.DefaultConfig() }

// LoadConfig reads the mxsched_config section of a YAML file (cfgFile) into
// a fresh default Config. If buf is non-nil, it is decoded directly instead
// of reading cfgFile, which is the path taken by tests.
func LoadConfig(cfgFile string, buf []byte) (*Config, error) {
	return mxsched_internal.LoadConfig(cfgFile, buf)
}

// NewWorkerPool sets up logging from cfg.LogConfig and builds the worker
// pool described by cfg.WorkerPoolConfig and descs. The pool size always
// comes from cfg.WorkerPoolConfig.NumWorkers (or the available CPU count,
// if that is left at its default); descs only names workers and may be nil.
func NewWorkerPool(cfg *Config, descs []WorkerDescriptor) (*WorkerPool, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := mxsched_internal.SetLogger(cfg.LogConfig); err != nil {
		return nil, err
	}
	return mxsched_internal.NewWorkerPool(cfg.WorkerPoolConfig, cfg.BackoffConfig, descs), nil
}

// NewMicroScheduler attaches a new MicroScheduler to pool, configured per
// cfg.SchedulerConfig. Several schedulers may share one pool; each competes
// for the pool's workers independently, and may be registered as the other's
// external victim with MicroScheduler.AddExternalVictim.
func NewMicroScheduler(pool *WorkerPool, cfg *Config) *MicroScheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return mxsched_internal.NewMicroScheduler(pool, cfg.SchedulerConfig)
}

// NewGopsutilTopologyProvider returns the default TopologyProvider, backed
// by gopsutil/v4/cpu.
func NewGopsutilTopologyProvider() TopologyProvider {
	return mxsched_internal.NewGopsutilTopologyProvider()
}

// GetRootLogger is needed only for tests where the logger is captured (see
// testutils/log_collector.go); its actual type is obscured.
func GetRootLogger() any { return mxsched_internal.GetRootLogger() }

// NewCompLogger creates a new component logger with a comp=compName field.
func NewCompLogger(comp string) *logrus.Entry {
	return mxsched_internal.NewCompLogger(comp)
}
