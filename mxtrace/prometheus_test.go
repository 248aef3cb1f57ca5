package mxtrace_test

import (
	"sync"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bgp59/mxsched"
	"github.com/bgp59/mxsched/mxtrace"
)

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

// TestPrometheusProviderWiredToScheduler exercises the wiring described in
// tracing.go: a Provider is never called by the scheduler core directly,
// only from callbacks a deployment installs through the façade. This wires
// OnTaskExecuted/OnIdle into a PrometheusProvider and checks the counters it
// registers actually move.
func TestPrometheusProviderWiredToScheduler(t *testing.T) {
	reg := prometheus.NewRegistry()
	provider := mxtrace.NewPrometheusProvider(reg)

	pool, err := mxsched.NewWorkerPool(mxsched.DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ms := mxsched.NewMicroScheduler(pool, mxsched.DefaultConfig())
	t.Cleanup(func() {
		ms.Close()
		pool.Shutdown()
	})

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)

	// OnTaskExecuted fires after a task's Execute returns, so the wait
	// group is released from the callback, once the provider has counted
	// that execution.
	ms.OnTaskExecuted(func(workerIndex int, _ *mxsched.Task) {
		provider.ZoneBegin(workerIndex, "task")
		provider.ZoneEnd(workerIndex)
		wg.Done()
	})
	ms.OnIdle(func(workerIndex int) {
		provider.Marker(workerIndex, "idle")
	})

	for i := 0; i < n; i++ {
		task := ms.AllocateTask(0)
		task.SetExecutor(mxsched.TaskFunc(func(ctx *mxsched.ExecContext) *mxsched.Task {
			return nil
		}))
		ms.SpawnTask(nil, task, 0)
	}
	wg.Wait()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	executed := findMetricFamily(mfs, "mxsched_tasks_executed_total")
	if executed == nil || len(executed.Metric) != 1 || executed.Metric[0].GetCounter().GetValue() != float64(n) {
		t.Fatalf("mxsched_tasks_executed_total: want a single sample of %d, got %v", n, executed)
	}

	zones := findMetricFamily(mfs, "mxsched_zones_entered_total")
	if zones == nil || len(zones.Metric) != 1 {
		t.Fatalf("mxsched_zones_entered_total: want exactly one zone series, got %v", zones)
	}
	m := zones.Metric[0]
	if len(m.Label) != 1 || m.Label[0].GetName() != "zone" || m.Label[0].GetValue() != "task" {
		t.Fatalf("mxsched_zones_entered_total: want label zone=\"task\", got %v", m.Label)
	}
	if m.GetCounter().GetValue() != float64(n) {
		t.Fatalf("mxsched_zones_entered_total{zone=\"task\"}: want %d, got %v", n, m.GetCounter().GetValue())
	}
}
