// Topology: the available-CPU-count fallback used to size an unconfigured
// WorkerPool, plus an optional TopologyProvider collaborator exposing the
// richer processor-group shape a NUMA-aware partition needs.
//
// AvailableCPUCount is affinity-mask-aware on Linux, runtime.NumCPU()
// elsewhere. ProcessorGroups is built on gopsutil/v4/cpu (see DESIGN.md).

package mxsched_internal

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
)

// AvailableCPUCount is computed once at process start.
var AvailableCPUCount = GetAvailableCPUCount()

// Core describes one physical core's hardware threads (more than one when
// SMT/hyperthreading is active). EfficiencyClass distinguishes performance
// vs efficiency cores on hybrid hardware; gopsutil has no portable way to
// report it, so the default provider always reports 0 (uniform).
type Core struct {
	HardwareThreads []int
	EfficiencyClass int
}

// ProcessorGroup describes one physical-package grouping of cores, the unit
// a topology-aware worker-pool partition is built from.
type ProcessorGroup struct {
	Id        int
	Cores     []Core
	ModelName string
}

// TopologyProvider is an optional collaborator a deployment may supply so a
// WorkerPool partition can be shaped around real hardware (e.g. one
// partition per NUMA node) instead of a flat worker count.
type TopologyProvider interface {
	ProcessorGroups() ([]ProcessorGroup, error)
	AvailableCPUCount() int
}

type gopsutilTopologyProvider struct{}

// NewGopsutilTopologyProvider returns the default TopologyProvider.
func NewGopsutilTopologyProvider() TopologyProvider {
	return gopsutilTopologyProvider{}
}

func (gopsutilTopologyProvider) AvailableCPUCount() int {
	return AvailableCPUCount
}

// ProcessorGroups buckets gopsutil's per-logical-CPU info by physical
// package id, then by core id within each package. On platforms where
// gopsutil cannot distinguish packages/cores, this degenerates to a single
// group holding a single core with every hardware thread.
func (gopsutilTopologyProvider) ProcessorGroups() ([]ProcessorGroup, error) {
	infos, err := cpu.Info()
	if err != nil {
		return nil, fmt.Errorf("cpu.Info: %w", err)
	}

	type pkg struct {
		group     *ProcessorGroup
		coreOrder []string
		byCore    map[string]*Core
	}
	pkgOrder := []string{}
	byPhysical := map[string]*pkg{}

	for _, info := range infos {
		p, ok := byPhysical[info.PhysicalID]
		if !ok {
			p = &pkg{
				group:  &ProcessorGroup{Id: len(pkgOrder), ModelName: info.ModelName},
				byCore: map[string]*Core{},
			}
			byPhysical[info.PhysicalID] = p
			pkgOrder = append(pkgOrder, info.PhysicalID)
		}
		c, ok := p.byCore[info.CoreID]
		if !ok {
			c = &Core{}
			p.byCore[info.CoreID] = c
			p.coreOrder = append(p.coreOrder, info.CoreID)
		}
		c.HardwareThreads = append(c.HardwareThreads, int(info.CPU))
	}

	groups := make([]ProcessorGroup, len(pkgOrder))
	for i, pkgKey := range pkgOrder {
		p := byPhysical[pkgKey]
		cores := make([]Core, len(p.coreOrder))
		for j, coreKey := range p.coreOrder {
			cores[j] = *p.byCore[coreKey]
		}
		p.group.Cores = cores
		groups[i] = *p.group
	}
	return groups, nil
}
