/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package shardparallel

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomesh/gomesh/ir"
	"github.com/gomesh/gomesh/mesh"
	"github.com/gomesh/gomesh/pipeline"
	"github.com/gomesh/gomesh/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrUnimplemented is returned for option combinations that are explicitly
// unsupported: a cached strategy together with a logical-mesh-shape search mode.
// Compilation fails fast rather than silently proceeding with a stale strategy.
var ErrUnimplemented = errors.New("cached strategy with a logical-mesh-shape search mode is not implemented")

// SearchMode selects how the logical mesh shape is chosen when several shapes
// are possible.
type SearchMode int

//go:generate stringer -type=SearchMode -trimprefix=SearchMode

const (
	// SearchModeDefault uses the mesh's default logical view, no search.
	SearchModeDefault SearchMode = iota

	// SearchModeCostModel picks the best shape by HLO-level cost estimation.
	SearchModeCostModel

	// SearchModeMeasurement picks the best shape by real profiling.
	SearchModeMeasurement
)

// StrategyConfig is a pre-computed sharding strategy, e.g. loaded from an
// earlier search. Opaque to this package beyond the logical mesh shape.
type StrategyConfig struct {
	LogicalMeshShape [2]int
}

// CompileOptions configures Compile and CompileNormal.
type CompileOptions struct {
	// NumMicroBatches is the gradient accumulation microbatch count, >= 1.
	NumMicroBatches int

	// MemoryBudgetPerDevice in bytes, 0 for unlimited. Forwarded to the
	// auto-sharding pass.
	MemoryBudgetPerDevice uint64

	// SearchMode for the logical mesh shape.
	SearchMode SearchMode

	// Strategy, if set, skips the sharding search and compiles according to
	// this configuration. Combining it with a non-default SearchMode returns
	// ErrUnimplemented.
	Strategy *StrategyConfig

	// DonatedInvars marks which of the program's inputs may be updated in
	// place (donated buffers). One flag per program input; nil means none.
	DonatedInvars []bool

	// ShardingPass slices the combined program into per-region sub-programs.
	// Nil picks the built-in marker slicer; a cost-model-driven external pass
	// plugs in here.
	ShardingPass ShardingPass
}

func (opts *CompileOptions) validate(prog *ir.Program) ([]bool, error) {
	if opts.Strategy != nil && opts.SearchMode != SearchModeDefault {
		return nil, errors.Wrapf(ErrUnimplemented, "search mode %s", opts.SearchMode)
	}
	donated := opts.DonatedInvars
	if donated == nil {
		donated = make([]bool, len(prog.Invars))
	}
	if len(donated) != len(prog.Invars) {
		return nil, errors.Errorf("%d donated flags for %d program inputs", len(donated), len(prog.Invars))
	}
	return donated, nil
}

// NamedProgram is one sub-program sliced out of a combined program, tagged with
// its region name.
type NamedProgram struct {
	Name    string
	Program *ir.Program
}

// ShardingPass turns a combined, marker-annotated program into separately
// compilable sub-programs placed on a logical mesh.
type ShardingPass interface {
	Run(prog *ir.Program, logicalMesh mesh.LogicalMesh) ([]NamedProgram, error)
}

// markerSlicer is the built-in ShardingPass: slice at the markers, ignore the
// logical mesh (the host backend has no placement).
type markerSlicer struct{}

func (markerSlicer) Run(prog *ir.Program, _ mesh.LogicalMesh) ([]NamedProgram, error) {
	return SliceAtMarkers(prog)
}

// SliceAtMarkers slices a program at its start/end region markers into named
// sub-programs. Each sub-program keeps its delimiting markers: its inputs are
// the start marker's inputs and its outputs the end marker's outputs. Every
// equation must be inside a region; regions don't nest.
//
// This is the reference implementation of the slicing half of the external
// auto-sharding pass, enough to drive the local mesh. The cost-model-driven
// placement half stays external.
func SliceAtMarkers(prog *ir.Program) ([]NamedProgram, error) {
	var regions []NamedProgram
	var current *NamedProgram
	for ii, eqn := range prog.Eqns {
		marker, isMarker := pipeline.MarkerOf(eqn)
		switch {
		case isMarker && marker.Type == pipeline.MarkStart:
			if current != nil {
				return nil, errors.Errorf("nested region %q inside %q at equation #%d", marker.Name, current.Name, ii)
			}
			current = &NamedProgram{
				Name: marker.Name,
				Program: &ir.Program{
					Invars:    eqn.InputVars(),
					Eqns:      []*ir.Equation{eqn},
					Constvars: prog.Constvars,
					Consts:    prog.Consts,
				},
			}
		case isMarker && marker.Type == pipeline.MarkEnd:
			if current == nil {
				return nil, errors.Errorf("end marker %q without a start at equation #%d", marker.Name, ii)
			}
			if marker.Name != current.Name {
				return nil, errors.Errorf("end marker %q closes region %q at equation #%d", marker.Name, current.Name, ii)
			}
			current.Program.Eqns = append(current.Program.Eqns, eqn)
			current.Program.Outvars = eqn.Outputs
			regions = append(regions, *current)
			current = nil
		default:
			if current == nil {
				return nil, errors.Errorf("equation #%d (%s) is outside any region", ii, eqn)
			}
			current.Program.Eqns = append(current.Program.Eqns, eqn)
		}
	}
	if current != nil {
		return nil, errors.Errorf("region %q is never closed", current.Name)
	}
	return regions, nil
}

// Compile compiles a single-step training program with gradient accumulation
// for the given mesh: it rewrites the program with AddGradientAccumulation,
// slices the result at the region markers into the accumulate-grad and
// apply-grad sub-programs, attaches in-place-update aliasing hints to each, and
// wires both into a driver executable.
//
// The input program must contain exactly one gradient boundary marker (see
// pipeline.MarkGrad); its absence is a precondition violation.
func Compile(prog *ir.Program, m *mesh.LocalMesh, opts CompileOptions) (*mesh.GradAccExecutable, error) {
	donated, err := opts.validate(prog)
	if err != nil {
		return nil, err
	}
	logicalMesh := m.DefaultLogicalMesh()
	if opts.Strategy != nil {
		logicalMesh.Shape = opts.Strategy.LogicalMeshShape
	}

	start := time.Now()
	combined, accIndices, applyIndices, numGrads, err := AddGradientAccumulation(prog, opts.NumMicroBatches)
	if err != nil {
		return nil, err
	}
	if err = combined.Validate(ir.RelaxSSA); err != nil {
		return nil, errors.WithMessage(err, "gradient accumulation rewrite produced an invalid program")
	}

	pass := opts.ShardingPass
	if pass == nil {
		pass = markerSlicer{}
	}
	regions, err := pass.Run(combined, logicalMesh)
	if err != nil {
		return nil, err
	}
	if len(regions) != 2 {
		return nil, errors.Errorf("expected 2 regions after gradient accumulation, got %d", len(regions))
	}
	// The apply-grad region is identified by its reserved name suffix.
	if strings.HasSuffix(regions[0].Name, pipeline.ApplyGradSuffix) {
		regions[0], regions[1] = regions[1], regions[0]
	}
	if !strings.HasSuffix(regions[1].Name, pipeline.ApplyGradSuffix) {
		return nil, errors.Errorf("no region named with the apply-grad suffix %q", pipeline.ApplyGradSuffix)
	}

	// Donate the old accumulators so the gradient accumulation is in place;
	// donate old optimizer state and params so the weight update is in place.
	accumulateDonated := append(xslices.SliceWithValue(len(accIndices), false),
		xslices.SliceWithValue(numGrads, true)...)
	applyDonated := make([]bool, 0, len(applyIndices)+numGrads)
	for _, idx := range applyIndices {
		applyDonated = append(applyDonated, donated[idx])
	}
	applyDonated = append(applyDonated, xslices.SliceWithValue(numGrads, false)...)

	if klog.V(1).Enabled() {
		budget := "unlimited"
		if opts.MemoryBudgetPerDevice > 0 {
			budget = humanize.IBytes(opts.MemoryBudgetPerDevice)
		}
		klog.Infof("shardparallel.Compile: logical mesh %v, %d microbatches, memory budget per device %s, compiled in %s",
			logicalMesh.Shape, opts.NumMicroBatches, budget, time.Since(start))
	}

	return mesh.NewGradAccExecutable(m, mesh.GradAccParams{
		AccumulateGrad:             regions[0].Program,
		ApplyGrad:                  regions[1].Program,
		AccumulateGradInvarIndices: accIndices,
		ApplyGradInvarIndices:      applyIndices,
		NumGrads:                   numGrads,
		NumMicroBatches:            opts.NumMicroBatches,
		NumInvars:                  len(combined.Invars) - numGrads,
		AccumulateDonated:          accumulateDonated,
		ApplyDonated:               applyDonated,
	})
}

// CompileNormal compiles a program without gradient accumulation into a
// single-program executable. It is the path taken when no microbatching is
// requested.
func CompileNormal(prog *ir.Program, m *mesh.LocalMesh, opts CompileOptions) (*mesh.NormalExecutable, error) {
	donated, err := opts.validate(prog)
	if err != nil {
		return nil, err
	}
	if err = prog.Validate(); err != nil {
		return nil, err
	}
	if klog.V(1).Enabled() {
		klog.Infof("shardparallel.CompileNormal: logical mesh %v", m.DefaultLogicalMesh().Shape)
	}
	return mesh.NewNormalExecutable(m, prog, donated)
}
