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
	"testing"

	"github.com/gomesh/gomesh/ir"
	"github.com/gomesh/gomesh/ir/interp"
	"github.com/gomesh/gomesh/mesh"
	"github.com/gomesh/gomesh/pipeline"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func TestSliceAtMarkers(t *testing.T) {
	prog, _, _ := buildTrainStep(t)
	combined, accIndices, applyIndices, numGrads, err := AddGradientAccumulation(prog, 4)
	require.NoError(t, err)

	regions, err := SliceAtMarkers(combined)
	require.NoError(t, err)
	require.Len(t, regions, 2)
	require.Equal(t, pipeline.AccumulateGradName, regions[0].Name)
	require.Equal(t, pipeline.ApplyGradSuffix, regions[1].Name)

	// accumulate_grad(o, p, x, old_grad) -> new_grad
	require.Len(t, regions[0].Program.Invars, len(accIndices)+numGrads)
	require.Len(t, regions[0].Program.Outvars, numGrads)
	// apply_grad(o, p, in_grad) -> (new_o, new_p)
	require.Len(t, regions[1].Program.Invars, len(applyIndices)+numGrads)
	require.Len(t, regions[1].Program.Outvars, len(prog.Outvars))

	// Both sub-programs must be closed: they only see their start marker's
	// outputs, the renaming makes them independently compilable.
	for _, region := range regions {
		require.NoError(t, region.Program.Validate(ir.RelaxSSA), "region %q", region.Name)
	}
}

func TestSliceAtMarkersErrors(t *testing.T) {
	x, y := ir.NewVar(0, vec), ir.NewVar(1, vec)
	neg := ir.NewEquation(ir.OpNeg, []ir.Atom{x}, []*ir.Variable{y}, nil, "")

	_, err := SliceAtMarkers(&ir.Program{
		Invars: []*ir.Variable{x}, Eqns: []*ir.Equation{neg}, Outvars: []*ir.Variable{y},
	})
	require.ErrorContains(t, err, "outside any region")

	inner := ir.NewVar(2, vec)
	_, err = SliceAtMarkers(&ir.Program{
		Invars: []*ir.Variable{x},
		Eqns: []*ir.Equation{
			pipeline.Mark([]*ir.Variable{x}, []*ir.Variable{inner}, pipeline.MarkStart, "r"),
		},
		Outvars: []*ir.Variable{inner},
	})
	require.ErrorContains(t, err, "never closed")

	_, err = SliceAtMarkers(&ir.Program{
		Invars: []*ir.Variable{x},
		Eqns: []*ir.Equation{
			pipeline.Mark([]*ir.Variable{x}, []*ir.Variable{inner}, pipeline.MarkEnd, "r"),
		},
		Outvars: []*ir.Variable{inner},
	})
	require.ErrorContains(t, err, "without a start")

	_, err = SliceAtMarkers(&ir.Program{
		Invars: []*ir.Variable{x},
		Eqns: []*ir.Equation{
			pipeline.Mark([]*ir.Variable{x}, []*ir.Variable{inner}, pipeline.MarkStart, "outer"),
			pipeline.Mark([]*ir.Variable{inner}, []*ir.Variable{ir.NewVar(3, vec)}, pipeline.MarkStart, "inner"),
		},
		Outvars: []*ir.Variable{inner},
	})
	require.ErrorContains(t, err, "nested region")
}

// TestCompileMeanGradient runs the compiled executable on the local mesh with 4
// distinct microbatches and checks the step applies the mean of the
// per-microbatch gradients.
//
// For the program of buildTrainStep the gradient of microbatch b is
// g_b = p*x_b + o, so with o=(1,2), p=(3,4) and mean(x)=(2,1):
//
//	mean_g = (3*2+1, 4*1+2) = (7, 6)
//	new_o  = o + mean_g     = (8, 8)
//	new_p  = p - 0.5*mean_g = (-0.5, 1)
func TestCompileMeanGradient(t *testing.T) {
	prog, _, _ := buildTrainStep(t)
	m := must.M1(mesh.NewLocalMesh(2))
	exec, err := Compile(prog, m, CompileOptions{NumMicroBatches: 4})
	require.NoError(t, err)
	require.Equal(t, 4, exec.NumMicroBatches())
	require.Equal(t, 1, exec.NumGrads())

	oRef := m.Put(interp.New(vec, []float64{1, 2}))
	pRef := m.Put(interp.New(vec, []float64{3, 4}))
	batches := [][]float64{{1, 1}, {2, 2}, {3, 0}, {2, 1}}
	args := make([][]mesh.BufferRef, len(batches))
	for b, batch := range batches {
		args[b] = []mesh.BufferRef{oRef, pRef, m.Put(interp.New(vec, batch))}
	}

	outRefs, err := exec.Launch(args)
	require.NoError(t, err)
	require.Len(t, outRefs, 2)
	outputs := must.M1(m.GetAll(outRefs))
	require.InDeltaSlice(t, []float64{8, 8}, outputs[0].Flat(), 1e-12)
	require.InDeltaSlice(t, []float64{-0.5, 1}, outputs[1].Flat(), 1e-12)
}

// A single microbatch must reproduce the original step exactly: the divide by 1
// introduces no rounding.
func TestCompileSingleMicroBatch(t *testing.T) {
	prog, _, _ := buildTrainStep(t)
	m := must.M1(mesh.NewLocalMesh(1))
	exec, err := Compile(prog, m, CompileOptions{NumMicroBatches: 1})
	require.NoError(t, err)

	oRef := m.Put(interp.New(vec, []float64{1, 2}))
	pRef := m.Put(interp.New(vec, []float64{3, 4}))
	xRef := m.Put(interp.New(vec, []float64{5, 7}))
	outRefs, err := exec.Launch([][]mesh.BufferRef{{oRef, pRef, xRef}})
	require.NoError(t, err)
	outputs := must.M1(m.GetAll(outRefs))
	// g = p*x + o = (16, 30); new_o = (17, 32); new_p = p - 0.5*g = (-5, -11).
	require.Equal(t, []float64{17, 32}, outputs[0].Flat())
	require.Equal(t, []float64{-5, -11}, outputs[1].Flat())
}

func TestCompileDonationHints(t *testing.T) {
	prog, _, _ := buildTrainStep(t)
	m := must.M1(mesh.NewLocalMesh(2))
	exec, err := Compile(prog, m, CompileOptions{
		NumMicroBatches: 4,
		DonatedInvars:   []bool{true, true, false}, // o and p updated in place, not the batch
	})
	require.NoError(t, err)
	// Only the old accumulator is donated in the loop body.
	require.Equal(t, []bool{false, false, false, true}, exec.AccumulateDonated())
	// apply_grad sees (o, p, in_grad): donation follows the caller's flags, the
	// summed gradient is still needed by all gradient slots so it is kept.
	require.Equal(t, []bool{true, true, false}, exec.ApplyDonated())
}

func TestCompileUnimplemented(t *testing.T) {
	prog, _, _ := buildTrainStep(t)
	m := must.M1(mesh.NewLocalMesh(2))
	_, err := Compile(prog, m, CompileOptions{
		NumMicroBatches: 2,
		SearchMode:      SearchModeCostModel,
		Strategy:        &StrategyConfig{LogicalMeshShape: [2]int{1, 2}},
	})
	require.ErrorIs(t, err, ErrUnimplemented)

	_, err = Compile(prog, m, CompileOptions{
		NumMicroBatches: 2,
		DonatedInvars:   []bool{true}, // wrong arity
	})
	require.ErrorContains(t, err, "donated flags")
}

func TestSearchModeString(t *testing.T) {
	require.Equal(t, "Default", SearchModeDefault.String())
	require.Equal(t, "CostModel", SearchModeCostModel.String())
	require.Equal(t, "Measurement", SearchModeMeasurement.String())
	require.Equal(t, "SearchMode(7)", SearchMode(7).String())
}

func TestCompileNormal(t *testing.T) {
	x, y := ir.NewVar(0, vec), ir.NewVar(1, vec)
	prog := &ir.Program{
		Invars: []*ir.Variable{x},
		Eqns: []*ir.Equation{
			ir.NewEquation(ir.OpNeg, []ir.Atom{x}, []*ir.Variable{y}, nil, ""),
		},
		Outvars: []*ir.Variable{y},
	}
	m := must.M1(mesh.NewLocalMesh(1))
	exec, err := CompileNormal(prog, m, CompileOptions{DonatedInvars: []bool{true}})
	require.NoError(t, err)

	xRef := m.Put(interp.New(vec, []float64{1, -2}))
	outRefs, err := exec.Launch([]mesh.BufferRef{xRef})
	require.NoError(t, err)
	outputs := must.M1(m.GetAll(outRefs))
	require.Equal(t, []float64{-1, 2}, outputs[0].Flat())

	// The donated input was freed, only the output remains resident.
	require.Equal(t, 1, m.NumBuffers())
	_, err = m.Get(xRef)
	require.ErrorContains(t, err, "not found")
}
