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

// Package shardparallel transforms and compiles single-step training programs for
// data-parallel execution on a device mesh.
//
// The core of the package is AddGradientAccumulation: given a closed IR program of
// shape `(opt_state, params, batch) -> (new_opt_state, new_params)` containing one
// gradient boundary marker, it splits the program at the marker, synthesizes a
// gradient-accumulation loop body that sums per-microbatch gradients into a
// running accumulator, divides by the microbatch count, and re-stitches everything
// into one combined program with explicit region markers. A downstream pass (see
// SliceAtMarkers) slices the combined program at the markers into two separately
// compilable sub-programs: accumulate-grad and apply-grad.
//
// Compile drives the whole path: rewrite, slice, attach in-place-update aliasing
// hints and build a mesh executable that runs the two sub-programs in a
// microbatched loop.
package shardparallel

import (
	"github.com/gomesh/gomesh/ir"
	"github.com/gomesh/gomesh/pipeline"
	"github.com/gomesh/gomesh/pkg/support/xslices"
	"github.com/gomesh/gomesh/types/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrNoGradMarker is returned when the input program contains no gradient
	// boundary marker. This is a precondition violation: there is no recovery,
	// compilation aborts.
	ErrNoGradMarker = errors.New("program has no gradient boundary marker")

	// ErrAmbiguousGradMarker is returned when more than one gradient boundary
	// marker exists at the top level. Multi-marker programs are ambiguous, they
	// are rejected rather than silently honoring only the first marker.
	ErrAmbiguousGradMarker = errors.New("program has more than one gradient boundary marker")
)

// AddGradientAccumulation adds gradient accumulation logic to a single-step
// training program.
//
// Signatures of the programs involved:
//
//	prog(opt_state, params, batch) -> (new_opt_state, new_params)
//
//	prog splits at its gradient boundary marker into:
//	  compute_grad(params, batch) -> out_grad
//	  apply_grad(opt_state, params, in_grad) -> (new_opt_state, new_params)
//
//	accumulate_grad is derived from compute_grad:
//	  accumulate_grad(params, batch, old_grad) -> new_grad
//
//	The returned combined program is composed of:
//	  start marker "_accumulate_grad"
//	  accumulate_grad
//	  end marker "_accumulate_grad"
//	  start marker "_apply_grad"
//	  divide gradients by numMicroBatches
//	  apply_grad
//	  end marker "_apply_grad"
//
// Its input list is the original program's inputs followed by the numGrads
// accumulator variables, all renamed (the accumulate-grad start marker reads the
// renamed copies); its outputs are renamed copies of the original outputs.
//
// The two returned index lists give, for each variable of the accumulate-grad and
// apply-grad region input lists (excluding the trailing numGrads gradient slots),
// its position in the combined program's input list. They let the caller wire
// physical buffers to the right sub-program arguments.
//
// The combined program is intentionally not in SSA form, in two documented spots:
// the divide equations re-bind the gradient variables in place, and intermediate
// variables may be duplicated between the two regions (the compute-grad and
// apply-grad equations are emitted unchanged). Downstream lowering tolerates
// in-place re-binding within a linear equation list; fixing either spot requires
// co-redesigning the lowering pass, so both are preserved as is. Use
// `Validate(ir.RelaxSSA)` on the result.
//
// The transformation is pure and all-or-nothing: on error the input program is
// untouched and no partial result is returned.
func AddGradientAccumulation(prog *ir.Program, numMicroBatches int) (
	combined *ir.Program, accumulateGradInvarIndices, applyGradInvarIndices []int, numGrads int, err error) {
	if numMicroBatches < 1 {
		err = errors.Errorf("numMicroBatches must be >= 1, got %d", numMicroBatches)
		return
	}

	// Find the gradient boundary marker. It partitions prog into two parts:
	// compute_grad and apply_grad.
	markerPos := -1
	var markerEqn *ir.Equation
	for pos, eqn := range prog.Eqns {
		if pipeline.IsMark(eqn, pipeline.MarkGrad) {
			if markerPos >= 0 {
				err = errors.Wrapf(ErrAmbiguousGradMarker, "second marker at equation #%d, first at #%d", pos, markerPos)
				return
			}
			markerEqn = eqn
			markerPos = pos
		}
	}
	if markerEqn == nil {
		err = ErrNoGradMarker
		return
	}
	outGradVars, markerErr := gradMarkerVars(markerEqn, markerPos)
	if markerErr != nil {
		err = markerErr
		return
	}
	computeGradEqns := prog.Eqns[:markerPos]
	applyGradEqns := prog.Eqns[markerPos+1:]

	globalInvars := make(map[ir.VarId]struct{}, len(prog.Invars))
	for _, v := range prog.Invars {
		globalInvars[v.Id()] = struct{}{}
	}
	gen := ir.NewVarGen(prog)

	// Variables for the gradient accumulation: the running accumulator read at
	// loop entry, and the per-microbatch summed result.
	oldGradVars := gen.CloneVars(outGradVars)
	newGradVars := gen.CloneVars(outGradVars)
	numGrads = len(outGradVars)

	substitute := make(map[ir.VarId]*ir.Variable)
	combinedEqns := make([]*ir.Equation, 0, len(prog.Eqns)+2*numGrads+4)

	// Wrap all invars of accumulate_grad.
	oldInvars := append(ir.FilterUsedVars(prog.Invars, computeGradEqns), oldGradVars...)
	newInvars := gen.CloneVars(oldInvars)
	combinedEqns = append(combinedEqns,
		pipeline.Mark(newInvars, oldInvars, pipeline.MarkStart, pipeline.AccumulateGradName))
	for ii, old := range oldInvars {
		substitute[old.Id()] = newInvars[ii]
	}
	accumulateGradInvars := newInvars

	// Equations of compute_grad, unchanged.
	combinedEqns = append(combinedEqns, computeGradEqns...)

	// Gradient accumulation: new_grad[i] = old_grad[i] + out_grad[i].
	for ii := range outGradVars {
		combinedEqns = append(combinedEqns, ir.NewEquation(ir.OpAdd,
			[]ir.Atom{oldGradVars[ii], outGradVars[ii]},
			[]*ir.Variable{newGradVars[ii]}, nil, ""))
	}

	// Wrap all outvars of accumulate_grad.
	interGradVars := gen.CloneVars(outGradVars)
	combinedEqns = append(combinedEqns,
		pipeline.Mark(newGradVars, interGradVars, pipeline.MarkEnd, pipeline.AccumulateGradName))

	// Wrap all invars of apply_grad. Global inputs reuse the substitution created
	// for the accumulate-grad region (or mint one); the gradient slots are rewired
	// to the interGradVars produced above, connecting the two regions.
	inGradVars := markerEqn.Outputs
	oldInvars = append(ir.FilterUsedVars(prog.Invars, applyGradEqns), inGradVars...)
	newInvars = make([]*ir.Variable, 0, len(oldInvars))
	for _, old := range oldInvars {
		if _, isGlobal := globalInvars[old.Id()]; isGlobal {
			renamed, found := substitute[old.Id()]
			if !found {
				renamed = gen.NewVar(old.Shape())
				substitute[old.Id()] = renamed
			}
			newInvars = append(newInvars, renamed)
		} else {
			newInvars = append(newInvars, interGradVars[indexOfVar(inGradVars, old)])
		}
	}
	applyGradInvars := newInvars
	combinedEqns = append(combinedEqns,
		pipeline.Mark(newInvars, oldInvars, pipeline.MarkStart, pipeline.ApplyGradSuffix))

	// Gradient reduction: divide each gradient slot by the microbatch count, in
	// place. The divide re-binds the same variable as input and output, breaking
	// SSA form. See the package note above, this is preserved on purpose.
	for ii := 0; ii < numGrads; ii++ {
		gradVar := xslices.At(oldInvars, -(ii + 1))
		dtype := gradVar.Shape().DType
		literal := ir.Literal{
			Value:      shapes.CastAsDType(numMicroBatches, dtype),
			ValueShape: shapes.Make(dtype),
		}
		combinedEqns = append(combinedEqns, ir.NewEquation(ir.OpDiv,
			[]ir.Atom{gradVar, literal}, []*ir.Variable{gradVar}, nil, ""))
	}

	// Equations of apply_grad, unchanged. Param vars are consumed both by
	// compute_grad and apply_grad, so intermediate variables may be duplicated
	// between the two regions, the second documented SSA relaxation.
	combinedEqns = append(combinedEqns, applyGradEqns...)

	// Wrap all outvars of apply_grad.
	newOutvars := gen.CloneVars(prog.Outvars)
	combinedEqns = append(combinedEqns,
		pipeline.Mark(prog.Outvars, newOutvars, pipeline.MarkEnd, pipeline.ApplyGradSuffix))

	// Assemble the combined program: original inputs followed by the accumulator
	// variables, each renamed where a substitution exists. The accumulators always
	// have one: the accumulate-grad start marker reads their renamed copies, so the
	// renamed copies are what the combined program takes as inputs.
	combinedInvars := make([]*ir.Variable, 0, len(prog.Invars)+numGrads)
	for _, v := range append(xslices.Copy(prog.Invars), oldGradVars...) {
		if renamed, found := substitute[v.Id()]; found {
			combinedInvars = append(combinedInvars, renamed)
		} else {
			combinedInvars = append(combinedInvars, v)
		}
	}
	combined = &ir.Program{
		Invars:    combinedInvars,
		Outvars:   newOutvars,
		Eqns:      combinedEqns,
		Constvars: prog.Constvars,
		Consts:    prog.Consts,
	}

	// Positions of the region arguments in the combined input list, via a position
	// map built once (no quadratic scans).
	position := make(map[ir.VarId]int, len(combinedInvars))
	for ii, v := range combinedInvars {
		position[v.Id()] = ii
	}
	accumulateGradInvarIndices, err = invarIndices(position, accumulateGradInvars[:len(accumulateGradInvars)-numGrads])
	if err != nil {
		combined = nil
		return
	}
	applyGradInvarIndices, err = invarIndices(position, applyGradInvars[:len(applyGradInvars)-numGrads])
	if err != nil {
		combined = nil
		return
	}

	if klog.V(2).Enabled() {
		klog.Infof("gradient accumulation rewrite (numMicroBatches=%d, numGrads=%d):\n%s",
			numMicroBatches, numGrads, combined)
	}
	return
}

// gradMarkerVars extracts the output-gradient variables from the boundary marker,
// checking it is well-formed: variable-only inputs and matching arity.
func gradMarkerVars(markerEqn *ir.Equation, pos int) ([]*ir.Variable, error) {
	if len(markerEqn.Inputs) != len(markerEqn.Outputs) {
		return nil, errors.Errorf("malformed gradient marker at equation #%d: %d inputs != %d outputs",
			pos, len(markerEqn.Inputs), len(markerEqn.Outputs))
	}
	vars := make([]*ir.Variable, len(markerEqn.Inputs))
	for ii, in := range markerEqn.Inputs {
		v, ok := in.(*ir.Variable)
		if !ok {
			return nil, errors.Errorf("malformed gradient marker at equation #%d: input #%d is a literal", pos, ii)
		}
		vars[ii] = v
	}
	return vars, nil
}

// indexOfVar returns the position of v in vars. The lists involved are the
// gradient slots of one marker, short enough that a linear scan is fine.
func indexOfVar(vars []*ir.Variable, v *ir.Variable) int {
	for ii, candidate := range vars {
		if candidate.Id() == v.Id() {
			return ii
		}
	}
	return -1
}

func invarIndices(position map[ir.VarId]int, vars []*ir.Variable) ([]int, error) {
	indices := make([]int, len(vars))
	for ii, v := range vars {
		pos, found := position[v.Id()]
		if !found {
			return nil, errors.Errorf("region input %s is not an input of the combined program", v)
		}
		indices[ii] = pos
	}
	return indices, nil
}
