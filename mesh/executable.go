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

package mesh

import (
	"time"

	"github.com/gomesh/gomesh/ir"
	"github.com/gomesh/gomesh/ir/interp"
	"github.com/gomesh/gomesh/types/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NormalExecutable runs a single compiled program on a mesh, once per launch.
type NormalExecutable struct {
	mesh    *LocalMesh
	program *ir.Program

	// donated marks which inputs may be updated in place by the program (their
	// buffers are consumed by Launch). The host backend copies instead of
	// aliasing, the flags are kept as compilation metadata and for freeing.
	donated []bool
}

// NewNormalExecutable wraps a compiled program. donated must have one flag per
// program input, or be nil for no donation.
func NewNormalExecutable(m *LocalMesh, program *ir.Program, donated []bool) (*NormalExecutable, error) {
	if donated == nil {
		donated = make([]bool, len(program.Invars))
	}
	if len(donated) != len(program.Invars) {
		return nil, errors.Errorf("%d donated flags for %d program inputs", len(donated), len(program.Invars))
	}
	return &NormalExecutable{mesh: m, program: program, donated: donated}, nil
}

// Launch runs the program with the given argument refs and returns refs to the
// outputs. Donated argument buffers are freed after the run.
func (e *NormalExecutable) Launch(args []BufferRef) ([]BufferRef, error) {
	bufs, err := e.mesh.GetAll(args)
	if err != nil {
		return nil, err
	}
	outputs, err := interp.Run(e.program, bufs)
	if err != nil {
		return nil, err
	}
	for ii, ref := range args {
		if e.donated[ii] {
			e.mesh.Delete(ref)
		}
	}
	return e.mesh.PutAll(outputs), nil
}

// GradAccExecutable runs the two sub-programs produced by the gradient
// accumulation rewrite: accumulate-grad once per microbatch, feeding the summed
// gradients forward, then apply-grad once.
type GradAccExecutable struct {
	mesh                       *LocalMesh
	accumulateGrad             *ir.Program
	applyGrad                  *ir.Program
	accumulateGradInvarIndices []int
	applyGradInvarIndices      []int
	numGrads                   int
	numMicroBatches            int

	// numInvars is the number of inputs of the combined program excluding the
	// trailing accumulator slots; launch arguments are indexed in this space.
	numInvars int

	gradShapes []shapes.Shape

	accumulateDonated []bool
	applyDonated      []bool
}

// GradAccParams collects the pieces the shardparallel compiler hands over to
// build a GradAccExecutable.
type GradAccParams struct {
	AccumulateGrad *ir.Program
	ApplyGrad      *ir.Program

	// Positions of each sub-program argument (excluding the trailing gradient
	// slots) in the combined program's input list.
	AccumulateGradInvarIndices []int
	ApplyGradInvarIndices      []int

	NumGrads        int
	NumMicroBatches int
	NumInvars       int

	// In-place-update aliasing hints, one flag per sub-program input.
	AccumulateDonated []bool
	ApplyDonated      []bool
}

// NewGradAccExecutable validates the params and builds the driver executable.
func NewGradAccExecutable(m *LocalMesh, params GradAccParams) (*GradAccExecutable, error) {
	if params.NumMicroBatches < 1 {
		return nil, errors.Errorf("numMicroBatches must be >= 1, got %d", params.NumMicroBatches)
	}
	if got, want := len(params.AccumulateGrad.Invars), len(params.AccumulateGradInvarIndices)+params.NumGrads; got != want {
		return nil, errors.Errorf("accumulate-grad takes %d inputs, but %d indices + %d gradient slots given",
			got, len(params.AccumulateGradInvarIndices), params.NumGrads)
	}
	if got, want := len(params.ApplyGrad.Invars), len(params.ApplyGradInvarIndices)+params.NumGrads; got != want {
		return nil, errors.Errorf("apply-grad takes %d inputs, but %d indices + %d gradient slots given",
			got, len(params.ApplyGradInvarIndices), params.NumGrads)
	}
	for _, indices := range [][]int{params.AccumulateGradInvarIndices, params.ApplyGradInvarIndices} {
		for _, idx := range indices {
			if idx < 0 || idx >= params.NumInvars {
				return nil, errors.Errorf("argument index %d out of range [0, %d)", idx, params.NumInvars)
			}
		}
	}
	// The accumulator shapes are the trailing gradient slots of accumulate-grad.
	gradShapes := make([]shapes.Shape, params.NumGrads)
	tail := params.AccumulateGrad.Invars[len(params.AccumulateGrad.Invars)-params.NumGrads:]
	for ii, v := range tail {
		gradShapes[ii] = v.Shape()
	}
	return &GradAccExecutable{
		mesh:                       m,
		accumulateGrad:             params.AccumulateGrad,
		applyGrad:                  params.ApplyGrad,
		accumulateGradInvarIndices: params.AccumulateGradInvarIndices,
		applyGradInvarIndices:      params.ApplyGradInvarIndices,
		numGrads:                   params.NumGrads,
		numMicroBatches:            params.NumMicroBatches,
		numInvars:                  params.NumInvars,
		gradShapes:                 gradShapes,
		accumulateDonated:          params.AccumulateDonated,
		applyDonated:               params.ApplyDonated,
	}, nil
}

// NumMicroBatches this executable was compiled for.
func (e *GradAccExecutable) NumMicroBatches() int { return e.numMicroBatches }

// AccumulateDonated returns the in-place-update hints of the accumulate-grad
// sub-program, one flag per sub-program input.
func (e *GradAccExecutable) AccumulateDonated() []bool { return e.accumulateDonated }

// ApplyDonated returns the in-place-update hints of the apply-grad sub-program.
func (e *GradAccExecutable) ApplyDonated() []bool { return e.applyDonated }

// NumGrads is the number of gradient accumulator slots.
func (e *GradAccExecutable) NumGrads() int { return e.numGrads }

// Launch runs one training step.
//
// microBatchArgs has one slice per microbatch, each with one ref per input of
// the combined program excluding the trailing accumulator slots (in combined
// input order). Non-batch arguments (optimizer state, parameters) are expected
// to repeat across microbatches; batch arguments differ.
//
// The gradient accumulators are allocated on the mesh and zero-initialized, so
// the result is the mean of the per-microbatch gradients fed through the
// optimizer-application program. Returns refs to the combined program outputs
// (new optimizer state and parameters).
func (e *GradAccExecutable) Launch(microBatchArgs [][]BufferRef) ([]BufferRef, error) {
	start := time.Now()
	if len(microBatchArgs) != e.numMicroBatches {
		return nil, errors.Errorf("executable compiled for %d microbatches, %d given",
			e.numMicroBatches, len(microBatchArgs))
	}
	for b, refs := range microBatchArgs {
		if len(refs) != e.numInvars {
			return nil, errors.Errorf("microbatch #%d has %d arguments, program takes %d", b, len(refs), e.numInvars)
		}
	}

	// Zero the accumulators, then fold in one microbatch at a time.
	grads := make([]*interp.Buffer, e.numGrads)
	for ii, shape := range e.gradShapes {
		grads[ii] = interp.Zeros(shape)
	}
	for b := 0; b < e.numMicroBatches; b++ {
		args := make([]*interp.Buffer, 0, len(e.accumulateGradInvarIndices)+e.numGrads)
		for _, idx := range e.accumulateGradInvarIndices {
			buf, err := e.mesh.Get(microBatchArgs[b][idx])
			if err != nil {
				return nil, errors.WithMessagef(err, "microbatch #%d argument %d", b, idx)
			}
			args = append(args, buf)
		}
		args = append(args, grads...)
		outputs, err := interp.Run(e.accumulateGrad, args)
		if err != nil {
			return nil, errors.WithMessagef(err, "accumulate-grad on microbatch #%d", b)
		}
		if len(outputs) != e.numGrads {
			return nil, errors.Errorf("accumulate-grad produced %d outputs, want %d", len(outputs), e.numGrads)
		}
		// The old accumulators are donated, the new sums take their place.
		grads = outputs
	}

	args := make([]*interp.Buffer, 0, len(e.applyGradInvarIndices)+e.numGrads)
	for _, idx := range e.applyGradInvarIndices {
		buf, err := e.mesh.Get(microBatchArgs[0][idx])
		if err != nil {
			return nil, errors.WithMessagef(err, "apply-grad argument %d", idx)
		}
		args = append(args, buf)
	}
	args = append(args, grads...)
	outputs, err := interp.Run(e.applyGrad, args)
	if err != nil {
		return nil, errors.WithMessage(err, "apply-grad")
	}

	if klog.V(1).Enabled() {
		klog.Infof("GradAccExecutable.Launch: %d microbatches in %s", e.numMicroBatches, time.Since(start))
	}
	return e.mesh.PutAll(outputs), nil
}
