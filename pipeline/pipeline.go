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

// Package pipeline defines the region-marker protocol used to delimit named
// sub-regions of an IR program.
//
// A marker is a pseudo-equation (ir.OpPipelineMarker) that computes nothing: it
// renames its inputs to its outputs. Paired MarkStart/MarkEnd markers with the
// same region name delimit a region; downstream compilation slices the program at
// these markers into separately compilable sub-programs (see
// shardparallel.SliceAtMarkers).
//
// By convention a start marker's inputs are the region's live-in variables as seen
// from outside (fresh renamed copies) and its outputs are the variable identities
// bound inside the region. An end marker mirrors this for live-out variables:
// inputs are the identities bound inside, outputs the identities visible after the
// region.
//
// The MarkGrad marker is a boundary sentinel, never paired: exactly one of them
// separates the gradient-computation equations from the optimizer-application
// equations of a training-step program. Its inputs are the gradient values as
// produced, its outputs the gradient values as consumed downstream.
package pipeline

import (
	"fmt"

	"github.com/gomesh/gomesh/ir"
	"github.com/gomlx/exceptions"
)

// MarkType distinguishes the marker kinds. The set is closed, there are no
// free-form marker parameters.
type MarkType int

//go:generate stringer -type=MarkType -trimprefix=Mark

const (
	MarkInvalid MarkType = iota
	MarkStart
	MarkEnd

	// MarkGrad is used only as the gradient boundary sentinel, never duplicated
	// and never paired with an end marker.
	MarkGrad
)

// Marker is the attribute payload of an OpPipelineMarker equation.
type Marker struct {
	Type MarkType
	Name string
}

// String implements stringer.
func (m Marker) String() string {
	return fmt.Sprintf("%s %q", m.Type, m.Name)
}

// AccumulateGradName is the region name of the synthesized gradient-accumulation
// region.
const AccumulateGradName = "_accumulate_grad"

// ApplyGradSuffix is the reserved region-name suffix of the optimizer-application
// region. Downstream consumers identify the apply-grad sub-program by this
// suffix.
const ApplyGradSuffix = "_apply_grad"

// Mark builds a marker equation renaming inputs to outputs. Both lists must have
// the same length and element-wise equal shapes; violations panic, they are
// program-construction bugs.
func Mark(inputs, outputs []*ir.Variable, markType MarkType, name string) *ir.Equation {
	if markType == MarkInvalid {
		exceptions.Panicf("pipeline.Mark(name=%q): invalid mark type", name)
	}
	if len(inputs) != len(outputs) {
		exceptions.Panicf("pipeline.Mark(%s, name=%q): %d inputs != %d outputs",
			markType, name, len(inputs), len(outputs))
	}
	for ii, in := range inputs {
		if !in.Shape().Equal(outputs[ii].Shape()) {
			exceptions.Panicf("pipeline.Mark(%s, name=%q): input #%d has shape %s but output has shape %s",
				markType, name, ii, in.Shape(), outputs[ii].Shape())
		}
	}
	return ir.NewEquation(ir.OpPipelineMarker, ir.VarsToAtoms(inputs), outputs,
		Marker{Type: markType, Name: name}, "")
}

// MarkerOf returns the Marker attribute of an equation, and whether the equation
// is a well-formed marker.
func MarkerOf(eqn *ir.Equation) (Marker, bool) {
	if eqn.Op != ir.OpPipelineMarker {
		return Marker{}, false
	}
	marker, ok := eqn.Attrs.(Marker)
	return marker, ok
}

// IsMark reports whether eqn is a marker of the given type.
func IsMark(eqn *ir.Equation, markType MarkType) bool {
	marker, ok := MarkerOf(eqn)
	return ok && marker.Type == markType
}
