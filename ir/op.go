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

package ir

// OpType is the primitive tag of an Equation. The set is closed: it covers the
// primitives the gradient-accumulation rewrite emits plus the element-wise and
// reduction ops the host reference backend (ir/interp) evaluates.
type OpType int

//go:generate stringer -type=OpType -trimprefix=Op

const (
	OpInvalid OpType = iota

	// Element-wise binary ops. Operands must have the same shape, or one of them
	// may be a scalar, which broadcasts.
	OpAdd
	OpSub
	OpMul
	OpDiv

	// OpNeg is element-wise negation.
	OpNeg

	// OpReduceSum sums all elements of its single operand into a scalar.
	OpReduceSum

	// OpDot is the vector dot product of two rank-1 operands of equal dimension,
	// producing a scalar.
	OpDot

	// OpPipelineMarker is the region-marker pseudo-op. It transforms nothing: it
	// renames its inputs to its outputs, delimiting a named program region. Its
	// Attrs is a pipeline.Marker. See the pipeline package for the protocol.
	OpPipelineMarker
)
