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

// Package ir defines the closed intermediate representation (IR) used by GoMesh:
// a functional dataflow program with explicit inputs, outputs, an ordered list of
// equations and captured constants.
//
// The main elements in the package are:
//
//   - Program: a closed IR graph. Every variable referenced by an equation or output
//     must be an input, a constant, or produced by a strictly earlier equation
//     (single-static-assignment). See Program.Validate for the one documented
//     relaxation of this invariant.
//
//   - Variable: an opaque identity plus a shapes.Shape descriptor. Two variables are
//     distinct identities even if their descriptors are identical. Variables are never
//     mutated; "cloning" always produces a brand-new identity sharing the old
//     descriptor (see VarGen.CloneVars).
//
//   - Equation: one primitive computation step with typed inputs and outputs,
//     immutable once constructed. Inputs are Atoms: either a *Variable or a Literal
//     constant.
//
// Programs are built once per compilation, transformed by passes (see the
// shardparallel package) and then lowered/executed by a backend (see ir/interp for
// the host reference backend). They are never mutated after construction: passes
// build new programs.
package ir

import (
	"fmt"
	"strings"

	"github.com/gomesh/gomesh/types/shapes"
)

// VarId is a unique variable identity within one compilation. Fresh ids are minted
// by a VarGen.
type VarId int64

// InvalidVarId indicates a variable that failed to be created.
const InvalidVarId = VarId(-1)

// Variable is an opaque identity token plus an abstract value descriptor.
// It is immutable: never change a Variable after creation, clone it instead.
type Variable struct {
	id    VarId
	shape shapes.Shape
}

// NewVar creates a variable with the given id. Most code should mint variables
// through a VarGen instead, which guarantees uniqueness within a compilation.
func NewVar(id VarId, shape shapes.Shape) *Variable {
	return &Variable{id: id, shape: shape}
}

// Id returns the variable's unique identity token.
func (v *Variable) Id() VarId { return v.id }

// Shape returns the variable's value descriptor. It implements shapes.HasShape.
func (v *Variable) Shape() shapes.Shape { return v.shape }

// String implements stringer, printing the variable as "v<id>".
func (v *Variable) String() string {
	if v == nil {
		return "v?"
	}
	return fmt.Sprintf("v%d", v.id)
}

// Atom is an equation operand: either a *Variable or a Literal. The interface is
// sealed, no other implementations exist.
type Atom interface {
	Shape() shapes.Shape
	isAtom()
}

func (v *Variable) isAtom() {}

// Literal is a constant operand embedded directly in an equation. Value holds the
// host representation of the constant: a scalar or a (nested) slice matching the
// shape, with the Go type given by the shape's dtype (see shapes.CastAsDType).
type Literal struct {
	Value      any
	ValueShape shapes.Shape
}

// Shape returns the literal's value descriptor. It implements shapes.HasShape.
func (l Literal) Shape() shapes.Shape { return l.ValueShape }

func (l Literal) isAtom() {}

// String implements stringer.
func (l Literal) String() string { return fmt.Sprintf("%v", l.Value) }

// Equation is one primitive computation step: an op applied to input atoms,
// producing output variables. Treat it as immutable once constructed.
type Equation struct {
	// Op is the primitive tag.
	Op OpType

	// Inputs are the operands, in order. Each is a *Variable or a Literal.
	Inputs []Atom

	// Outputs are the variables this equation produces, in order.
	Outputs []*Variable

	// Attrs holds the op-specific attributes, nil for ops without any. Each op
	// defines its own closed attribute type (e.g. pipeline.Marker for
	// OpPipelineMarker) -- there is deliberately no free-form parameter map.
	Attrs any

	// Source optionally records where this equation came from, for debugging.
	Source string
}

// NewEquation constructs an equation. It is a thin constructor: shape agreement
// between inputs and outputs is checked by Program.Validate, not here.
func NewEquation(op OpType, inputs []Atom, outputs []*Variable, attrs any, source string) *Equation {
	return &Equation{Op: op, Inputs: inputs, Outputs: outputs, Attrs: attrs, Source: source}
}

// String implements stringer, printing the equation as "out1, out2 = op in1 in2".
func (eqn *Equation) String() string {
	var sb strings.Builder
	for ii, v := range eqn.Outputs {
		if ii > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(v.String())
	}
	sb.WriteString(" = ")
	sb.WriteString(eqn.Op.String())
	if eqn.Attrs != nil {
		_, _ = fmt.Fprintf(&sb, "[%v]", eqn.Attrs)
	}
	for _, in := range eqn.Inputs {
		sb.WriteString(" ")
		_, _ = fmt.Fprintf(&sb, "%v", in)
	}
	return sb.String()
}

// Program is a closed IR graph: ordered input variables, ordered output variables,
// an ordered sequence of equations, and captured constants bound to constvars.
//
// All fields are treated as immutable after construction: program transformations
// build new Programs (sharing Variables and Equations, which are themselves
// immutable).
type Program struct {
	// Invars are the program inputs, in order.
	Invars []*Variable

	// Outvars are the program outputs, in order.
	Outvars []*Variable

	// Eqns are the equations, in execution order.
	Eqns []*Equation

	// Constvars are the variables bound to captured constants, parallel to Consts.
	Constvars []*Variable

	// Consts holds the captured constant values, host representation as in
	// Literal.Value.
	Consts []any
}

// VarsToAtoms converts a variable list to an atom list, preserving order.
func VarsToAtoms(vars []*Variable) []Atom {
	atoms := make([]Atom, len(vars))
	for ii, v := range vars {
		atoms[ii] = v
	}
	return atoms
}

// InputVars returns the equation inputs that are variables, preserving order and
// skipping literal constants.
func (eqn *Equation) InputVars() []*Variable {
	vars := make([]*Variable, 0, len(eqn.Inputs))
	for _, in := range eqn.Inputs {
		if v, ok := in.(*Variable); ok {
			vars = append(vars, v)
		}
	}
	return vars
}

// String converts the Program to a multi-line listing, one equation per line.
func (p *Program) String() string {
	parts := []string{fmt.Sprintf("Program: %d eqns, %d invars, %d outvars, %d consts",
		len(p.Eqns), len(p.Invars), len(p.Outvars), len(p.Consts))}
	parts = append(parts, fmt.Sprintf("  in: %s", varListString(p.Invars)))
	for ii, eqn := range p.Eqns {
		parts = append(parts, fmt.Sprintf("  #%d\t%s", ii, eqn))
	}
	parts = append(parts, fmt.Sprintf("  out: %s", varListString(p.Outvars)))
	return strings.Join(parts, "\n")
}

func varListString(vars []*Variable) string {
	strs := make([]string, len(vars))
	for ii, v := range vars {
		strs[ii] = fmt.Sprintf("%s%s", v, v.Shape())
	}
	return strings.Join(strs, ", ")
}
