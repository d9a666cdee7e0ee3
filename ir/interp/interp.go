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

// Package interp is the host reference backend for IR programs: it evaluates a
// Program on flat float64 buffers, one equation at a time.
//
// It plays the role the hardware compiler plays in production: it lets program
// transformations be checked numerically in-process, and it backs the local
// device mesh (see mesh package). It is deliberately simple -- no fusion, no
// layout, float64 throughout regardless of the declared dtype -- correctness
// over speed.
//
// The evaluator tolerates non-SSA programs: a later equation may re-bind a
// variable already bound, the new binding simply replaces the old one. The
// gradient-accumulation rewrite relies on this (see shardparallel).
package interp

import (
	"github.com/gomesh/gomesh/ir"
	"github.com/gomesh/gomesh/types/shapes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Run evaluates the program with the given arguments, one buffer per program
// input, and returns one buffer per program output.
func Run(prog *ir.Program, args []*Buffer) ([]*Buffer, error) {
	if len(args) != len(prog.Invars) {
		return nil, errors.Errorf("program takes %d inputs, %d given", len(prog.Invars), len(args))
	}
	env := make(map[ir.VarId]*Buffer, len(prog.Invars)+len(prog.Constvars)+len(prog.Eqns))
	for ii, v := range prog.Invars {
		if args[ii] == nil {
			return nil, errors.Errorf("input #%d (%s) is nil", ii, v)
		}
		if args[ii].Size() != v.Shape().Size() {
			return nil, errors.Errorf("input #%d (%s): buffer has %d elements, variable shape %s needs %d",
				ii, v, args[ii].Size(), v.Shape(), v.Shape().Size())
		}
		env[v.Id()] = args[ii]
	}
	for ii, v := range prog.Constvars {
		buf, err := FromValue(v.Shape(), prog.Consts[ii])
		if err != nil {
			return nil, errors.WithMessagef(err, "constant #%d (%s)", ii, v)
		}
		env[v.Id()] = buf
	}

	for ii, eqn := range prog.Eqns {
		if err := evalEquation(eqn, env); err != nil {
			return nil, errors.WithMessagef(err, "equation #%d (%s)", ii, eqn)
		}
	}

	outputs := make([]*Buffer, len(prog.Outvars))
	for ii, v := range prog.Outvars {
		buf, found := env[v.Id()]
		if !found {
			return nil, errors.Errorf("output #%d (%s) was never bound", ii, v)
		}
		outputs[ii] = buf
	}
	return outputs, nil
}

func evalEquation(eqn *ir.Equation, env map[ir.VarId]*Buffer) error {
	if eqn.Op == ir.OpPipelineMarker {
		// Markers rename, they don't compute.
		for ii, in := range eqn.Inputs {
			buf, err := operand(in, env)
			if err != nil {
				return err
			}
			env[eqn.Outputs[ii].Id()] = buf
		}
		return nil
	}

	inputs := make([]*Buffer, len(eqn.Inputs))
	for ii, in := range eqn.Inputs {
		buf, err := operand(in, env)
		if err != nil {
			return err
		}
		inputs[ii] = buf
	}
	if len(eqn.Outputs) != 1 {
		return errors.Errorf("op %s must produce exactly 1 output, got %d", eqn.Op, len(eqn.Outputs))
	}
	out := eqn.Outputs[0]

	var result *Buffer
	switch eqn.Op {
	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpDiv:
		if len(inputs) != 2 {
			return errors.Errorf("op %s takes 2 operands, got %d", eqn.Op, len(inputs))
		}
		buf, err := evalBinary(eqn.Op, inputs[0], inputs[1], out.Shape())
		if err != nil {
			return err
		}
		result = buf
	case ir.OpNeg:
		if len(inputs) != 1 {
			return errors.Errorf("op %s takes 1 operand, got %d", eqn.Op, len(inputs))
		}
		result = Zeros(out.Shape())
		floats.ScaleTo(result.flat, -1, inputs[0].flat)
	case ir.OpReduceSum:
		if len(inputs) != 1 {
			return errors.Errorf("op %s takes 1 operand, got %d", eqn.Op, len(inputs))
		}
		result = FromScalar(out.Shape().DType, floats.Sum(inputs[0].flat))
	case ir.OpDot:
		if len(inputs) != 2 {
			return errors.Errorf("op %s takes 2 operands, got %d", eqn.Op, len(inputs))
		}
		if inputs[0].Size() != inputs[1].Size() {
			return errors.Errorf("op %s operands have different sizes: %d vs %d",
				eqn.Op, inputs[0].Size(), inputs[1].Size())
		}
		result = FromScalar(out.Shape().DType, floats.Dot(inputs[0].flat, inputs[1].flat))
	default:
		return errors.Errorf("op %s is not supported by the host backend", eqn.Op)
	}
	env[out.Id()] = result
	return nil
}

// evalBinary evaluates an element-wise binary op, broadcasting a scalar operand
// against the other operand if needed.
func evalBinary(op ir.OpType, lhs, rhs *Buffer, outShape shapes.Shape) (*Buffer, error) {
	out := Zeros(outShape)
	switch {
	case lhs.Size() == rhs.Size():
		switch op {
		case ir.OpAdd:
			floats.AddTo(out.flat, lhs.flat, rhs.flat)
		case ir.OpSub:
			floats.SubTo(out.flat, lhs.flat, rhs.flat)
		case ir.OpMul:
			floats.MulTo(out.flat, lhs.flat, rhs.flat)
		case ir.OpDiv:
			floats.DivTo(out.flat, lhs.flat, rhs.flat)
		}
	case rhs.IsScalar():
		c := rhs.Value()
		switch op {
		case ir.OpAdd:
			copy(out.flat, lhs.flat)
			floats.AddConst(c, out.flat)
		case ir.OpSub:
			copy(out.flat, lhs.flat)
			floats.AddConst(-c, out.flat)
		case ir.OpMul:
			floats.ScaleTo(out.flat, c, lhs.flat)
		case ir.OpDiv:
			if c == 0 {
				return nil, errors.Errorf("op %s: division by zero scalar", op)
			}
			floats.ScaleTo(out.flat, 1/c, lhs.flat)
		}
	case lhs.IsScalar():
		c := lhs.Value()
		switch op {
		case ir.OpAdd:
			copy(out.flat, rhs.flat)
			floats.AddConst(c, out.flat)
		case ir.OpSub:
			floats.ScaleTo(out.flat, -1, rhs.flat)
			floats.AddConst(c, out.flat)
		case ir.OpMul:
			floats.ScaleTo(out.flat, c, rhs.flat)
		case ir.OpDiv:
			for ii, e := range rhs.flat {
				out.flat[ii] = c / e
			}
		}
	default:
		return nil, errors.Errorf("op %s operands have incompatible sizes: %d vs %d", op, lhs.Size(), rhs.Size())
	}
	return out, nil
}

func operand(atom ir.Atom, env map[ir.VarId]*Buffer) (*Buffer, error) {
	switch in := atom.(type) {
	case *ir.Variable:
		buf, found := env[in.Id()]
		if !found {
			return nil, errors.Errorf("variable %s read before being bound", in)
		}
		return buf, nil
	case ir.Literal:
		return FromValue(in.Shape(), in.Value)
	}
	return nil, errors.Errorf("unknown atom type %T", atom)
}
