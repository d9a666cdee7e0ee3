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

package interp

import (
	"testing"

	"github.com/gomesh/gomesh/ir"
	"github.com/gomesh/gomesh/pipeline"
	"github.com/gomesh/gomesh/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

var f32 = shapes.Make(dtypes.Float32, 3)

func TestRunElementwise(t *testing.T) {
	x, y := ir.NewVar(0, f32), ir.NewVar(1, f32)
	sum, diff, prod, quot := ir.NewVar(2, f32), ir.NewVar(3, f32), ir.NewVar(4, f32), ir.NewVar(5, f32)
	prog := &ir.Program{
		Invars: []*ir.Variable{x, y},
		Eqns: []*ir.Equation{
			ir.NewEquation(ir.OpAdd, []ir.Atom{x, y}, []*ir.Variable{sum}, nil, ""),
			ir.NewEquation(ir.OpSub, []ir.Atom{x, y}, []*ir.Variable{diff}, nil, ""),
			ir.NewEquation(ir.OpMul, []ir.Atom{x, y}, []*ir.Variable{prod}, nil, ""),
			ir.NewEquation(ir.OpDiv, []ir.Atom{x, y}, []*ir.Variable{quot}, nil, ""),
		},
		Outvars: []*ir.Variable{sum, diff, prod, quot},
	}
	outputs, err := Run(prog, []*Buffer{
		New(f32, []float64{6, 8, 10}),
		New(f32, []float64{2, 4, 5}),
	})
	require.NoError(t, err)
	require.Equal(t, []float64{8, 12, 15}, outputs[0].Flat())
	require.Equal(t, []float64{4, 4, 5}, outputs[1].Flat())
	require.Equal(t, []float64{12, 32, 50}, outputs[2].Flat())
	require.Equal(t, []float64{3, 2, 2}, outputs[3].Flat())
}

func TestRunScalarBroadcastAndLiterals(t *testing.T) {
	scalar := shapes.Make(dtypes.Float32)
	x := ir.NewVar(0, f32)
	halved, shifted := ir.NewVar(1, f32), ir.NewVar(2, f32)
	two := ir.Literal{Value: float32(2), ValueShape: scalar}
	prog := &ir.Program{
		Invars: []*ir.Variable{x},
		Eqns: []*ir.Equation{
			ir.NewEquation(ir.OpDiv, []ir.Atom{x, two}, []*ir.Variable{halved}, nil, ""),
			ir.NewEquation(ir.OpAdd, []ir.Atom{two, halved}, []*ir.Variable{shifted}, nil, ""),
		},
		Outvars: []*ir.Variable{shifted},
	}
	outputs, err := Run(prog, []*Buffer{New(f32, []float64{2, 4, 6})})
	require.NoError(t, err)
	require.Equal(t, []float64{3, 4, 5}, outputs[0].Flat())
}

func TestRunReductionsAndConsts(t *testing.T) {
	scalar := shapes.Make(dtypes.Float32)
	x := ir.NewVar(0, f32)
	w := ir.NewVar(1, f32) // constvar
	total, dotted := ir.NewVar(2, scalar), ir.NewVar(3, scalar)
	prog := &ir.Program{
		Invars: []*ir.Variable{x},
		Eqns: []*ir.Equation{
			ir.NewEquation(ir.OpReduceSum, []ir.Atom{x}, []*ir.Variable{total}, nil, ""),
			ir.NewEquation(ir.OpDot, []ir.Atom{x, w}, []*ir.Variable{dotted}, nil, ""),
		},
		Outvars:   []*ir.Variable{total, dotted},
		Constvars: []*ir.Variable{w},
		Consts:    []any{[]float32{1, 0, 2}},
	}
	outputs, err := Run(prog, []*Buffer{New(f32, []float64{1, 2, 3})})
	require.NoError(t, err)
	require.Equal(t, 6.0, outputs[0].Value())
	require.Equal(t, 7.0, outputs[1].Value())
}

func TestRunMarkersRename(t *testing.T) {
	x, inner, outer := ir.NewVar(0, f32), ir.NewVar(1, f32), ir.NewVar(2, f32)
	neg := ir.NewVar(3, f32)
	prog := &ir.Program{
		Invars: []*ir.Variable{x},
		Eqns: []*ir.Equation{
			pipeline.Mark([]*ir.Variable{x}, []*ir.Variable{inner}, pipeline.MarkStart, "r"),
			ir.NewEquation(ir.OpNeg, []ir.Atom{inner}, []*ir.Variable{neg}, nil, ""),
			pipeline.Mark([]*ir.Variable{neg}, []*ir.Variable{outer}, pipeline.MarkEnd, "r"),
		},
		Outvars: []*ir.Variable{outer},
	}
	outputs, err := Run(prog, []*Buffer{New(f32, []float64{1, -2, 3})})
	require.NoError(t, err)
	require.Equal(t, []float64{-1, 2, -3}, outputs[0].Flat())
}

func TestRunInPlaceRebinding(t *testing.T) {
	// The evaluator must tolerate the non-SSA programs the gradient
	// accumulation rewrite emits: a divide that re-binds its own input.
	scalar := shapes.Make(dtypes.Float32)
	x := ir.NewVar(0, f32)
	four := ir.Literal{Value: float32(4), ValueShape: scalar}
	prog := &ir.Program{
		Invars: []*ir.Variable{x},
		Eqns: []*ir.Equation{
			ir.NewEquation(ir.OpDiv, []ir.Atom{x, four}, []*ir.Variable{x}, nil, ""),
		},
		Outvars: []*ir.Variable{x},
	}
	outputs, err := Run(prog, []*Buffer{New(f32, []float64{4, 8, 12})})
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2, 3}, outputs[0].Flat())
}

func TestRunErrors(t *testing.T) {
	x, y := ir.NewVar(0, f32), ir.NewVar(1, f32)
	z := ir.NewVar(2, f32)
	prog := &ir.Program{
		Invars: []*ir.Variable{x},
		Eqns: []*ir.Equation{
			ir.NewEquation(ir.OpAdd, []ir.Atom{x, y}, []*ir.Variable{z}, nil, ""),
		},
		Outvars: []*ir.Variable{z},
	}
	_, err := Run(prog, []*Buffer{New(f32, []float64{1, 2, 3})})
	require.ErrorContains(t, err, "before being bound")

	_, err = Run(prog, nil)
	require.ErrorContains(t, err, "takes 1 inputs")
}

func TestBuffer(t *testing.T) {
	b := Full(f32, 2.5)
	require.Equal(t, []float64{2.5, 2.5, 2.5}, b.Flat())
	require.False(t, b.IsScalar())

	clone := b.Clone()
	clone.Flat()[0] = 0
	require.Equal(t, 2.5, b.Flat()[0])

	s := FromScalar(dtypes.Float64, 3)
	require.True(t, s.IsScalar())
	require.Equal(t, 3.0, s.Value())

	nested, err := FromValue(shapes.Make(dtypes.Float32, 2, 2), [][]float32{{1, 2}, {3, 4}})
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2, 3, 4}, nested.Flat())

	_, err = FromValue(f32, []float32{1, 2})
	require.ErrorContains(t, err, "needs 3")

	require.Panics(t, func() { New(f32, []float64{1}) })
}
