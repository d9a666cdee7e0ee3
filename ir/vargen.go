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

import "github.com/gomesh/gomesh/types/shapes"

// VarGen mints fresh variable identities for one compilation.
//
// A VarGen is seeded from the program(s) being rewritten, so freshly minted
// variables never collide with any variable already present in them. It is scoped
// to a single pass invocation: never share a VarGen across concurrent
// compilations, each invocation creates its own (it is not goroutine-safe).
type VarGen struct {
	next VarId
}

// NewVarGen returns a generator seeded past every variable id appearing in the
// given programs: invars, outvars, constvars and every equation operand and output.
func NewVarGen(progs ...*Program) *VarGen {
	gen := &VarGen{}
	seed := func(v *Variable) {
		if v != nil && v.id >= gen.next {
			gen.next = v.id + 1
		}
	}
	for _, p := range progs {
		for _, v := range p.Invars {
			seed(v)
		}
		for _, v := range p.Outvars {
			seed(v)
		}
		for _, v := range p.Constvars {
			seed(v)
		}
		for _, eqn := range p.Eqns {
			for _, v := range eqn.InputVars() {
				seed(v)
			}
			for _, v := range eqn.Outputs {
				seed(v)
			}
		}
	}
	return gen
}

// NewVar returns a brand-new variable identity with the given descriptor,
// guaranteed not to collide with any variable of the seed programs nor with any
// variable previously minted by this generator.
func (gen *VarGen) NewVar(shape shapes.Shape) *Variable {
	v := &Variable{id: gen.next, shape: shape}
	gen.next++
	return v
}

// CloneVars returns one fresh variable per input variable, preserving each one's
// descriptor and positional order.
func (gen *VarGen) CloneVars(vars []*Variable) []*Variable {
	clones := make([]*Variable, len(vars))
	for ii, v := range vars {
		clones[ii] = gen.NewVar(v.shape)
	}
	return clones
}

// FilterUsedVars returns the subsequence of candidates that appear as a
// non-literal input to at least one of the given equations. The returned
// variables preserve their original order in candidates. Literal constants
// embedded as equation inputs never count as using a variable.
func FilterUsedVars(candidates []*Variable, eqns []*Equation) []*Variable {
	used := make(map[VarId]struct{})
	for _, eqn := range eqns {
		for _, v := range eqn.InputVars() {
			used[v.id] = struct{}{}
		}
	}
	filtered := make([]*Variable, 0, len(candidates))
	for _, v := range candidates {
		if _, found := used[v.id]; found {
			filtered = append(filtered, v)
		}
	}
	return filtered
}
