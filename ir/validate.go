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

import (
	"github.com/pkg/errors"
)

// ValidateOption adjusts what Program.Validate enforces.
type ValidateOption int

const (
	// RelaxSSA tolerates re-binding of an already defined variable by a later
	// equation. The gradient-accumulation rewrite produces such programs on
	// purpose, in two spots: the in-place divide of the gradient slots, and
	// intermediate variables duplicated between the accumulate-grad and
	// apply-grad regions. Downstream lowering must tolerate in-place re-binding
	// within a single linear equation list; see shardparallel.
	RelaxSSA ValidateOption = iota + 1
)

// Validate checks that the program is closed and in single-static-assignment
// (SSA) form: every variable referenced by an equation or output is an input, a
// constant, or produced by a strictly earlier equation, and no variable is
// defined twice.
//
// With the RelaxSSA option the double-definition check is skipped (re-binding is
// allowed); closedness is still enforced.
func (p *Program) Validate(options ...ValidateOption) error {
	relaxSSA := false
	for _, opt := range options {
		if opt == RelaxSSA {
			relaxSSA = true
		}
	}

	if len(p.Constvars) != len(p.Consts) {
		return errors.Errorf("program has %d constvars but %d constant values", len(p.Constvars), len(p.Consts))
	}

	defined := make(map[VarId]struct{}, len(p.Invars)+len(p.Constvars))
	define := func(v *Variable, eqnIdx int) error {
		if _, found := defined[v.id]; found && !relaxSSA {
			if eqnIdx < 0 {
				return errors.Errorf("variable %s defined more than once in program inputs/constants", v)
			}
			return errors.Errorf("variable %s re-bound by equation #%d, breaking SSA form (use RelaxSSA if intended)", v, eqnIdx)
		}
		defined[v.id] = struct{}{}
		return nil
	}

	for _, v := range p.Invars {
		if err := define(v, -1); err != nil {
			return err
		}
	}
	for _, v := range p.Constvars {
		if err := define(v, -1); err != nil {
			return err
		}
	}

	for ii, eqn := range p.Eqns {
		if eqn.Op == OpInvalid {
			return errors.Errorf("equation #%d has invalid op", ii)
		}
		for _, v := range eqn.InputVars() {
			if _, found := defined[v.id]; !found {
				return errors.Errorf("equation #%d (%s) reads undefined variable %s", ii, eqn, v)
			}
		}
		for _, v := range eqn.Outputs {
			if err := define(v, ii); err != nil {
				return err
			}
		}
	}

	for _, v := range p.Outvars {
		if _, found := defined[v.id]; !found {
			return errors.Errorf("program output %s is not defined by any equation, input or constant", v)
		}
	}
	return nil
}
