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

package xslices

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAt(t *testing.T) {
	s := Iota(0, 5)
	require.Equal(t, 4, At(s, -1))
	require.Equal(t, 3, At(s, -2))
	require.Equal(t, 0, At(s, 0))
	require.Equal(t, 4, Last(s))
	SetAt(s, -1, 7)
	require.Equal(t, 7, Last(s))
}

func TestMap(t *testing.T) {
	s := []int{1, 2, 3}
	got := Map(s, func(e int) float64 { return float64(2 * e) })
	require.Equal(t, []float64{2, 4, 6}, got)
}

func TestMinMax(t *testing.T) {
	s := []int{3, 1, 4, 1, 5}
	require.Equal(t, 5, Max(s))
	require.Equal(t, 1, Min(s))
	require.Equal(t, 0, Max([]int{}))
}

func TestSliceWithValue(t *testing.T) {
	require.Equal(t, []float64{0, 0, 0}, SliceWithValue(3, 0.0))
	require.Equal(t, []bool{true, true}, SliceWithValue(2, true))
}
