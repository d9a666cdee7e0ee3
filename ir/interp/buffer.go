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
	"fmt"
	"reflect"

	"github.com/gomesh/gomesh/pkg/support/xslices"
	"github.com/gomesh/gomesh/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Buffer is a host value: a shape plus flat float64 data in row-major order.
// The shape's dtype is carried as metadata, the data is always float64.
type Buffer struct {
	shape shapes.Shape
	flat  []float64
}

// New creates a buffer from a shape and flat data. The data is used directly,
// not copied. It panics if the data length doesn't match the shape size; that's
// a caller bug, not a runtime condition.
func New(shape shapes.Shape, flat []float64) *Buffer {
	if len(flat) != shape.Size() {
		exceptions.Panicf("interp.New: %d elements given for shape %s, which needs %d",
			len(flat), shape, shape.Size())
	}
	return &Buffer{shape: shape, flat: flat}
}

// Zeros creates a zero-initialized buffer of the given shape.
func Zeros(shape shapes.Shape) *Buffer {
	return &Buffer{shape: shape, flat: make([]float64, shape.Size())}
}

// Full creates a buffer of the given shape filled with value.
func Full(shape shapes.Shape, value float64) *Buffer {
	return &Buffer{shape: shape, flat: xslices.SliceWithValue(shape.Size(), value)}
}

// FromScalar creates a scalar buffer with the given dtype metadata.
func FromScalar(dtype dtypes.DType, value float64) *Buffer {
	return &Buffer{shape: shapes.Shape{DType: dtype}, flat: []float64{value}}
}

// FromValue creates a buffer from a host value -- a scalar or a (nested) slice
// as stored in ir.Literal.Value or ir.Program.Consts -- flattening it to the
// given shape.
func FromValue(shape shapes.Shape, value any) (*Buffer, error) {
	buf := &Buffer{shape: shape, flat: make([]float64, 0, shape.Size())}
	if err := buf.flatten(value); err != nil {
		return nil, err
	}
	if len(buf.flat) != shape.Size() {
		return nil, errors.Errorf("value has %d elements, shape %s needs %d", len(buf.flat), shape, shape.Size())
	}
	return buf, nil
}

func (b *Buffer) flatten(value any) error {
	switch v := value.(type) {
	case float16.Float16:
		b.flat = append(b.flat, float64(v.Float32()))
		return nil
	case bool:
		if v {
			b.flat = append(b.flat, 1)
		} else {
			b.flat = append(b.flat, 0)
		}
		return nil
	}
	valueOf := reflect.ValueOf(value)
	switch valueOf.Kind() {
	case reflect.Slice, reflect.Array:
		for ii := 0; ii < valueOf.Len(); ii++ {
			if err := b.flatten(valueOf.Index(ii).Interface()); err != nil {
				return err
			}
		}
		return nil
	case reflect.Float32, reflect.Float64:
		b.flat = append(b.flat, valueOf.Float())
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		b.flat = append(b.flat, float64(valueOf.Int()))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		b.flat = append(b.flat, float64(valueOf.Uint()))
		return nil
	}
	return errors.Errorf("cannot convert %T to a host buffer", value)
}

// Shape returns the buffer's shape. It implements shapes.HasShape.
func (b *Buffer) Shape() shapes.Shape { return b.shape }

// Flat returns the underlying flat data, not a copy.
func (b *Buffer) Flat() []float64 { return b.flat }

// Size returns the number of elements.
func (b *Buffer) Size() int { return len(b.flat) }

// IsScalar returns whether the buffer holds a single element with rank 0.
func (b *Buffer) IsScalar() bool { return b.shape.IsScalar() }

// Value returns the value of a scalar (or single-element) buffer.
func (b *Buffer) Value() float64 {
	if len(b.flat) != 1 {
		exceptions.Panicf("Buffer.Value called on buffer of shape %s with %d elements", b.shape, len(b.flat))
	}
	return b.flat[0]
}

// Clone returns a deep copy of the buffer.
func (b *Buffer) Clone() *Buffer {
	return &Buffer{shape: b.shape.Clone(), flat: xslices.Copy(b.flat)}
}

// String implements stringer.
func (b *Buffer) String() string {
	if b.IsScalar() {
		return fmt.Sprintf("%s=%v", b.shape, b.flat[0])
	}
	const maxElements = 8
	if len(b.flat) <= maxElements {
		return fmt.Sprintf("%s%v", b.shape, b.flat)
	}
	return fmt.Sprintf("%s%v...", b.shape, b.flat[:maxElements])
}
