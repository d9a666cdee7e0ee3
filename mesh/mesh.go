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

// Package mesh provides the device-mesh abstraction consumed by the
// shardparallel compiler: a logical 2D view of the devices, buffer handles, and
// the driver executables that run compiled sub-programs in a microbatched loop.
//
// The only mesh implementation here is LocalMesh, an in-process mesh of virtual
// devices backed by the host reference backend (ir/interp). Real clusters --
// worker processes, accelerator dispatch, collective communication -- are
// external collaborators plugged in behind the same surface.
package mesh

import (
	"sync"

	"github.com/gomesh/gomesh/ir/interp"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// LogicalMesh is a logical 2D view of a physical mesh, used by the auto-sharding
// search to place tensors. MeshAlpha and MeshBeta are the per-axis communication
// latency and inverse-bandwidth coefficients of its cost model.
type LogicalMesh struct {
	Shape     [2]int
	MeshAlpha [2]float64
	MeshBeta  [2]float64
}

// NumDevices of the logical mesh.
func (m LogicalMesh) NumDevices() int { return m.Shape[0] * m.Shape[1] }

// PhysicalMesh is the device-topology surface the compiler needs from a mesh.
// LocalMesh implements it; a real cluster mesh would too.
type PhysicalMesh interface {
	NumDevices() int
	DefaultLogicalMesh() LogicalMesh
	LogicalMeshChoices() []LogicalMesh
}

// BufferRef is a handle to a buffer resident on a mesh. Driver executables
// exchange refs, never raw data, mirroring how a distributed mesh exchanges
// remote buffer ids.
type BufferRef struct {
	Uuid uuid.UUID
}

// LocalMesh is an in-process mesh of virtual devices. Buffers live in a
// host-side registry keyed by uuid; programs execute on the host reference
// backend.
//
// It is safe for concurrent use: independent compilations may upload buffers
// and launch executables from different goroutines.
type LocalMesh struct {
	numDevices int

	mu      sync.Mutex
	buffers map[uuid.UUID]*interp.Buffer
}

// NewLocalMesh creates a local mesh with the given number of virtual devices.
func NewLocalMesh(numDevices int) (*LocalMesh, error) {
	if numDevices < 1 {
		return nil, errors.Errorf("mesh needs at least 1 device, got %d", numDevices)
	}
	return &LocalMesh{
		numDevices: numDevices,
		buffers:    make(map[uuid.UUID]*interp.Buffer),
	}, nil
}

var _ PhysicalMesh = (*LocalMesh)(nil)

// NumDevices of the mesh.
func (m *LocalMesh) NumDevices() int { return m.numDevices }

// DefaultLogicalMesh returns the 1 x numDevices logical view.
func (m *LocalMesh) DefaultLogicalMesh() LogicalMesh {
	return LogicalMesh{
		Shape:     [2]int{1, m.numDevices},
		MeshAlpha: [2]float64{1, 1},
		MeshBeta:  [2]float64{1, 1},
	}
}

// LogicalMeshChoices enumerates all 2D factorizations of the device count, the
// search space of the logical-mesh-shape search.
func (m *LocalMesh) LogicalMeshChoices() []LogicalMesh {
	var choices []LogicalMesh
	for ii := 1; ii <= m.numDevices; ii++ {
		if m.numDevices%ii != 0 {
			continue
		}
		choices = append(choices, LogicalMesh{
			Shape:     [2]int{m.numDevices / ii, ii},
			MeshAlpha: [2]float64{1, 1},
			MeshBeta:  [2]float64{1, 1},
		})
	}
	return choices
}

// Put uploads a buffer to the mesh and returns its ref.
func (m *LocalMesh) Put(buf *interp.Buffer) BufferRef {
	ref := BufferRef{Uuid: uuid.New()}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffers[ref.Uuid] = buf
	return ref
}

// PutAll uploads buffers in order and returns their refs.
func (m *LocalMesh) PutAll(bufs []*interp.Buffer) []BufferRef {
	refs := make([]BufferRef, len(bufs))
	for ii, buf := range bufs {
		refs[ii] = m.Put(buf)
	}
	return refs
}

// Get fetches the buffer behind a ref.
func (m *LocalMesh) Get(ref BufferRef) (*interp.Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, found := m.buffers[ref.Uuid]
	if !found {
		return nil, errors.Errorf("buffer %s not found on mesh", ref.Uuid)
	}
	return buf, nil
}

// GetAll fetches the buffers behind refs, in order.
func (m *LocalMesh) GetAll(refs []BufferRef) ([]*interp.Buffer, error) {
	bufs := make([]*interp.Buffer, len(refs))
	for ii, ref := range refs {
		buf, err := m.Get(ref)
		if err != nil {
			return nil, errors.WithMessagef(err, "ref #%d", ii)
		}
		bufs[ii] = buf
	}
	return bufs, nil
}

// Delete frees the buffer behind a ref. Deleting an unknown ref is a no-op.
func (m *LocalMesh) Delete(ref BufferRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buffers, ref.Uuid)
}

// NumBuffers returns how many buffers are resident, for tests and leak checks.
func (m *LocalMesh) NumBuffers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffers)
}
