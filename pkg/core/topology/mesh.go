/*
 *	Copyright 2025 Jan Pfeifer
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

package topology

import (
	"slices"

	"github.com/pkg/errors"
)

// Conventional mesh axis names recognized by DataParallel.
const (
	// AxisDataParallel replicates the model and shards the data.
	AxisDataParallel = "dp"

	// AxisFSDP shards model state but, for data distribution purposes, behaves
	// like a data-parallel axis.
	AxisFSDP = "fsdp"

	// AxisTensorParallel shards the model within one data shard: peers along
	// this axis must receive identical batches.
	AxisTensorParallel = "tp"
)

// Mesh organizes the processes along named orthogonal axes. Processes are laid
// out in row-major order over the axes, the last axis varying fastest.
type Mesh struct {
	axesNames []string
	axesSizes []int

	nameToAxis   map[string]int
	numProcesses int
}

// IsAxisNameValid checks whether a name is a valid identifier for a mesh axis name.
func IsAxisNameValid(name string) bool {
	if name == "" {
		return false
	}
	if name[0] >= '0' && name[0] <= '9' {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// NewMesh creates a process mesh from per-axis sizes and names.
//
//   - axesSizes: number of processes along each axis, one value per axis.
//   - axesNames: the names of the axes, one per axis.
func NewMesh(axesSizes []int, axesNames []string) (*Mesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("Mesh axesSizes cannot be empty")
	}
	axesNames = slices.Clone(axesNames)
	axesSizes = slices.Clone(axesSizes)
	numProcesses := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if !IsAxisNameValid(name) {
			return nil, errors.Errorf(
				"Mesh axis name %q at index %d is not a valid identifier, it must start with an ASCII letter "+
					"and be followed only by letters, numbers or underscore", name, i)
		}
		if _, found := nameToAxis[name]; found {
			return nil, errors.Errorf("Mesh axis name %q is duplicated", name)
		}
		if axesSizes[i] < 1 {
			return nil, errors.Errorf("Mesh axis %q must have size >= 1, got %d", name, axesSizes[i])
		}
		nameToAxis[name] = i
		numProcesses *= axesSizes[i]
	}
	return &Mesh{
		axesNames:    axesNames,
		axesSizes:    axesSizes,
		nameToAxis:   nameToAxis,
		numProcesses: numProcesses,
	}, nil
}

// NumProcesses returns the total number of processes in the mesh.
func (m *Mesh) NumProcesses() int { return m.numProcesses }

// HasAxis reports whether the mesh has an axis with the given name.
func (m *Mesh) HasAxis(name string) bool {
	_, found := m.nameToAxis[name]
	return found
}

// AxisSize returns the number of processes along the named axis, or 1 if the
// axis doesn't exist.
func (m *Mesh) AxisSize(name string) int {
	axis, found := m.nameToAxis[name]
	if !found {
		return 1
	}
	return m.axesSizes[axis]
}

// Coordinates returns the per-axis coordinates of the given flat process index.
func (m *Mesh) Coordinates(processIndex int) ([]int, error) {
	if processIndex < 0 || processIndex >= m.numProcesses {
		return nil, errors.Errorf("process index %d out of range for mesh with %d processes",
			processIndex, m.numProcesses)
	}
	coords := make([]int, len(m.axesSizes))
	for axis := len(m.axesSizes) - 1; axis >= 0; axis-- {
		coords[axis] = processIndex % m.axesSizes[axis]
		processIndex /= m.axesSizes[axis]
	}
	return coords, nil
}

// DataParallel projects the mesh onto the data-distribution plane for the given
// flat process index.
//
// It returns the effective topology for batch distribution plus whether batches
// must be replicated: when the mesh has a tensor-parallel axis, every process
// must receive identical data, so the same fetched batch is replicated to all
// destinations instead of each getting a distinct one.
//
// Combining a tensor-parallel axis with a data-parallel or fsdp axis is not
// supported for centralized dispatch.
// Sharding projects the mesh onto the decentralized sharding plane for the
// given flat process index: the tensor-parallel axis collapses, so peers along
// it share one data rank and draw identical shards, while data-parallel and
// fsdp axes keep distinct ranks.
func (m *Mesh) Sharding(processIndex int, splitBatches bool) (Topology, error) {
	coords, err := m.Coordinates(processIndex)
	if err != nil {
		return Topology{}, err
	}
	numProcesses, rank := 1, 0
	for axis, name := range m.axesNames {
		if name == AxisTensorParallel {
			continue
		}
		numProcesses *= m.axesSizes[axis]
		rank = rank*m.axesSizes[axis] + coords[axis]
	}
	return Topology{
		NumProcesses: numProcesses,
		ProcessIndex: rank,
		SplitBatches: splitBatches,
	}, nil
}

func (m *Mesh) DataParallel(processIndex int, splitBatches bool) (topo Topology, replicate bool, err error) {
	if _, err = m.Coordinates(processIndex); err != nil {
		return
	}
	topo = Topology{
		NumProcesses: m.numProcesses,
		ProcessIndex: processIndex,
		SplitBatches: splitBatches,
	}
	if !m.HasAxis(AxisTensorParallel) {
		// Without tensor parallelism every process is a distinct destination
		// and the flat topology is already correct.
		return
	}
	if m.HasAxis(AxisDataParallel) || m.HasAxis(AxisFSDP) {
		err = errors.Errorf("mesh combines a %q axis with a %q/%q axis: tensor-parallel plus "+
			"data-parallel topologies are not supported in dispatch mode",
			AxisTensorParallel, AxisDataParallel, AxisFSDP)
		return
	}
	replicate = true
	return
}
