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

// Package topology describes the fixed set of lock-step worker processes a data
// stream is sharded across: how many processes there are, which one this is,
// and how batches are divided among them.
//
// A Mesh optionally organizes the processes along named axes (data-parallel,
// tensor-parallel, ...), in which case the batch-distribution components must
// first project the flat process topology onto the data-parallel axis, since
// peers along a replicating axis are not distinct destinations.
package topology

import (
	"fmt"

	"github.com/pkg/errors"
)

// Topology identifies where the current process sits in the fixed set of
// lock-step peers, and how batches are divided among them.
//
// When SplitBatches is true every nominal batch is divided into per-process
// sub-slices (observed per-process batch size = nominal / NumProcesses);
// otherwise whole distinct batches are assigned to distinct processes.
type Topology struct {
	NumProcesses int
	ProcessIndex int
	SplitBatches bool
}

// Single is the trivial topology of a single process.
var Single = Topology{NumProcesses: 1, ProcessIndex: 0}

// Validate checks the topology invariants.
func (t Topology) Validate() error {
	if t.NumProcesses < 1 {
		return errors.Errorf("Topology.NumProcesses must be at least 1, got %d", t.NumProcesses)
	}
	if t.ProcessIndex < 0 || t.ProcessIndex >= t.NumProcesses {
		return errors.Errorf("Topology.ProcessIndex must be in [0, %d), got %d",
			t.NumProcesses, t.ProcessIndex)
	}
	return nil
}

// String implements fmt.Stringer.
func (t Topology) String() string {
	return fmt.Sprintf("process %d of %d (split_batches=%v)", t.ProcessIndex, t.NumProcesses, t.SplitBatches)
}

// ShardingPolicy controls how an undersized final round of batches is handled.
//
//   - DropLast: the final partial round is dropped, every process sees only
//     full-size batches.
//   - EvenBatches: the final partial round is padded by wrap-around duplication
//     from the start of the stream, so every process yields the same number of
//     batches. When false, the partial round is distributed unevenly: only
//     processes whose index falls below the remainder count yield an extra
//     (possibly short) batch.
//
// DropLast takes precedence: when set, EvenBatches is irrelevant.
type ShardingPolicy struct {
	DropLast    bool
	EvenBatches bool
}

// Default sharding policy: keep the last round, padded evenly.
var Default = ShardingPolicy{DropLast: false, EvenBatches: true}
