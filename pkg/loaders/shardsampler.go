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

package loaders

import (
	"io"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/lockstep/pkg/core/topology"
	"github.com/gomlx/lockstep/pkg/support/xslices"
	"github.com/pkg/errors"
)

// BatchShardSampler wraps an index Sampler to yield only the batches owned by
// the current process. Every process advances through logically-corresponding
// batches in lock-step: a batch is only released once a full round of
// NumProcesses full-size batches has been observed, so either every process
// yields for a round or none does.
//
// Two strategies, chosen by Topology.SplitBatches:
//
//   - split-across-batches (false): whole distinct batches are assigned
//     round-robin to distinct processes; the observed per-process batch size
//     is the nominal one.
//   - split-within-batch (true): every full-size batch is divided into
//     contiguous per-process sub-slices; the observed per-process batch size
//     is nominal / NumProcesses. Requires the nominal batch size to be a round
//     multiple of NumProcesses.
//
// The final partial round follows the ShardingPolicy: dropped (DropLast),
// padded by cycling indices buffered from the start of the sequence
// (EvenBatches), or assigned unevenly by process index.
type BatchShardSampler struct {
	sampler   Sampler
	topo      topology.Topology
	policy    topology.ShardingPolicy
	batchSize int // 0 when the source has no discoverable batch size.

	// Traversal state.
	pending      [][]int
	done         bool
	idx          int   // Count of source batches consumed.
	initialData  []int // First NumProcesses batches, flattened, for wrap-around padding.
	initialBatch []int // First batch, for wrap-around padding in split mode.
	batchToYield []int
	lastBatch    []int
}

var (
	_ Sampler    = (*BatchShardSampler)(nil)
	_ TotalSized = (*BatchShardSampler)(nil)
)

// NewBatchShardSampler shards an index sampler across the given topology.
//
// It fails if SplitBatches is requested and the sampler's batch size is not a
// round multiple of the number of processes, and if EvenBatches is requested
// on a sampler with no discoverable batch size (no BatchSized capability).
func NewBatchShardSampler(sampler Sampler, topo topology.Topology, policy topology.ShardingPolicy) (*BatchShardSampler, error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	batchSize := 0
	if sized, ok := sampler.(BatchSized); ok {
		batchSize = sized.BatchSize()
	}
	if topo.SplitBatches {
		if batchSize == 0 {
			return nil, errors.New("split_batches requires a sampler with a discoverable batch size")
		}
		if batchSize%topo.NumProcesses != 0 {
			return nil, errors.Errorf("to shard with split_batches, the batch size (%d) needs to be a round "+
				"multiple of the number of processes (%d)", batchSize, topo.NumProcesses)
		}
	}
	if batchSize == 0 && policy.EvenBatches {
		return nil, errors.New("even_batches requires a sampler with a discoverable batch size; " +
			"use even_batches=false when the batch size varies")
	}
	return &BatchShardSampler{
		sampler:   sampler,
		topo:      topo,
		policy:    policy,
		batchSize: batchSize,
	}, nil
}

// MustNewBatchShardSampler panics where NewBatchShardSampler errors.
func MustNewBatchShardSampler(sampler Sampler, topo topology.Topology, policy topology.ShardingPolicy) *BatchShardSampler {
	s, err := NewBatchShardSampler(sampler, topo, policy)
	if err != nil {
		exceptions.Panicf("BatchShardSampler: %+v", err)
	}
	return s
}

// BatchSize returns the per-process batch size: the nominal size divided by
// the number of processes under split-within-batch, the nominal size
// otherwise. Zero when the source size is not discoverable.
func (s *BatchShardSampler) BatchSize() int {
	if s.topo.SplitBatches {
		return s.batchSize / s.topo.NumProcesses
	}
	return s.batchSize
}

// Next implements Sampler.
func (s *BatchShardSampler) Next() ([]int, error) {
	for len(s.pending) == 0 && !s.done {
		if err := s.advance(); err != nil {
			return nil, err
		}
	}
	if len(s.pending) == 0 {
		return nil, io.EOF
	}
	batch := s.pending[0]
	s.pending = s.pending[1:]
	return batch, nil
}

// Reset implements Sampler.
func (s *BatchShardSampler) Reset() {
	s.sampler.Reset()
	s.pending = nil
	s.done = false
	s.idx = 0
	s.initialData = nil
	s.initialBatch = nil
	s.batchToYield = nil
	s.lastBatch = nil
}

// SetEpoch forwards the epoch to the wrapped sampler if it is epoch-aware.
func (s *BatchShardSampler) SetEpoch(epoch int) {
	if setter, ok := s.sampler.(EpochSetter); ok {
		setter.SetEpoch(epoch)
	}
}

// advance consumes one source batch, possibly queuing yields for this process.
func (s *BatchShardSampler) advance() error {
	batch, err := s.sampler.Next()
	if err == io.EOF {
		if s.topo.SplitBatches {
			s.splitTail()
		} else {
			s.roundRobinTail()
		}
		s.done = true
		return nil
	}
	if err != nil {
		return errors.WithMessage(err, "sharded sampler source")
	}
	if s.topo.SplitBatches {
		s.advanceSplit(batch)
	} else {
		s.advanceRoundRobin(batch)
	}
	return nil
}

// advanceRoundRobin assigns whole batches round-robin to process slots. The
// slot's batch is only released once the round has NumProcesses full-size
// batches, which guarantees every process gets a batch only when all will.
func (s *BatchShardSampler) advanceRoundRobin(batch []int) {
	p := s.topo.NumProcesses
	if !s.policy.DropLast && s.idx < p {
		s.initialData = append(s.initialData, batch...)
	}
	if s.idx%p == s.topo.ProcessIndex {
		s.batchToYield = batch
	}
	s.lastBatch = batch
	if s.idx%p == p-1 && (s.batchSize == 0 || len(batch) == s.batchSize) {
		s.pending = append(s.pending, s.batchToYield)
		s.batchToYield = nil
	}
	s.idx++
}

// roundRobinTail handles the final partial round at source exhaustion.
func (s *BatchShardSampler) roundRobinTail() {
	if s.policy.DropLast || len(s.initialData) == 0 {
		return
	}
	if !s.policy.EvenBatches {
		if len(s.batchToYield) > 0 {
			s.pending = append(s.pending, s.batchToYield)
			s.batchToYield = nil
		}
		return
	}

	p := s.topo.NumProcesses
	// The complete batch saved for this process in the unfinished round, if any.
	if len(s.batchToYield) == s.batchSize {
		s.pending = append(s.pending, s.batchToYield)
		s.batchToYield = nil
	}

	// Grow the wrap-around pool until a full round can be padded from it.
	for len(s.initialData) < p*s.batchSize {
		s.initialData = append(s.initialData, s.initialData...)
	}

	// If the last batch seen was full-size it has been yielded by its process,
	// so padding starts at the next slot.
	idx := s.idx - 1
	batch := s.lastBatch
	if len(batch) == s.batchSize {
		batch = nil
		idx++
	}

	// Complete the round: every remaining slot gets a batch padded from the
	// pool, in original order, so all processes yield the same count.
	cycleIndex := 0
	for idx%p != 0 || len(batch) > 0 {
		end := cycleIndex + s.batchSize - len(batch)
		padded := append(xslices.Copy(batch), s.initialData[cycleIndex:end]...)
		if idx%p == s.topo.ProcessIndex {
			s.pending = append(s.pending, padded)
		}
		cycleIndex = end
		batch = nil
		idx++
	}
}

// advanceSplit yields this process's contiguous sub-slice of each full batch.
func (s *BatchShardSampler) advanceSplit(batch []int) {
	if s.idx == 0 {
		s.initialBatch = xslices.Copy(batch)
	}
	if len(batch) == s.batchSize {
		lo, hi := s.window()
		s.pending = append(s.pending, xslices.Copy(batch[lo:hi]))
	}
	s.lastBatch = batch
	s.idx++
}

// splitTail applies the drop/pad/uneven policy to a final undersized batch,
// at item granularity.
func (s *BatchShardSampler) splitTail() {
	if s.policy.DropLast || len(s.initialBatch) == 0 || len(s.lastBatch) >= s.batchSize {
		return
	}
	lo, hi := s.window()
	if !s.policy.EvenBatches {
		if len(s.lastBatch) > lo {
			s.pending = append(s.pending, xslices.Copy(s.lastBatch[lo:min(hi, len(s.lastBatch))]))
		}
		return
	}
	pool := s.initialBatch
	for len(pool) < s.batchSize {
		pool = append(pool, pool...)
	}
	padded := append(xslices.Copy(s.lastBatch), pool...)
	s.pending = append(s.pending, padded[lo:hi])
}

// window returns this process's slice bounds within a nominal batch.
func (s *BatchShardSampler) window() (lo, hi int) {
	batchLength := s.batchSize / s.topo.NumProcesses
	lo = batchLength * s.topo.ProcessIndex
	hi = batchLength * (s.topo.ProcessIndex + 1)
	return
}

// sourceLen returns the wrapped sampler's length in batches.
func (s *BatchShardSampler) sourceLen() int {
	sized, ok := s.sampler.(Sized)
	if !ok {
		exceptions.Panicf("BatchShardSampler: wrapped sampler %T has no known length", s.sampler)
	}
	return sized.Len()
}

// TotalLen returns the total item count across all processes, the unsharded
// number of indices the source samples. It panics if the source does not know
// it.
func (s *BatchShardSampler) TotalLen() int {
	total, ok := s.sampler.(TotalSized)
	if !ok {
		exceptions.Panicf("BatchShardSampler: wrapped sampler %T has no known total item count", s.sampler)
	}
	return total.TotalLen()
}

// Len returns the number of index batches this process yields. It panics if
// the source length is unknown.
func (s *BatchShardSampler) Len() int {
	whole := s.sourceLen()
	if s.topo.SplitBatches {
		// Splitting within batches does not change the batch count.
		return whole
	}
	p := s.topo.NumProcesses
	if whole%p == 0 {
		return whole / p
	}
	length := whole / p
	switch {
	case s.policy.DropLast:
		return length
	case s.policy.EvenBatches:
		return length + 1
	case s.topo.ProcessIndex < whole%p:
		return length + 1
	default:
		return length
	}
}
