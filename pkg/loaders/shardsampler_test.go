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
	"testing"

	"github.com/gomlx/lockstep/pkg/core/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shardAll(t *testing.T, source func() Sampler, numProcesses int, splitBatches bool, policy topology.ShardingPolicy) [][][]int {
	t.Helper()
	perProcess := make([][][]int, numProcesses)
	for pi := 0; pi < numProcesses; pi++ {
		topo := topology.Topology{NumProcesses: numProcesses, ProcessIndex: pi, SplitBatches: splitBatches}
		shard, err := NewBatchShardSampler(source(), topo, policy)
		require.NoError(t, err)
		perProcess[pi] = drainSampler(t, shard)
		_, sized := source().(Sized)
		// Under split-batches with uneven tails Len() reports the source batch
		// count, which can exceed the yields of higher-ranked processes.
		if sized && !(splitBatches && !policy.DropLast && !policy.EvenBatches) {
			assert.Equalf(t, len(perProcess[pi]), shard.Len(), "Len() mismatch for process %d", pi)
		}
	}
	return perProcess
}

func TestBatchShardSamplerSpecScenarios(t *testing.T) {
	source := func() Sampler {
		return &listSampler{batches: [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}}, batchSize: 4}
	}

	// Whole distinct batches to distinct processes.
	got := shardAll(t, source, 2, false, topology.Default)
	assert.Equal(t, [][]int{{0, 1, 2, 3}}, got[0])
	assert.Equal(t, [][]int{{4, 5, 6, 7}}, got[1])

	// Each batch divided into per-process sub-slices.
	got = shardAll(t, source, 2, true, topology.Default)
	assert.Equal(t, [][]int{{0, 1}, {4, 5}}, got[0])
	assert.Equal(t, [][]int{{2, 3}, {6, 7}}, got[1])
}

func TestBatchShardSamplerRoundRobin(t *testing.T) {
	newRange := func(n int, dropLast bool) func() Sampler {
		return func() Sampler {
			s, err := NewRangeSampler(n, 3, dropLast)
			require.NoError(t, err)
			return s
		}
	}

	t.Run("EvenSource", func(t *testing.T) {
		// 24 elements = 8 full batches, a round multiple of 2 processes.
		got := shardAll(t, newRange(24, false), 2, false, topology.Default)
		assert.Equal(t, [][]int{{0, 1, 2}, {6, 7, 8}, {12, 13, 14}, {18, 19, 20}}, got[0])
		assert.Equal(t, [][]int{{3, 4, 5}, {9, 10, 11}, {15, 16, 17}, {21, 22, 23}}, got[1])
	})

	t.Run("OddFullBatches", func(t *testing.T) {
		// 21 elements = 7 full batches: the last round is completed by
		// cycling indices from the start of the sequence.
		got := shardAll(t, newRange(21, false), 2, false, topology.Default)
		assert.Equal(t, [][]int{{0, 1, 2}, {6, 7, 8}, {12, 13, 14}, {18, 19, 20}}, got[0])
		assert.Equal(t, [][]int{{3, 4, 5}, {9, 10, 11}, {15, 16, 17}, {0, 1, 2}}, got[1])
	})

	t.Run("PartialLastBatch", func(t *testing.T) {
		// 22 elements = 7 full batches plus [21]: the partial batch is padded
		// from the wrap-around pool, in original order.
		got := shardAll(t, newRange(22, false), 2, false, topology.Default)
		assert.Equal(t, [][]int{{0, 1, 2}, {6, 7, 8}, {12, 13, 14}, {18, 19, 20}}, got[0])
		assert.Equal(t, [][]int{{3, 4, 5}, {9, 10, 11}, {15, 16, 17}, {21, 0, 1}}, got[1])
	})

	t.Run("DropLast", func(t *testing.T) {
		// Sampler and policy drop the tail together: only full rounds remain.
		got := shardAll(t, newRange(22, true), 2, false, topology.ShardingPolicy{DropLast: true})
		assert.Equal(t, [][]int{{0, 1, 2}, {6, 7, 8}, {12, 13, 14}}, got[0])
		assert.Equal(t, [][]int{{3, 4, 5}, {9, 10, 11}, {15, 16, 17}}, got[1])
		// Sum of shard lengths is numProcesses * floor(L / numProcesses).
		assert.Equal(t, 6, len(got[0])+len(got[1]))
	})

	t.Run("UnevenBatches", func(t *testing.T) {
		// 7 full batches, no padding: process 0 (index < 7 mod 2) yields one
		// more batch than process 1.
		got := shardAll(t, newRange(21, false), 2, false, topology.ShardingPolicy{})
		assert.Equal(t, [][]int{{0, 1, 2}, {6, 7, 8}, {12, 13, 14}, {18, 19, 20}}, got[0])
		assert.Equal(t, [][]int{{3, 4, 5}, {9, 10, 11}, {15, 16, 17}}, got[1])
	})

	t.Run("UnevenPartialTail", func(t *testing.T) {
		got := shardAll(t, newRange(22, false), 2, false, topology.ShardingPolicy{})
		assert.Equal(t, [][]int{{0, 1, 2}, {6, 7, 8}, {12, 13, 14}, {18, 19, 20}}, got[0])
		assert.Equal(t, [][]int{{3, 4, 5}, {9, 10, 11}, {15, 16, 17}, {21}}, got[1])
	})

	t.Run("TinySource", func(t *testing.T) {
		// Fewer elements than one full round: the pool is cycled repeatedly.
		got := shardAll(t, newRange(2, false), 2, false, topology.Default)
		assert.Equal(t, [][]int{{0, 1, 0}}, got[0])
		assert.Equal(t, [][]int{{1, 0, 1}}, got[1])
	})

	t.Run("EmptySource", func(t *testing.T) {
		got := shardAll(t, newRange(0, false), 2, false, topology.Default)
		assert.Empty(t, got[0])
		assert.Empty(t, got[1])
	})
}

func TestBatchShardSamplerSplit(t *testing.T) {
	newRange := func(n int, dropLast bool) func() Sampler {
		return func() Sampler {
			s, err := NewRangeSampler(n, 4, dropLast)
			require.NoError(t, err)
			return s
		}
	}

	t.Run("FullBatches", func(t *testing.T) {
		got := shardAll(t, newRange(16, false), 2, true, topology.Default)
		assert.Equal(t, [][]int{{0, 1}, {4, 5}, {8, 9}, {12, 13}}, got[0])
		assert.Equal(t, [][]int{{2, 3}, {6, 7}, {10, 11}, {14, 15}}, got[1])
	})

	t.Run("PaddedTail", func(t *testing.T) {
		// 14 elements: last batch [12 13] is padded from the first batch.
		got := shardAll(t, newRange(14, false), 2, true, topology.Default)
		assert.Equal(t, [][]int{{0, 1}, {4, 5}, {8, 9}, {12, 13}}, got[0])
		assert.Equal(t, [][]int{{2, 3}, {6, 7}, {10, 11}, {0, 1}}, got[1])
	})

	t.Run("UnevenTail", func(t *testing.T) {
		// The partial tail only reaches process 0's window.
		got := shardAll(t, newRange(14, false), 2, true, topology.ShardingPolicy{})
		assert.Equal(t, [][]int{{0, 1}, {4, 5}, {8, 9}, {12, 13}}, got[0])
		assert.Equal(t, [][]int{{2, 3}, {6, 7}, {10, 11}}, got[1])
	})

	t.Run("DropLastTail", func(t *testing.T) {
		got := shardAll(t, newRange(14, true), 2, true, topology.ShardingPolicy{DropLast: true})
		assert.Equal(t, [][]int{{0, 1}, {4, 5}, {8, 9}}, got[0])
		assert.Equal(t, [][]int{{2, 3}, {6, 7}, {10, 11}}, got[1])
	})

	t.Run("FourProcesses", func(t *testing.T) {
		got := shardAll(t, newRange(8, false), 4, true, topology.Default)
		assert.Equal(t, [][]int{{0}, {4}}, got[0])
		assert.Equal(t, [][]int{{1}, {5}}, got[1])
		assert.Equal(t, [][]int{{2}, {6}}, got[2])
		assert.Equal(t, [][]int{{3}, {7}}, got[3])
	})
}

func TestBatchShardSamplerConfigErrors(t *testing.T) {
	sampler, err := NewRangeSampler(12, 3, false)
	require.NoError(t, err)

	// Batch size not divisible by the process count under split-batches.
	_, err = NewBatchShardSampler(sampler, topology.Topology{NumProcesses: 2, SplitBatches: true}, topology.Default)
	require.ErrorContains(t, err, "round multiple")

	// Even batches with no discoverable batch size.
	_, err = NewBatchShardSampler(&varSampler{batches: [][]int{{0, 1}, {2}}},
		topology.Topology{NumProcesses: 2}, topology.Default)
	require.ErrorContains(t, err, "even_batches")

	// No discoverable batch size is fine with uneven batches.
	shard, err := NewBatchShardSampler(&varSampler{batches: [][]int{{0, 1}, {2, 3}}},
		topology.Topology{NumProcesses: 2}, topology.ShardingPolicy{})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1}}, drainSampler(t, shard))

	// Invalid topology.
	_, err = NewBatchShardSampler(sampler, topology.Topology{NumProcesses: 2, ProcessIndex: 2}, topology.Default)
	require.Error(t, err)
}

func TestBatchShardSamplerLengths(t *testing.T) {
	for _, n := range []int{0, 2, 14, 21, 22, 24} {
		for _, p := range []int{1, 2, 3} {
			for _, policy := range []topology.ShardingPolicy{
				{DropLast: false, EvenBatches: true},
				{DropLast: false, EvenBatches: false},
			} {
				source := func() Sampler {
					s, err := NewRangeSampler(n, 3, false)
					require.NoError(t, err)
					return s
				}
				got := shardAll(t, source, p, false, policy)
				whole := (n + 2) / 3
				for pi, shard := range got {
					want := whole / p
					switch {
					case whole%p == 0:
					case policy.EvenBatches:
						want++
					case pi < whole%p:
						want++
					}
					assert.Equalf(t, want, len(shard), "n=%d p=%d policy=%+v process=%d", n, p, policy, pi)
				}
			}
		}
	}
}

func TestBatchShardSamplerReset(t *testing.T) {
	sampler, err := NewRangeSampler(21, 3, false)
	require.NoError(t, err)
	shard, err := NewBatchShardSampler(sampler,
		topology.Topology{NumProcesses: 2, ProcessIndex: 1}, topology.Default)
	require.NoError(t, err)

	first := drainSampler(t, shard)
	shard.Reset()
	second := drainSampler(t, shard)
	assert.Equal(t, first, second)
}

func TestBatchShardSamplerTotalLen(t *testing.T) {
	sampler, err := NewRangeSampler(24, 3, false)
	require.NoError(t, err)
	shard, err := NewBatchShardSampler(sampler, topology.Topology{NumProcesses: 2}, topology.Default)
	require.NoError(t, err)
	assert.Equal(t, 24, shard.TotalLen())
	assert.Equal(t, 4, shard.Len())
	assert.Equal(t, 3, shard.BatchSize())
}
