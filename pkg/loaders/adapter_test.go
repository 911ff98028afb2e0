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
	"testing"

	"github.com/gomlx/lockstep/pkg/collective"
	"github.com/gomlx/lockstep/pkg/core/batches"
	"github.com/gomlx/lockstep/pkg/core/topology"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordPlacer counts placement calls.
type recordPlacer struct {
	placed      int
	nonBlocking bool
}

func (p *recordPlacer) Place(b batches.Batch, nonBlocking bool) (batches.Batch, error) {
	p.placed++
	p.nonBlocking = nonBlocking
	return b, nil
}

// recordRNG counts synchronization calls.
type recordRNG struct {
	syncs int
	kinds []collective.RNGKind
}

func (r *recordRNG) Sync(kinds []collective.RNGKind) error {
	r.syncs++
	r.kinds = kinds
	return nil
}

// failingLoader errors after a fixed number of batches.
type failingLoader struct {
	indexLoader
	failAfter int
}

func (l *failingLoader) Next() (batches.Batch, error) {
	if l.yielded >= l.failAfter {
		return nil, errors.New("disk on fire")
	}
	return l.indexLoader.Next()
}

func rangeLoader(t *testing.T, n, batchSize int) *indexLoader {
	t.Helper()
	sampler, err := NewRangeSampler(n, batchSize, false)
	require.NoError(t, err)
	return newIndexLoader(sampler)
}

func TestAdapterPassthrough(t *testing.T) {
	adapter, err := NewAdapter(rangeLoader(t, 9, 3), AdapterConfig{})
	require.NoError(t, err)
	assert.Equal(t, "indexLoader [Adapter]", adapter.Name())
	assert.Equal(t, 3, adapter.Len())

	assert.Equal(t, [][]int{{0, 1, 2}, {3, 4, 5}, {6, 7, 8}}, drainLoader(t, adapter))
	assert.Equal(t, 1, adapter.Iteration())

	// After exhaustion the loader stays exhausted until Reset.
	_, err = adapter.Next()
	require.ErrorIs(t, err, io.EOF)
	adapter.Reset()
	assert.Equal(t, [][]int{{0, 1, 2}, {3, 4, 5}, {6, 7, 8}}, drainLoader(t, adapter))
	assert.Equal(t, 2, adapter.Iteration())
}

func TestAdapterSessionLifecycle(t *testing.T) {
	sessions := NewSessionContext()
	adapter, err := NewAdapter(rangeLoader(t, 9, 3), AdapterConfig{Sessions: sessions})
	require.NoError(t, err)

	// No traversal in progress: a training loop with no loader sees the
	// equivalent of a last batch.
	assert.True(t, sessions.EndOfStream())

	b, err := adapter.Next()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, itemsToInts(t, b))
	session := sessions.Current()
	require.NotNil(t, session)
	assert.Equal(t, 0, session.Iteration)
	assert.False(t, sessions.EndOfStream())

	b, err = adapter.Next()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 5}, itemsToInts(t, b))
	assert.False(t, sessions.EndOfStream())

	// The last batch is delivered with end-of-stream already flagged.
	b, err = adapter.Next()
	require.NoError(t, err)
	assert.Equal(t, []int{6, 7, 8}, itemsToInts(t, b))
	assert.True(t, sessions.EndOfStream())
	assert.Same(t, session, adapter.Session())

	// The session is only unregistered on the pull after the last batch.
	_, err = adapter.Next()
	require.ErrorIs(t, err, io.EOF)
	assert.Nil(t, sessions.Current())
	assert.Equal(t, 1, adapter.Iteration())
}

func TestAdapterSessionRemainder(t *testing.T) {
	sessions := NewSessionContext()
	adapter, err := NewAdapter(rangeLoader(t, 22, 3), AdapterConfig{
		Sessions:       sessions,
		TotalBatchSize: 6,
	})
	require.NoError(t, err)

	_, err = adapter.Next()
	require.NoError(t, err)
	require.NotNil(t, sessions.Current())
	// 22 items across rounds of 6: the last round is 4 items short.
	assert.Equal(t, 22%6, sessions.Current().Remainder)
	assert.Equal(t, 22, adapter.TotalLen())
	assert.Equal(t, 6, adapter.TotalBatchSize())
	adapter.Reset()

	// With DropLast the remainder does not apply.
	adapter, err = NewAdapter(rangeLoader(t, 22, 3), AdapterConfig{
		Sessions:       sessions,
		Policy:         topology.ShardingPolicy{DropLast: true},
		TotalBatchSize: 6,
	})
	require.NoError(t, err)
	_, err = adapter.Next()
	require.NoError(t, err)
	assert.Equal(t, RemainderUnknown, sessions.Current().Remainder)
}

func TestAdapterEmptyBase(t *testing.T) {
	sessions := NewSessionContext()
	adapter, err := NewAdapter(rangeLoader(t, 0, 3), AdapterConfig{Sessions: sessions})
	require.NoError(t, err)
	_, err = adapter.Next()
	require.ErrorIs(t, err, io.EOF)
	assert.Nil(t, sessions.Current())
	// An empty traversal does not advance the epoch counter.
	assert.Equal(t, 0, adapter.Iteration())
}

func TestAdapterSkipBatches(t *testing.T) {
	adapter, err := NewAdapter(rangeLoader(t, 12, 3), AdapterConfig{SkipBatches: 2})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{6, 7, 8}, {9, 10, 11}}, drainLoader(t, adapter))

	// Skipping everything yields an empty traversal, with the epoch advanced.
	adapter, err = NewAdapter(rangeLoader(t, 12, 3), AdapterConfig{SkipBatches: 4})
	require.NoError(t, err)
	assert.Empty(t, drainLoader(t, adapter))
	assert.Equal(t, 1, adapter.Iteration())

	_, err = NewAdapter(rangeLoader(t, 12, 3), AdapterConfig{SkipBatches: -1})
	require.Error(t, err)
}

func TestAdapterPlacerAndRNG(t *testing.T) {
	placer := &recordPlacer{}
	rng := &recordRNG{}
	adapter, err := NewAdapter(rangeLoader(t, 9, 3), AdapterConfig{
		Placer:      placer,
		NonBlocking: true,
		RNG:         rng,
		RNGKinds:    []collective.RNGKind{collective.RNGGlobal},
	})
	require.NoError(t, err)

	drainLoader(t, adapter)
	assert.Equal(t, 3, placer.placed)
	assert.True(t, placer.nonBlocking)
	assert.Equal(t, 1, rng.syncs)
	assert.Equal(t, []collective.RNGKind{collective.RNGGlobal}, rng.kinds)

	// RNG state is re-synchronized at the start of every traversal.
	adapter.Reset()
	drainLoader(t, adapter)
	assert.Equal(t, 2, rng.syncs)
}

func TestAdapterBaseError(t *testing.T) {
	sampler, err := NewRangeSampler(12, 3, false)
	require.NoError(t, err)
	base := &failingLoader{indexLoader: indexLoader{sampler: sampler}, failAfter: 2}
	adapter, err := NewAdapter(base, AdapterConfig{})
	require.NoError(t, err)

	b, err := adapter.Next()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, itemsToInts(t, b))
	_, err = adapter.Next()
	require.ErrorContains(t, err, "disk on fire")
}

func TestAdapterCheckpointCorrection(t *testing.T) {
	sampler, err := NewRangeSampler(12, 3, false)
	require.NoError(t, err)
	base := &statefulLoader{indexLoader: indexLoader{sampler: sampler}}
	adapter, err := NewAdapter(base, AdapterConfig{
		Topology: topology.Topology{NumProcesses: 2, ProcessIndex: 0},
	})
	require.NoError(t, err)

	// The base loader runs one batch ahead: positions are corrected by
	// NumProcesses-1 so the checkpoint matches what was actually delivered.
	_, err = adapter.Next()
	require.NoError(t, err)
	st := adapter.Checkpoint()
	require.NotNil(t, st)
	assert.Equal(t, 0, st.Position)
	assert.Equal(t, 0, st.Base["samples_yielded"])
	assert.Equal(t, "opaque", st.Base["custom"])
	assert.False(t, st.IteratorFinished)

	_, err = adapter.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, adapter.Checkpoint().Position)

	_, err = adapter.Next()
	require.NoError(t, err)
	_, err = adapter.Next()
	require.NoError(t, err)
	st = adapter.Checkpoint()
	assert.Equal(t, 3, st.Position)
	assert.True(t, st.IteratorFinished)

	_, err = adapter.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestAdapterRestore(t *testing.T) {
	sampler, err := NewRangeSampler(12, 3, false)
	require.NoError(t, err)
	base := &statefulLoader{indexLoader: indexLoader{sampler: sampler}}
	adapter, err := NewAdapter(base, AdapterConfig{})
	require.NoError(t, err)

	// Restore is rejected mid-traversal.
	_, err = adapter.Next()
	require.NoError(t, err)
	err = adapter.Restore(&State{Position: 1})
	require.ErrorContains(t, err, "mid-traversal")

	adapter.Reset()
	require.NoError(t, adapter.Restore(&State{Position: 1}))
	assert.Equal(t, 1, base.yielded)

	// A base loader with no checkpointing cannot restore.
	plain, err := NewAdapter(rangeLoader(t, 12, 3), AdapterConfig{})
	require.NoError(t, err)
	require.Error(t, plain.Restore(&State{}))
	assert.Nil(t, plain.Checkpoint())
}

func TestAdapterSetEpoch(t *testing.T) {
	sampler, err := NewSeedableRandomSampler(24, 4, false, 11)
	require.NoError(t, err)
	adapter, err := NewAdapter(newIndexLoader(sampler), AdapterConfig{})
	require.NoError(t, err)

	first := drainLoader(t, adapter)
	adapter.Reset()
	second := drainLoader(t, adapter)
	assert.NotEqual(t, first, second)

	// Pinning the epoch replays a traversal.
	adapter.Reset()
	adapter.SetEpoch(0)
	assert.Equal(t, first, drainLoader(t, adapter))
}
