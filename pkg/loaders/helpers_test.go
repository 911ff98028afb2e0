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

	"github.com/gomlx/lockstep/pkg/core/batches"
	"github.com/stretchr/testify/require"
)

// listSampler yields a fixed list of index batches.
type listSampler struct {
	batches   [][]int
	batchSize int
	pos       int
}

func (s *listSampler) Next() ([]int, error) {
	if s.pos >= len(s.batches) {
		return nil, io.EOF
	}
	batch := s.batches[s.pos]
	s.pos++
	return batch, nil
}

func (s *listSampler) Reset()   { s.pos = 0 }
func (s *listSampler) Len() int { return len(s.batches) }

func (s *listSampler) BatchSize() int { return s.batchSize }

// varSampler yields a fixed list of index batches with no discoverable batch
// size.
type varSampler struct {
	batches [][]int
	pos     int
}

func (s *varSampler) Next() ([]int, error) {
	if s.pos >= len(s.batches) {
		return nil, io.EOF
	}
	batch := s.batches[s.pos]
	s.pos++
	return batch, nil
}

func (s *varSampler) Reset()   { s.pos = 0 }
func (s *varSampler) Len() int { return len(s.batches) }

// intStream yields the elements of a fixed int slice.
type intStream struct {
	values []int
	pos    int
	epoch  int
}

func (s *intStream) Next() (any, error) {
	if s.pos >= len(s.values) {
		return nil, io.EOF
	}
	v := s.values[s.pos]
	s.pos++
	return v, nil
}

func (s *intStream) Reset()             { s.pos = 0 }
func (s *intStream) Len() int           { return len(s.values) }
func (s *intStream) SetEpoch(epoch int) { s.epoch = epoch }

// indexLoader is a minimal base loader: it materializes each index batch of a
// sampler as an Items batch of the indices themselves.
type indexLoader struct {
	sampler Sampler
	epoch   int
	yielded int
}

func newIndexLoader(sampler Sampler) *indexLoader {
	return &indexLoader{sampler: sampler}
}

func (l *indexLoader) Name() string { return "indexLoader" }

func (l *indexLoader) Next() (batches.Batch, error) {
	batch, err := l.sampler.Next()
	if err != nil {
		return nil, err
	}
	l.yielded++
	return batches.FromSlice(batch), nil
}

func (l *indexLoader) Reset() {
	l.sampler.Reset()
	l.yielded = 0
}

func (l *indexLoader) Len() int {
	return l.sampler.(Sized).Len()
}

func (l *indexLoader) TotalLen() int {
	if total, ok := l.sampler.(TotalSized); ok {
		return total.TotalLen()
	}
	return l.Len()
}

func (l *indexLoader) SetEpoch(epoch int) {
	l.epoch = epoch
	if setter, ok := l.sampler.(EpochSetter); ok {
		setter.SetEpoch(epoch)
	}
}

// statefulLoader is an indexLoader with checkpointing, counting produced batches.
type statefulLoader struct {
	indexLoader
}

func (l *statefulLoader) Checkpoint() *State {
	return &State{
		Base:     map[string]any{"samples_yielded": l.yielded, "custom": "opaque"},
		Position: l.yielded,
	}
}

func (l *statefulLoader) Restore(st *State) error {
	l.yielded = st.Position
	return nil
}

// drainSampler consumes a sampler until io.EOF.
func drainSampler(t *testing.T, s Sampler) [][]int {
	t.Helper()
	var out [][]int
	for {
		batch, err := s.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, batch)
	}
}

// drainLoader consumes a loader until io.EOF, converting Items batches to ints.
func drainLoader(t *testing.T, l Loader) [][]int {
	t.Helper()
	var out [][]int
	for {
		batch, err := l.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, itemsToInts(t, batch))
	}
}

// drainStream consumes a stream until io.EOF.
func drainStream(t *testing.T, s Stream) []int {
	t.Helper()
	var out []int
	for {
		element, err := s.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, element.(int))
	}
}

func itemsToInts(t *testing.T, b batches.Batch) []int {
	t.Helper()
	items, ok := b.(*batches.Items)
	require.Truef(t, ok, "expected an Items batch, got %T", b)
	out := make([]int, 0, items.Len())
	for i := 0; i < items.Len(); i++ {
		out = append(out, items.At(i).(int))
	}
	return out
}
