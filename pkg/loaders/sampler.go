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
	"math/rand"

	"github.com/gomlx/lockstep/pkg/support/xslices"
	"github.com/pkg/errors"
)

// RangeSampler yields the indices [0, n) in sequential batches of a fixed
// nominal size.
type RangeSampler struct {
	n, batchSize int
	dropLast     bool

	pos int
}

var (
	_ Sampler    = (*RangeSampler)(nil)
	_ Sized      = (*RangeSampler)(nil)
	_ TotalSized = (*RangeSampler)(nil)
	_ BatchSized = (*RangeSampler)(nil)
)

// NewRangeSampler creates a sequential index sampler over n elements.
func NewRangeSampler(n, batchSize int, dropLast bool) (*RangeSampler, error) {
	if n < 0 {
		return nil, errors.Errorf("RangeSampler requires n >= 0, got %d", n)
	}
	if batchSize < 1 {
		return nil, errors.Errorf("RangeSampler requires batchSize >= 1, got %d", batchSize)
	}
	return &RangeSampler{n: n, batchSize: batchSize, dropLast: dropLast}, nil
}

// Next implements Sampler.
func (s *RangeSampler) Next() ([]int, error) {
	if s.pos >= s.n {
		return nil, io.EOF
	}
	end := s.pos + s.batchSize
	if end > s.n {
		if s.dropLast {
			return nil, io.EOF
		}
		end = s.n
	}
	batch := xslices.Iota(s.pos, end-s.pos)
	s.pos = end
	return batch, nil
}

// Reset implements Sampler.
func (s *RangeSampler) Reset() { s.pos = 0 }

// Len returns the number of index batches the sampler yields.
func (s *RangeSampler) Len() int {
	if s.dropLast {
		return s.n / s.batchSize
	}
	return (s.n + s.batchSize - 1) / s.batchSize
}

// TotalLen returns the number of elements sampled.
func (s *RangeSampler) TotalLen() int { return s.n }

// BatchSize returns the nominal batch size.
func (s *RangeSampler) BatchSize() int { return s.batchSize }

// SeedableRandomSampler yields the indices [0, n) in shuffled batches. The
// permutation is seeded from a fixed initial seed plus the current epoch, so
// every process starting from the same seed and epoch draws the identical
// shuffle -- required in distributed runs where each process shards the same
// logical sequence.
//
// The epoch advances automatically after a full traversal, and can be set
// explicitly with SetEpoch when resuming.
type SeedableRandomSampler struct {
	n, batchSize int
	dropLast     bool
	seed         int64
	epoch        int

	perm []int
	pos  int
}

var (
	_ Sampler     = (*SeedableRandomSampler)(nil)
	_ Sized       = (*SeedableRandomSampler)(nil)
	_ TotalSized  = (*SeedableRandomSampler)(nil)
	_ BatchSized  = (*SeedableRandomSampler)(nil)
	_ EpochSetter = (*SeedableRandomSampler)(nil)
	_ Reseedable  = (*SeedableRandomSampler)(nil)
)

// NewSeedableRandomSampler creates a shuffled index sampler over n elements.
func NewSeedableRandomSampler(n, batchSize int, dropLast bool, seed int64) (*SeedableRandomSampler, error) {
	if n < 0 {
		return nil, errors.Errorf("SeedableRandomSampler requires n >= 0, got %d", n)
	}
	if batchSize < 1 {
		return nil, errors.Errorf("SeedableRandomSampler requires batchSize >= 1, got %d", batchSize)
	}
	return &SeedableRandomSampler{n: n, batchSize: batchSize, dropLast: dropLast, seed: seed}, nil
}

// SetEpoch sets the epoch that reseeds the next shuffle.
func (s *SeedableRandomSampler) SetEpoch(epoch int) { s.epoch = epoch }

// Epoch returns the current epoch.
func (s *SeedableRandomSampler) Epoch() int { return s.epoch }

// Reseed replaces the base seed. The next shuffle is drawn from the new seed.
func (s *SeedableRandomSampler) Reseed(seed int64) {
	s.seed = seed
	s.perm = nil
}

// Next implements Sampler.
func (s *SeedableRandomSampler) Next() ([]int, error) {
	if s.perm == nil {
		rng := rand.New(rand.NewSource(s.seed + int64(s.epoch)))
		s.perm = rng.Perm(s.n)
		s.pos = 0
	}
	if s.pos >= s.n || (s.dropLast && s.pos+s.batchSize > s.n) {
		// Traversal done: move to the next epoch so a Reset reshuffles.
		s.epoch++
		s.perm = nil
		return nil, io.EOF
	}
	end := min(s.pos+s.batchSize, s.n)
	batch := xslices.Copy(s.perm[s.pos:end])
	s.pos = end
	return batch, nil
}

// Reset implements Sampler.
func (s *SeedableRandomSampler) Reset() {
	s.perm = nil
	s.pos = 0
}

// Len returns the number of index batches the sampler yields.
func (s *SeedableRandomSampler) Len() int {
	if s.dropLast {
		return s.n / s.batchSize
	}
	return (s.n + s.batchSize - 1) / s.batchSize
}

// TotalLen returns the number of elements sampled.
func (s *SeedableRandomSampler) TotalLen() int { return s.n }

// BatchSize returns the nominal batch size.
func (s *SeedableRandomSampler) BatchSize() int { return s.batchSize }
