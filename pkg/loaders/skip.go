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
	"fmt"
	"io"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/lockstep/pkg/core/batches"
	"github.com/pkg/errors"
)

// SkipSampler wraps an index Sampler, discarding its first skip batches. This
// is the O(1)-cost form of restart-from-checkpoint: the skipped index batches
// are never materialized into data.
type SkipSampler struct {
	sampler Sampler
	skip    int
	index   int
}

var _ Sampler = (*SkipSampler)(nil)

// NewSkipSampler wraps sampler to discard its first skip index batches.
func NewSkipSampler(sampler Sampler, skip int) (*SkipSampler, error) {
	if skip < 0 {
		return nil, errors.Errorf("SkipSampler requires skip >= 0, got %d", skip)
	}
	return &SkipSampler{sampler: sampler, skip: skip}, nil
}

// Next implements Sampler.
func (s *SkipSampler) Next() ([]int, error) {
	for {
		batch, err := s.sampler.Next()
		if err != nil {
			return nil, err
		}
		s.index++
		if s.index > s.skip {
			return batch, nil
		}
	}
}

// Reset implements Sampler.
func (s *SkipSampler) Reset() {
	s.sampler.Reset()
	s.index = 0
}

// SetEpoch forwards the epoch to the wrapped sampler if it is epoch-aware.
func (s *SkipSampler) SetEpoch(epoch int) {
	if setter, ok := s.sampler.(EpochSetter); ok {
		setter.SetEpoch(epoch)
	}
}

// Len returns the number of index batches after skipping. It panics if the
// wrapped sampler's length is unknown.
func (s *SkipSampler) Len() int {
	sized, ok := s.sampler.(Sized)
	if !ok {
		exceptions.Panicf("SkipSampler: wrapped sampler %T has no known length", s.sampler)
	}
	return max(sized.Len()-s.skip, 0)
}

// TotalLen returns the total item count of the wrapped sampler, unaffected by
// the skip. It panics if the wrapped sampler does not know it.
func (s *SkipSampler) TotalLen() int {
	total, ok := s.sampler.(TotalSized)
	if !ok {
		exceptions.Panicf("SkipSampler: wrapped sampler %T has no known total item count", s.sampler)
	}
	return total.TotalLen()
}

// SkipLoader wraps a Loader, consuming and discarding its first skip batches.
// This is the O(k) fallback used when skipping cannot happen at the index
// level. Prefer SkipFirstBatches, which picks the cheapest form available.
type SkipLoader struct {
	base  Loader
	skip  int
	index int
}

var _ Loader = (*SkipLoader)(nil)

// NewSkipLoader wraps base to discard its first skip batches.
func NewSkipLoader(base Loader, skip int) (*SkipLoader, error) {
	if skip < 0 {
		return nil, errors.Errorf("SkipLoader requires skip >= 0, got %d", skip)
	}
	return &SkipLoader{base: base, skip: skip}, nil
}

// Name implements Loader.
func (s *SkipLoader) Name() string {
	return fmt.Sprintf("%s [Skip %d]", s.base.Name(), s.skip)
}

// Next implements Loader.
func (s *SkipLoader) Next() (batches.Batch, error) {
	for {
		batch, err := s.base.Next()
		if err != nil {
			return nil, err
		}
		s.index++
		if s.index > s.skip {
			return batch, nil
		}
	}
}

// Reset implements Loader.
func (s *SkipLoader) Reset() {
	s.base.Reset()
	s.index = 0
}

// SetEpoch forwards the epoch to the wrapped loader if it is epoch-aware.
func (s *SkipLoader) SetEpoch(epoch int) {
	if setter, ok := s.base.(EpochSetter); ok {
		setter.SetEpoch(epoch)
	}
}

// Len returns the number of batches after skipping. It panics if the wrapped
// loader's length is unknown.
func (s *SkipLoader) Len() int {
	return max(mustLen(s.base)-s.skip, 0)
}

// batchSkipper is implemented by loaders that can absorb the skip themselves,
// restarting a fresh traversal that drops the first batches internally.
type batchSkipper interface {
	skipFirst(skip int) Loader
}

// skipFirst returns a fresh Adapter that drops the first skip batches of every
// traversal.
func (a *Adapter) skipFirst(skip int) Loader {
	config := a.config
	config.SkipBatches = skip
	fresh := &Adapter{
		base:      a.base,
		config:    config,
		baseCkpt:  a.baseCkpt,
		baseEpoch: a.baseEpoch,
		baseTotal: a.baseTotal,
		iteration: a.iteration,
	}
	return fresh
}

// skipFirst returns a fresh Dispatcher that drops the first skip rounds of
// every traversal.
func (d *Dispatcher) skipFirst(skip int) Loader {
	config := d.config
	config.SkipBatches = skip
	fresh := &Dispatcher{
		base:      d.base,
		transport: d.transport,
		config:    config,
		topo:      d.topo,
		replicate: d.replicate,
		baseCkpt:  d.baseCkpt,
		baseEpoch: d.baseEpoch,
		baseTotal: d.baseTotal,
		iteration: d.iteration,
	}
	return fresh
}

// SkipFirstBatches returns a loader that efficiently skips the first
// numBatches of every traversal of base. Loaders from this package absorb the
// skip into their own iteration (keeping session and checkpoint handling
// intact); any other loader is wrapped in a SkipLoader.
//
// It must not be used when the base loader is natively resumable: restoring
// its checkpoint is then both cheaper and exact.
func SkipFirstBatches(base Loader, numBatches int) (Loader, error) {
	if numBatches < 0 {
		return nil, errors.Errorf("SkipFirstBatches requires numBatches >= 0, got %d", numBatches)
	}
	if numBatches == 0 {
		return base, nil
	}
	if skipper, ok := base.(batchSkipper); ok {
		return skipper.skipFirst(numBatches), nil
	}
	return NewSkipLoader(base, numBatches)
}

// DrainFirst consumes and discards the first n batches of a loader, returning
// how many were actually available. It is the manual counterpart of
// SkipFirstBatches for callers that need the skipped count.
func DrainFirst(l Loader, n int) (int, error) {
	for i := 0; i < n; i++ {
		if _, err := l.Next(); err != nil {
			if err == io.EOF {
				return i, nil
			}
			return i, err
		}
	}
	return n, nil
}
