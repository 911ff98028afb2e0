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

// StreamShard shards an arbitrary (possibly unbounded) element stream across
// processes. Elements are buffered until a "real batch" is filled -- the
// nominal batch size under split-within-batch, nominal times NumProcesses
// otherwise -- and only the elements within this process's fixed window of the
// real batch are yielded. Because every process consumes the same stream the
// same way, all of them stay aligned without any communication.
//
// The very first filled real batch is retained as a wrap-around pool: at
// exhaustion with leftover elements and DropLast unset, the leftover is padded
// with repeated copies of the pool, in original order, until it reaches the
// real batch size.
type StreamShard struct {
	source    Stream
	batchSize int
	topo      topology.Topology
	dropLast  bool
	epoch     int

	// Traversal state.
	window     []any // Items of this process's slice of the current real batch.
	current    []any
	firstBatch []any
	done       bool
}

var _ Stream = (*StreamShard)(nil)

// NewStreamShard shards an element stream across the given topology.
// batchSize is the nominal batch size; DropLast is the only policy axis that
// applies at stream granularity.
func NewStreamShard(source Stream, batchSize int, topo topology.Topology, dropLast bool) (*StreamShard, error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	if batchSize < 1 {
		return nil, errors.Errorf("StreamShard requires batchSize >= 1, got %d", batchSize)
	}
	if topo.SplitBatches && batchSize%topo.NumProcesses != 0 {
		return nil, errors.Errorf("to shard a stream with split_batches, the batch size (%d) needs to be "+
			"a round multiple of the number of processes (%d)", batchSize, topo.NumProcesses)
	}
	return &StreamShard{
		source:    source,
		batchSize: batchSize,
		topo:      topo,
		dropLast:  dropLast,
	}, nil
}

// MustNewStreamShard panics where NewStreamShard errors.
func MustNewStreamShard(source Stream, batchSize int, topo topology.Topology, dropLast bool) *StreamShard {
	s, err := NewStreamShard(source, batchSize, topo, dropLast)
	if err != nil {
		exceptions.Panicf("StreamShard: %+v", err)
	}
	return s
}

// realBatchSize is the number of elements buffered before a round is released.
func (s *StreamShard) realBatchSize() int {
	if s.topo.SplitBatches {
		return s.batchSize
	}
	return s.batchSize * s.topo.NumProcesses
}

// processBatchSize is the number of elements of each real batch owned by this
// process.
func (s *StreamShard) processBatchSize() int {
	return s.realBatchSize() / s.topo.NumProcesses
}

// SetEpoch forwards the epoch to the source if it is epoch-aware, else drives
// the source's own generator when it is reseedable.
func (s *StreamShard) SetEpoch(epoch int) {
	s.epoch = epoch
	switch src := s.source.(type) {
	case EpochSetter:
		src.SetEpoch(epoch)
	case Reseedable:
		src.Reseed(int64(epoch))
	}
}

// Next implements Stream: it yields the elements of this process's window of
// each filled real batch, one at a time.
func (s *StreamShard) Next() (any, error) {
	for len(s.window) == 0 {
		if s.done {
			return nil, io.EOF
		}
		if err := s.fill(); err != nil {
			return nil, err
		}
	}
	element := s.window[0]
	s.window = s.window[1:]
	return element, nil
}

// fill buffers source elements until a real batch is complete, then carves out
// this process's window.
func (s *StreamShard) fill() error {
	real := s.realBatchSize()
	for len(s.current) < real {
		element, err := s.source.Next()
		if err == io.EOF {
			s.done = true
			if s.dropLast || len(s.current) == 0 {
				s.current = nil
				return nil
			}
			// Pad the leftover with repeated copies of the wrap-around pool.
			if s.firstBatch == nil {
				s.firstBatch = xslices.Copy(s.current)
			}
			for len(s.current) < real {
				s.current = append(s.current, s.firstBatch...)
			}
			break
		}
		if err != nil {
			return errors.WithMessage(err, "sharded stream source")
		}
		s.current = append(s.current, element)
	}
	if s.firstBatch == nil {
		s.firstBatch = xslices.Copy(s.current)
	}
	pbs := s.processBatchSize()
	lo := s.topo.ProcessIndex * pbs
	s.window = xslices.Copy(s.current[lo : lo+pbs])
	s.current = nil
	return nil
}

// Reset implements Stream.
func (s *StreamShard) Reset() {
	s.source.Reset()
	s.window = nil
	s.current = nil
	s.firstBatch = nil
	s.done = false
}

// Len returns the number of elements this process yields per traversal.
// It panics if the source length is unknown.
func (s *StreamShard) Len() int {
	sized, ok := s.source.(Sized)
	if !ok {
		exceptions.Panicf("StreamShard: wrapped stream %T has no known length", s.source)
	}
	n := sized.Len()
	real := s.realBatchSize()
	pbs := s.processBatchSize()
	if s.dropLast {
		return (n / real) * pbs
	}
	return ((n + real - 1) / real) * pbs
}
