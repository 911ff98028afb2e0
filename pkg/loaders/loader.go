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

// Package loaders implements distributed batch sharding and dispatch for
// lock-step training: splitting an index-based batch sampler into per-process
// shards (BatchShardSampler), splitting an unbounded element stream across
// processes (StreamShard), centrally fetching-and-broadcasting batches when
// per-process sharding is not possible (Dispatcher), and the session envelope
// that tracks end-of-stream and resumable-checkpoint state across a traversal
// (Adapter, Session).
//
// All lazy sequences follow the same contract: Next returns io.EOF at
// exhaustion, and Reset restarts the sequence from the beginning. Optional
// capabilities (known length, checkpointing, epoch reseeding) are expressed as
// separate interfaces checked once at construction, never probed per call.
package loaders

import (
	"github.com/gomlx/lockstep/pkg/core/batches"
)

// Loader produces batches one at a time, lazily. It is the capability
// interface implemented both by base loaders (the external single-process
// iteration engine) and by every wrapper in this package, so callers depend on
// the interface and never on the concrete type.
type Loader interface {
	// Name identifies the loader. Used for debugging and pretty-printing.
	Name() string

	// Next returns the next batch, or io.EOF when the sequence is exhausted.
	// After io.EOF the loader must be Reset before it can be iterated again.
	Next() (batches.Batch, error)

	// Reset restarts the loader from the beginning.
	Reset()
}

// Stream produces individual elements one at a time, lazily, with the same
// io.EOF/Reset contract as Loader. Streams back sources that cannot be
// indexed, possibly unbounded ones.
type Stream interface {
	// Next returns the next element, or io.EOF when the stream is exhausted.
	Next() (any, error)

	// Reset restarts the stream from the beginning.
	Reset()
}

// Sampler produces batches of dataset indices, lazily, with the same
// io.EOF/Reset contract as Loader. It is the deterministic index sequence
// feeding a base loader.
type Sampler interface {
	// Next returns the next index batch, or io.EOF when exhausted.
	Next() ([]int, error)

	// Reset restarts the sampler from the beginning.
	Reset()
}

// Sized is implemented by loaders, streams and samplers whose length (in
// batches, elements and index-batches respectively) is known upfront.
type Sized interface {
	Len() int
}

// TotalSized is implemented by sharded sources that also know the total item
// count across all processes, used for the best-effort remainder statistic.
type TotalSized interface {
	TotalLen() int
}

// BatchSized is implemented by samplers with a fixed nominal batch size.
type BatchSized interface {
	BatchSize() int
}

// EpochSetter is implemented by sources that reseed themselves from an epoch
// number, so all processes shuffle identically on every traversal.
type EpochSetter interface {
	SetEpoch(epoch int)
}

// Reseedable is implemented by sources carrying their own generator, which can
// be reseeded directly when the source is not epoch-aware.
type Reseedable interface {
	Reseed(seed int64)
}

// Checkpointable is implemented by base loaders that can capture and restore
// their position mid-traversal.
type Checkpointable interface {
	// Checkpoint captures the current position. It is valid at any point of a
	// traversal; the returned State is owned by the caller.
	Checkpoint() *State

	// Restore rewinds the loader to a previously captured position. It must be
	// called before iteration starts.
	Restore(*State) error
}

// State is the resumable checkpoint of a loader: the base loader's own opaque
// token plus the position counters this package must adjust for read-ahead.
//
// Consumers must treat unknown keys of Base as opaque passthrough.
type State struct {
	// Base is the wrapped loader's own checkpoint mapping, passed through
	// untouched except for the adjustments documented on Adapter.
	Base map[string]any

	// Position is the number of elements the base loader has produced.
	Position int

	// IteratorFinished mirrors the session's end-of-stream flag at the time
	// the checkpoint was captured.
	IteratorFinished bool
}

// Clone returns a shallow copy of the state with its own Base map.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := &State{Position: s.Position, IteratorFinished: s.IteratorFinished}
	if s.Base != nil {
		c.Base = make(map[string]any, len(s.Base))
		for k, v := range s.Base {
			c.Base[k] = v
		}
	}
	return c
}
