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
	"github.com/gomlx/lockstep/pkg/collective"
	"github.com/gomlx/lockstep/pkg/core/batches"
	"github.com/gomlx/lockstep/pkg/core/topology"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// AdapterConfig configures an Adapter. The zero value is valid for a
// single-process loader with no extras.
type AdapterConfig struct {
	// Topology of the lock-step run. The zero value means a single process.
	Topology topology.Topology

	// Policy controls last-round handling; only DropLast matters here, it
	// gates the remainder statistic.
	Policy topology.ShardingPolicy

	// Sessions is the registry traversal sessions are published to. Nil
	// disables registration.
	Sessions *SessionContext

	// RNG, when set, is synchronized once at the start of every traversal for
	// the given kinds.
	RNG      collective.RNGSynchronizer
	RNGKinds []collective.RNGKind

	// Placer, when set, moves every batch to its device right before yielding.
	Placer      collective.Placer
	NonBlocking bool

	// SkipBatches drops the first batches of every traversal, for
	// restart-from-checkpoint without a resumable base loader.
	SkipBatches int

	// TotalBatchSize is the combined batch size across all processes. When
	// zero it is left unknown and the remainder statistic is skipped.
	TotalBatchSize int
}

// Adapter wraps a base Loader into the lock-step session envelope: it
// synchronizes RNG state at traversal start, opens a Session so external logic
// can observe end-of-stream, applies device placement, and detects exhaustion
// one batch ahead of what it yields so EndOfStream is already set when the
// last real batch is delivered.
//
// Because of the one-ahead read, a checkpoint captured from the base loader
// mid-traversal is ahead of what has been yielded; Checkpoint compensates by
// subtracting (NumProcesses - 1) from the position counters and tagging the
// state with the session's end-of-stream flag.
type Adapter struct {
	base   Loader
	config AdapterConfig

	baseCkpt  Checkpointable // Nil when the base loader has no checkpointing.
	baseEpoch EpochSetter    // Nil when the base loader is not epoch-aware.
	baseTotal func() (int, bool)

	iteration int
	state     *State

	// Two-slot look-ahead: current is the next batch to yield, it is only
	// yielded after the slot after it has been probed.
	current    batches.Batch
	started    bool
	done       bool
	endPending bool
	batchIndex int
	session    *Session
}

var (
	_ Loader         = (*Adapter)(nil)
	_ Checkpointable = (*Adapter)(nil)
	_ EpochSetter    = (*Adapter)(nil)
)

// NewAdapter wraps a base loader. Optional capabilities of the base loader
// (checkpointing, epoch awareness, total length) are detected once, here.
func NewAdapter(base Loader, config AdapterConfig) (*Adapter, error) {
	if config.Topology.NumProcesses == 0 {
		config.Topology = topology.Single
	}
	if err := config.Topology.Validate(); err != nil {
		return nil, err
	}
	if config.SkipBatches < 0 {
		return nil, errors.Errorf("Adapter requires SkipBatches >= 0, got %d", config.SkipBatches)
	}
	a := &Adapter{base: base, config: config}
	if ckpt, ok := base.(Checkpointable); ok {
		a.baseCkpt = ckpt
	}
	if setter, ok := base.(EpochSetter); ok {
		a.baseEpoch = setter
	}
	if total, ok := base.(TotalSized); ok {
		// Only a total item count serves the remainder statistic; a length in
		// batches is the wrong unit.
		a.baseTotal = func() (int, bool) { return total.TotalLen(), true }
	}
	return a, nil
}

// Name implements Loader.
func (a *Adapter) Name() string {
	return fmt.Sprintf("%s [Adapter]", a.base.Name())
}

// Iteration returns the epoch counter, incremented after every full traversal.
func (a *Adapter) Iteration() int { return a.iteration }

// SetEpoch overrides the epoch counter; forwarded to the base loader when it
// is epoch-aware.
func (a *Adapter) SetEpoch(epoch int) {
	a.iteration = epoch
	if a.baseEpoch != nil {
		a.baseEpoch.SetEpoch(epoch)
	}
}

// Session returns the session of the traversal in progress, or nil.
func (a *Adapter) Session() *Session { return a.session }

// TotalBatchSize returns the configured combined batch size across processes.
func (a *Adapter) TotalBatchSize() int { return a.config.TotalBatchSize }

// TotalLen returns the total item count across all processes, the unsharded
// length. It panics if the wrapped loader does not report one.
func (a *Adapter) TotalLen() int {
	if a.baseTotal == nil {
		exceptions.Panicf("%s: wrapped loader %T has no known total item count", a.Name(), a.base)
	}
	n, _ := a.baseTotal()
	return n
}

// begin opens the traversal: RNG sync, epoch propagation, session
// registration and the first look-ahead read.
func (a *Adapter) begin() error {
	if a.config.RNG != nil {
		if err := a.config.RNG.Sync(a.config.RNGKinds); err != nil {
			return errors.WithMessage(err, "synchronizing RNG state at traversal start")
		}
	}
	if a.baseEpoch != nil {
		a.baseEpoch.SetEpoch(a.iteration)
	}
	a.session = beginSession(a.config.Sessions, a.Name(), a.iteration,
		a.config.Policy.DropLast, a.config.TotalBatchSize, a.baseTotal)
	a.started = true
	a.batchIndex = 0

	first, err := a.base.Next()
	if err == io.EOF {
		// Empty traversal: close the session right away, without advancing
		// the epoch counter.
		a.done = true
		endSession(a.config.Sessions, a.session)
		return nil
	}
	if err != nil {
		a.done = true
		endSession(a.config.Sessions, a.session)
		return errors.WithMessage(err, "base loader")
	}
	a.current = first
	return nil
}

// finish closes the traversal.
func (a *Adapter) finish() {
	a.done = true
	a.endPending = false
	a.current = nil
	a.iteration++
	endSession(a.config.Sessions, a.session)
}

// Next implements Loader. The batch in the current slot is only yielded after
// the base loader has been probed for the one after it, so the last real batch
// is delivered with the session already flagging end-of-stream. The session is
// only unregistered on the pull after the last batch, once the caller has had
// a chance to consume it.
func (a *Adapter) Next() (batches.Batch, error) {
	for {
		if a.endPending {
			a.finish()
		}
		if a.done {
			return nil, io.EOF
		}
		if !a.started {
			if err := a.begin(); err != nil {
				return nil, err
			}
			continue
		}
		out := a.current
		if a.config.Placer != nil {
			// Placement happens before the look-ahead read so the transfer is
			// done by the time exhaustion is detected.
			placed, err := a.config.Placer.Place(out, a.config.NonBlocking)
			if err != nil {
				return nil, errors.WithMessage(err, "placing batch on device")
			}
			out = placed
		}
		a.snapshotState()
		yield := a.batchIndex >= a.config.SkipBatches

		next, err := a.base.Next()
		if err == io.EOF {
			if a.session != nil {
				a.session.EndOfStream = true
			}
			a.snapshotState()
			a.endPending = true
			a.current = nil
			if yield {
				return out, nil
			}
			continue
		}
		if err != nil {
			return nil, errors.WithMessage(err, "base loader")
		}
		a.batchIndex++
		a.current = next
		if yield {
			return out, nil
		}
	}
}

// Reset implements Loader. An interrupted traversal's session is closed.
func (a *Adapter) Reset() {
	if a.started && !a.done {
		endSession(a.config.Sessions, a.session)
	}
	a.base.Reset()
	a.started = false
	a.done = false
	a.endPending = false
	a.current = nil
	a.session = nil
	a.batchIndex = 0
}

// Len returns the number of batches the base loader yields. It panics if the
// base loader's length is unknown.
func (a *Adapter) Len() int {
	return mustLen(a.base)
}

// snapshotState captures the base loader's checkpoint, corrected for the
// adapter's read-ahead: under multi-process sharding the base loader is
// (NumProcesses - 1) internal advances ahead of the last yielded batch, so
// that factor is subtracted from every position counter before the state is
// considered valid.
func (a *Adapter) snapshotState() {
	if a.baseCkpt == nil {
		return
	}
	st := a.baseCkpt.Checkpoint()
	if st == nil {
		return
	}
	factor := a.config.Topology.NumProcesses - 1
	if st.Position > 0 {
		st.Position -= factor
	}
	adjustBaseCounters(st.Base, factor)
	st.IteratorFinished = a.session != nil && a.session.EndOfStream
	a.state = st
}

// adjustBaseCounters applies the read-ahead correction to the well-known
// position counters of a base checkpoint mapping. Unknown keys are left as
// opaque passthrough.
func adjustBaseCounters(base map[string]any, factor int) {
	if factor <= 0 {
		return
	}
	for _, key := range []string{"samples_yielded", "batches_yielded"} {
		if v, found := base[key]; found {
			if count, ok := v.(int); ok && count > 0 {
				base[key] = count - factor
			}
		}
	}
}

// Checkpoint implements Checkpointable: it returns the last captured state,
// already corrected for read-ahead. Nil when the base loader does not support
// checkpointing or no batch has been produced yet.
func (a *Adapter) Checkpoint() *State {
	return a.state.Clone()
}

// Restore implements Checkpointable by delegating to the base loader.
func (a *Adapter) Restore(st *State) error {
	if a.baseCkpt == nil {
		return errors.Errorf("base loader %s does not support checkpointing", a.base.Name())
	}
	if a.started && !a.done {
		return errors.New("cannot restore a checkpoint mid-traversal, Reset first")
	}
	if st != nil && st.IteratorFinished {
		klog.Warningf("loaders: restoring %s from a checkpoint captured at end-of-stream; "+
			"the next traversal restarts from the beginning", a.Name())
	}
	return a.baseCkpt.Restore(st)
}

// mustLen returns the length of a loader, panicking when unknown.
func mustLen(l Loader) int {
	sized, ok := l.(Sized)
	if !ok {
		exceptions.Panicf("loader %s has no known length", l.Name())
	}
	return sized.Len()
}
