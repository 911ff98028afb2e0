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

	"github.com/gomlx/lockstep/pkg/collective"
	"github.com/gomlx/lockstep/pkg/core/batches"
	"github.com/gomlx/lockstep/pkg/core/topology"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// designatedRank is the process that performs real I/O in dispatch mode.
const designatedRank = 0

// SliceFn carves a contiguous window out of a combined batch. The default is
// Batch.Slice; a custom function can keep per-field layouts intact.
type SliceFn func(b batches.Batch, from, to int) batches.Batch

// batchInfo is the per-round metadata broadcast before the batch data: the
// structure of the combined batch (nil at exhaustion) and the stop flag.
// Termination is a value carried by this broadcast, never a unilateral
// decision: every process observes the identical flag before ending its
// traversal.
type batchInfo struct {
	Descriptor *batches.Descriptor
	Stop       bool
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Topology of the lock-step run. The zero value is derived from the
	// transport (WorldSize/Rank).
	Topology topology.Topology

	// Mesh, when set, projects the flat topology onto the data-parallel
	// plane: tensor-parallel peers receive identical batches.
	Mesh *topology.Mesh

	// Policy controls last-round handling.
	Policy topology.ShardingPolicy

	// Sessions is the registry traversal sessions are published to.
	Sessions *SessionContext

	// Placer, when set, moves every batch to its device before the data
	// broadcast.
	Placer      collective.Placer
	NonBlocking bool

	// SkipBatches drops the first batches of every traversal.
	SkipBatches int

	// Slice overrides how per-process windows are carved out of a combined
	// batch. Nil means Batch.Slice.
	Slice SliceFn

	// TotalBatchSize is the combined batch size across all processes, used
	// for the remainder statistic. Zero means unknown.
	TotalBatchSize int
}

// Dispatcher fans a single-process source out to all lock-step processes: only
// the designated process (rank 0) iterates the base loader, fetching one
// combined batch per round -- NumProcesses batches concatenated, or a single
// one under split-batches -- and broadcasting first its structure, then its
// data, to every process. Each process slices out its contiguous window of the
// combined batch.
//
// The first combined batch's leading NumProcesses items are retained as a
// wrap-around pool; when the final round's combined size is not evenly
// divisible by NumProcesses, the pool is concatenated onto the end before
// slicing and each window grows by one item for that round only.
//
// All processes stay in lock-step purely through the broadcast barriers, even
// though only the designated process performs real I/O.
type Dispatcher struct {
	base      Loader
	transport collective.Transport
	config    DispatcherConfig
	topo      topology.Topology
	replicate bool

	baseCkpt  Checkpointable
	baseEpoch EpochSetter
	baseTotal func() (int, bool)

	iteration int
	state     *State

	// Traversal state.
	started    bool
	done       bool
	endPending bool
	stopSignal bool
	nextBatch  batches.Batch
	nextInfo   batchInfo
	firstPool  batches.Batch
	batchIndex int
	session    *Session
}

var (
	_ Loader         = (*Dispatcher)(nil)
	_ Checkpointable = (*Dispatcher)(nil)
	_ EpochSetter    = (*Dispatcher)(nil)
)

// NewDispatcher creates a dispatcher over the given base loader and transport.
// Only the process at rank 0 actually reads from the base loader; the other
// processes still construct a dispatcher (with their own equivalent base
// loader) to participate in the broadcasts.
func NewDispatcher(base Loader, transport collective.Transport, config DispatcherConfig) (*Dispatcher, error) {
	topo := config.Topology
	replicate := false
	if config.Mesh != nil {
		var err error
		topo, replicate, err = config.Mesh.DataParallel(transport.Rank(), config.Topology.SplitBatches)
		if err != nil {
			return nil, err
		}
	} else if topo.NumProcesses == 0 {
		topo = topology.Topology{
			NumProcesses: transport.WorldSize(),
			ProcessIndex: transport.Rank(),
			SplitBatches: config.Topology.SplitBatches,
		}
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	if topo.NumProcesses != transport.WorldSize() {
		return nil, errors.Errorf("topology has %d processes but the transport world size is %d",
			topo.NumProcesses, transport.WorldSize())
	}
	if topo.ProcessIndex != transport.Rank() {
		return nil, errors.Errorf("topology process index %d does not match the transport rank %d",
			topo.ProcessIndex, transport.Rank())
	}
	if config.SkipBatches < 0 {
		return nil, errors.Errorf("Dispatcher requires SkipBatches >= 0, got %d", config.SkipBatches)
	}
	d := &Dispatcher{
		base:      base,
		transport: transport,
		config:    config,
		topo:      topo,
		replicate: replicate,
	}
	if ckpt, ok := base.(Checkpointable); ok {
		d.baseCkpt = ckpt
	}
	if setter, ok := base.(EpochSetter); ok {
		d.baseEpoch = setter
	}
	if total, ok := base.(TotalSized); ok {
		d.baseTotal = func() (int, bool) { return total.TotalLen(), true }
	}
	return d, nil
}

// Name implements Loader.
func (d *Dispatcher) Name() string {
	return fmt.Sprintf("%s [Dispatcher]", d.base.Name())
}

// Iteration returns the epoch counter, incremented after every full traversal.
func (d *Dispatcher) Iteration() int { return d.iteration }

// SetEpoch overrides the epoch counter; forwarded to the base loader when it
// is epoch-aware.
func (d *Dispatcher) SetEpoch(epoch int) {
	d.iteration = epoch
	if d.baseEpoch != nil {
		d.baseEpoch.SetEpoch(epoch)
	}
}

// Session returns the session of the traversal in progress, or nil.
func (d *Dispatcher) Session() *Session { return d.session }

func (d *Dispatcher) designated() bool {
	return d.topo.ProcessIndex == designatedRank
}

func (d *Dispatcher) sliceBatch(b batches.Batch, from, to int) batches.Batch {
	if d.config.Slice != nil {
		return d.config.Slice(b, from, to)
	}
	return b.Slice(from, to)
}

// fetch runs one fetch round: the designated process pulls the next combined
// batch from the base loader and every process leaves with the identical
// (descriptor, stop) pair via the metadata broadcast. When the stop flag comes
// up with the last round kept (no drop-last, no split-batches), a remainder
// round re-broadcasts whatever partial batches the designated process had
// already buffered.
func (d *Dispatcher) fetch() (batch batches.Batch, info batchInfo, err error) {
	p := d.topo.NumProcesses
	var buffered []batches.Batch
	if d.designated() {
		stop := false
		if d.topo.SplitBatches {
			// One batch of the base loader is dispatched and split.
			d.snapshotState()
			b, berr := d.base.Next()
			switch {
			case berr == io.EOF:
				stop = true
			case berr != nil:
				err = errors.WithMessage(berr, "dispatch base loader")
				return
			default:
				batch = b
			}
		} else {
			// NumProcesses batches are concatenated then dispatched and
			// split. They are fetched one by one so the remainder is
			// available when the last round is kept.
			if d.replicate {
				// Tensor-parallel peers are not distinct destinations: fetch
				// a single batch and dispatch identical copies.
				d.snapshotState()
				b, berr := d.base.Next()
				switch {
				case berr == io.EOF:
					stop = true
				case berr != nil:
					err = errors.WithMessage(berr, "dispatch base loader")
					return
				default:
					for i := 0; i < p; i++ {
						buffered = append(buffered, b)
					}
				}
			} else {
				for i := 0; i < p; i++ {
					d.snapshotState()
					b, berr := d.base.Next()
					if berr == io.EOF {
						stop = true
						break
					}
					if berr != nil {
						err = errors.WithMessage(berr, "dispatch base loader")
						return
					}
					buffered = append(buffered, b)
				}
			}
			if !stop {
				batch, err = concatenateFetched(buffered)
				if err != nil {
					return
				}
			}
		}
		if stop {
			info = batchInfo{Stop: true}
		} else {
			info = batchInfo{Descriptor: batch.Describe()}
		}
	} else {
		info = batchInfo{Stop: d.stopSignal}
	}

	// After this broadcast every process holds the designated sender's pair.
	obj, berr := d.transport.BroadcastObject(info, designatedRank)
	if berr != nil {
		err = errors.WithMessage(berr, "broadcasting batch metadata")
		return
	}
	info = obj.(batchInfo)
	d.stopSignal = info.Stop

	if info.Stop && !d.topo.SplitBatches && !d.config.Policy.DropLast {
		// Remainder round: the designated process may hold partial fetches.
		if d.designated() && len(buffered) > 0 {
			batch, err = concatenateFetched(buffered)
			if err != nil {
				return
			}
			info = batchInfo{Descriptor: batch.Describe()}
		} else {
			info = batchInfo{Stop: true}
		}
		obj, berr = d.transport.BroadcastObject(info, designatedRank)
		if berr != nil {
			err = errors.WithMessage(berr, "broadcasting remainder metadata")
			return
		}
		info = obj.(batchInfo)
	}
	return
}

// concatenateFetched joins per-fetch batches into one combined batch,
// reporting structure mismatches as a configuration error.
func concatenateFetched(bs []batches.Batch) (batches.Batch, error) {
	combined, err := batches.Concatenate(bs...)
	if err != nil {
		return nil, errors.WithMessage(err,
			"cannot dispatch batches of different structure; either disable dispatching so every "+
				"process fetches its own batch, or enable split_batches so the designated process "+
				"fetches one full batch and slices it across processes")
	}
	return combined, nil
}

// begin opens the traversal and primes the one-round look-ahead.
func (d *Dispatcher) begin() error {
	d.session = beginSession(d.config.Sessions, d.Name(), d.iteration,
		d.config.Policy.DropLast, d.config.TotalBatchSize, d.baseTotal)
	if d.baseEpoch != nil {
		d.baseEpoch.SetEpoch(d.iteration)
	}
	d.started = true
	d.stopSignal = false
	d.firstPool = nil
	d.batchIndex = 0

	batch, info, err := d.fetch()
	if err != nil {
		d.abort()
		return err
	}
	d.nextBatch, d.nextInfo = batch, info
	return nil
}

// finish closes a completed traversal, advancing the epoch counter.
func (d *Dispatcher) finish() {
	d.iteration++
	d.abort()
}

// abort closes the traversal without advancing the epoch counter.
func (d *Dispatcher) abort() {
	d.done = true
	d.endPending = false
	d.nextBatch = nil
	d.firstPool = nil
	endSession(d.config.Sessions, d.session)
}

// Next implements Loader, advancing one dispatch round.
func (d *Dispatcher) Next() (batches.Batch, error) {
	for {
		if d.endPending {
			d.finish()
		}
		if d.done {
			return nil, io.EOF
		}
		if !d.started {
			if err := d.begin(); err != nil {
				return nil, err
			}
			continue
		}
		batch, info := d.nextBatch, d.nextInfo
		if batch == nil && info.Descriptor == nil {
			// The source was empty: every process observed the same nil
			// metadata, so they all fail identically.
			d.abort()
			return nil, errors.New("dispatch batch does not contain any data: the stream ended " +
				"before any round could be dispatched")
		}

		p := d.topo.NumProcesses
		if !d.designated() {
			// Peers rebuild an empty vessel of the broadcast structure.
			batch = info.Descriptor.Placeholder()
		}
		if d.config.Placer != nil {
			placed, err := d.config.Placer.Place(batch, d.config.NonBlocking)
			if err != nil {
				return nil, errors.WithMessage(err, "placing batch on device")
			}
			batch = placed
		}
		// Data broadcast, strictly after the metadata broadcast of the round.
		batch, err := d.transport.BroadcastBatch(batch, designatedRank)
		if err != nil {
			return nil, errors.WithMessage(err, "broadcasting batch data")
		}
		if !d.config.Policy.DropLast && d.firstPool == nil {
			// Keep the leading NumProcesses items to pad the last round. A tiny
			// source's first combined batch may hold fewer than that.
			d.firstPool = d.sliceBatch(batch, 0, min(p, batch.Len()))
		}

		observed := batch.Len()
		chunk := observed / p

		stop := d.stopSignal
		if !stop {
			// The source may be exhausted without having signaled it yet,
			// when its batch count is a round multiple of NumProcesses.
			nb, ni, err := d.fetch()
			if err != nil {
				return nil, err
			}
			d.nextBatch, d.nextInfo = nb, ni
			if d.stopSignal && ni.Descriptor == nil {
				stop = true
			}
		}

		if !d.config.Policy.DropLast && stop && observed%p != 0 {
			// Undersized last round: pad with the wrap-around pool so every
			// window grows by exactly one item.
			joined, err := batch.Concat(d.firstPool)
			if err != nil {
				return nil, errors.WithMessage(err, "padding last round with the wrap-around pool")
			}
			batch = joined
			chunk++
		}
		// A source smaller than the world can leave the padded batch short of
		// NumProcesses*chunk items; trailing windows truncate to what is left.
		lo := min(d.topo.ProcessIndex*chunk, batch.Len())
		hi := min((d.topo.ProcessIndex+1)*chunk, batch.Len())
		out := d.sliceBatch(batch, lo, hi)
		klog.V(2).Infof("loaders: %s round %d: combined=%d chunk=%d stop=%v",
			d.Name(), d.batchIndex, observed, chunk, stop)

		yield := d.batchIndex >= d.config.SkipBatches
		d.batchIndex++
		if stop {
			if d.session != nil {
				d.session.EndOfStream = true
				d.session.Remainder = observed
			}
			d.snapshotState()
			// The traversal is closed on the next pull, after the caller has
			// consumed the final batch.
			d.endPending = true
		}
		if yield {
			return out, nil
		}
	}
}

// Reset implements Loader. An interrupted traversal's session is closed.
func (d *Dispatcher) Reset() {
	if d.started && !d.done {
		endSession(d.config.Sessions, d.session)
	}
	d.base.Reset()
	d.started = false
	d.done = false
	d.endPending = false
	d.stopSignal = false
	d.nextBatch = nil
	d.firstPool = nil
	d.session = nil
	d.batchIndex = 0
}

// Len returns the number of rounds this process yields. It panics if the base
// loader's length is unknown.
func (d *Dispatcher) Len() int {
	whole := mustLen(d.base)
	if d.topo.SplitBatches {
		return whole
	}
	p := d.topo.NumProcesses
	if d.config.Policy.DropLast {
		return whole / p
	}
	return (whole + p - 1) / p
}

// snapshotState captures the base loader's checkpoint with the read-ahead
// correction, meaningful on the designated process only.
func (d *Dispatcher) snapshotState() {
	if d.baseCkpt == nil {
		return
	}
	st := d.baseCkpt.Checkpoint()
	if st == nil {
		return
	}
	factor := d.topo.NumProcesses - 1
	if st.Position > 0 {
		st.Position -= factor
	}
	adjustBaseCounters(st.Base, factor)
	st.IteratorFinished = d.session != nil && d.session.EndOfStream
	d.state = st
}

// Checkpoint implements Checkpointable: the last captured state of the base
// loader, corrected for the dispatcher's read-ahead.
func (d *Dispatcher) Checkpoint() *State {
	return d.state.Clone()
}

// Restore implements Checkpointable by delegating to the base loader.
func (d *Dispatcher) Restore(st *State) error {
	if d.baseCkpt == nil {
		return errors.Errorf("base loader %s does not support checkpointing", d.base.Name())
	}
	if d.started && !d.done {
		return errors.New("cannot restore a checkpoint mid-traversal, Reset first")
	}
	return d.baseCkpt.Restore(st)
}
