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
	"github.com/gomlx/lockstep/pkg/collective"
	"github.com/gomlx/lockstep/pkg/core/topology"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BuildFunc constructs the base loader -- the external sequential iteration
// engine -- from the index sampler that feeds it.
type BuildFunc func(Sampler) Loader

// StreamBuildFunc constructs the base loader from an element stream.
type StreamBuildFunc func(Stream) Loader

// PrepareConfig selects and configures the distribution strategy assembled by
// Prepare and PrepareStream.
type PrepareConfig struct {
	// Topology of the lock-step run. The zero value means a single process.
	Topology topology.Topology

	// Mesh, when set, projects the flat topology onto the data-distribution
	// plane: tensor-parallel peers receive identical batches on both the
	// sharded and the dispatch path.
	Mesh *topology.Mesh

	// Policy controls last-round handling.
	Policy topology.ShardingPolicy

	// Dispatch selects the centralized fetch-and-broadcast strategy: the
	// designated process iterates the source and every round is broadcast.
	// Required when the source can only be read on one process; it needs a
	// Transport.
	Dispatch  bool
	Transport collective.Transport

	// Sessions is the registry traversal sessions are published to.
	Sessions *SessionContext

	// RNG, when set, is synchronized at every traversal start. Only applies
	// to the decentralized (non-dispatch) path, where each process runs its
	// own shuffling.
	RNG      collective.RNGSynchronizer
	RNGKinds []collective.RNGKind

	// Placer, when set, moves every batch to its device before yielding.
	Placer      collective.Placer
	NonBlocking bool

	// SkipBatches drops the first batches of every traversal, for resuming
	// mid-stream. On the sampler path the skip is applied at the index level
	// (O(1)); elsewhere batches are consumed and discarded (O(k)).
	SkipBatches int
}

func (c *PrepareConfig) validate() error {
	if c.Dispatch {
		if c.Transport == nil {
			return errors.New("dispatch mode requires a collective.Transport")
		}
		if c.Topology.NumProcesses == 0 && c.Mesh == nil {
			c.Topology = topology.Topology{
				NumProcesses: c.Transport.WorldSize(),
				ProcessIndex: c.Transport.Rank(),
				SplitBatches: c.Topology.SplitBatches,
			}
		}
		// A mesh, or a non-zero topology, is checked against the transport by
		// NewDispatcher.
	} else {
		if c.Mesh != nil {
			// Without a dispatcher every process shards the source itself, so
			// the flat topology is collapsed through the mesh to give
			// tensor-parallel peers the same data rank.
			if c.Topology.NumProcesses != 0 && c.Topology.NumProcesses != c.Mesh.NumProcesses() {
				return errors.Errorf("topology has %d processes but the mesh has %d",
					c.Topology.NumProcesses, c.Mesh.NumProcesses())
			}
			topo, err := c.Mesh.Sharding(c.Topology.ProcessIndex, c.Topology.SplitBatches)
			if err != nil {
				return err
			}
			c.Topology = topo
		}
		if c.Topology.NumProcesses == 0 {
			c.Topology = topology.Topology{
				NumProcesses: 1,
				SplitBatches: c.Topology.SplitBatches,
			}
		}
		if err := c.Topology.Validate(); err != nil {
			return err
		}
	}
	if c.SkipBatches < 0 {
		return errors.Errorf("SkipBatches must be >= 0, got %d", c.SkipBatches)
	}
	return nil
}

// totalBatchSize is the combined batch size across all processes: the nominal
// batch size under split-batches, nominal times NumProcesses otherwise. Zero
// when the nominal size is not discoverable.
func totalBatchSize(nominal int, topo topology.Topology) int {
	if nominal <= 0 {
		return 0
	}
	if topo.SplitBatches {
		return nominal
	}
	return nominal * topo.NumProcesses
}

// Prepare assembles the lock-step distribution pipeline for an index-sampled
// source: the sampler is sharded across processes (BatchShardSampler), the
// base loader built from it is wrapped into the session envelope (Adapter),
// and skipped batches are dropped at the index level.
//
// Under Dispatch the sampler is left unsharded -- the designated process
// iterates all of it -- and the base loader is wrapped in a Dispatcher
// instead.
func Prepare(build BuildFunc, sampler Sampler, config PrepareConfig) (Loader, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	nominal := 0
	if sized, ok := sampler.(BatchSized); ok {
		nominal = sized.BatchSize()
	}

	if config.Dispatch {
		if config.RNG != nil {
			klog.Warningf("loaders: RNG synchronization is ignored in dispatch mode; " +
				"only the designated process draws data")
		}
		return NewDispatcher(build(sampler), config.Transport, DispatcherConfig{
			Topology:       config.Topology,
			Mesh:           config.Mesh,
			Policy:         config.Policy,
			Sessions:       config.Sessions,
			Placer:         config.Placer,
			NonBlocking:    config.NonBlocking,
			SkipBatches:    config.SkipBatches,
			TotalBatchSize: totalBatchSize(nominal, config.Topology),
		})
	}

	sharded, err := NewBatchShardSampler(sampler, config.Topology, config.Policy)
	if err != nil {
		return nil, err
	}
	var feeding Sampler = sharded
	if config.SkipBatches > 0 {
		// Index-level skip: the skipped batches are never materialized.
		feeding, err = NewSkipSampler(sharded, config.SkipBatches)
		if err != nil {
			return nil, err
		}
	}
	return NewAdapter(build(feeding), AdapterConfig{
		Topology:       config.Topology,
		Policy:         config.Policy,
		Sessions:       config.Sessions,
		RNG:            config.RNG,
		RNGKinds:       config.RNGKinds,
		Placer:         config.Placer,
		NonBlocking:    config.NonBlocking,
		TotalBatchSize: totalBatchSize(nominal, config.Topology),
	})
}

// PrepareStream assembles the lock-step distribution pipeline for an element
// stream that cannot be indexed: each process consumes the same stream through
// a StreamShard that carves out its window of every real batch, and the base
// loader built on top is wrapped into the session envelope.
//
// Under Dispatch the stream is left unsharded and the base loader is wrapped
// in a Dispatcher. batchSize is the nominal batch size of the base loader.
func PrepareStream(build StreamBuildFunc, stream Stream, batchSize int, config PrepareConfig) (Loader, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if batchSize < 1 {
		return nil, errors.Errorf("PrepareStream requires batchSize >= 1, got %d", batchSize)
	}

	if config.Dispatch {
		return NewDispatcher(build(stream), config.Transport, DispatcherConfig{
			Topology:       config.Topology,
			Mesh:           config.Mesh,
			Policy:         config.Policy,
			Sessions:       config.Sessions,
			Placer:         config.Placer,
			NonBlocking:    config.NonBlocking,
			SkipBatches:    config.SkipBatches,
			TotalBatchSize: totalBatchSize(batchSize, config.Topology),
		})
	}

	sharded, err := NewStreamShard(stream, batchSize, config.Topology, config.Policy.DropLast)
	if err != nil {
		return nil, err
	}
	return NewAdapter(build(sharded), AdapterConfig{
		Topology:    config.Topology,
		Policy:      config.Policy,
		Sessions:    config.Sessions,
		RNG:         config.RNG,
		RNGKinds:    config.RNGKinds,
		Placer:      config.Placer,
		NonBlocking: config.NonBlocking,
		// Streams are not resumable: batches are consumed and discarded.
		SkipBatches:    config.SkipBatches,
		TotalBatchSize: totalBatchSize(batchSize, config.Topology),
	})
}
