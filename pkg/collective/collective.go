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

// Package collective defines the cross-process collaborator contracts consumed
// by the lock-step loaders: the broadcast transport, the random-number
// synchronizer and the device-placement hook.
//
// Broadcasts are the only synchronization primitive between lock-step peers:
// every process blocks at a broadcast until the designated sender has produced
// its value, so they act as implicit barriers. Within one round the metadata
// broadcast (BroadcastObject) always precedes the data broadcast
// (BroadcastBatch). A process must never end its traversal without having
// observed a broadcast stop flag, or its peers deadlock at the next barrier.
//
// The package also ships Loopback, an in-process implementation over channels,
// used to run several simulated processes inside one test binary.
package collective

import "github.com/gomlx/lockstep/pkg/core/batches"

// Transport implements collective broadcasts among the fixed set of lock-step
// processes. Implementations typically sit on top of NCCL/gloo/MPI or a gRPC
// coordinator; this package only defines the contract.
//
// Calls block until the broadcast for the corresponding round completes; there
// are no timeout semantics at this level.
type Transport interface {
	// WorldSize returns the number of participating processes.
	WorldSize() int

	// Rank returns the index of the current process in [0, WorldSize).
	Rank() int

	// BroadcastObject broadcasts a small metadata value from the process with
	// rank `from` to every process. Every process must call it once per round;
	// all of them return the sender's value.
	BroadcastObject(value any, from int) (any, error)

	// BroadcastBatch broadcasts batch data from the process with rank `from`.
	// Receivers pass a placeholder built from the previously broadcast
	// descriptor; every process returns the sender's batch.
	BroadcastBatch(b batches.Batch, from int) (batches.Batch, error)
}

// RNGKind identifies one random-number state to synchronize across processes
// at the start of a traversal.
type RNGKind string

const (
	// RNGGlobal is the program-wide default generator.
	RNGGlobal RNGKind = "global"

	// RNGDevice is the accelerator device generator.
	RNGDevice RNGKind = "device"

	// RNGStreamLocal is the generator private to the data stream.
	RNGStreamLocal RNGKind = "stream-local"

	// RNGGenerator is a custom user-supplied generator.
	RNGGenerator RNGKind = "custom-generator"
)

// RNGSynchronizer aligns random-number state across processes. It is invoked
// once at the start of each traversal, before any batch is produced.
type RNGSynchronizer interface {
	Sync(kinds []RNGKind) error
}

// Placer moves a finalized batch to its target device. It is applied
// immediately before a batch is yielded.
type Placer interface {
	Place(b batches.Batch, nonBlocking bool) (batches.Batch, error)
}
