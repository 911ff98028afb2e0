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

package collective

import (
	"github.com/gomlx/lockstep/pkg/core/batches"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// loopbackInboxSize bounds how far a sender can run ahead of a receiver.
const loopbackInboxSize = 128

// LoopbackWorld is an in-process Transport "world": n simulated processes
// exchanging broadcasts over Go channels. Each simulated process runs in its
// own goroutine and uses its own Transport obtained from Rank.
//
// Per-receiver channels preserve the strict ordering of broadcasts within and
// across rounds, so the metadata/data interleaving of a real collective
// backend is reproduced faithfully.
type LoopbackWorld struct {
	tag     string
	n       int
	inboxes []chan any
}

// NewLoopbackWorld creates an in-process broadcast world of n processes.
func NewLoopbackWorld(n int) (*LoopbackWorld, error) {
	if n < 1 {
		return nil, errors.Errorf("LoopbackWorld requires at least 1 process, got %d", n)
	}
	w := &LoopbackWorld{
		tag:     uuid.NewString(),
		n:       n,
		inboxes: make([]chan any, n),
	}
	for i := range w.inboxes {
		w.inboxes[i] = make(chan any, loopbackInboxSize)
	}
	return w, nil
}

// Tag returns a unique identifier of this world, for debugging.
func (w *LoopbackWorld) Tag() string { return w.tag }

// Rank returns the Transport for the simulated process with the given rank.
func (w *LoopbackWorld) Rank(rank int) (Transport, error) {
	if rank < 0 || rank >= w.n {
		return nil, errors.Errorf("rank %d out of range for world of size %d", rank, w.n)
	}
	return &loopbackTransport{world: w, rank: rank}, nil
}

type loopbackTransport struct {
	world *LoopbackWorld
	rank  int
}

// WorldSize implements Transport.
func (t *loopbackTransport) WorldSize() int { return t.world.n }

// Rank implements Transport.
func (t *loopbackTransport) Rank() int { return t.rank }

func (t *loopbackTransport) broadcast(value any, from int) (any, error) {
	if from < 0 || from >= t.world.n {
		return nil, errors.Errorf("broadcast source rank %d out of range for world of size %d",
			from, t.world.n)
	}
	if t.rank != from {
		return <-t.world.inboxes[t.rank], nil
	}
	for peer, inbox := range t.world.inboxes {
		if peer == from {
			continue
		}
		inbox <- value
	}
	return value, nil
}

// BroadcastObject implements Transport.
func (t *loopbackTransport) BroadcastObject(value any, from int) (any, error) {
	return t.broadcast(value, from)
}

// BroadcastBatch implements Transport.
func (t *loopbackTransport) BroadcastBatch(b batches.Batch, from int) (batches.Batch, error) {
	value, err := t.broadcast(b, from)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}
	received, ok := value.(batches.Batch)
	if !ok {
		return nil, errors.Errorf("BroadcastBatch received %T, expected a batches.Batch: "+
			"metadata and data broadcasts got out of order", value)
	}
	return received, nil
}
