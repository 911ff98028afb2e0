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

// Package batches defines the opaque batch values moved around by the lock-step
// loaders: ordered collections of items that can be sliced, concatenated and
// described structurally.
//
// Two concrete kinds are provided: Items, a flat ordered collection, and
// Structured, a named collection of sub-batches (all of the same length), the
// shape one gets from a collate function that returns a record per batch.
//
// A batch's Descriptor captures its structure without its data; it is what the
// dispatching process broadcasts to its peers so they can build a placeholder
// of the right shape before receiving the data itself.
package batches

import (
	"github.com/gomlx/lockstep/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Batch is an ordered collection of opaque items with a well-defined size.
//
// Slice and Concat are the only structural operations the lock-step loaders
// need; what an item actually is (a tensor, a row, a sample) is opaque here.
type Batch interface {
	// Len returns the number of items in the batch.
	Len() int

	// Slice returns the sub-batch of items in the range [from, to).
	// It panics if the range is out of bounds, like a Go slice expression.
	Slice(from, to int) Batch

	// Concat returns a new batch with the items of others appended after the
	// items of the receiver. It fails if the batches don't share the same
	// structure.
	Concat(others ...Batch) (Batch, error)

	// Describe returns the structural descriptor of the batch.
	Describe() *Descriptor
}

// Concatenate concatenates all given batches into one, in order.
func Concatenate(bs ...Batch) (Batch, error) {
	if len(bs) == 0 {
		return nil, errors.New("Concatenate requires at least one batch")
	}
	return bs[0].Concat(bs[1:]...)
}

// FindSize returns the observed number of items of a batch, or -1 if b is nil.
func FindSize(b Batch) int {
	if b == nil {
		return -1
	}
	return b.Len()
}

// Items is a flat Batch of opaque items.
type Items struct {
	items []any
}

// FromItems creates an Items batch holding the given items.
func FromItems(items ...any) *Items {
	return &Items{items: items}
}

// FromSlice creates an Items batch from any slice of values.
func FromSlice[T any](values []T) *Items {
	return &Items{items: xslices.Map(values, func(v T) any { return v })}
}

// Len implements Batch.
func (b *Items) Len() int { return len(b.items) }

// At returns the item at the given position.
func (b *Items) At(i int) any { return b.items[i] }

// Values returns a copy of the items held by the batch.
func (b *Items) Values() []any { return xslices.Copy(b.items) }

// Slice implements Batch.
func (b *Items) Slice(from, to int) Batch {
	return &Items{items: b.items[from:to]}
}

// Concat implements Batch.
func (b *Items) Concat(others ...Batch) (Batch, error) {
	items := xslices.Copy(b.items)
	for _, other := range others {
		ob, ok := other.(*Items)
		if !ok {
			return nil, errors.Errorf("cannot concatenate %T with %T: batch structures differ", b, other)
		}
		items = append(items, ob.items...)
	}
	return &Items{items: items}, nil
}

// Describe implements Batch.
func (b *Items) Describe() *Descriptor {
	return &Descriptor{Kind: KindItems, Size: len(b.items)}
}
