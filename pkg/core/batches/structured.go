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

package batches

import (
	"github.com/gomlx/lockstep/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Structured is a Batch made of named sub-batches, all of the same length.
// Slicing and concatenation are applied field-wise.
type Structured struct {
	fields map[string]Batch
}

// NewStructured creates a Structured batch from named sub-batches.
// All fields must have the same length.
func NewStructured(fields map[string]Batch) (*Structured, error) {
	if len(fields) == 0 {
		return nil, errors.New("Structured batch requires at least one field")
	}
	size := -1
	for _, name := range xslices.SortedKeys(fields) {
		f := fields[name]
		if size == -1 {
			size = f.Len()
		} else if f.Len() != size {
			return nil, errors.Errorf("Structured batch field %q has %d items, other fields have %d",
				name, f.Len(), size)
		}
	}
	return &Structured{fields: fields}, nil
}

// Field returns the sub-batch with the given name, or nil if it doesn't exist.
func (b *Structured) Field(name string) Batch { return b.fields[name] }

// FieldNames returns the sorted field names.
func (b *Structured) FieldNames() []string { return xslices.SortedKeys(b.fields) }

// Len implements Batch.
func (b *Structured) Len() int {
	for _, f := range b.fields {
		return f.Len()
	}
	return 0
}

// Slice implements Batch.
func (b *Structured) Slice(from, to int) Batch {
	fields := make(map[string]Batch, len(b.fields))
	for name, f := range b.fields {
		fields[name] = f.Slice(from, to)
	}
	return &Structured{fields: fields}
}

// Concat implements Batch.
func (b *Structured) Concat(others ...Batch) (Batch, error) {
	fields := make(map[string]Batch, len(b.fields))
	for name, f := range b.fields {
		fields[name] = f
	}
	for _, other := range others {
		ob, ok := other.(*Structured)
		if !ok {
			return nil, errors.Errorf("cannot concatenate %T with %T: batch structures differ", b, other)
		}
		if len(ob.fields) != len(fields) {
			return nil, errors.Errorf("cannot concatenate Structured batches with %d and %d fields",
				len(fields), len(ob.fields))
		}
		for name, f := range fields {
			of, found := ob.fields[name]
			if !found {
				return nil, errors.Errorf("cannot concatenate Structured batches: field %q missing", name)
			}
			joined, err := f.Concat(of)
			if err != nil {
				return nil, errors.WithMessagef(err, "field %q", name)
			}
			fields[name] = joined
		}
	}
	return &Structured{fields: fields}, nil
}

// Describe implements Batch.
func (b *Structured) Describe() *Descriptor {
	fields := make(map[string]*Descriptor, len(b.fields))
	for name, f := range b.fields {
		fields[name] = f.Describe()
	}
	return &Descriptor{Kind: KindStructured, Size: b.Len(), Fields: fields}
}
