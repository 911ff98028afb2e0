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

import "fmt"

// Kind distinguishes the concrete batch representations a Descriptor can rebuild.
type Kind int

const (
	// KindItems is a flat ordered collection of items.
	KindItems Kind = iota

	// KindStructured is a named collection of same-length sub-batches.
	KindStructured
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindItems:
		return "Items"
	case KindStructured:
		return "Structured"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Descriptor captures the structure of a Batch without its data: the kind, the
// item count, and the per-field descriptors for structured batches.
//
// It is small and self-contained, suitable for broadcasting as plain metadata
// before the batch data itself is transferred.
type Descriptor struct {
	Kind   Kind
	Size   int
	Fields map[string]*Descriptor
}

// Placeholder builds an empty batch with the structure described by the
// descriptor. The returned batch has the described size but carries no real
// data; it is a vessel to be overwritten by a data broadcast.
func (d *Descriptor) Placeholder() Batch {
	switch d.Kind {
	case KindStructured:
		fields := make(map[string]Batch, len(d.Fields))
		for name, fd := range d.Fields {
			fields[name] = fd.Placeholder()
		}
		return &Structured{fields: fields}
	default:
		return &Items{items: make([]any, d.Size)}
	}
}
