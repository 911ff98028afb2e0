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
	"slices"
	"sync"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// RemainderUnknown is the sentinel value of Session.Remainder when the item
// count short of a full round could not be determined.
const RemainderUnknown = -1

// Session is the per-traversal state of one lock-step iteration: the epoch
// counter, the end-of-stream flag and the last-round remainder. It is owned by
// the loader that created it; the SessionContext holds a non-owning reference
// for the traversal's lifetime only, so external gradient/optimization logic
// can query it.
type Session struct {
	// ID uniquely identifies the session.
	ID string

	// Owner is the name of the loader that opened the session.
	Owner string

	// Iteration is the epoch counter of the owning loader at the time the
	// traversal started.
	Iteration int

	// EndOfStream is set when the traversal is yielding its last batch.
	EndOfStream bool

	// Remainder is the item count short of a full round at the last batch,
	// or RemainderUnknown.
	Remainder int
}

// SessionContext registers the live iteration sessions of one process. It is
// an explicit object threaded through the loader constructors -- sharing one
// context between a loader and the gradient/optimization logic is what lets
// the latter observe end-of-stream within a training step.
//
// A nil *SessionContext is valid and registers nothing.
type SessionContext struct {
	mu     sync.Mutex
	active []*Session
}

// NewSessionContext creates an empty session registry.
func NewSessionContext() *SessionContext {
	return &SessionContext{}
}

// Active returns the currently registered sessions, outermost first.
func (c *SessionContext) Active() []*Session {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.active)
}

// Current returns the innermost active session, or nil.
func (c *SessionContext) Current() *Session {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.active) == 0 {
		return nil
	}
	return c.active[len(c.active)-1]
}

// EndOfStream reports whether the innermost active session is at its last
// batch. True when there is no active session, so a training step with no
// loader behaves like the last step.
func (c *SessionContext) EndOfStream() bool {
	s := c.Current()
	if s == nil {
		return true
	}
	return s.EndOfStream
}

// register adds a session for the duration of one traversal.
func (c *SessionContext) register(s *Session) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = append(c.active, s)
}

// unregister removes a session. Idempotent: unregistering a session that is
// not registered is a no-op, so repeated begin/end pairs from sequential
// traversals are safe.
func (c *SessionContext) unregister(s *Session) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, active := range c.active {
		if active == s {
			c.active = slices.Delete(c.active, i, i+1)
			return
		}
	}
}

// beginSession opens and registers the session for one traversal.
//
// The remainder statistic (total item count across all processes modulo the
// combined batch size) is best-effort: it only applies when the last round is
// kept (dropLast=false), and when the total length or the combined batch size
// cannot be determined it stays at RemainderUnknown rather than aborting the
// traversal.
func beginSession(ctx *SessionContext, owner string, iteration int, dropLast bool, totalBatchSize int, totalLen func() (int, bool)) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		Owner:     owner,
		Iteration: iteration,
		Remainder: RemainderUnknown,
	}
	if !dropLast && totalBatchSize > 0 && totalLen != nil {
		if length, ok := totalLen(); ok {
			s.Remainder = length % totalBatchSize
		} else {
			klog.V(2).Infof("loaders: %s: total length unknown, remainder left undetermined", owner)
		}
	}
	ctx.register(s)
	return s
}

// endSession unregisters the session at traversal end.
func endSession(ctx *SessionContext, s *Session) {
	if s == nil {
		return
	}
	ctx.unregister(s)
}
