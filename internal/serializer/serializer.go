// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package serializer provides a single-writer task queue. Tasks scheduled on
// a Serializer run one at a time, in the order they were scheduled, on a
// goroutine owned by the Serializer.
package serializer

import (
	"context"
	"sync"
)

// Serializer runs scheduled tasks sequentially. The queue is unbounded, so
// scheduling never blocks and never drops a task that was accepted.
//
// A Serializer stops when the context given to New is cancelled. Tasks that
// were accepted before that point still run, with the cancelled context, so
// that they can observe shutdown and skip their side effects.
type Serializer struct {
	ctx  context.Context //nolint:containedctx
	wake chan struct{}
	done chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	closed bool
	// +checklocks:mu
	queue []func(context.Context)
}

// New creates a Serializer and starts its goroutine.
func New(ctx context.Context) *Serializer {
	s := &Serializer{
		ctx:  ctx,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// TrySchedule enqueues the task. It returns false, without enqueueing, once
// the Serializer's context has been cancelled.
func (s *Serializer) TrySchedule(task func(context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ctx.Err() != nil {
		return false
	}
	s.queue = append(s.queue, task)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Done is closed after the context is cancelled and every accepted task has
// run.
func (s *Serializer) Done() <-chan struct{} {
	return s.done
}

func (s *Serializer) run() {
	defer close(s.done)
	for {
		task, ok := s.next()
		if !ok {
			return
		}
		task(s.ctx)
	}
}

func (s *Serializer) next() (func(context.Context), bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			task := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return task, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-s.wake:
		case <-s.ctx.Done():
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
		}
	}
}
