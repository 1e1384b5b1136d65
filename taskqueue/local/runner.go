// Copyright (c) 2014 - The Event Horizon authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package local

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	es "github.com/looplab/eventsource"
	"github.com/looplab/eventsource/codec/json"
	"github.com/looplab/eventsource/taskqueue/internal/retry"
)

// DefaultQueueSize is the default capacity of the task buffer.
var DefaultQueueSize = 100

// ErrClosed is returned when enqueuing on a closed runner.
var ErrClosed = errors.New("task runner is closed")

// Runner is an in process task runner. Tasks are encoded when enqueued, like
// for the out of process runners, and performed by a pool of workers. Failed
// tasks are retried with a backoff. Tasks still queued when the process stops
// are lost, use a broker backed runner when that matters.
//
// Enqueue never blocks: tasks that do not fit in the buffer are kept in an
// overflow list until a worker is free. Reactions enqueue from inside workers,
// so a bounded queue could stall the whole pool.
type Runner struct {
	queue     chan []byte
	overflow  [][]byte
	overMu    sync.Mutex
	more      chan struct{}
	codec     es.TaskCodec
	workers   int
	policy    retry.Policy
	logger    *zap.Logger
	errCh     chan error
	cctx      context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	handler   es.TaskHandler
	handlerMu sync.Mutex
}

// Option is an option setter used to configure creation.
type Option func(*Runner) error

// WithCodec uses the specified codec for encoding tasks.
func WithCodec(codec es.TaskCodec) Option {
	return func(r *Runner) error {
		r.codec = codec

		return nil
	}
}

// WithWorkers sets the number of concurrent workers, default 1.
func WithWorkers(n int) Option {
	return func(r *Runner) error {
		if n < 1 {
			return errors.New("at least one worker is needed")
		}

		r.workers = n

		return nil
	}
}

// WithRetries sets how many times a failed task is retried and the backoff
// between attempts.
func WithRetries(retries int, min, max time.Duration) Option {
	return func(r *Runner) error {
		p := retry.Policy{Retries: retries, Min: min, Max: max}
		if err := p.Validate(); err != nil {
			return err
		}

		r.policy = p

		return nil
	}
}

// WithQueueSize sets the capacity of the task buffer. Tasks beyond it are
// held in the overflow list, Enqueue does not block.
func WithQueueSize(n int) Option {
	return func(r *Runner) error {
		if n < 1 {
			return errors.New("queue size must be at least 1")
		}

		r.queue = make(chan []byte, n)

		return nil
	}
}

// WithLogger sets the logger, the default discards all logs.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) error {
		if l == nil {
			return errors.New("missing logger")
		}

		r.logger = l

		return nil
	}
}

// NewRunner creates a Runner.
func NewRunner(options ...Option) (*Runner, error) {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Runner{
		queue:   make(chan []byte, DefaultQueueSize),
		more:    make(chan struct{}, 1),
		codec:   &json.TaskCodec{},
		workers: 1,
		policy:  retry.DefaultPolicy,
		logger:  zap.NewNop(),
		errCh:   make(chan error, 100),
		cctx:    ctx,
		cancel:  cancel,
	}

	for _, option := range options {
		if err := option(r); err != nil {
			cancel()

			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	return r, nil
}

// Enqueue implements the Enqueue method of the eventsource.TaskQueue interface.
// It does not block, also when called from inside a worker.
func (r *Runner) Enqueue(ctx context.Context, task es.Task) error {
	b, err := r.codec.MarshalTask(ctx, task)
	if err != nil {
		return fmt.Errorf("could not encode task: %w", err)
	}

	select {
	case <-r.cctx.Done():
		return ErrClosed
	default:
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// Only use the buffer while the overflow list is empty.
	r.overMu.Lock()
	if len(r.overflow) == 0 {
		select {
		case r.queue <- b:
			r.overMu.Unlock()

			return nil
		default:
		}
	}

	r.overflow = append(r.overflow, b)
	r.overMu.Unlock()
	r.signal()

	return nil
}

func (r *Runner) signal() {
	select {
	case r.more <- struct{}{}:
	default:
	}
}

// next takes the oldest task from the overflow list, or nil when it is empty.
func (r *Runner) next() []byte {
	r.overMu.Lock()
	defer r.overMu.Unlock()

	if len(r.overflow) == 0 {
		return nil
	}

	b := r.overflow[0]
	r.overflow[0] = nil
	r.overflow = r.overflow[1:]

	if len(r.overflow) > 0 {
		r.signal()
	}

	return b
}

// SetHandler implements the SetHandler method of the eventsource.TaskRunner interface.
func (r *Runner) SetHandler(ctx context.Context, h es.TaskHandler) error {
	if h == nil {
		return es.ErrMissingHandler
	}

	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()

	if r.handler != nil {
		return es.ErrHandlerAlreadySet
	}

	r.handler = h

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)

		go r.work(h)
	}

	return nil
}

// Errors implements the Errors method of the eventsource.TaskRunner interface.
func (r *Runner) Errors() <-chan error {
	return r.errCh
}

// Close implements the Close method of the eventsource.TaskRunner interface.
// Queued tasks that have not been started are dropped.
func (r *Runner) Close() error {
	r.cancel()
	r.wg.Wait()

	return nil
}

func (r *Runner) work(h es.TaskHandler) {
	defer r.wg.Done()

	for {
		select {
		case <-r.cctx.Done():
			return
		case b := <-r.queue:
			r.perform(h, b)
		case <-r.more:
			if b := r.next(); b != nil {
				r.perform(h, b)
			}
		}
	}
}

func (r *Runner) perform(h es.TaskHandler, b []byte) {
	task, ctx, err := r.codec.UnmarshalTask(r.cctx, b)
	if err != nil {
		r.sendErr(&es.TaskError{Err: fmt.Errorf("could not decode task: %w", err), Ctx: r.cctx})

		return
	}

	err = retry.Perform(r.cctx, ctx, h, task, r.policy, r.logger)
	if err != nil && r.cctx.Err() == nil {
		r.sendErr(&es.TaskError{Err: err, Ctx: ctx, Task: task})
	}
}

func (r *Runner) sendErr(err error) {
	select {
	case r.errCh <- err:
	default:
		r.logger.Warn("missed error in local task runner", zap.Error(err))
	}
}
