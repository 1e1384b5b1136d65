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

// Command todo runs the todo domain against the configured repository and
// task queue: it creates a list with some items and waits for the items to be
// completed by the async reactor.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	es "github.com/looplab/eventsource"
	"github.com/looplab/eventsource/examples/todo"
	"github.com/looplab/eventsource/internal/config"
	"github.com/looplab/eventsource/internal/logger"
	"github.com/looplab/eventsource/tracing"
	"github.com/looplab/eventsource/utils"
	"github.com/looplab/eventsource/uuid"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	var (
		listName string
		items    []string
		timeout  time.Duration
	)

	flagSet := pflag.NewFlagSet("todo", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Repo, "repo", cfg.Repo, fmt.Sprintf("repository, one of %v", config.Repos))
	flagSet.StringVar(&cfg.Queue, "queue", cfg.Queue, fmt.Sprintf("task queue, one of %v", config.Queues))
	flagSet.StringVar(&cfg.AppID, "app-id", cfg.AppID, "prefix of the task queue resources")
	flagSet.StringVar(&cfg.Logger.Level, "log-level", cfg.Logger.Level, "log level")
	flagSet.StringVar(&cfg.Tracing.Endpoint, "tracing-endpoint", cfg.Tracing.Endpoint, "zipkin span collector URL, empty to disable tracing")
	flagSet.IntVar(&cfg.Runner.MaxReactionDepth, "max-reaction-depth", cfg.Runner.MaxReactionDepth, "max nesting of async reactions, 0 for unbounded")
	flagSet.StringVar(&listName, "list", "My TODO 1", "name of the list to create")
	flagSet.StringSliceVar(&items, "item", []string{"milk", "eggs"}, "items to add to the list")
	flagSet.DurationVar(&timeout, "timeout", 30*time.Second, "time to wait for the items to be completed")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}

		return err
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	zapLogger, err := logger.New(logger.Config{
		Level:    cfg.Logger.Level,
		Encoding: cfg.Logger.Encoding,
	})
	if err != nil {
		return fmt.Errorf("logger error: %w", err)
	}
	defer func() { _ = zapLogger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, zapLogger)
	if err != nil {
		return err
	}
	defer app.close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return app.demo(ctx, listName, items)
}

type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	repo    es.Repository
	runner  taskRunner
	creator es.EventCreator
	waiter  *utils.EventWaiter
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, waiter: utils.NewEventWaiter()}

	var middleware []es.ReactorMiddleware

	engineOptions := []es.EngineOption{
		es.WithLogger(logger),
		es.WithStageObserver(a.waiter.Observe),
	}

	if cfg.Tracing.Endpoint != "" {
		closer, err := newTracer(cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
		if err != nil {
			return nil, err
		}

		a.closers = append(a.closers, closer.Close)

		tracing.RegisterContext(logger)

		middleware = append(middleware, tracing.NewReactorMiddleware())
		engineOptions = append(engineOptions, es.WithStageObserver(tracing.StageObserver))
	}

	repo, err := newRepository(ctx, cfg)
	if err != nil {
		a.close()

		return nil, fmt.Errorf("could not create repository: %w", err)
	}

	a.closers = append(a.closers, repo.Close)
	a.repo = repo

	if cfg.Tracing.Endpoint != "" {
		a.repo = tracing.NewRepository(repo)
	}

	runner, err := newTaskRunner(cfg, logger)
	if err != nil {
		a.close()

		return nil, fmt.Errorf("could not create task runner: %w", err)
	}

	a.closers = append(a.closers, runner.Close)
	a.runner = runner

	rules, err := todo.Rules(logger)
	if err != nil {
		a.close()

		return nil, err
	}

	dispatcher, err := es.NewDispatcher(rules,
		es.WithTaskQueue(runner),
		es.WithDispatchMiddleware(middleware...),
		es.WithDispatchLogger(logger),
	)
	if err != nil {
		a.close()

		return nil, err
	}

	engine, err := es.NewEngine(a.repo, append(engineOptions, es.WithDispatcher(dispatcher))...)
	if err != nil {
		a.close()

		return nil, err
	}

	a.creator = engine
	if cfg.Tracing.Endpoint != "" {
		a.creator = tracing.NewEventCreator(engine)
	}

	reactors, err := es.NewReactorRunner(engine, rules,
		es.WithMaxReactionDepth(cfg.Runner.MaxReactionDepth),
		es.WithRunnerMiddleware(middleware...),
		es.WithRunnerLogger(logger),
	)
	if err != nil {
		a.close()

		return nil, err
	}

	if err := runner.SetHandler(ctx, reactors); err != nil {
		a.close()

		return nil, fmt.Errorf("could not start task runner: %w", err)
	}

	go func() {
		for err := range runner.Errors() {
			var taskErr *es.TaskError
			if errors.As(err, &taskErr) {
				logger.Error("task failed", zap.Stringer("task", taskErr.Task), zap.Error(taskErr.Err))

				continue
			}

			logger.Error("task runner error", zap.Error(err))
		}
	}()

	logger.Info("started",
		zap.String("repo", cfg.Repo),
		zap.String("queue", cfg.Queue),
		zap.Bool("tracing", cfg.Tracing.Endpoint != ""),
	)

	return a, nil
}

// close closes everything in reverse order of creation.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}

	a.closers = nil
}

func (a *app) demo(ctx context.Context, listName string, items []string) error {
	var (
		mu        sync.Mutex
		completed = map[uuid.UUID]struct{}{}
	)

	// Completions can be committed before the item is returned to us.
	waitID, done := a.waiter.SetupWait(func(e es.Event) bool {
		if e.EventType() != todo.TodoItemCompletedEventType {
			return false
		}

		mu.Lock()
		defer mu.Unlock()

		completed[e.Base().AggregateID] = struct{}{}

		return len(completed) >= len(items)
	})
	defer a.waiter.CancelWait(waitID)

	event, err := es.Call(ctx, a.creator, &todo.CreateTodoList{Name: listName})
	if err != nil {
		return fmt.Errorf("could not create list: %w", err)
	}

	list := event.Base().Aggregate().(*todo.TodoList)
	a.logger.Info("list stored", zap.Stringer("id", list.ID), zap.Int64("seq", event.Base().Seq))

	created := make([]*todo.TodoItem, 0, len(items))

	for _, name := range items {
		event, err := es.Call(ctx, a.creator, &todo.CreateTodoItem{TodoListID: list.ID, Name: name})
		if err != nil {
			return fmt.Errorf("could not create item %q: %w", name, err)
		}

		created = append(created, event.Base().Aggregate().(*todo.TodoItem))
	}

	if len(created) > 0 {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("items were not completed: %w", ctx.Err())
		}
	}

	for _, item := range created {
		stored, err := a.repo.FindAggregate(ctx, todo.TodoItemAggregateType, item.ID)
		if err != nil {
			return fmt.Errorf("could not find item: %w", err)
		}

		if !stored.(*todo.TodoItem).Completed {
			return fmt.Errorf("item %s was not completed", item.ID)
		}
	}

	a.logger.Info("all items completed", zap.Int("items", len(created)))

	return nil
}
