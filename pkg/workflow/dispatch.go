/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package workflow

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// defaultLeaseTTL bounds how long a scheduler replica's claim on a
// due task is honored before another replica may retry it — long
// enough to cover a slow Executor call, short enough that a crashed
// replica doesn't strand the task indefinitely.
const defaultLeaseTTL = 5 * time.Minute

// DispatchDue hands every task due at or before now to executor,
// concurrently. Transitions on different tasks interleave freely;
// transitions on the same task stay totally ordered because each
// task is claimed by at most one goroutine here. The per-task lease
// keeps a second scheduler replica scanning the same due-set from
// double-dispatching a task this process already claimed.
func (e *Engine) DispatchDue(ctx context.Context, executor Executor, now time.Time) error {
	due := e.DueTasks(now)

	g, gctx := errgroup.WithContext(ctx)
	for _, task := range due {
		task := task
		g.Go(func() error {
			return e.dispatchOne(gctx, executor, task)
		})
	}
	return g.Wait()
}

func (e *Engine) dispatchOne(ctx context.Context, executor Executor, task Task) error {
	claimed, err := e.lease.Claim(task.ID, defaultLeaseTTL)
	if err != nil || !claimed {
		return err
	}
	defer func() {
		if rerr := e.lease.Release(task.ID); rerr != nil {
			e.log.Error(rerr, "failed to release task lease")
		}
	}()

	if _, err := e.StartTask(ctx, task.ID); err != nil {
		return err
	}

	result, compliant, execErr := e.runExecutor(executor, task)
	if execErr != nil {
		_, err := e.FailTask(ctx, task.ID, execErr.Error())
		return err
	}
	_, err = e.CompleteTask(ctx, task.ID, result, compliant)
	return err
}

// dispatchOutcome is the breaker's result type: sony/gobreaker v1's
// CircuitBreaker is generic over the value Execute's func returns, so
// the (result, compliant) pair executor.Execute returns is boxed into
// one value here rather than two.
type dispatchOutcome struct {
	result    interface{}
	compliant bool
}

// runExecutor invokes executor directly, or through e.breaker when
// one is configured, so a flaky collaborator trips the breaker open
// instead of stalling every subsequent dispatch.
func (e *Engine) runExecutor(executor Executor, task Task) (interface{}, bool, error) {
	if e.breaker == nil {
		return executor.Execute(task)
	}

	o, err := e.breaker.Execute(func() (dispatchOutcome, error) {
		result, compliant, err := executor.Execute(task)
		if err != nil {
			return dispatchOutcome{}, err
		}
		return dispatchOutcome{result: result, compliant: compliant}, nil
	})
	if err != nil {
		return nil, false, err
	}
	return o.result, o.compliant, nil
}
