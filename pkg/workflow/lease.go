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
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLease implements TaskLease over a short-lived Redis key per
// task. A scheduler replica claims "task-lease:<task_id>" with SET NX
// before dispatching a due task to an Executor; a second replica
// scanning the same due-set in the same window sees the key already
// set and skips the task rather than double-dispatching it.
type RedisLease struct {
	client *redis.Client
}

// NewRedisLease wraps client as a TaskLease.
func NewRedisLease(client *redis.Client) *RedisLease {
	return &RedisLease{client: client}
}

func leaseKey(taskID uuid.UUID) string {
	return fmt.Sprintf("task-lease:%s", taskID)
}

// Claim attempts to take the lease for taskID, valid for ttl. It
// reports true iff this call won the race.
func (l *RedisLease) Claim(taskID uuid.UUID, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(context.Background(), leaseKey(taskID), "1", ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Release drops the lease early, e.g. after a task finishes well
// inside its TTL so a retry isn't needlessly blocked.
func (l *RedisLease) Release(taskID uuid.UUID) error {
	return l.client.Del(context.Background(), leaseKey(taskID)).Err()
}
