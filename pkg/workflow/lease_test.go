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
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
)

var _ = Describe("RedisLease", func() {
	var (
		mr    *miniredis.Miniredis
		lease *RedisLease
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		lease = NewRedisLease(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	})

	AfterEach(func() {
		mr.Close()
	})

	It("grants the claim to exactly one of two racing replicas", func() {
		taskID := uuid.New()

		first, err := lease.Claim(taskID, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(first).To(BeTrue())

		second, err := lease.Claim(taskID, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(second).To(BeFalse())
	})

	It("frees the task for a new claim after release", func() {
		taskID := uuid.New()

		claimed, err := lease.Claim(taskID, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(claimed).To(BeTrue())

		Expect(lease.Release(taskID)).To(Succeed())

		reclaimed, err := lease.Claim(taskID, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(reclaimed).To(BeTrue())
	})

	It("expires a crashed replica's claim at the TTL", func() {
		taskID := uuid.New()

		claimed, err := lease.Claim(taskID, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(claimed).To(BeTrue())

		mr.FastForward(2 * time.Minute)

		reclaimed, err := lease.Claim(taskID, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(reclaimed).To(BeTrue())
	})

	It("scopes claims per task", func() {
		a, err := lease.Claim(uuid.New(), time.Minute)
		Expect(err).NotTo(HaveOccurred())
		b, err := lease.Claim(uuid.New(), time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(a).To(BeTrue())
		Expect(b).To(BeTrue())
	})
})
