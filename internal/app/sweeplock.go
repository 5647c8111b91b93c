/**
 * @description
 * This file implements the reconciliation run-lock. Only one sweep may run at
 * a time, across all replicas of the service: the scheduled trigger and a
 * manually invoked one must never interleave. The primary implementation is a
 * Redis SET NX lock with a TTL as the crash-safety valve; a process-local
 * fallback covers deployments without Redis (single replica only).
 */

package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SweepLocker guards the reconciliation sweep against concurrent runs.
// TryAcquire returns false without blocking when another sweep holds the lock.
type SweepLocker interface {
	TryAcquire(ctx context.Context, ttl time.Duration) (bool, error)
	Release(ctx context.Context)
}

const sweepLockKey = "ledger:reconcile:lock"

// RedisSweepLock is the cross-replica lock. The TTL bounds how long a crashed
// holder can block subsequent sweeps.
type RedisSweepLock struct {
	client *redis.Client
	token  string
}

func NewRedisSweepLock(client *redis.Client) *RedisSweepLock {
	return &RedisSweepLock{
		client: client,
		token:  uuid.NewString(),
	}
}

func (l *RedisSweepLock) TryAcquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, sweepLockKey, l.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	return ok, nil
}

// Release deletes the lock only if this instance still holds it, so a sweep
// that outlived its TTL cannot release a newer holder's lock.
func (l *RedisSweepLock) Release(ctx context.Context) {
	const script = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
	_ = l.client.Eval(ctx, script, []string{sweepLockKey}, l.token).Err()
}

// LocalSweepLock is the in-process fallback for single-replica deployments.
type LocalSweepLock struct {
	mu sync.Mutex
}

func NewLocalSweepLock() *LocalSweepLock {
	return &LocalSweepLock{}
}

func (l *LocalSweepLock) TryAcquire(_ context.Context, _ time.Duration) (bool, error) {
	return l.mu.TryLock(), nil
}

func (l *LocalSweepLock) Release(_ context.Context) {
	l.mu.Unlock()
}
