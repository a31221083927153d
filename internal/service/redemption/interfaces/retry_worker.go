package interfaces

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"vouchercore/internal/pkg/logger"
	"vouchercore/internal/pkg/retryqueue"
	"vouchercore/internal/zookeeper"
)

// Drainer 由 retryqueue.Queue 实现。
type Drainer interface {
	Drain(ctx context.Context) (retryqueue.Stats, error)
}

// Locker 由 zookeeper.DistributedLock 实现。
type Locker interface {
	TryLock() error
	Unlock() error
}

// RetryWorker 按 cron 计划排空重试队列。多副本部署时用 ZooKeeper 锁保证同一时刻只有一个实例在排空。
type RetryWorker struct {
	queue    Drainer
	lock     Locker // 单实例部署时为 nil
	cron     *cron.Cron
	schedule string
	timeout  time.Duration
}

func NewRetryWorker(queue Drainer, lock Locker, schedule string, timeout time.Duration) *RetryWorker {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &RetryWorker{
		queue:    queue,
		lock:     lock,
		cron:     cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		schedule: schedule,
		timeout:  timeout,
	}
}

func (w *RetryWorker) Start(ctx context.Context) error {
	if _, err := w.cron.AddFunc(w.schedule, func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Ctx(ctx).Error().Interface("panic", r).Msg("ERROR: retry drain panic recovered")
			}
		}()
		runCtx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		w.RunOnce(runCtx)
	}); err != nil {
		return errors.Wrapf(err, "register retry drain schedule %q", w.schedule)
	}
	w.cron.Start()
	logger.Ctx(ctx).Info().Str("schedule", w.schedule).Msg("✅ Retry worker started.")
	return nil
}

// Stop 等待正在执行的排空结束，或 ctx 到期。
func (w *RetryWorker) Stop(ctx context.Context) {
	select {
	case <-w.cron.Stop().Done():
		logger.Ctx(ctx).Info().Msg("✅ Retry worker stopped.")
	case <-ctx.Done():
		logger.Ctx(ctx).Warn().Msg("retry worker stop timed out")
	}
}

// RunOnce 执行一次排空。拿不到锁说明别的实例正在处理，直接跳过。
func (w *RetryWorker) RunOnce(ctx context.Context) {
	if w.lock != nil {
		if err := w.lock.TryLock(); err != nil {
			if errors.Is(err, zookeeper.ErrLockHeld) {
				logger.Ctx(ctx).Debug().Msg("retry drain skipped, lock held elsewhere")
				return
			}
			logger.Ctx(ctx).Error().Err(err).Msg("ERROR: failed to acquire retry drain lock")
			return
		}
		defer func() {
			if err := w.lock.Unlock(); err != nil {
				logger.Ctx(ctx).Warn().Err(err).Msg("failed to release retry drain lock")
			}
		}()
	}

	stats, err := w.queue.Drain(ctx)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("ERROR: retry drain failed")
		return
	}
	if stats.Claimed == 0 {
		return
	}
	logger.Ctx(ctx).Info().
		Int("claimed", stats.Claimed).
		Int("succeeded", stats.Succeeded).
		Int("retried", stats.Retried).
		Int("dead_lettered", stats.DeadLettered).
		Int("expired", stats.Expired).
		Msg("retry queue drained")
}
