package room

import (
	"context"
	"time"

	"syncstream/logger"
)

// Reaper 定期删除长时间无人在线的房间
type Reaper struct {
	manager  *Manager
	idle     time.Duration
	interval time.Duration
}

// NewReaper idle 为无人在线多久后删除；检查间隔取 idle 与 1 分钟中较小者
func NewReaper(manager *Manager, idle time.Duration) *Reaper {
	interval := time.Minute
	if idle < interval {
		interval = idle
	}
	return &Reaper{manager: manager, idle: idle, interval: interval}
}

// Run 阻塞直到 ctx 取消
func (r *Reaper) Run(ctx context.Context) error {
	if r.idle <= 0 {
		return nil
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logger.Info("空房间回收已启动", logger.Duration("idle", r.idle), logger.Duration("interval", r.interval))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.manager.ReapIdle(ctx, r.idle)
			if err != nil {
				logger.Warn("空房间回收失败", logger.ErrorField(err))
				continue
			}
			if n > 0 {
				logger.Info("已回收空房间", logger.Int("count", n))
			}
		}
	}
}
