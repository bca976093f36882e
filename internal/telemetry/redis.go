package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

func MonitorRedis(r redis.UniversalClient) error {
	if err := redisotel.InstrumentTracing(r); err != nil {
		return fmt.Errorf("instrument tracing: %w", err)
	}
	if err := redisotel.InstrumentMetrics(r); err != nil {
		return fmt.Errorf("instrument metrics: %w", err)
	}
	r.AddHook(redisLog{})
	return nil
}

// redisLog logs dials and failed commands. Successful commands are
// debug-only, the leaderboard mirror fires on every answer.
type redisLog struct{}

func (redisLog) DialHook(hook redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := hook(ctx, network, addr)
		if err != nil {
			slog.WarnContext(ctx, fmt.Sprintf("redis: dial %s %s: %v", network, addr, err))
			return conn, err
		}
		slog.InfoContext(ctx, fmt.Sprintf("redis: connected %s %s", network, addr))
		return conn, nil
	}
}

func (redisLog) ProcessHook(hook redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := hook(ctx, cmd)
		if err != nil && err != redis.Nil {
			slog.WarnContext(ctx, fmt.Sprintf("redis: %s: %v", cmd.Name(), err))
		} else {
			slog.DebugContext(ctx, fmt.Sprintf("redis: processed <%s>", cmd))
		}
		return err
	}
}

func (redisLog) ProcessPipelineHook(hook redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := hook(ctx, cmds)
		if err != nil && err != redis.Nil {
			slog.WarnContext(ctx, fmt.Sprintf("redis: pipeline of %d: %v", len(cmds), err))
		}
		return err
	}
}
