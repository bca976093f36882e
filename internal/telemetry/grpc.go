package telemetry

import (
	"context"
	"log/slog"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"google.golang.org/grpc"
)

func GRPCServerInterceptor() grpc.ServerOption {
	opts := []logging.Option{
		logging.WithLogOnEvents(logging.FinishCall),
	}

	return grpc.ChainUnaryInterceptor(
		logging.UnaryServerInterceptor(grpcServerLogger(slog.Default()), opts...),
	)
}

func grpcServerLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}
