package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

// Serve 在 port 上启动 app，ctx 结束时优雅关闭。返回 nil 表示正常退出。
func Serve(ctx context.Context, app *fiber.App, port int, logger *logrus.Logger) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid diagnostics port: %d", port)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("诊断服务启动")
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return <-errCh
}
