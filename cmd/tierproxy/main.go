package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// These variables are set at build time via -ldflags
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	// 收到 SIGINT/SIGTERM 时取消 ctx，所有子命令据此优雅退出
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	Execute(ctx)
}
