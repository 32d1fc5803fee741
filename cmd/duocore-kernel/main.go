// Command duocore-kernel boots the kernel: constructs the root
// kernelctx.Context, starts the dual-core dispatch loops and the
// interrupt/log drain tasks, and waits for an interrupt signal before
// running an orderly shutdown.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/duocore/kernel/internal/kernelctx"
	"github.com/duocore/kernel/internal/shellapi"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kc := kernelctx.New(kernelctx.Options{})
	shellapi.NewRegistrar(kc)

	if err := kc.Start(ctx); err != nil {
		os.Exit(1)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = kc.Shutdown(shutdownCtx)
}
