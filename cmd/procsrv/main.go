// Command procsrv is the RefOS process server entrypoint: it wires
// every table from internal/rsrv and runs the dispatch loop until
// interrupted. Flag parsing and top-level wiring are edge plumbing, so
// unlike the hot syscall path this file uses ordinary errors and the
// standard flag package rather than internal/defs's Err_t taxonomy.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"refos/internal/rsrv"
)

func main() {
	npages := flag.Int("frame-pages", 1<<16, "number of pages in the anonymous frame pool")
	dev := flag.Bool("dev", false, "use a human-readable development logger instead of JSON")
	flag.Parse()

	var logger *zap.Logger
	var err error
	if *dev {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("procsrv: logger init: %v", err)
	}
	defer logger.Sync()

	srv, err := rsrv.NewServer(logger, *npages)
	if err != nil {
		logger.Fatal("frame pool init failed", zap.Error(err))
	}

	rootPID, derr := srv.CreateProcess(0, "init")
	if derr != 0 {
		logger.Fatal("root process creation failed", zap.Int("err", int(derr)))
	}
	logger.Info("process server started", zap.Int("frame_pages", *npages), zap.Uint32("root_pid", uint32(rootPID)))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Run(ctx, dispatch); err != nil && ctx.Err() == nil {
		logger.Error("dispatch loop exited", zap.Error(err))
	}
	logger.Info("process server shutting down")
}
