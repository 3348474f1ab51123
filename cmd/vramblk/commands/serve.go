// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vramblk/vramblk/internal/block"
	"github.com/vramblk/vramblk/internal/config"
	"github.com/vramblk/vramblk/internal/logging"
	"github.com/vramblk/vramblk/internal/memlock"
	"github.com/vramblk/vramblk/internal/nbd"
	"github.com/vramblk/vramblk/internal/ublk"
	"github.com/vramblk/vramblk/internal/vram"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(cfg.Verbose)
	log := logging.Get()

	if cfg.Mlock != config.MlockOff {
		if err := memlock.All(); err != nil {
			if cfg.Mlock == config.MlockRequire {
				return fmt.Errorf("mlockall: %w", err)
			}
			log.WithError(err).Warn("mlockall failed, staging buffers may page out")
		}
	}

	backend, cleanup, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	log.WithFields(map[string]interface{}{
		"size":   cfg.Size,
		"driver": cfg.Driver,
	}).Info("backend ready")

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cfg.Driver {
	case config.DriverNBD:
		ln, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
		}

		log.WithFields(map[string]interface{}{
			"addr":   cfg.ListenAddr,
			"export": cfg.ExportName,
		}).Info("nbd server listening")

		srv := &nbd.Server{
			Export:    cfg.ExportName,
			Backend:   backend,
			BlockSize: cfg.BlockSize,
			Logger:    log,
		}
		return srv.Serve(ctx, ln)

	case config.DriverUblk:
		eng := &ublk.Engine{
			Backend:    backend,
			Queues:     cfg.Queues,
			QueueDepth: cfg.QueueDepth,
			BlockSize:  cfg.BlockSize,
			Logger:     log,
		}
		return eng.Serve(ctx)
	}

	// config.Load validated the driver name already
	return fmt.Errorf("unknown driver %q", cfg.Driver)
}

func openBackend(cfg *config.Config) (block.Backend, func(), error) {
	if cfg.RAM {
		return block.NewMemory(cfg.Size), func() {}, nil
	}

	buf, err := vram.New(vram.Config{
		Size:     cfg.Size,
		Platform: cfg.Platform,
		Device:   cfg.Device,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("device buffer: %w", err)
	}
	return buf, func() { buf.Close() }, nil
}
