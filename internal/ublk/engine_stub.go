// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package ublk

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/vramblk/vramblk/internal/block"
)

// Engine is only functional on Linux; elsewhere Serve fails
// immediately so the caller can report a clear diagnostic.
type Engine struct {
	Backend    block.Backend
	Queues     int
	QueueDepth int
	BlockSize  uint32
	Logger     *logrus.Logger
}

func (e *Engine) Serve(ctx context.Context) error {
	return errors.New("the ublk driver requires Linux, use the nbd driver instead")
}
