// SPDX-License-Identifier: Apache-2.0

//go:build linux

package ublk

import (
	"context"
	"fmt"
	"math/bits"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vramblk/vramblk/internal/block"
)

// DefaultBufSize is the per-tag I/O buffer size, which also caps the
// largest request the kernel will send.
const DefaultBufSize = 512 << 10

// Engine registers the backend as a ublk block device and serves it
// until the context is cancelled.
type Engine struct {
	Backend    block.Backend
	Queues     int
	QueueDepth int
	BlockSize  uint32
	Logger     *logrus.Logger
}

func (e *Engine) logger() *logrus.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logrus.StandardLogger()
}

// Serve runs the full device lifecycle: register, start, serve
// queues, and on cancellation stop and deregister. Registration
// failure is fatal; the caller decides what that means for the
// process.
func (e *Engine) Serve(ctx context.Context) error {
	log := e.logger()

	ctrl, err := OpenController()
	if err != nil {
		return fmt.Errorf("ublk control: %w", err)
	}
	defer ctrl.Close()

	info := DevInfo{
		DevID:         autoAllocateID,
		NrHwQueues:    uint16(e.Queues),
		QueueDepth:    uint16(e.QueueDepth),
		MaxIOBufBytes: DefaultBufSize,
		Flags:         featCmdIoctlEncode,
	}

	devID, err := ctrl.AddDevice(&info)
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	defer func() {
		if err := ctrl.DeleteDevice(devID); err != nil {
			log.WithError(err).Warn("delete device")
		}
	}()

	bsShift := uint8(bits.TrailingZeros32(e.BlockSize))
	params := Params{
		Types: paramTypeBasic,
		Basic: paramBasic{
			Attrs:           attrVolatileCache,
			LogicalBSShift:  bsShift,
			PhysicalBSShift: bsShift,
			IOOptShift:      bsShift,
			IOMinShift:      bsShift,
			MaxSectors:      DefaultBufSize >> sectorShift,
			DevSectors:      e.Backend.Size() >> sectorShift,
		},
	}
	if err := ctrl.SetParams(devID, &params); err != nil {
		return fmt.Errorf("device params: %w", err)
	}

	runners := make([]*runner, e.Queues)
	for q := range runners {
		r, err := newRunner(runnerConfig{
			DevID:   devID,
			QueueID: uint16(q),
			Depth:   e.QueueDepth,
			BufSize: DefaultBufSize,
			Backend: e.Backend,
			Logger:  log.WithFields(logrus.Fields{"dev": devID, "queue": q}),
		})
		if err != nil {
			for _, prev := range runners[:q] {
				prev.close()
			}
			return fmt.Errorf("queue %d: %w", q, err)
		}
		runners[q] = r
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	// each runner primes its own queue from its locked thread; the
	// kernel ties the queue daemon to whichever task issued the
	// FETCH_REQs
	ready := make(chan error, len(runners))
	for _, r := range runners {
		r := r
		g.Go(func() error {
			return r.run(ctx, ready)
		})
	}

	g.Go(func() error {
		// STOP_DEV aborts the outstanding fetches, which is what
		// wakes the queue loops out of their waits
		<-ctx.Done()
		if err := ctrl.StopDevice(devID); err != nil {
			log.WithError(err).Warn("stop device")
		}
		return nil
	})

	if err := awaitReady(ready, len(runners)); err != nil {
		// cancelling triggers STOP_DEV, which wakes the runners
		cancel()
		g.Wait()
		return fmt.Errorf("prime: %w", err)
	}

	if err := ctrl.StartDevice(devID, os.Getpid()); err != nil {
		cancel()
		g.Wait()
		return fmt.Errorf("start device: %w", err)
	}

	log.WithFields(logrus.Fields{
		"device": blockDevicePath(devID),
		"queues": e.Queues,
		"depth":  e.QueueDepth,
	}).Info("block device online")

	return g.Wait()
}

// awaitReady collects one prime result per queue so START_DEV is only
// issued once every FETCH_REQ is in flight. It always drains all
// results, so a failed queue cannot leave another blocked on the send.
func awaitReady(ready <-chan error, queues int) error {
	var first error
	for i := 0; i < queues; i++ {
		if err := <-ready; err != nil && first == nil {
			first = err
		}
	}
	return first
}
