// SPDX-License-Identifier: Apache-2.0

//go:build linux

package ublk

import (
	"context"
	"fmt"
	"runtime"
	"syscall"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/vramblk/vramblk/internal/block"
)

type runnerConfig struct {
	DevID   uint32
	QueueID uint16
	Depth   int
	BufSize int
	Backend block.Backend
	Logger  *logrus.Entry
}

// runner serves one hardware queue: it owns the queue's ring, its
// slice of the descriptor array and the per-tag I/O buffers. Queues
// share nothing but the backend.
type runner struct {
	cfg     runnerConfig
	charFd  int
	ring    *uring
	descMap []byte
	bufMap  []byte
	track   *tracker
}

// newRunner opens /dev/ublkc<N> and maps the queue resources. The
// char node appears asynchronously after ADD_DEV, so the open retries
// briefly on ENOENT.
func newRunner(cfg runnerConfig) (*runner, error) {
	path := charDevicePath(cfg.DevID)

	var fd int
	var err error
	for i := 0; i < 50; i++ {
		fd, err = syscall.Open(path, syscall.O_RDWR, 0)
		if err == nil {
			break
		}
		if err != syscall.ENOENT {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err != nil {
		return nil, fmt.Errorf("%s never appeared: %w", path, err)
	}

	ring, err := newRing(uint32(cfg.Depth), int32(fd))
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("queue %d ring: %w", cfg.QueueID, err)
	}

	// the kernel exposes this queue's descriptor array read-only at a
	// fixed per-queue offset
	descMap, err := syscall.Mmap(fd, int64(cmdBufOffset+int(cfg.QueueID)*cmdBufQueueSize),
		cfg.Depth*int(unsafe.Sizeof(IODesc{})),
		syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		ring.Close()
		syscall.Close(fd)
		return nil, fmt.Errorf("mmap descriptors: %w", err)
	}

	// I/O buffers are plain anonymous memory handed to the kernel via
	// FETCH_REQ addresses
	bufMap, err := syscall.Mmap(-1, 0, cfg.Depth*cfg.BufSize,
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_PRIVATE|syscall.MAP_ANONYMOUS)
	if err != nil {
		syscall.Munmap(descMap)
		ring.Close()
		syscall.Close(fd)
		return nil, fmt.Errorf("allocate buffers: %w", err)
	}

	return &runner{
		cfg:     cfg,
		charFd:  fd,
		ring:    ring,
		descMap: descMap,
		bufMap:  bufMap,
		track:   newTracker(),
	}, nil
}

func (r *runner) close() {
	syscall.Munmap(r.bufMap)
	syscall.Munmap(r.descMap)
	r.ring.Close()
	syscall.Close(r.charFd)
}

func (r *runner) desc(tag uint16) IODesc {
	off := uintptr(tag) * unsafe.Sizeof(IODesc{})
	return *(*IODesc)(unsafe.Pointer(&r.descMap[off]))
}

func (r *runner) buf(tag uint16) []byte {
	off := int(tag) * r.cfg.BufSize
	return r.bufMap[off : off+r.cfg.BufSize]
}

func (r *runner) bufAddr(tag uint16) uint64 {
	return uint64(uintptr(unsafe.Pointer(&r.bufMap[int(tag)*r.cfg.BufSize])))
}

func (r *runner) userData(tag uint16) uint64 {
	return uint64(r.cfg.QueueID)<<16 | uint64(tag)
}

// prime arms one FETCH_REQ per tag. START_DEV will not complete until
// every queue has done this. The kernel records the priming task as
// the queue daemon and rejects commands from any other task, so prime
// must run on the same locked thread as the serving loop.
func (r *runner) prime() error {
	for tag := uint16(0); tag < uint16(r.cfg.Depth); tag++ {
		if err := r.track.fetched(tag); err != nil {
			return err
		}
		cmd := ioCmd{
			QID:  r.cfg.QueueID,
			Tag:  tag,
			Addr: r.bufAddr(tag),
		}
		if err := r.ring.submit(ioCmdOp(cmdFetchReq), r.userData(tag), marshal(&cmd)); err != nil {
			return fmt.Errorf("fetch tag %d: %w", tag, err)
		}
	}
	return nil
}

// run primes the queue, reports the result on ready, then processes
// requests until every outstanding fetch has been retired.
// Cancellation itself does not wake the loop; STOP_DEV on the control
// plane aborts the fetches and the abort completions drive the exit.
func (r *runner) run(ctx context.Context, ready chan<- error) error {
	defer r.close()
	log := r.cfg.Logger

	// the queue daemon is whichever task issued the FETCH_REQs, and
	// every later COMMIT_AND_FETCH must come from that same task
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	err := r.prime()
	ready <- err
	if err != nil {
		return fmt.Errorf("queue %d prime: %w", r.cfg.QueueID, err)
	}

	for {
		cqes, err := r.ring.wait(1)
		if err != nil {
			return fmt.Errorf("queue %d wait: %w", r.cfg.QueueID, err)
		}

		for _, cqe := range cqes {
			tag := uint16(cqe.userData & 0xFFFF)

			if cqe.res < 0 {
				if cqe.res != resAbort {
					log.WithFields(logrus.Fields{
						"tag": tag,
						"res": cqe.res,
					}).Warn("fetch terminated")
				}
				r.track.aborted(tag)
				continue
			}

			desc := r.desc(tag)
			result := dispatch(r.cfg.Backend, desc, r.buf(tag))

			log.WithFields(logrus.Fields{
				"tag":    tag,
				"op":     desc.Op(),
				"offset": desc.ByteOffset(),
				"length": desc.ByteLength(),
				"result": result,
			}).Debug("request")

			if err := r.track.complete(tag, result); err != nil {
				return fmt.Errorf("queue %d: %w", r.cfg.QueueID, err)
			}
		}

		// commit results in completion order and re-arm each tag
		for {
			c, ok := r.track.next()
			if !ok {
				break
			}
			cmd := ioCmd{
				QID:    r.cfg.QueueID,
				Tag:    c.Tag,
				Result: c.Result,
				Addr:   r.bufAddr(c.Tag),
			}
			if err := r.track.fetched(c.Tag); err != nil {
				return fmt.Errorf("queue %d: %w", r.cfg.QueueID, err)
			}
			if err := r.ring.submit(ioCmdOp(cmdCommitAndFetchReq), r.userData(c.Tag), marshal(&cmd)); err != nil {
				return fmt.Errorf("commit tag %d: %w", c.Tag, err)
			}
		}

		if ctx.Err() != nil && r.track.outstanding() == 0 {
			log.Info("queue drained")
			return nil
		}
	}
}
