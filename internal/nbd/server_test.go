// SPDX-License-Identifier: Apache-2.0

package nbd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/vramblk/vramblk/internal/block"
	"github.com/vramblk/vramblk/internal/nbdproto"
)

const testExport = "vram"

func startServer(t *testing.T, backend block.Backend) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		Export:    testExport,
		Backend:   backend,
		BlockSize: 4096,
	}

	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, ln)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	return ln.Addr().String()
}

func dialTransmission(t *testing.T, addr string) *Conn {
	t.Helper()

	d := &Dialer{}
	conn, err := d.Dial(context.Background(), addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := conn.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := conn.Go(testExport); err != nil {
		t.Fatalf("go: %v", err)
	}
	return conn
}

func TestNegotiation(t *testing.T) {
	backend := block.NewMemory(1 << 20)
	addr := startServer(t, backend)

	d := &Dialer{}
	conn, err := d.Dial(context.Background(), addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	info, err := conn.Go(testExport)
	if err != nil {
		t.Fatalf("go: %v", err)
	}

	if info.Size != 1<<20 {
		t.Errorf("size: want %d, got %d", 1<<20, info.Size)
	}
	if info.TransmissionFlags&nbdproto.FLAG_HAS_FLAGS == 0 {
		t.Error("FLAG_HAS_FLAGS not advertised")
	}
	if info.TransmissionFlags&nbdproto.FLAG_SEND_FLUSH == 0 {
		t.Error("FLAG_SEND_FLUSH not advertised")
	}
	if info.TransmissionFlags&nbdproto.FLAG_SEND_TRIM != 0 {
		t.Error("FLAG_SEND_TRIM advertised but trim is not supported")
	}
	if info.MinBlockSize != 4096 || info.PreferredBlockSize != 4096 {
		t.Errorf("block size info: got min=%d preferred=%d",
			info.MinBlockSize, info.PreferredBlockSize)
	}

	if err := conn.Disconnect(); err != nil {
		t.Errorf("disconnect: %v", err)
	}
}

func TestUnknownExportKeepsConnection(t *testing.T) {
	addr := startServer(t, block.NewMemory(1<<20))

	d := &Dialer{}
	conn, err := d.Dial(context.Background(), addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err = conn.Info("wrong")
	if !IsUnknownErr(err) {
		t.Fatalf("want unknown export error, got %v", err)
	}

	// the rejection left the connection in the option phase
	if _, err := conn.Go(testExport); err != nil {
		t.Fatalf("go after rejected info: %v", err)
	}
	if err := conn.Disconnect(); err != nil {
		t.Errorf("disconnect: %v", err)
	}
}

func TestExportNameMismatchIsFatal(t *testing.T) {
	addr := startServer(t, block.NewMemory(1<<20))

	d := &Dialer{}
	conn, err := d.Dial(context.Background(), addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if _, _, err := conn.ExportName("wrong"); err == nil {
		t.Fatal("want connection drop for unknown EXPORT_NAME, got nil")
	}
}

func TestReadWriteFlushRoundTrip(t *testing.T) {
	backend := block.NewMemory(1 << 20)
	addr := startServer(t, backend)
	conn := dialTransmission(t, addr)

	want := bytes.Repeat([]byte{0xAB}, 4096)
	if err := conn.Write(want, 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got := make([]byte, 4096)
	if err := conn.Read(got, 0); err != nil {
		t.Fatalf("read: %v", err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	// the write really landed in the backend
	direct := make([]byte, 4096)
	if err := backend.ReadAt(direct, 0); err != nil {
		t.Fatalf("backend read: %v", err)
	}
	if !bytes.Equal(direct, want) {
		t.Error("backend contents do not match written data")
	}

	if err := conn.Disconnect(); err != nil {
		t.Errorf("disconnect: %v", err)
	}
}

func TestOutOfRangeKeepsConnection(t *testing.T) {
	addr := startServer(t, block.NewMemory(1<<20))
	conn := dialTransmission(t, addr)

	err := conn.Write(make([]byte, 4096), 1<<20)
	if !IsInvalErr(err) {
		t.Fatalf("out-of-range write: want EINVAL, got %v", err)
	}

	err = conn.Read(make([]byte, 1), 1<<20)
	if !IsInvalErr(err) {
		t.Fatalf("out-of-range read: want EINVAL, got %v", err)
	}

	// the connection survives per-command errors
	if err := conn.Write([]byte{1}, 0); err != nil {
		t.Fatalf("write after error: %v", err)
	}
	if err := conn.Disconnect(); err != nil {
		t.Errorf("disconnect: %v", err)
	}
}

func TestZeroLengthRead(t *testing.T) {
	const capacity = 1 << 20
	addr := startServer(t, block.NewMemory(capacity))
	conn := dialTransmission(t, addr)

	// zero-length read at the capacity boundary succeeds
	if err := conn.Read(nil, capacity); err != nil {
		t.Errorf("zero-length read at capacity: %v", err)
	}

	// one byte past is out of range
	if err := conn.Read(nil, capacity+1); !IsInvalErr(err) {
		t.Errorf("zero-length read past capacity: want EINVAL, got %v", err)
	}

	if err := conn.Disconnect(); err != nil {
		t.Errorf("disconnect: %v", err)
	}
}

func TestTrimNotSupported(t *testing.T) {
	addr := startServer(t, block.NewMemory(1<<20))
	conn := dialTransmission(t, addr)

	if err := conn.Trim(0, 4096); !IsNotSupportedErr(err) {
		t.Fatalf("trim: want ENOTSUP, got %v", err)
	}

	// still usable
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush after trim rejection: %v", err)
	}
	if err := conn.Disconnect(); err != nil {
		t.Errorf("disconnect: %v", err)
	}
}

func TestListExports(t *testing.T) {
	addr := startServer(t, block.NewMemory(1<<20))

	d := &Dialer{}
	conn, err := d.Dial(context.Background(), addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	exports, err := conn.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	if diff := cmp.Diff([]string{testExport}, exports); diff != "" {
		t.Errorf("exports (-want +got):\n%s", diff)
	}

	if err := conn.Abort(); err != nil {
		t.Errorf("abort: %v", err)
	}
}

func TestConcurrentClients(t *testing.T) {
	backend := block.NewMemory(1 << 20)
	addr := startServer(t, backend)

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		i := i
		g.Go(func() error {
			d := &Dialer{}
			conn, err := d.Dial(context.Background(), addr)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := conn.Connect(); err != nil {
				return err
			}
			if _, err := conn.Go(testExport); err != nil {
				return err
			}

			offset := uint64(i) * 4096
			want := bytes.Repeat([]byte{byte(i + 1)}, 4096)
			if err := conn.Write(want, offset); err != nil {
				return err
			}

			got := make([]byte, 4096)
			if err := conn.Read(got, offset); err != nil {
				return err
			}
			if !bytes.Equal(want, got) {
				return fmt.Errorf("client %d: round trip mismatch", i)
			}

			return conn.Disconnect()
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{Export: testExport, Backend: block.NewMemory(1 << 20)}

	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, ln)
	}()

	d := &Dialer{}
	conn, err := d.Dial(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := conn.Go(testExport); err != nil {
		t.Fatalf("go: %v", err)
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	// the live connection was torn down with the server
	if err := conn.Read(make([]byte, 1), 0); err == nil {
		t.Error("read after shutdown: want error, got nil")
	}
}

func TestShutdownRacingAccept(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{Export: testExport, Backend: block.NewMemory(1 << 20)}

	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, ln)
	}()

	// keep dialing while the shutdown runs so a connection can land
	// between the closer's sweep and the accept loop noticing
	dialCtx, stopDialing := context.WithCancel(context.Background())
	defer stopDialing()
	go func() {
		var conns []net.Conn
		defer func() {
			for _, c := range conns {
				c.Close()
			}
		}()
		for dialCtx.Err() == nil {
			conn, err := net.Dial("tcp", ln.Addr().String())
			if err != nil {
				return
			}
			conns = append(conns, conn)
		}
	}()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop with a connection in flight")
	}
}
