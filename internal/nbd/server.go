// SPDX-License-Identifier: Apache-2.0

// Package nbd implements the NBD transport: a fixed-newstyle server
// that fronts a block.Backend, plus a minimal client used to exercise
// the server over a real socket.
package nbd

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vramblk/vramblk/internal/block"
	"github.com/vramblk/vramblk/internal/nbdproto"
)

// Server serves one export over fixed-newstyle NBD.
type Server struct {
	Export  string
	Backend block.Backend

	// BlockSize is reported through INFO_BLOCK_SIZE as both minimum
	// and preferred. Zero means 512 minimum, 4096 preferred.
	BlockSize uint32

	Logger *logrus.Logger

	conns sync.Map
}

func (s *Server) logger() *logrus.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return logrus.StandardLogger()
}

// Serve accepts connections on ln until ctx is cancelled. Each
// connection runs its own state machine; a failed connection never
// affects the listener or its siblings.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		s.conns.Range(func(key, _ any) bool {
			key.(net.Conn).Close()
			return true
		})
		return nil
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}

			s.conns.Store(conn, struct{}{})
			// the closer's Range may already have run; a connection
			// stored after that would outlive the shutdown
			if ctx.Err() != nil {
				s.conns.Delete(conn)
				conn.Close()
				return nil
			}
			g.Go(func() error {
				defer s.conns.Delete(conn)
				defer conn.Close()

				log := s.logger().WithField("remote", conn.RemoteAddr())
				log.Info("connection opened")

				if err := s.serveConn(conn); err != nil && ctx.Err() == nil {
					log.WithError(err).Warn("connection closed")
					return nil
				}

				log.Info("connection closed")
				return nil
			})
		}
	})

	return g.Wait()
}

// serveConn drives one connection through handshake, option haggling
// and transmission. The returned error is fatal only to this
// connection.
func (s *Server) serveConn(conn net.Conn) error {
	noZeroes, err := s.handshake(conn)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	enter, err := s.options(conn, noZeroes)
	if err != nil {
		return fmt.Errorf("options: %w", err)
	}
	if !enter {
		// OPT_ABORT, clean close
		return nil
	}

	if err := s.transmission(conn); err != nil {
		return fmt.Errorf("transmission: %w", err)
	}
	return nil
}

func (s *Server) handshake(conn net.Conn) (noZeroes bool, err error) {
	hello := nbdproto.NegotiationHeader{
		Magic:   nbdproto.NBD_MAGIC,
		Version: nbdproto.HAVE_OPT,
	}
	if err := binary.Write(conn, binary.BigEndian, hello); err != nil {
		return false, fmt.Errorf("send hello: %w", err)
	}

	flags := nbdproto.FLAG_FIXED_NEWSTYLE | nbdproto.FLAG_NO_ZEROES
	if err := binary.Write(conn, binary.BigEndian, flags); err != nil {
		return false, fmt.Errorf("send handshake flags: %w", err)
	}

	var client uint32
	if err := binary.Read(conn, binary.BigEndian, &client); err != nil {
		return false, fmt.Errorf("read client flags: %w", err)
	}

	if client&uint32(nbdproto.FLAG_FIXED_NEWSTYLE) == 0 {
		return false, protocolErrorf("client did not set FLAG_FIXED_NEWSTYLE")
	}

	return client&uint32(nbdproto.FLAG_NO_ZEROES) != 0, nil
}

// options haggles until the client either starts transmission
// (EXPORT_NAME or GO, returns true) or aborts (returns false).
func (s *Server) options(conn net.Conn, noZeroes bool) (enterTransmission bool, err error) {
	for {
		var hdr nbdproto.OptionHeader
		if err := binary.Read(conn, binary.BigEndian, &hdr); err != nil {
			return false, fmt.Errorf("read option header: %w", err)
		}

		if hdr.Magic != nbdproto.HAVE_OPT {
			return false, protocolErrorf("bad option magic %x", hdr.Magic)
		}
		if hdr.Length > nbdproto.MaximumStringLength {
			return false, protocolErrorf("option payload of %d bytes too large", hdr.Length)
		}

		payload := make([]byte, hdr.Length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return false, fmt.Errorf("read option payload: %w", err)
		}

		switch hdr.ID {
		case nbdproto.OPT_EXPORT_NAME:
			// A name mismatch here is unanswerable by protocol, the
			// only legal move is to drop the connection.
			if string(payload) != s.Export {
				return false, protocolErrorf("unknown export %q", string(payload))
			}
			if err := s.sendExportNameReply(conn, noZeroes); err != nil {
				return false, err
			}
			return true, nil

		case nbdproto.OPT_GO, nbdproto.OPT_INFO:
			ok, err := s.handleInfoGo(conn, hdr.ID, payload)
			if err != nil {
				return false, err
			}
			if ok && hdr.ID == nbdproto.OPT_GO {
				return true, nil
			}

		case nbdproto.OPT_LIST:
			if len(payload) != 0 {
				if err := s.sendOptionError(conn, hdr.ID, nbdproto.REP_ERR_INVALID, "LIST takes no payload"); err != nil {
					return false, err
				}
				continue
			}
			if err := s.sendListReply(conn, hdr.ID); err != nil {
				return false, err
			}

		case nbdproto.OPT_ABORT:
			// best effort, the client may already be gone
			s.sendOptionReply(conn, hdr.ID, nbdproto.REP_ACK, nil)
			return false, nil

		default:
			if err := s.sendOptionError(conn, hdr.ID, nbdproto.REP_ERR_UNSUPPORTED, ""); err != nil {
				return false, err
			}
		}
	}
}

func (s *Server) transmissionFlags() uint16 {
	return nbdproto.FLAG_HAS_FLAGS | nbdproto.FLAG_SEND_FLUSH
}

func (s *Server) blockSizes() (minimum, preferred uint32) {
	if s.BlockSize != 0 {
		return s.BlockSize, s.BlockSize
	}
	return 512, 4096
}

func (s *Server) sendExportNameReply(conn net.Conn, noZeroes bool) error {
	reply := struct {
		Size  uint64
		Flags uint16
	}{
		Size:  s.Backend.Size(),
		Flags: s.transmissionFlags(),
	}
	if err := binary.Write(conn, binary.BigEndian, reply); err != nil {
		return fmt.Errorf("send export info: %w", err)
	}
	if !noZeroes {
		var zeroes [124]byte
		if _, err := conn.Write(zeroes[:]); err != nil {
			return fmt.Errorf("send zero pad: %w", err)
		}
	}
	return nil
}

// handleInfoGo answers OPT_GO and OPT_INFO. It reports whether the
// export was accepted; a rejected name keeps the connection in the
// option phase.
func (s *Server) handleInfoGo(conn net.Conn, opt uint32, payload []byte) (bool, error) {
	name, requests, err := parseInfoGoPayload(payload)
	if err != nil {
		if err := s.sendOptionError(conn, opt, nbdproto.REP_ERR_INVALID, err.Error()); err != nil {
			return false, err
		}
		return false, nil
	}

	// an empty name selects the default export
	if name != "" && name != s.Export {
		if err := s.sendOptionError(conn, opt, nbdproto.REP_ERR_UNKNOWN,
			fmt.Sprintf("export %q is not available", name)); err != nil {
			return false, err
		}
		return false, nil
	}

	var info bytes.Buffer
	binary.Write(&info, binary.BigEndian, nbdproto.INFO_EXPORT)
	binary.Write(&info, binary.BigEndian, s.Backend.Size())
	binary.Write(&info, binary.BigEndian, s.transmissionFlags())
	if err := s.sendOptionReply(conn, opt, nbdproto.REP_INFO, info.Bytes()); err != nil {
		return false, err
	}

	for _, req := range requests {
		if req != nbdproto.INFO_BLOCK_SIZE {
			continue
		}
		minimum, preferred := s.blockSizes()
		var bs bytes.Buffer
		binary.Write(&bs, binary.BigEndian, nbdproto.INFO_BLOCK_SIZE)
		binary.Write(&bs, binary.BigEndian, minimum)
		binary.Write(&bs, binary.BigEndian, preferred)
		binary.Write(&bs, binary.BigEndian, uint32(nbdproto.MaximumRequestLength))
		if err := s.sendOptionReply(conn, opt, nbdproto.REP_INFO, bs.Bytes()); err != nil {
			return false, err
		}
		break
	}

	if err := s.sendOptionReply(conn, opt, nbdproto.REP_ACK, nil); err != nil {
		return false, err
	}
	return true, nil
}

func parseInfoGoPayload(payload []byte) (name string, requests []uint16, err error) {
	buf := bytes.NewReader(payload)

	var nameLen uint32
	if err := binary.Read(buf, binary.BigEndian, &nameLen); err != nil {
		return "", nil, fmt.Errorf("read name length: %w", err)
	}
	if int(nameLen) > buf.Len() {
		return "", nil, errors.New("name length exceeds payload")
	}

	nameBytes := make([]byte, nameLen)
	if _, err := io.ReadFull(buf, nameBytes); err != nil {
		return "", nil, fmt.Errorf("read name: %w", err)
	}

	var n uint16
	if err := binary.Read(buf, binary.BigEndian, &n); err != nil {
		return "", nil, fmt.Errorf("read request count: %w", err)
	}

	requests = make([]uint16, n)
	for i := range requests {
		if err := binary.Read(buf, binary.BigEndian, &requests[i]); err != nil {
			return "", nil, fmt.Errorf("read info request: %w", err)
		}
	}

	return string(nameBytes), requests, nil
}

func (s *Server) sendListReply(conn net.Conn, opt uint32) error {
	var server bytes.Buffer
	binary.Write(&server, binary.BigEndian, uint32(len(s.Export)))
	server.WriteString(s.Export)

	if err := s.sendOptionReply(conn, opt, nbdproto.REP_SERVER, server.Bytes()); err != nil {
		return err
	}
	return s.sendOptionReply(conn, opt, nbdproto.REP_ACK, nil)
}

func (s *Server) sendOptionReply(conn net.Conn, opt uint32, typ uint32, payload []byte) error {
	hdr := nbdproto.OptionReplyHeader{
		Magic:  nbdproto.OPTION_REPLY_MAGIC,
		ID:     opt,
		Type:   typ,
		Length: uint32(len(payload)),
	}
	if err := binary.Write(conn, binary.BigEndian, hdr); err != nil {
		return fmt.Errorf("send option reply: %w", err)
	}
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			return fmt.Errorf("send option reply payload: %w", err)
		}
	}
	return nil
}

func (s *Server) sendOptionError(conn net.Conn, opt uint32, code uint32, message string) error {
	return s.sendOptionReply(conn, opt, code, []byte(message))
}

// transmission serves commands strictly in arrival order until the
// client disconnects or violates the protocol.
func (s *Server) transmission(conn net.Conn) error {
	log := s.logger().WithField("remote", conn.RemoteAddr())

	for {
		var req nbdproto.RequestHeader
		if err := binary.Read(conn, binary.BigEndian, &req); err != nil {
			return fmt.Errorf("read request header: %w", err)
		}

		if req.Magic != nbdproto.REQUEST_MAGIC {
			return protocolErrorf("bad request magic %x", req.Magic)
		}

		log.WithFields(logrus.Fields{
			"type":   req.Type,
			"offset": req.Offset,
			"length": req.Length,
		}).Debug("request")

		switch req.Type {
		case nbdproto.CMD_READ:
			if err := s.handleRead(conn, req); err != nil {
				return err
			}

		case nbdproto.CMD_WRITE:
			if err := s.handleWrite(conn, req); err != nil {
				return err
			}

		case nbdproto.CMD_FLUSH:
			// the device memory transfer is already synchronous,
			// flush only has to validate its shape
			code := uint32(0)
			if req.Offset != 0 || req.Length != 0 {
				code = nbdproto.EINVAL
			}
			if err := s.sendSimpleReply(conn, req.Cookie, code, nil); err != nil {
				return err
			}

		case nbdproto.CMD_DISC:
			return nil

		default:
			log.WithField("type", req.Type).Warn("unsupported command")
			if err := s.sendSimpleReply(conn, req.Cookie, nbdproto.ENOTSUP, nil); err != nil {
				return err
			}
		}
	}
}

func (s *Server) handleRead(conn net.Conn, req nbdproto.RequestHeader) error {
	if req.Length > nbdproto.MaximumRequestLength {
		return s.sendSimpleReply(conn, req.Cookie, nbdproto.EINVAL, nil)
	}
	if err := block.CheckRange(req.Offset, int(req.Length), s.Backend.Size()); err != nil {
		return s.sendSimpleReply(conn, req.Cookie, nbdproto.EINVAL, nil)
	}

	data := make([]byte, req.Length)
	if err := s.Backend.ReadAt(data, req.Offset); err != nil {
		s.logger().WithError(err).Warn("backend read failed")
		return s.sendSimpleReply(conn, req.Cookie, nbdproto.EIO, nil)
	}

	return s.sendSimpleReply(conn, req.Cookie, 0, data)
}

func (s *Server) handleWrite(conn net.Conn, req nbdproto.RequestHeader) error {
	if req.Length > nbdproto.MaximumRequestLength {
		// drain the oversized payload to keep the stream aligned
		if _, err := io.CopyN(io.Discard, conn, int64(req.Length)); err != nil {
			return fmt.Errorf("drain oversized write: %w", err)
		}
		return s.sendSimpleReply(conn, req.Cookie, nbdproto.EINVAL, nil)
	}

	data := make([]byte, req.Length)
	if _, err := io.ReadFull(conn, data); err != nil {
		return fmt.Errorf("read write payload: %w", err)
	}

	if err := block.CheckRange(req.Offset, int(req.Length), s.Backend.Size()); err != nil {
		return s.sendSimpleReply(conn, req.Cookie, nbdproto.EINVAL, nil)
	}

	if err := s.Backend.WriteAt(data, req.Offset); err != nil {
		s.logger().WithError(err).Warn("backend write failed")
		return s.sendSimpleReply(conn, req.Cookie, nbdproto.EIO, nil)
	}

	return s.sendSimpleReply(conn, req.Cookie, 0, nil)
}

func (s *Server) sendSimpleReply(conn net.Conn, cookie uint64, code uint32, data []byte) error {
	hdr := nbdproto.SimpleReplyHeader{
		Magic:  nbdproto.SIMPLE_REPLY_MAGIC,
		Error:  code,
		Cookie: cookie,
	}
	if err := binary.Write(conn, binary.BigEndian, hdr); err != nil {
		return fmt.Errorf("send reply header: %w", err)
	}
	if len(data) > 0 {
		if _, err := conn.Write(data); err != nil {
			return fmt.Errorf("send reply data: %w", err)
		}
	}
	return nil
}
