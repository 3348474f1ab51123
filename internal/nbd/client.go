// SPDX-License-Identifier: Apache-2.0

package nbd

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/vramblk/vramblk/internal/nbdproto"
)

type connectionState int

const (
	connectionStateInvalid connectionState = iota
	connectionStateNew
	connectionStateOptions
	connectionStateTransmission
	connectionStateClosed
	connectionStateError
)

const DefaultBufferSize = 5 * 1024

var (
	errNotOption       = errors.New("not in option phase")
	errNotTransmission = errors.New("not in transmission phase")
)

// Dialer produces client connections. The zero value is usable.
type Dialer struct {
	// Pass in a net.Dialer to configure settings. Pass in nil
	// or zero-value to use defaults.
	NetDialer *net.Dialer

	// Optional buffer for the connection to use. If one is not
	// provided, one will be allocated at [DefaultBufferSize].
	Buffer []byte
}

// Dial opens a TCP connection to an NBD server. The returned Conn has
// not negotiated yet, call Connect first.
func (d *Dialer) Dial(ctx context.Context, address string) (*Conn, error) {
	if d.NetDialer == nil {
		d.NetDialer = new(net.Dialer)
	}

	if len(d.Buffer) == 0 {
		d.Buffer = make([]byte, DefaultBufferSize)
	}

	buflk := make(chan struct{}, 1)
	buflk <- struct{}{}

	conn := &Conn{
		discardZeroes: true,
		buflk:         buflk,
		buf:           d.Buffer,
	}
	conn.setState(connectionStateNew)

	transport, err := d.NetDialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial nbd: %w", err)
	}
	conn.conn = transport

	return conn, nil
}

// Conn is a client connection. Option-phase calls are serialized by
// the caller; transmission-phase calls are safe for concurrent use.
type Conn struct {
	conn          net.Conn
	discardZeroes bool

	state_         atomic.Int32
	inTransmission atomic.Bool
	cookie         atomic.Uint64

	buflk chan struct{}
	buf   []byte
}

// ExportInfo describes the export selected during negotiation.
type ExportInfo struct {
	Size               uint64
	TransmissionFlags  uint16
	MinBlockSize       uint32
	PreferredBlockSize uint32
	MaxBlockSize       uint32
}

// Connect performs the fixed-newstyle handshake.
func (c *Conn) Connect() (err error) {
	if state := c.state(); state != connectionStateNew {
		return errors.New("duplicate call to connect")
	}
	defer func() {
		if err == nil {
			return
		}
		c.setState(connectionStateError)
	}()

	var hello nbdproto.NegotiationHeader
	err = binary.Read(c.conn, binary.BigEndian, &hello)
	if err != nil {
		return fmt.Errorf("read first header: %w", err)
	}

	if hello.Magic != nbdproto.NBD_MAGIC {
		return fmt.Errorf("expected NBD_MAGIC, got %x", hello.Magic)
	}
	if hello.Version != nbdproto.HAVE_OPT {
		return fmt.Errorf("negotiation: expected IHAVEOPT, got %x", hello.Version)
	}

	var server uint16
	err = binary.Read(c.conn, binary.BigEndian, &server)
	if err != nil {
		return fmt.Errorf("negotiation: read server flags: %w", err)
	}

	if server&nbdproto.FLAG_FIXED_NEWSTYLE == 0 {
		return fmt.Errorf("negotiation: server did not set FLAG_FIXED_NEWSTYLE")
	}

	client := uint32(nbdproto.FLAG_FIXED_NEWSTYLE)
	if server&nbdproto.FLAG_NO_ZEROES != 0 {
		client |= uint32(nbdproto.FLAG_NO_ZEROES)
		c.discardZeroes = false
	}

	err = binary.Write(c.conn, binary.BigEndian, client)
	if err != nil {
		return fmt.Errorf("negotiation: send client flags: %w", err)
	}

	c.setState(connectionStateOptions)
	return nil
}

// ExportName selects the export the oldstyle-compatible way. A
// mismatch is unanswerable, the server just drops the connection.
func (c *Conn) ExportName(name string) (size uint64, flags uint16, err error) {
	if state := c.state(); state != connectionStateOptions {
		return 0, 0, errNotOption
	}

	err = c.requestOption(nbdproto.OPT_EXPORT_NAME, []byte(name))
	if err != nil {
		return 0, 0, err
	}

	var reply struct {
		ExportSize        uint64
		TransmissionFlags uint16
	}
	err = binary.Read(c.conn, binary.BigEndian, &reply)
	if err != nil {
		return 0, 0, err
	}

	if c.discardZeroes {
		var zeroes [124]byte
		if _, err := io.ReadFull(c.conn, zeroes[:]); err != nil {
			return 0, 0, err
		}
	}

	c.enterTransmission()
	return reply.ExportSize, reply.TransmissionFlags, nil
}

// Go selects the export and enters transmission. BlockSize info is
// always requested.
func (c *Conn) Go(name string) (ExportInfo, error) {
	if state := c.state(); state != connectionStateOptions {
		return ExportInfo{}, errNotOption
	}

	acquire(c.buflk)
	defer release(c.buflk)

	info, err := c.infoGo(nbdproto.OPT_GO, name)
	if err != nil {
		return info, err
	}
	c.enterTransmission()
	return info, nil
}

// Info queries the export without leaving the option phase.
func (c *Conn) Info(name string) (ExportInfo, error) {
	if state := c.state(); state != connectionStateOptions {
		return ExportInfo{}, errNotOption
	}

	acquire(c.buflk)
	defer release(c.buflk)

	return c.infoGo(nbdproto.OPT_INFO, name)
}

func (c *Conn) infoGo(opt uint32, name string) (ExportInfo, error) {
	var payload bytes.Buffer
	binary.Write(&payload, binary.BigEndian, uint32(len(name)))
	payload.WriteString(name)
	binary.Write(&payload, binary.BigEndian, uint16(1))
	binary.Write(&payload, binary.BigEndian, nbdproto.INFO_BLOCK_SIZE)

	if err := c.requestOption(opt, payload.Bytes()); err != nil {
		return ExportInfo{}, err
	}

	var info ExportInfo
	for {
		reply, err := c.readOptionReply()
		if err != nil {
			return ExportInfo{}, err
		}
		if reply.Type == nbdproto.REP_ACK {
			break
		}

		buf := bytes.NewReader(reply.Payload)
		var infoType uint16
		if err := binary.Read(buf, binary.BigEndian, &infoType); err != nil {
			return ExportInfo{}, err
		}

		switch infoType {
		case nbdproto.INFO_EXPORT:
			var rep struct {
				Size  uint64
				Flags uint16
			}
			if err := binary.Read(buf, binary.BigEndian, &rep); err != nil {
				return ExportInfo{}, err
			}
			info.Size = rep.Size
			info.TransmissionFlags = rep.Flags
		case nbdproto.INFO_BLOCK_SIZE:
			var rep struct {
				Minimum   uint32
				Preferred uint32
				Maximum   uint32
			}
			if err := binary.Read(buf, binary.BigEndian, &rep); err != nil {
				return ExportInfo{}, err
			}
			info.MinBlockSize = rep.Minimum
			info.PreferredBlockSize = rep.Preferred
			info.MaxBlockSize = rep.Maximum
		}
	}

	return info, nil
}

// List returns the export names the server offers.
func (c *Conn) List() (exports []string, err error) {
	if state := c.state(); state != connectionStateOptions {
		return nil, errNotOption
	}

	acquire(c.buflk)
	defer release(c.buflk)

	err = c.requestOption(nbdproto.OPT_LIST, nil)
	if err != nil {
		return nil, err
	}

	for {
		reply, err := c.readOptionReply()
		if err != nil {
			return nil, err
		}
		if reply.Type == nbdproto.REP_ACK {
			break
		}

		buf := bytes.NewReader(reply.Payload)
		var length uint32
		if err := binary.Read(buf, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		name := make([]byte, buf.Len())
		if _, err := io.ReadFull(buf, name); err != nil {
			return nil, err
		}
		exports = append(exports, string(name))
	}
	return exports, nil
}

// Abort ends negotiation without selecting an export.
func (c *Conn) Abort() error {
	if c.inTransmission.Load() {
		return nil
	}
	return c.requestOption(nbdproto.OPT_ABORT, nil)
}

func (c *Conn) Read(buf []byte, offset uint64) error {
	if state := c.state(); state != connectionStateTransmission {
		return errNotTransmission
	}

	acquire(c.buflk)
	defer release(c.buflk)

	cookie := c.cookie.Add(1)

	err := c.requestTransmit(nbdproto.CMD_READ, cookie, offset, uint32(len(buf)), nil)
	if err != nil {
		return err
	}

	hdr, err := c.readSimpleReply(cookie)
	if err != nil {
		return err
	}
	if hdr.Error != 0 {
		return transmissionError(hdr.Error, offset)
	}

	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return fmt.Errorf("read data from reply: %w", err)
	}
	return nil
}

func (c *Conn) Write(data []byte, offset uint64) error {
	if state := c.state(); state != connectionStateTransmission {
		return errNotTransmission
	}

	acquire(c.buflk)
	defer release(c.buflk)

	cookie := c.cookie.Add(1)

	return c.oneShotTransmit(nbdproto.CMD_WRITE, cookie, offset, uint32(len(data)), data)
}

func (c *Conn) Flush() error {
	if state := c.state(); state != connectionStateTransmission {
		return errNotTransmission
	}

	acquire(c.buflk)
	defer release(c.buflk)

	cookie := c.cookie.Add(1)

	return c.oneShotTransmit(nbdproto.CMD_FLUSH, cookie, 0, 0, nil)
}

func (c *Conn) Trim(offset uint64, length uint32) error {
	if state := c.state(); state != connectionStateTransmission {
		return errNotTransmission
	}

	acquire(c.buflk)
	defer release(c.buflk)

	cookie := c.cookie.Add(1)

	return c.oneShotTransmit(nbdproto.CMD_TRIM, cookie, offset, length, nil)
}

// Disconnect sends CMD_DISC. The server finishes in-flight work and
// closes its side.
func (c *Conn) Disconnect() error {
	if state := c.state(); state == connectionStateError {
		return nil
	}
	if !c.inTransmission.Load() {
		return errNotTransmission
	}

	cookie := c.cookie.Add(1)
	err := c.requestTransmit(nbdproto.CMD_DISC, cookie, 0, 0, nil)
	if err != nil {
		return err
	}

	c.setState(connectionStateClosed)
	return nil
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

type optionReply struct {
	OptID   uint32
	Type    uint32
	Payload []byte
}

func (c *Conn) requestOption(id uint32, payload []byte) error {
	header := nbdproto.OptionHeader{
		Magic:  nbdproto.HAVE_OPT,
		ID:     id,
		Length: uint32(len(payload)),
	}
	if err := binary.Write(c.conn, binary.BigEndian, header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) readOptionReply() (optionReply, error) {
	var header nbdproto.OptionReplyHeader
	if err := binary.Read(c.conn, binary.BigEndian, &header); err != nil {
		return optionReply{}, err
	}

	if header.Magic != nbdproto.OPTION_REPLY_MAGIC {
		return optionReply{}, protocolErrorf("bad option reply magic %x", header.Magic)
	}
	if int(header.Length) > len(c.buf) {
		return optionReply{}, errPayloadTooLarge
	}

	buf := c.buf[:header.Length]
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return optionReply{}, fmt.Errorf("read option reply payload: %w", err)
	}

	if header.Type&(1<<31) != 0 {
		return optionReply{}, optionError(header.Type, buf)
	}

	return optionReply{
		OptID:   header.ID,
		Type:    header.Type,
		Payload: buf,
	}, nil
}

func (c *Conn) requestTransmit(ty uint16, cookie uint64, offset uint64, length uint32, payload []byte) error {
	header := nbdproto.RequestHeader{
		Magic:  nbdproto.REQUEST_MAGIC,
		Type:   ty,
		Cookie: cookie,
		Offset: offset,
		Length: length,
	}

	if err := binary.Write(c.conn, binary.BigEndian, header); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := c.conn.Write(payload); err != nil {
		return err
	}
	return nil
}

func (c *Conn) oneShotTransmit(ty uint16, cookie uint64, offset uint64, length uint32, payload []byte) error {
	err := c.requestTransmit(ty, cookie, offset, length, payload)
	if err != nil {
		return err
	}

	hdr, err := c.readSimpleReply(cookie)
	if err != nil {
		return err
	}
	if hdr.Error != 0 {
		return transmissionError(hdr.Error, offset)
	}
	return nil
}

func (c *Conn) readSimpleReply(cookie uint64) (nbdproto.SimpleReplyHeader, error) {
	var hdr nbdproto.SimpleReplyHeader
	if err := binary.Read(c.conn, binary.BigEndian, &hdr); err != nil {
		return hdr, fmt.Errorf("read reply header: %w", err)
	}
	if hdr.Magic != nbdproto.SIMPLE_REPLY_MAGIC {
		return hdr, protocolErrorf("bad reply magic %x", hdr.Magic)
	}
	if hdr.Cookie != cookie {
		return hdr, errors.New("cookie mismatch")
	}
	return hdr, nil
}

func (c *Conn) state() connectionState {
	return connectionState(c.state_.Load())
}

func (c *Conn) setState(s connectionState) {
	c.state_.Store(int32(s))
}

func (c *Conn) enterTransmission() {
	c.inTransmission.Store(true)
	c.setState(connectionStateTransmission)
}

func acquire(lock chan struct{}) {
	<-lock
}

func release(lock chan struct{}) {
	lock <- struct{}{}
}
