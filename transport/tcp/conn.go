package tcp

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// connIDCounter generates connection ids
var connIDCounter int64

// conn wraps one TCP connection. Writes are queued and performed by a
// dedicated send loop; reads are performed by a read loop that hands every
// frame to the owning Transport.
type conn struct {
	id     string
	nc     net.Conn
	remote string

	writeTimeout time.Duration
	writer       *FrameWriter
	reader       *FrameReader
	sendChan     chan []byte

	closed    int32
	closeOnce sync.Once
	done      chan struct{}

	framesRead int64
	framesSent int64

	logger zerolog.Logger
}

func newConn(nc net.Conn, remote string, opts Options, logger zerolog.Logger) *conn {
	id := fmt.Sprintf("tcp-%d", atomic.AddInt64(&connIDCounter, 1))
	return &conn{
		id:           id,
		nc:           nc,
		remote:       remote,
		writeTimeout: opts.WriteTimeout,
		writer:       NewFrameWriter(nc, opts.MaxFrame),
		reader:       NewFrameReader(bufio.NewReader(nc), opts.MaxFrame),
		sendChan:     make(chan []byte, opts.SendQueue),
		done:         make(chan struct{}),
		logger:       logger.With().Str("conn", id).Str("remote", remote).Logger(),
	}
}

// send encodes f and queues it for the send loop.
func (c *conn) send(f *Frame) error {
	if c.isClosed() {
		return fmt.Errorf("connection %s: %w", c.id, ErrClosed)
	}
	data, err := EncodeFrame(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Kind, err)
	}

	select {
	case c.sendChan <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("connection %s: %w", c.id, ErrClosed)
	}
}

// sendLoop writes queued frames until the connection closes.
func (c *conn) sendLoop() {
	for {
		select {
		case data := <-c.sendChan:
			if err := c.write(data); err != nil {
				c.logger.Warn().Err(err).Msg("Write failed, closing connection")
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) write(data []byte) error {
	if c.writeTimeout > 0 {
		if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	if err := c.writer.WriteEncoded(data); err != nil {
		return err
	}
	atomic.AddInt64(&c.framesSent, 1)
	return nil
}

// readLoop delivers frames to handle until the connection fails.
func (c *conn) readLoop(handle func(*conn, *Frame)) {
	defer c.close()
	for {
		f, err := c.reader.ReadFrame()
		if err != nil {
			if !c.isClosed() {
				c.logger.Debug().Err(err).Msg("Read loop ended")
			}
			return
		}
		atomic.AddInt64(&c.framesRead, 1)
		handle(c, f)
	}
}

func (c *conn) isClosed() bool {
	return atomic.LoadInt32(&c.closed) != 0
}

// close is idempotent.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.closed, 1)
		close(c.done)
		_ = c.nc.Close()
	})
}
