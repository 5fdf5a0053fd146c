package analyzer

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// MaxContentLength is the maximum allowed frame body size (10MB).
const MaxContentLength = 10 * 1024 * 1024

// MessageFunc receives every decoded message from the read loop.
type MessageFunc func(msg any)

// ChannelErrorFunc is invoked once when the channel terminates abnormally:
// a malformed frame header, a decode failure, or a broken pipe.
type ChannelErrorFunc func(err error)

// Channel frames messages over a process's stdio streams using
// Content-Length headers. A dedicated goroutine reads and decodes incoming
// frames; writes are serialized under a mutex so concurrent senders never
// interleave bytes on the wire.
type Channel struct {
	reader *bufio.Reader
	writer io.Writer
	logger *slog.Logger

	writeMu sync.Mutex
	nextSeq atomic.Int64

	onMessage MessageFunc
	onError   ChannelErrorFunc

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithChannelLogger sets the logger used by the read loop.
func WithChannelLogger(logger *slog.Logger) ChannelOption {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewChannel creates a channel over the given streams. Typically r is the
// process's stdout and w its stdin.
func NewChannel(r io.Reader, w io.Writer, opts ...ChannelOption) *Channel {
	c := &Channel{
		reader: bufio.NewReaderSize(r, 64*1024),
		writer: w,
		logger: NopLogger(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnMessage registers the listener for decoded messages.
// Must be called before Start.
func (c *Channel) OnMessage(fn MessageFunc) {
	c.onMessage = fn
}

// OnError registers the listener for channel-level failures.
// Must be called before Start.
func (c *Channel) OnError(fn ChannelErrorFunc) {
	c.onError = fn
}

// Start launches the read loop goroutine.
func (c *Channel) Start() {
	go c.readLoop()
}

// NextSeq returns the next request sequence number. Sequence numbers are
// monotonically increasing and never reused within a channel's lifetime.
func (c *Channel) NextSeq() int64 {
	return c.nextSeq.Add(1)
}

// Send encodes and writes a request as a single frame. A write failure is
// returned to the caller as a *CommunicationError and does not affect the
// read loop.
func (c *Channel) Send(req *Request) error {
	if c.closed.Load() {
		return &CommunicationError{Op: "send", Err: ErrChannelClosed}
	}

	body, err := EncodeRequest(req)
	if err != nil {
		return err
	}

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := io.WriteString(c.writer, header); err != nil {
		return &CommunicationError{Op: "write header", Err: err}
	}
	if _, err := c.writer.Write(body); err != nil {
		return &CommunicationError{Op: "write body", Err: err}
	}

	return nil
}

// Close closes the channel and stops the read loop.
// Safe to call more than once.
func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// IsClosed returns true if the channel has been closed.
func (c *Channel) IsClosed() bool {
	return c.closed.Load()
}

// Done returns a channel closed when the read loop has terminated.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// readLoop reads one frame at a time until the channel closes or fails.
// A malformed header or decode failure is structural and terminates the
// channel; consumers are notified through the error listener.
func (c *Channel) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		body, err := c.readFrame()
		if err != nil {
			if c.closed.Load() {
				return
			}
			if err == io.EOF || err == io.ErrClosedPipe {
				c.fail(&CommunicationError{Op: "read", Err: err})
				return
			}
			c.fail(err)
			return
		}

		msg, err := DecodeMessage(body)
		if err != nil {
			c.fail(err)
			return
		}

		if c.onMessage != nil {
			c.onMessage(msg)
		}
	}
}

// fail closes the channel and reports the terminating error.
func (c *Channel) fail(err error) {
	c.Close()
	c.logger.Error("channel terminated", "error", err)
	if c.onError != nil {
		c.onError(err)
	}
}

// readFrame reads one Content-Length framed message body.
func (c *Channel) readFrame() ([]byte, error) {
	var contentLength int

	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break // End of headers
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return nil, &CommunicationError{
				Op:  "read header",
				Err: fmt.Errorf("malformed header %q", line),
			}
		}

		if strings.EqualFold(strings.TrimSpace(parts[0]), "content-length") {
			length, err := strconv.Atoi(strings.TrimSpace(parts[1]))
			if err != nil {
				return nil, &CommunicationError{Op: "read header", Err: err}
			}
			if length <= 0 || length > MaxContentLength {
				return nil, &CommunicationError{
					Op:  "read header",
					Err: fmt.Errorf("content length %d out of range", length),
				}
			}
			contentLength = length
		}
		// Other headers are ignored.
	}

	if contentLength == 0 {
		return nil, &CommunicationError{
			Op:  "read header",
			Err: fmt.Errorf("missing Content-Length header"),
		}
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, &CommunicationError{Op: "read body", Err: err}
	}

	return body, nil
}
