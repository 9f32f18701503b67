package squeezer

import (
	"bufio"
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net"
	"strings"
)

// LineTransport implements Transport over a persistent stream connection,
// newline-terminated ASCII/UTF-8 lines in both directions. Writes go
// through a single goroutine so a multi-line batch reaches the wire as
// one contiguous write, preserving line order.
//
// Create instances with NewLineTransport or Dial, and release them with
// Close when no longer needed.
type LineTransport struct {
	conn   io.ReadWriter
	logger *slog.Logger

	writes chan lineWrite
	done   chan struct{}
}

type lineWrite struct {
	data []byte
	errs chan error
}

// LineTransportOption configures a LineTransport.
type LineTransportOption func(*LineTransport)

// WithTransportLogger sets the logger for the transport.
func WithTransportLogger(logger *slog.Logger) LineTransportOption {
	return func(t *LineTransport) {
		t.logger = logger
	}
}

// NewLineTransport wraps an established duplex connection. The caller
// keeps ownership of conn's life cycle unless it is closed through Close.
func NewLineTransport(conn io.ReadWriter, options ...LineTransportOption) *LineTransport {
	t := &LineTransport{
		conn:   conn,
		logger: slog.Default(),
		writes: make(chan lineWrite),
		done:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(t)
	}

	go t.processWrites()
	return t
}

// Dial connects to the squeezeserver CLI at addr (host:port) and returns
// a transport over the new connection.
func Dial(ctx context.Context, addr string, options ...LineTransportOption) (*LineTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewLineTransport(conn, options...), nil
}

// Send writes the given lines, newline-terminated, as a single write.
func (t *LineTransport) Send(ctx context.Context, lines ...string) error {
	if len(lines) == 0 {
		return nil
	}

	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}

	w := lineWrite{
		data: []byte(sb.String()),
		errs: make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return errors.New("squeezer: transport closed")
	case t.writes <- w:
	}

	select {
	case err := <-w.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return errors.New("squeezer: transport closed")
	}
}

// Lines yields received lines, without the trailing newline, in receipt
// order. The iterator exits when the connection is closed or fails;
// failures other than a clean end of stream are logged.
func (t *LineTransport) Lines() iter.Seq[string] {
	return func(yield func(string) bool) {
		reader := bufio.NewReader(t.conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
					t.logger.Error("failed to read line", "err", err)
				}
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				continue
			}
			if !yield(line) {
				return
			}
		}
	}
}

// Close stops the write goroutine and closes the underlying connection if
// it is closable, which also terminates the Lines iterator.
func (t *LineTransport) Close() error {
	select {
	case <-t.done:
		return nil
	default:
	}
	close(t.done)
	if closer, ok := t.conn.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (t *LineTransport) processWrites() {
	for {
		var w lineWrite
		select {
		case <-t.done:
			return
		case w = <-t.writes:
		}

		_, err := t.conn.Write(w.data)
		w.errs <- err
	}
}
