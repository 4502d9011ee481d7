package flutterbridge

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/shaharia-lab/flutterbridge/jsonrpc"
	"github.com/shaharia-lab/flutterbridge/observability"
)

const (
	stdioInitialBuffer = 64 * 1024
	stdioMaxFrame      = 1024 * 1024
)

// StdIOServer serves newline-delimited frames over a reader/writer pair,
// normally the process's stdin and stdout.
type StdIOServer struct {
	*BaseServer
	in  io.Reader
	out io.Writer

	writeMu sync.Mutex
}

// NewStdIOServer creates a new StdIOServer and attaches it as the base server's
// notification transport.
func NewStdIOServer(baseServer *BaseServer, in io.Reader, out io.Writer) *StdIOServer {
	s := &StdIOServer{
		BaseServer: baseServer,
		in:         in,
		out:        out,
	}
	baseServer.dispatcher.SetSender(s.writeFrame)
	return s
}

// writeFrame writes one frame plus the delimiter. Replies and notifications
// share the lock so frames never interleave.
func (s *StdIOServer) writeFrame(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	if _, err := s.out.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Run reads frames until EOF (returns nil), a read failure, or ctx
// cancellation (returns ctx.Err()). A frame longer than stdioMaxFrame is
// answered with a parse error and reading continues. On cancellation the input
// is closed when it is an io.Closer, which unblocks the pending read.
func (s *StdIOServer) Run(ctx context.Context) (err error) {
	ctx, span := observability.StartSpan(ctx, "StdIOServer.Run")
	defer func() { observability.EndSpan(span, err) }()

	reader := bufio.NewReaderSize(s.in, stdioInitialBuffer)
	done := make(chan error, 1)

	go func() {
		for {
			frame, tooLong, rerr := readFrame(reader)
			if rerr != nil {
				if errors.Is(rerr, io.EOF) {
					done <- nil
					return
				}
				done <- fmt.Errorf("failed to read frame: %w", rerr)
				return
			}
			if ctx.Err() != nil {
				done <- ctx.Err()
				return
			}

			var reply []byte
			if tooLong {
				s.logger.WithFields(map[string]interface{}{"limit": stdioMaxFrame}).Warn("Rejecting oversized frame")
				reply = s.dispatcher.encode(jsonrpc.NewErrorResponse(jsonrpc.NullID(),
					jsonrpc.NewError(jsonrpc.CodeParseError, "", fmt.Sprintf("frame exceeds %d bytes", stdioMaxFrame))))
			} else {
				line := bytes.TrimSpace(frame)
				if len(line) == 0 {
					continue
				}
				reply = s.Handle(ctx, line)
			}
			if reply == nil {
				continue
			}
			if werr := s.writeFrame(reply); werr != nil {
				s.logger.WithErr(werr).Error("Failed to write reply")
				done <- werr
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Debug("Context cancelled, StdIOServer shutting down")
		if c, ok := s.in.(io.Closer); ok {
			_ = c.Close()
		}
		return ctx.Err()
	case err = <-done:
		s.logger.Debug("StdIOServer input closed")
		return err
	}
}

// readFrame returns the next line without its delimiter. A line longer than
// stdioMaxFrame is consumed in full and reported as tooLong with no data.
func readFrame(r *bufio.Reader) (frame []byte, tooLong bool, err error) {
	for {
		chunk, more, rerr := r.ReadLine()
		if rerr != nil {
			if len(frame) > 0 || tooLong {
				return frame, tooLong, nil
			}
			return nil, false, rerr
		}
		if !tooLong {
			if len(frame)+len(chunk) > stdioMaxFrame {
				tooLong, frame = true, nil
			} else {
				frame = append(frame, chunk...)
			}
		}
		if !more {
			if frame == nil && !tooLong {
				frame = []byte{}
			}
			return frame, tooLong, nil
		}
	}
}
