package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// StdIO implements a standard input/output transport layer for MCP communication using
// newline-delimited JSON-RPC envelopes over stdin/stdout or similar io.Reader/io.Writer pairs.
// It provides a single persistent session and can be used as either ServerTransport or
// ClientTransport; the gateway uses the latter to talk to backends it spawned.
//
// A line that fails to decode is answered with a parse-error envelope and the session keeps
// going. EOF or a broken pipe on the reader ends the session cleanly.
//
// Instances must be created with NewStdIO.
type StdIO struct {
	sess   *stdIOSession
	closed chan struct{}
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

type stdIOSession struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writeMessages chan stdIOMessage
	done          chan struct{}
	readClosed    chan struct{}
	writeClosed   chan struct{}

	reading  atomic.Bool
	stopOnce sync.Once
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

type stdIOLine struct {
	line []byte
	err  error
}

type flusher interface {
	Flush() error
}

const stdIOErrorReplyTimeout = 5 * time.Second

// NewStdIO creates a new StdIO instance configured with the provided reader and writer.
// Every envelope written is flushed immediately when the writer supports flushing.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) StdIO {
	s := StdIO{
		sess: &stdIOSession{
			id:            uuid.New().String(),
			reader:        reader,
			writer:        writer,
			logger:        slog.Default(),
			writeMessages: make(chan stdIOMessage),
			done:          make(chan struct{}),
			readClosed:    make(chan struct{}),
			writeClosed:   make(chan struct{}),
		},
		closed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	s.sess.logger = s.sess.logger.With(
		slog.String("package", "mcp"),
		slog.String("component", "stdio"),
		slog.String("sessionID", s.sess.id),
	)

	go s.sess.processWriteMessages()

	return s
}

// WithStdIOLogger sets the logger of the transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.sess.logger = logger
	}
}

// Sessions implements the ServerTransport interface by providing an iterator that yields
// a single persistent session. The iteration ends once that session is stopped.
func (s StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		// StdIO only supports a single session, so we yield it and wait until it's done.
		if !yield(s.sess) {
			return
		}
		<-s.sess.done
	}
}

// Shutdown implements the ServerTransport interface by waiting for the Sessions loop to end.
func (s StdIO) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// StartSession implements the ClientTransport interface by returning the single session.
func (s StdIO) StartSession(context.Context) (Session, error) {
	select {
	case <-s.sess.done:
		return nil, ErrSessionClosed
	default:
	}
	return s.sess, nil
}

// Send implements Session for the underlying single session, which is handy on the client side.
func (s StdIO) Send(ctx context.Context, msg JSONRPCMessage) error {
	return s.sess.Send(ctx, msg)
}

func (s *stdIOSession) ID() string {
	return s.id
}

func (s *stdIOSession) TransportKind() string { return "stdio" }

func (s *stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message so writes are never interleaved.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("failed to write message", slog.String("err", err.Error()))
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *stdIOSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		if !s.reading.CompareAndSwap(false, true) {
			s.logger.Error("messages iterated more than once")
			return
		}
		defer close(s.readClosed)

		lines := make(chan stdIOLine)
		// The read happens in its own goroutine so we can still listen to the done channel
		// while the reader blocks.
		go s.readLines(lines)

		for {
			var l stdIOLine
			select {
			case <-s.done:
				return
			case l = <-lines:
			}

			if l.err != nil {
				if errors.Is(l.err, io.EOF) || errors.Is(l.err, io.ErrClosedPipe) || errors.Is(l.err, os.ErrClosed) {
					s.logger.Debug("input stream closed")
					return
				}
				s.logger.Error("failed to read message", slog.String("err", l.err.Error()))
				return
			}

			line := bytes.TrimSpace(l.line)
			if len(line) == 0 {
				continue
			}

			msg, err := DecodeMessage(line)
			if err != nil {
				s.replyDecodeError(err)
				continue
			}

			// We stop iteration if yield returns false
			if !yield(msg) {
				return
			}
		}
	}
}

func (s *stdIOSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	if s.reading.Load() {
		<-s.readClosed
	}
	<-s.writeClosed
}

func (s *stdIOSession) readLines(lines chan<- stdIOLine) {
	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(s.reader)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			select {
			case <-s.done:
				return
			case lines <- stdIOLine{line: line}:
			}
		}
		if err != nil {
			select {
			case <-s.done:
			case lines <- stdIOLine{err: err}:
			}
			return
		}
	}
}

func (s *stdIOSession) replyDecodeError(err error) {
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		s.logger.Error("unexpected decode failure", slog.String("err", err.Error()))
		return
	}
	s.logger.Warn("failed to decode message",
		slog.Int64("offset", decodeErr.Offset),
		slog.String("err", decodeErr.Err.Error()))

	ctx, cancel := context.WithTimeout(context.Background(), stdIOErrorReplyTimeout)
	defer cancel()

	if err := s.Send(ctx, decodeErr.Response()); err != nil {
		s.logger.Error("failed to send decode error", slog.String("err", err.Error()))
	}
}

func (s *stdIOSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		// Process writing the message queue until the session is closed.
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)
		if err == nil {
			if f, ok := s.writer.(flusher); ok {
				err = f.Flush()
			}
		}

		msg.errs <- err
	}
}
