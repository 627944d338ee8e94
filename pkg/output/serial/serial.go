// Package serial exchanges JSON lines with a host over a serial port.
package serial

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	goserial "github.com/tarm/serial"

	"github.com/ericogr/loadcell-to-mqtt/pkg/command"
	"github.com/ericogr/loadcell-to-mqtt/pkg/config"
	"github.com/ericogr/loadcell-to-mqtt/pkg/output"
	"github.com/ericogr/loadcell-to-mqtt/pkg/report"
	"github.com/ericogr/loadcell-to-mqtt/pkg/util"
)

const (
	DefaultBaud = 115200
	readTimeout = 300 * time.Millisecond
	maxLine     = 4096
)

// SerialOutput writes every document as one line and reads command lines.
type SerialOutput struct {
	wmu  sync.Mutex
	port io.ReadWriteCloser
	// open reopens the port after a read failure; nil keeps the old port.
	open func() (io.ReadWriteCloser, error)
	log  zerolog.Logger
}

func NewSerial(cfg config.SerialConfig, log zerolog.Logger) (*SerialOutput, error) {
	baud := cfg.Baud
	if baud == 0 {
		baud = DefaultBaud
	}
	open := func() (io.ReadWriteCloser, error) {
		port, err := goserial.OpenPort(&goserial.Config{
			Name:        cfg.Port,
			Baud:        baud,
			Parity:      goserial.ParityNone,
			Size:        8,
			StopBits:    goserial.Stop1,
			ReadTimeout: readTimeout,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "open serial port %s", cfg.Port)
		}
		return port, nil
	}
	port, err := open()
	if err != nil {
		return nil, err
	}
	s := newSerial(port, log)
	s.open = open
	return s, nil
}

func newSerial(port io.ReadWriteCloser, log zerolog.Logger) *SerialOutput {
	return &SerialOutput{port: port, log: log.With().Str("component", "serial").Logger()}
}

func (s *SerialOutput) Publish(msg report.Message) error {
	line := make([]byte, 0, len(msg.Body)+1)
	line = append(line, msg.Body...)
	line = append(line, '\n')
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.port.Write(line)
	return errors.WithStack(err)
}

// Listen reads command lines until ctx is canceled. Commands are executed
// in order; invalid lines are answered with an error status. A failing
// port is reported, reopened and read again with backoff.
func (s *SerialOutput) Listen(ctx context.Context, sub output.Submitter) error {
	return util.UntilCanceled(ctx, s.log, "serial command reader", func() error {
		err := s.readLines(ctx, sub)
		if err == nil {
			return nil
		}
		s.publishError(err.Error(), "")
		if rerr := s.reopen(); rerr != nil {
			s.log.Warn().Err(rerr).Msg("serial reopen failed")
		}
		return err
	})
}

// readLines returns nil once ctx is done and the read error otherwise.
func (s *SerialOutput) readLines(ctx context.Context, sub output.Submitter) error {
	var pending []byte
	buf := make([]byte, 256)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := s.current().Read(buf)
		pending = append(pending, buf[:n]...)
		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			line := string(bytes.TrimSpace(pending[:i]))
			pending = pending[i+1:]
			if line != "" {
				s.handleLine(ctx, sub, line)
			}
		}
		if len(pending) > maxLine {
			s.log.Warn().Int("bytes", len(pending)).Msg("discarding overlong line")
			pending = pending[:0]
		}
		if err != nil && err != io.EOF {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "serial read")
		}
	}
}

func (s *SerialOutput) current() io.ReadWriteCloser {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.port
}

func (s *SerialOutput) reopen() error {
	if s.open == nil {
		return nil
	}
	port, err := s.open()
	if err != nil {
		return err
	}
	s.wmu.Lock()
	old := s.port
	s.port = port
	s.wmu.Unlock()
	if err := old.Close(); err != nil {
		s.log.Debug().Err(err).Msg("closing failed serial port")
	}
	return nil
}

func (s *SerialOutput) publishError(message, uuid string) {
	status := report.Status{Status: report.StatusError, Message: message, MessageUUID: uuid}
	if msg, err := report.Render(report.KindStatus, status); err == nil {
		_ = s.Publish(msg)
	}
}

func (s *SerialOutput) handleLine(ctx context.Context, sub output.Submitter, line string) {
	cmd, err := command.Parse(line)
	if err != nil {
		s.log.Warn().Err(err).Str("line", line).Msg("invalid command")
		s.publishError(err.Error(), cmd.UUID)
		return
	}
	if _, err := sub.Submit(ctx, cmd); err != nil {
		s.log.Debug().Err(err).Str("command", cmd.String()).Msg("command not executed")
	}
}

func (s *SerialOutput) Close() error {
	return s.current().Close()
}
