// Package console relays an interactive terminal to a VMM's monitor socket.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// DefaultEscape is ctrl+].
const DefaultEscape byte = 0x1D

type escapeState int

const (
	stateNormal escapeState = iota
	stateEscaped
)

// ParseEscapeChar accepts a single printable character or caret notation
// such as "^]".
func ParseEscapeChar(s string) (byte, error) {
	switch {
	case len(s) == 1:
		return s[0], nil
	case len(s) == 2 && s[0] == '^':
		c := s[1]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if c < '@' || c > '_' {
			return 0, fmt.Errorf("invalid caret escape %q", s)
		}
		return c - '@', nil
	default:
		return 0, fmt.Errorf("escape char must be one character or ^X, got %q", s)
	}
}

// FormatEscapeChar renders b the way ParseEscapeChar reads it.
func FormatEscapeChar(b byte) string {
	if b < 0x20 {
		return "^" + string(rune(b+'@'))
	}
	return string(rune(b))
}

// Relay copies stdin to conn and conn to stdout until either side closes or
// the user types the escape sequence followed by '.'.
func Relay(ctx context.Context, conn io.ReadWriter, escape byte) error {
	return relay(ctx, conn, os.Stdin, os.Stdout, escape)
}

func relay(ctx context.Context, conn io.ReadWriter, stdin io.Reader, stdout io.Writer, escape byte) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outErr := make(chan error, 1)
	inErr := make(chan error, 1)
	go func() {
		_, err := io.Copy(stdout, conn)
		outErr <- err
		cancel()
	}()
	// stdin may block forever on a terminal; this goroutine is not waited for.
	go func() {
		inErr <- relayInput(ctx, stdin, conn, stdout, escape)
		cancel()
	}()

	<-ctx.Done()
	if c, ok := conn.(io.Closer); ok {
		_ = c.Close()
	}
	err := <-outErr
	select {
	case ierr := <-inErr:
		if ierr != nil && !isCleanExit(ierr) {
			return ierr
		}
	default:
	}
	if err != nil && !isCleanExit(err) {
		return err
	}
	return nil
}

func relayInput(ctx context.Context, stdin io.Reader, conn, stdout io.Writer, escape byte) error {
	state := stateNormal
	buf := make([]byte, 1)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := stdin.Read(buf)
		if n == 0 || err != nil {
			return err
		}
		b := buf[0]

		if state == stateNormal {
			if b == escape {
				state = stateEscaped
				continue
			}
			if _, werr := conn.Write(buf[:1]); werr != nil {
				return werr
			}
			continue
		}

		state = stateNormal
		switch b {
		case '.':
			return nil
		case '?':
			e := FormatEscapeChar(escape)
			_, _ = fmt.Fprintf(stdout, "\r\nSupported escape sequences:\r\n  %s.  Disconnect\r\n  %s?  This help\r\n  %s%s Send %s\r\n", e, e, e, e, e)
		case escape:
			if _, werr := conn.Write([]byte{escape}); werr != nil {
				return werr
			}
		default:
			if _, werr := conn.Write([]byte{escape, b}); werr != nil {
				return werr
			}
		}
	}
}

// isCleanExit reports errors that mean the other side simply went away.
func isCleanExit(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EIO) || errors.Is(err, net.ErrClosed)
}
