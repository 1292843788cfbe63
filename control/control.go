// Package control talks to a running VMM over its QEMU human monitor (HMP)
// unix socket. Each operation opens its own connection and every read and
// write is bounded, so a wedged monitor can never stall the caller.
package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmbridge/utils"
)

var (
	// ErrUnreachable means the monitor socket could not be connected or dropped the connection.
	ErrUnreachable = errors.New("control channel unreachable")
	// ErrTimeout means the monitor accepted the command but produced no output in time.
	ErrTimeout = errors.New("control channel timeout")
	// ErrRejected means the monitor answered with an error.
	ErrRejected = errors.New("control command rejected")
)

const (
	prompt         = "(qemu) "
	readChunk      = 4096
	tabletMax      = 0x7fff
	defaultBackoff = 100 * time.Millisecond
)

// Options bound the client's waits.
type Options struct {
	DialTimeout time.Duration
	Timeout     time.Duration // per command
	SaveTimeout time.Duration // savevm can take much longer than input commands
	Retries     int           // extra dial attempts for transient failures
	Backoff     time.Duration // first retry delay, doubled each attempt
}

// Client issues HMP commands. It keeps no connection state and is safe for concurrent use.
type Client struct {
	opts Options
}

// New creates a Client, filling unset options with defaults.
func New(opts Options) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second //nolint:mnd
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 2 * time.Minute //nolint:mnd
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	return &Client{opts: opts}
}

// Execute runs one raw HMP command and returns its output.
func (c *Client) Execute(ctx context.Context, socket, cmd string) (string, error) {
	outs, err := c.session(ctx, socket, c.opts.Timeout, cmd)
	if err != nil {
		return "", err
	}
	return outs[0], nil
}

// SendKey presses a key combination such as "ctrl-alt-delete" or "Enter".
func (c *Client) SendKey(ctx context.Context, socket, spec string) error {
	key, err := NormalizeKey(spec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	_, err = c.session(ctx, socket, c.opts.Timeout, "sendkey "+key)
	return err
}

// SendText types text as a sequence of key presses over a single connection.
// With enter set a final Return is pressed.
func (c *Client) SendText(ctx context.Context, socket, text string, enter bool) error {
	keys, err := TextToKeys(text)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if enter {
		keys = append(keys, "ret")
	}
	if len(keys) == 0 {
		return nil
	}
	cmds := make([]string, len(keys))
	for i, k := range keys {
		cmds[i] = "sendkey " + k
	}
	_, err = c.session(ctx, socket, c.opts.Timeout, cmds...)
	return err
}

// PointerMove moves an absolute pointing device to (x, y), both in [0, 1].
func (c *Client) PointerMove(ctx context.Context, socket string, x, y float64) error {
	cmd := fmt.Sprintf("mouse_move %d %d", scaleAxis(x), scaleAxis(y))
	_, err := c.session(ctx, socket, c.opts.Timeout, cmd)
	return err
}

// Click presses and releases a pointer button.
func (c *Client) Click(ctx context.Context, socket, button string) error {
	mask, ok := buttonMask[button]
	if !ok {
		return fmt.Errorf("%w: unknown button %q", ErrRejected, button)
	}
	_, err := c.session(ctx, socket, c.opts.Timeout,
		fmt.Sprintf("mouse_button %d", mask), "mouse_button 0")
	return err
}

// PowerDown sends an ACPI power-button press to the guest.
func (c *Client) PowerDown(ctx context.Context, socket string) error {
	_, err := c.session(ctx, socket, c.opts.Timeout, "system_powerdown")
	return err
}

// SaveState stores the VM state into the disk's internal snapshot tag.
func (c *Client) SaveState(ctx context.Context, socket, tag string) error {
	if tag == "" || strings.ContainsAny(tag, " \t\"") {
		return fmt.Errorf("%w: bad snapshot tag %q", ErrRejected, tag)
	}
	_, err := c.session(ctx, socket, c.opts.SaveTimeout, "savevm "+tag)
	return err
}

// Quit stops the VMM immediately. The monitor closes without replying,
// so a dropped connection after the command is sent counts as success.
func (c *Client) Quit(ctx context.Context, socket string) error {
	_, err := c.session(ctx, socket, c.opts.Timeout, "quit")
	if errors.Is(err, errClosedAfterSend) || errors.Is(err, ErrTimeout) {
		return nil
	}
	return err
}

// RingbufWrite writes data into a ringbuf chardev of the VM.
func (c *Client) RingbufWrite(ctx context.Context, socket, chardev, data string) error {
	_, err := c.session(ctx, socket, c.opts.Timeout, fmt.Sprintf("ringbuf_write %s %s", chardev, quote(data)))
	return err
}

var buttonMask = map[string]int{"left": 1, "right": 2, "middle": 4}

func scaleAxis(v float64) int {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return tabletMax
	}
	return int(v * tabletMax)
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

// errClosedAfterSend marks a connection dropped after a command was written.
var errClosedAfterSend = fmt.Errorf("%w: closed after send", ErrUnreachable)

// session dials the monitor, drains the banner and runs cmds in order.
// It stops at the first failing command.
func (c *Client) session(ctx context.Context, socket string, timeout time.Duration, cmds ...string) ([]string, error) {
	conn, err := c.dial(ctx, socket)
	if err != nil {
		return nil, err
	}
	defer conn.Close() //nolint:errcheck
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	m := &monitor{conn: conn}
	// A missing banner is tolerated; some builds print it late or not at all.
	if _, err := m.readUntilPrompt(deadline(ctx, c.opts.Timeout)); err != nil && !errors.Is(err, ErrTimeout) {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s closed before prompt", ErrUnreachable, socket)
		}
		return nil, err
	}

	outs := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		out, err := m.exec(cmd, deadline(ctx, timeout))
		if err != nil {
			if ctx.Err() != nil {
				return outs, fmt.Errorf("%s: %w", cmd, ctx.Err())
			}
			return outs, fmt.Errorf("%s: %w", cmd, err)
		}
		outs = append(outs, out)
	}
	return outs, nil
}

func (c *Client) dial(ctx context.Context, socket string) (net.Conn, error) {
	logger := log.WithFunc("control.dial")
	var lastErr error
	for i := 0; i <= c.opts.Retries; i++ {
		d := net.Dialer{Timeout: c.opts.DialTimeout}
		conn, err := d.DialContext(ctx, "unix", socket)
		if err == nil {
			return conn, nil
		}
		lastErr = fmt.Errorf("%w: %s: %v", ErrUnreachable, socket, err)
		if ctx.Err() != nil || i == c.opts.Retries {
			break
		}
		backoff := c.opts.Backoff * time.Duration(1<<i)
		logger.Debugf(ctx, "dial %s failed (attempt %d), retrying in %s: %v", socket, i+1, backoff, err)
		if utils.Sleep(ctx, backoff) != nil {
			break
		}
	}
	return nil, lastErr
}

func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

type monitor struct {
	conn net.Conn
}

func (m *monitor) exec(cmd string, dl time.Time) (string, error) {
	if err := m.conn.SetWriteDeadline(dl); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if _, err := io.WriteString(m.conn, cmd+"\r\n"); err != nil {
		return "", fmt.Errorf("%w: write: %v", ErrUnreachable, err)
	}
	raw, err := m.readUntilPrompt(dl)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", errClosedAfterSend
		}
		return "", err
	}
	out := cleanOutput(raw, cmd)
	lower := strings.ToLower(out)
	if strings.Contains(lower, "unknown command") || strings.Contains(lower, "error") {
		return out, fmt.Errorf("%w: %s", ErrRejected, out)
	}
	return out, nil
}

// readUntilPrompt reads until the monitor prompt shows up or dl passes.
// Output received before the deadline without a prompt still counts as a
// reply. No output at all is ErrTimeout; a closed connection with no output is io.EOF.
func (m *monitor) readUntilPrompt(dl time.Time) (string, error) {
	if err := m.conn.SetReadDeadline(dl); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	var buf bytes.Buffer
	chunk := make([]byte, readChunk)
	for {
		n, err := m.conn.Read(chunk)
		buf.Write(chunk[:n])
		if bytes.Contains(buf.Bytes(), []byte(prompt)) {
			return buf.String(), nil
		}
		if err == nil {
			continue
		}
		if buf.Len() > 0 {
			return buf.String(), nil
		}
		var ne net.Error
		switch {
		case errors.As(err, &ne) && ne.Timeout():
			return "", ErrTimeout
		case errors.Is(err, io.EOF):
			return "", io.EOF
		default:
			return "", fmt.Errorf("%w: read: %v", ErrUnreachable, err)
		}
	}
}

// cleanOutput drops the prompt, the echoed command and terminal escapes.
func cleanOutput(raw, cmd string) string {
	raw = stripEscapes(raw)
	var lines []string
	echoed := false
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(strings.ReplaceAll(line, strings.TrimSpace(prompt), ""))
		if line == "" {
			continue
		}
		if !echoed && strings.HasSuffix(line, cmd) {
			echoed = true
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// stripEscapes removes ANSI CSI sequences emitted by the monitor's readline.
func stripEscapes(s string) string {
	if !strings.Contains(s, "\x1b") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != 0x1b {
			b.WriteByte(s[i])
			continue
		}
		if i+1 < len(s) && s[i+1] == '[' {
			i += 2
			for i < len(s) && (s[i] < 0x40 || s[i] > 0x7e) {
				i++
			}
		}
	}
	return b.String()
}
