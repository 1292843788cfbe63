package console

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestParseEscapeChar(t *testing.T) {
	for in, want := range map[string]byte{"^]": 0x1D, "^a": 0x01, "^A": 0x01, "~": '~'} {
		got, err := ParseEscapeChar(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "ab", "^1", "^^x"} {
		_, err := ParseEscapeChar(in)
		assert.Error(t, err, in)
	}
	assert.Equal(t, "^]", FormatEscapeChar(DefaultEscape))
	assert.Equal(t, "~", FormatEscapeChar('~'))
}

// monitorPipe returns the client end and a channel with everything the
// monitor side received once the client hangs up.
func monitorPipe(t *testing.T, greeting string) (net.Conn, <-chan string) {
	t.Helper()
	client, server := net.Pipe()
	got := make(chan string, 1)
	go func() {
		defer server.Close() //nolint:errcheck
		if greeting != "" {
			_, _ = server.Write([]byte(greeting))
		}
		data, _ := io.ReadAll(server)
		got <- string(data)
	}()
	return client, got
}

func TestRelayDetach(t *testing.T) {
	conn, got := monitorPipe(t, "QEMU monitor\r\n(qemu) ")
	stdin := strings.NewReader("info status\r\x1d\x1d\x1dx\x1d.ignored")
	out := &lockedBuffer{}

	require.NoError(t, relay(context.Background(), conn, stdin, out, DefaultEscape))
	assert.Equal(t, "info status\r\x1d\x1dx", <-got)
	assert.Contains(t, out.String(), "(qemu) ")
}

func TestRelayHelp(t *testing.T) {
	conn, got := monitorPipe(t, "")
	out := &lockedBuffer{}

	require.NoError(t, relay(context.Background(), conn, strings.NewReader("~?~."), out, '~'))
	assert.Empty(t, <-got)
	assert.Contains(t, out.String(), "~.  Disconnect")
}

func TestRelayMonitorHangup(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		_, _ = server.Write([]byte("bye\r\n"))
		_ = server.Close()
	}()
	stdinR, stdinW := io.Pipe()
	defer stdinW.Close() //nolint:errcheck
	out := &lockedBuffer{}

	require.NoError(t, relay(context.Background(), client, stdinR, out, DefaultEscape))
	assert.Equal(t, "bye\r\n", out.String())
}
