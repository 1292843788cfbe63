package protocol

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/vmbridge/types"
)

func TestParse(t *testing.T) {
	c := NewCodec("", "", "", 16)
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name    string
		line    string
		ignored bool
		want    types.Event
	}{
		{
			name: "show",
			line: "RAYOS_HOST_EVENT_V0:LINUX_SHOW\n",
			want: types.Event{Kind: types.EventShow, Target: types.TargetLinux},
		},
		{
			name: "legacy show desktop",
			line: "RAYOS_HOST_EVENT:SHOW_LINUX_DESKTOP\r\n",
			want: types.Event{Kind: types.EventShow, Target: types.TargetLinux},
		},
		{
			name: "legacy hide desktop",
			line: "RAYOS_HOST_EVENT:HIDE_WINDOWS_DESKTOP",
			want: types.Event{Kind: types.EventHide, Target: types.TargetWindows},
		},
		{
			name: "legacy sendtext keeps colons",
			line: "RAYOS_HOST_EVENT:LINUX_SENDTEXT:a:b c",
			want: types.Event{Kind: types.EventSendText, Target: types.TargetLinux, Text: "a:b c"},
		},
		{
			name: "prefix after serial noise",
			line: "[ 12.3] RAYOS_HOST_EVENT_V0:WINDOWS_SHUTDOWN",
			want: types.Event{Kind: types.EventShutdown, Target: types.TargetWindows},
		},
		{
			name: "sendkey",
			line: "RAYOS_HOST_EVENT_V0:LINUX_SENDKEY:ctrl-alt-delete",
			want: types.Event{Kind: types.EventSendKey, Target: types.TargetLinux, Key: "ctrl-alt-delete"},
		},
		{
			name: "pointer",
			line: "RAYOS_HOST_EVENT_V0:LINUX_MOUSE_ABS:0.25:1",
			want: types.Event{Kind: types.EventPointerMove, Target: types.TargetLinux, X: 0.25, Y: 1},
		},
		{
			name: "click default button",
			line: "RAYOS_HOST_EVENT_V0:LINUX_CLICK",
			want: types.Event{Kind: types.EventClick, Target: types.TargetLinux, Button: "left"},
		},
		{
			name: "click right",
			line: "RAYOS_HOST_EVENT_V0:LINUX_CLICK:RIGHT",
			want: types.Event{Kind: types.EventClick, Target: types.TargetLinux, Button: "right"},
		},
		{
			name: "unknown target still parsed",
			line: "RAYOS_HOST_EVENT_V0:HAIKU_SHOW",
			want: types.Event{Kind: types.EventShow, Target: types.Target("haiku")},
		},
		{
			name: "text too long",
			line: "RAYOS_HOST_EVENT_V0:LINUX_SENDTEXT:" + strings.Repeat("a", 17),
			want: types.Event{Kind: types.EventSendText, Target: types.TargetLinux, Invalid: ReasonInvalidPayload},
		},
		{
			name: "text non ascii",
			line: "RAYOS_HOST_EVENT_V0:LINUX_SENDTEXT:h\x01i",
			want: types.Event{Kind: types.EventSendText, Target: types.TargetLinux, Invalid: ReasonInvalidPayload},
		},
		{
			name: "empty text",
			line: "RAYOS_HOST_EVENT_V0:LINUX_SENDTEXT:",
			want: types.Event{Kind: types.EventSendText, Target: types.TargetLinux, Invalid: ReasonInvalidPayload},
		},
		{
			name: "bad key",
			line: "RAYOS_HOST_EVENT_V0:LINUX_SENDKEY:a b",
			want: types.Event{Kind: types.EventSendKey, Target: types.TargetLinux, Invalid: ReasonInvalidPayload},
		},
		{
			name: "pointer out of range",
			line: "RAYOS_HOST_EVENT_V0:LINUX_MOUSE_ABS:1.5:0",
			want: types.Event{Kind: types.EventPointerMove, Target: types.TargetLinux, Invalid: ReasonInvalidArgs},
		},
		{
			name: "pointer missing y",
			line: "RAYOS_HOST_EVENT_V0:LINUX_MOUSE_ABS:0.5",
			want: types.Event{Kind: types.EventPointerMove, Target: types.TargetLinux, Invalid: ReasonInvalidArgs},
		},
		{
			name: "show with args",
			line: "RAYOS_HOST_EVENT_V0:LINUX_SHOW:now",
			want: types.Event{Kind: types.EventShow, Target: types.TargetLinux, Invalid: ReasonInvalidArgs},
		},
		{
			name: "legacy text quoting the current prefix",
			line: "RAYOS_HOST_EVENT:LINUX_SENDTEXT:x RAYOS_HOST_EVENT_V0:LINUX_SHOW",
			want: types.Event{Kind: types.EventSendText, Target: types.TargetLinux, Invalid: ReasonInvalidPayload},
		},
		{name: "presentation notice", line: "RAYOS_HOST_EVENT_V0:LINUX_PRESENTATION:PRESENTED", ignored: true},
		{name: "ack line", line: "RAYOS_HOST_ACK:LINUX_SHOW:ok:launching", ignored: true},
		{name: "plain output", line: "Booting kernel...", ignored: true},
		{name: "no verb", line: "RAYOS_HOST_EVENT_V0:LINUX", ignored: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := c.Parse(tt.line, now)
			if tt.ignored {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want.Kind, ev.Kind)
			assert.Equal(t, tt.want.Target, ev.Target)
			assert.Equal(t, tt.want.Text, ev.Text)
			assert.Equal(t, tt.want.Key, ev.Key)
			assert.InDelta(t, tt.want.X, ev.X, 1e-9)
			assert.InDelta(t, tt.want.Y, ev.Y, 1e-9)
			assert.Equal(t, tt.want.Button, ev.Button)
			assert.Equal(t, tt.want.Invalid, ev.Invalid)
			assert.Equal(t, now, ev.ReceivedAt)
			assert.Equal(t, strings.TrimRight(tt.line, "\r\n"), ev.Raw)
		})
	}
}

func TestFormatRoundTrip(t *testing.T) {
	c := NewCodec("", "", "", 0)
	line := c.FormatEvent(types.TargetWindows, types.EventPointerMove, "0.5", "0.75")
	assert.Equal(t, "RAYOS_HOST_EVENT_V0:WINDOWS_MOUSE_ABS:0.5:0.75", line)

	ev, ok := c.Parse(line, time.Now())
	require.True(t, ok)
	assert.Empty(t, ev.Invalid)
	assert.Equal(t, "WINDOWS_MOUSE_ABS", ev.Operation())
}

func TestFormatAck(t *testing.T) {
	c := NewCodec("", "", "X_ACK", 0)
	rec := types.AckRecord{Operation: "LINUX_SHOW", Status: types.AckErr, Detail: "launch_failed\nboom"}
	assert.Equal(t, "X_ACK:LINUX_SHOW:err:launch_failed_boom", c.FormatAck(rec))
	assert.Equal(t, "LINUX_SHOW:err", ShortAck(rec))

	// Ack lines never parse as events.
	_, ok := c.Parse(c.FormatAck(rec), time.Now())
	assert.False(t, ok)
}

func TestCustomPrefixes(t *testing.T) {
	c := NewCodec("HOST_V1", "HOST", "", 0)
	ev, ok := c.Parse("HOST:SHOW_LINUX_DESKTOP", time.Now())
	require.True(t, ok)
	assert.Equal(t, types.EventShow, ev.Kind)

	_, ok = c.Parse("RAYOS_HOST_EVENT_V0:LINUX_SHOW", time.Now())
	assert.False(t, ok)
}

func TestFirstPrefixWins(t *testing.T) {
	c := NewCodec("", "", "", 0)
	now := time.Unix(1700000000, 0)

	ev, ok := c.Parse("RAYOS_HOST_EVENT:LINUX_SENDTEXT:see RAYOS_HOST_EVENT_V0:LINUX_SHUTDOWN", now)
	require.True(t, ok)
	assert.Equal(t, types.EventSendText, ev.Kind)
	assert.Equal(t, "see RAYOS_HOST_EVENT_V0:LINUX_SHUTDOWN", ev.Text)
	assert.Empty(t, ev.Invalid)

	ev, ok = c.Parse("RAYOS_HOST_EVENT_V0:WINDOWS_SENDTEXT:old RAYOS_HOST_EVENT:SHOW_LINUX_DESKTOP", now)
	require.True(t, ok)
	assert.Equal(t, types.EventSendText, ev.Kind)
	assert.Equal(t, types.TargetWindows, ev.Target)
	assert.Equal(t, "old RAYOS_HOST_EVENT:SHOW_LINUX_DESKTOP", ev.Text)
}
