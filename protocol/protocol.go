// Package protocol defines the line grammar shared by the guest console and
// the bridge.
//
// Events:  <PREFIX>:<TARGET>_<VERB>[:<ARGS>]
// Acks:    <ACK_PREFIX>:<TARGET>_<VERB>:<ok|err>:<detail>
//
// Lines using the legacy prefix or legacy verb spellings are rewritten into the
// current form by Normalize before parsing, so the rest of the bridge sees a
// single format.
package protocol

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/projecteru2/vmbridge/types"
)

const (
	DefaultEventPrefix  = "RAYOS_HOST_EVENT_V0"
	DefaultLegacyPrefix = "RAYOS_HOST_EVENT"
	DefaultAckPrefix    = "RAYOS_HOST_ACK"
	DefaultMaxTextLen   = 256
	maxKeyLen           = 64
)

// Reasons attached to synthetic invalid events.
const (
	ReasonInvalidPayload = "invalid_ascii_or_length"
	ReasonInvalidArgs    = "invalid_args"
)

// Codec parses event lines and formats event and ack lines.
type Codec struct {
	eventPrefix  string
	legacyPrefix string
	ackPrefix    string
	maxTextLen   int
}

// NewCodec builds a Codec; empty values fall back to the defaults.
func NewCodec(eventPrefix, legacyPrefix, ackPrefix string, maxTextLen int) *Codec {
	c := &Codec{
		eventPrefix:  cmp.Or(eventPrefix, DefaultEventPrefix),
		legacyPrefix: cmp.Or(legacyPrefix, DefaultLegacyPrefix),
		ackPrefix:    cmp.Or(ackPrefix, DefaultAckPrefix),
		maxTextLen:   maxTextLen,
	}
	if c.maxTextLen <= 0 {
		c.maxTextLen = DefaultMaxTextLen
	}
	return c
}

// MaxTextLen is the longest SENDTEXT payload accepted.
func (c *Codec) MaxTextLen() int { return c.maxTextLen }

// Normalize extracts the event body from a raw log line and rewrites legacy
// spellings. ok is false when the line carries no host event. Only the first
// prefix on the line counts; anything after it is payload, even text that
// looks like another event.
func (c *Codec) Normalize(line string) (body string, ok bool) {
	line = strings.TrimRight(line, "\r\n")
	cur := strings.Index(line, c.eventPrefix+":")
	legacy := -1
	if c.legacyPrefix != "" && c.legacyPrefix != c.eventPrefix {
		legacy = strings.Index(line, c.legacyPrefix+":")
	}
	switch {
	case cur >= 0 && (legacy < 0 || cur <= legacy):
		return line[cur+len(c.eventPrefix)+1:], true
	case legacy >= 0:
		return rewriteLegacy(line[legacy+len(c.legacyPrefix)+1:]), true
	default:
		return "", false
	}
}

// rewriteLegacy maps SHOW_<T>_DESKTOP / HIDE_<T>_DESKTOP onto <T>_SHOW / <T>_HIDE.
// Other legacy verbs already use the <T>_<VERB> shape.
func rewriteLegacy(body string) string {
	head, rest, hasArgs := strings.Cut(body, ":")
	for _, verb := range []types.EventKind{types.EventShow, types.EventHide} {
		p := string(verb) + "_"
		if strings.HasPrefix(head, p) && strings.HasSuffix(head, "_DESKTOP") {
			target := strings.TrimSuffix(strings.TrimPrefix(head, p), "_DESKTOP")
			if target == "" {
				break
			}
			head = target + "_" + string(verb)
		}
	}
	if hasArgs {
		return head + ":" + rest
	}
	return head
}

// Parse turns one raw log line into an Event. ok is false for lines that are
// not host events or that name a verb the bridge does not handle; such lines
// are ignored. Recognized events with a bad payload come back with Invalid set.
func (c *Codec) Parse(line string, receivedAt time.Time) (types.Event, bool) {
	body, ok := c.Normalize(line)
	if !ok {
		return types.Event{}, false
	}
	head, args, hasArgs := strings.Cut(body, ":")
	target, verb, ok := splitHead(head)
	if !ok {
		return types.Event{}, false
	}
	ev := types.Event{
		Kind:       verb,
		Target:     target,
		Raw:        strings.TrimRight(line, "\r\n"),
		ReceivedAt: receivedAt,
	}
	ev.Invalid = c.fillPayload(&ev, args, hasArgs)
	return ev, true
}

func splitHead(head string) (types.Target, types.EventKind, bool) {
	t, v, ok := strings.Cut(head, "_")
	if !ok || t == "" {
		return "", "", false
	}
	kind := types.EventKind(strings.ToUpper(v))
	for _, k := range types.EventKinds {
		if k == kind {
			return types.ParseTarget(t), kind, true
		}
	}
	return "", "", false
}

// fillPayload decodes the argument part into ev and returns an invalid reason or "".
func (c *Codec) fillPayload(ev *types.Event, args string, hasArgs bool) string {
	switch ev.Kind {
	case types.EventSendText:
		if !hasArgs || !c.ValidText(args) {
			return ReasonInvalidPayload
		}
		ev.Text = args
	case types.EventSendKey:
		if !hasArgs || !ValidKey(args) {
			return ReasonInvalidPayload
		}
		ev.Key = args
	case types.EventPointerMove:
		x, y, err := parsePoint(args)
		if !hasArgs || err != nil {
			return ReasonInvalidArgs
		}
		ev.X, ev.Y = x, y
	case types.EventClick:
		btn := "left"
		if hasArgs {
			btn = strings.ToLower(args)
		}
		if !ValidButton(btn) {
			return ReasonInvalidArgs
		}
		ev.Button = btn
	default:
		if hasArgs && args != "" {
			return ReasonInvalidArgs
		}
	}
	return ""
}

// ValidText reports whether s is non-empty printable ASCII within the length limit.
func (c *Codec) ValidText(s string) bool {
	return s != "" && len(s) <= c.maxTextLen && printableASCII(s)
}

// ValidKey reports whether s looks like a key spec: [A-Za-z0-9_+-], bounded length.
func ValidKey(s string) bool {
	if s == "" || len(s) > maxKeyLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		b := s[i]
		switch {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		case b == '-', b == '_', b == '+':
		default:
			return false
		}
	}
	return true
}

// ValidButton reports whether s names a pointer button.
func ValidButton(s string) bool {
	switch s {
	case "left", "right", "middle":
		return true
	}
	return false
}

func printableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

func parsePoint(args string) (float64, float64, error) {
	xs, ys, ok := strings.Cut(args, ":")
	if !ok {
		return 0, 0, fmt.Errorf("want x:y, got %q", args)
	}
	x, err := parseUnit(xs)
	if err != nil {
		return 0, 0, err
	}
	y, err := parseUnit(ys)
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

func parseUnit(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("%v outside [0,1]", v)
	}
	return v, nil
}

// FormatEvent renders an event line in the current format.
func (c *Codec) FormatEvent(target types.Target, kind types.EventKind, args ...string) string {
	var b strings.Builder
	b.WriteString(c.eventPrefix)
	b.WriteByte(':')
	b.WriteString(target.Wire())
	b.WriteByte('_')
	b.WriteString(string(kind))
	for _, a := range args {
		b.WriteByte(':')
		b.WriteString(a)
	}
	return b.String()
}

// FormatAck renders the full ack line written to the event channel.
func (c *Codec) FormatAck(rec types.AckRecord) string {
	return fmt.Sprintf("%s:%s:%s:%s", c.ackPrefix, rec.Operation, rec.Status, sanitizeDetail(rec.Detail))
}

// ShortAck is the compact form relayed into the requesting guest.
func ShortAck(rec types.AckRecord) string {
	return rec.Operation + ":" + string(rec.Status)
}

// sanitizeDetail keeps ack lines single-line printable ASCII.
func sanitizeDetail(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] < 0x20 || b[i] > 0x7e {
			b[i] = '_'
		}
	}
	return string(b)
}
