package control

import (
	"fmt"
	"strings"
)

var keyAliases = map[string]string{
	"enter":    "ret",
	"return":   "ret",
	"escape":   "esc",
	"space":    "spc",
	"bksp":     "backspace",
	"del":      "delete",
	"pageup":   "pgup",
	"pagedown": "pgdn",
	"win":      "meta_l",
	"super":    "meta_l",
	"meta":     "meta_l",
	"control":  "ctrl",
	"ctl":      "ctrl",
	"option":   "alt",
	"ins":      "insert",
	"capslock": "caps_lock",
	"numlock":  "num_lock",
	"printscr": "print",
}

// plainKeys maps punctuation typed without shift to qcodes.
var plainKeys = map[byte]string{
	' ':  "spc",
	'-':  "minus",
	'=':  "equal",
	';':  "semicolon",
	'\'': "apostrophe",
	',':  "comma",
	'.':  "dot",
	'/':  "slash",
	'\\': "backslash",
	'[':  "bracket_left",
	']':  "bracket_right",
	'`':  "grave_accent",
	'\t': "tab",
	'\n': "ret",
}

// shiftedKeys maps characters that need shift on a US layout.
var shiftedKeys = map[byte]string{
	'_': "minus",
	'+': "equal",
	':': "semicolon",
	'"': "apostrophe",
	'<': "comma",
	'>': "dot",
	'?': "slash",
	'|': "backslash",
	'{': "bracket_left",
	'}': "bracket_right",
	'~': "grave_accent",
	'!': "1",
	'@': "2",
	'#': "3",
	'$': "4",
	'%': "5",
	'^': "6",
	'&': "7",
	'*': "8",
	'(': "9",
	')': "0",
}

// NormalizeKey turns a user key spec like "Ctrl+Alt+Del" or "enter" into
// the HMP sendkey form "ctrl-alt-delete" / "ret".
func NormalizeKey(spec string) (string, error) {
	spec = strings.ToLower(strings.TrimSpace(spec))
	if spec == "" {
		return "", fmt.Errorf("empty key spec")
	}
	spec = strings.ReplaceAll(spec, "+", "-")
	parts := strings.Split(spec, "-")
	for i, p := range parts {
		if p == "" {
			return "", fmt.Errorf("bad key spec %q", spec)
		}
		if a, ok := keyAliases[p]; ok {
			parts[i] = a
			continue
		}
		if !validQcode(p) {
			return "", fmt.Errorf("unknown key %q", p)
		}
	}
	return strings.Join(parts, "-"), nil
}

// validQcode accepts single alphanumerics, function keys and named qcodes.
func validQcode(p string) bool {
	if len(p) == 1 {
		c := p[0]
		return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
	}
	if p[0] == 'f' && len(p) <= 3 {
		n := 0
		for _, c := range p[1:] {
			if c < '0' || c > '9' {
				return namedKeys[p]
			}
			n = n*10 + int(c-'0')
		}
		return n >= 1 && n <= 12
	}
	return namedKeys[p]
}

var namedKeys = map[string]bool{
	"ret": true, "esc": true, "spc": true, "tab": true, "backspace": true, "delete": true,
	"insert": true, "home": true, "end": true, "pgup": true, "pgdn": true,
	"up": true, "down": true, "left": true, "right": true,
	"ctrl": true, "ctrl_r": true, "alt": true, "alt_r": true, "shift": true, "shift_r": true,
	"meta_l": true, "meta_r": true, "menu": true, "caps_lock": true, "num_lock": true,
	"print": true, "sysrq": true, "pause": true,
	"minus": true, "equal": true, "semicolon": true, "apostrophe": true, "comma": true,
	"dot": true, "slash": true, "backslash": true, "bracket_left": true, "bracket_right": true,
	"grave_accent": true,
}

// TextToKeys maps printable ASCII text onto a sequence of sendkey specs.
func TextToKeys(text string) ([]string, error) {
	keys := make([]string, 0, len(text))
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			keys = append(keys, string(c))
		case c >= 'A' && c <= 'Z':
			keys = append(keys, "shift-"+string(c+('a'-'A')))
		default:
			if k, ok := plainKeys[c]; ok {
				keys = append(keys, k)
			} else if k, ok := shiftedKeys[c]; ok {
				keys = append(keys, "shift-"+k)
			} else {
				return nil, fmt.Errorf("no key for byte 0x%02x at %d", c, i)
			}
		}
	}
	return keys, nil
}
