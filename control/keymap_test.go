package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
		bad  bool
	}{
		{in: "enter", want: "ret"},
		{in: "Ctrl+Alt+Del", want: "ctrl-alt-delete"},
		{in: "ctrl-c", want: "ctrl-c"},
		{in: "win", want: "meta_l"},
		{in: "F12", want: "f12"},
		{in: "PageDown", want: "pgdn"},
		{in: "shift-tab", want: "shift-tab"},
		{in: "f13", bad: true},
		{in: "ctrl--", bad: true},
		{in: "banana", bad: true},
		{in: "", bad: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeKey(tt.in)
			if tt.bad {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTextToKeys(t *testing.T) {
	keys, err := TextToKeys("Hi, you?")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"shift-h", "i", "comma", "spc", "y", "o", "u", "shift-slash",
	}, keys)

	keys, err = TextToKeys(`a_b+"{}`)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"a", "shift-minus", "b", "shift-equal", "shift-apostrophe", "shift-bracket_left", "shift-bracket_right",
	}, keys)

	_, err = TextToKeys("caf\xc3\xa9")
	assert.Error(t, err)
}
