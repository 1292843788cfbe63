package others

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompletion(t *testing.T) {
	for shell := range completions {
		t.Run(shell, func(t *testing.T) {
			root := &cobra.Command{Use: "vmbridge"}
			root.AddCommand(Commands(Handler{})...)
			var out bytes.Buffer
			root.SetOut(&out)
			root.SetArgs([]string{"completion", shell})
			require.NoError(t, root.Execute())
			assert.Contains(t, out.String(), "vmbridge")
		})
	}

	root := &cobra.Command{Use: "vmbridge", SilenceErrors: true, SilenceUsage: true}
	root.AddCommand(Commands(Handler{})...)
	root.SetArgs([]string{"completion", "tcsh"})
	assert.Error(t, root.Execute())
}
