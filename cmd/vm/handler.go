package vm

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/projecteru2/vmbridge/bridge"
	cmdcore "github.com/projecteru2/vmbridge/cmd/core"
	"github.com/projecteru2/vmbridge/console"
	"github.com/projecteru2/vmbridge/disk"
	"github.com/projecteru2/vmbridge/hypervisor/qemu"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Debug(cmd *cobra.Command, args []string) error {
	_, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	target, err := cmdcore.Target(conf, args[0])
	if err != nil {
		return err
	}
	visible, _ := cmd.Flags().GetBool("visible")
	resume, _ := cmd.Flags().GetBool("resume")
	network, _ := cmd.Flags().GetBool("network")

	spec, prof, err := bridge.Plan(conf, target, visible)
	if err != nil {
		return err
	}
	if network {
		prof.Network = true
	}
	if resume {
		p, _ := conf.Profile(target)
		prof.ResumeTag = p.ResumeTag
	}

	fmt.Printf("# Disk: %s (%s, %s)\n", spec.Path, spec.Format, cmdcore.FormatSize(spec.Size))
	fmt.Printf("# Launch VM: %s (visible: %t)\n", target, visible)
	printArgv(qemu.New(conf).Command(prof))
	return nil
}

// printArgv prints argv as a shell command, one option and its value per line.
func printArgv(argv []string) {
	var lines []string
	for i := 0; i < len(argv); i++ {
		line := shellQuote(argv[i])
		if i > 0 && strings.HasPrefix(argv[i], "-") && i+1 < len(argv) && !strings.HasPrefix(argv[i+1], "-") {
			i++
			line += " " + shellQuote(argv[i])
		}
		lines = append(lines, line)
	}
	fmt.Println(strings.Join(lines, " \\\n  "))
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"'$;&|<>*?()") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (h Handler) DiskCheck(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	target, err := cmdcore.Target(conf, args[0])
	if err != nil {
		return err
	}
	if err := conf.EnsureDirs(); err != nil {
		return err
	}
	if err := conf.EnsureTargetDirs(target); err != nil {
		return err
	}
	spec, _, err := bridge.Plan(conf, target, false)
	if err != nil {
		return err
	}
	res, err := disk.New(conf).Ensure(ctx, spec)
	if err != nil {
		return fmt.Errorf("disk check %s: %w", target, err)
	}
	logger := log.WithFunc("cmd.disk")
	logger.Infof(ctx, "%s: %s %s", target, res.Status, res.Path)
	if res.Detail != "" {
		logger.Infof(ctx, "%s: %s", target, res.Detail)
	}
	return nil
}

func (h Handler) Monitor(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	target, err := cmdcore.Target(conf, args[0])
	if err != nil {
		return err
	}
	escapeStr, _ := cmd.Flags().GetString("escape-char")
	escapeChar, err := console.ParseEscapeChar(escapeStr)
	if err != nil {
		return err
	}

	socket := conf.MonitorSocket(target)
	conn, err := net.DialTimeout("unix", socket, conf.Timing.ControlDial)
	if err != nil {
		return fmt.Errorf("connect monitor %s (is %s running?): %w", socket, target, err)
	}
	defer conn.Close() //nolint:errcheck

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("stdin is not a terminal")
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("set raw mode: %w", err)
	}
	defer func() {
		_ = term.Restore(fd, oldState)
		fmt.Fprintf(os.Stderr, "\r\nDisconnected from %s.\r\n", target)
	}()

	fmt.Fprintf(os.Stderr, "Connected to %s monitor (escape sequence: %s.)\r\n", target, console.FormatEscapeChar(escapeChar))
	if err := console.Relay(ctx, conn, escapeChar); err != nil {
		fmt.Fprintf(os.Stderr, "\r\nrelay error: %v\r\n", err)
	}
	return nil
}
