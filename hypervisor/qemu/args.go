package qemu

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/projecteru2/vmbridge/hypervisor"
)

// argBuilder turns a Profile into a QEMU argv, one section at a time.
type argBuilder struct {
	p    *hypervisor.Profile
	args []string
}

func buildArgs(binary string, p *hypervisor.Profile) []string {
	b := &argBuilder{p: p, args: []string{binary}}
	b.add("-name", fmt.Sprintf("guest=vmbridge-%s,debug-threads=on", p.Target))
	b.machine()
	b.resources()
	b.boot()
	b.drives()
	b.network()
	b.display()
	b.control()
	b.devices()
	b.resume()
	b.add(p.ExtraArgs...)
	return b.args
}

func (b *argBuilder) add(args ...string) { b.args = append(b.args, args...) }

func (b *argBuilder) machine() {
	machine := b.p.Machine
	if machine == "" {
		machine = "q35"
	}
	if !strings.Contains(machine, "accel=") {
		machine += ",accel=kvm:tcg"
	}
	b.add("-machine", machine)
}

func (b *argBuilder) resources() {
	if mb := b.p.MemoryBytes >> 20; mb > 0 {
		b.add("-m", strconv.FormatInt(mb, 10)+"M")
	}
	if b.p.CPUs > 0 {
		b.add("-smp", strconv.Itoa(b.p.CPUs))
	}
}

func (b *argBuilder) boot() {
	if b.p.Kernel != "" {
		b.add("-kernel", b.p.Kernel)
		if b.p.Initrd != "" {
			b.add("-initrd", b.p.Initrd)
		}
		if b.p.Append != "" {
			b.add("-append", b.p.Append)
		}
	}
	if b.p.CDROM != "" {
		b.add("-cdrom", b.p.CDROM)
	}
}

func (b *argBuilder) drives() {
	if b.p.DiskPath == "" {
		return
	}
	b.add("-drive", fmt.Sprintf("file=%s,format=%s,if=virtio,cache=writeback,discard=unmap",
		escapeComma(b.p.DiskPath), b.p.DiskFormat))
}

func (b *argBuilder) network() {
	if !b.p.Network {
		b.add("-nic", "none")
		return
	}
	b.add("-netdev", "user,id=net0", "-device", "virtio-net-pci,netdev=net0")
}

// display always exposes VNC on loopback so a viewer can attach later; a
// visible launch additionally opens a local window.
func (b *argBuilder) display() {
	if b.p.Visible {
		backend := b.p.VisibleDisplay
		if backend == "" {
			backend = "gtk"
		}
		b.add("-display", backend)
	} else {
		b.add("-display", "none")
	}
	b.add("-vnc", fmt.Sprintf("%s:%d", hypervisor.VNCHost, b.p.VNCDisplay))
}

func (b *argBuilder) control() {
	b.add("-monitor", fmt.Sprintf("unix:%s,server=on,wait=off", escapeComma(b.p.MonitorSocket)))
	if b.p.PIDFile != "" {
		b.add("-pidfile", b.p.PIDFile)
	}
	if b.p.SerialLog != "" {
		b.add("-serial", "file:"+b.p.SerialLog)
	}
}

// devices adds the USB tablet; absolute pointer events need it.
func (b *argBuilder) devices() {
	b.add("-usb", "-device", "usb-tablet")
}

func (b *argBuilder) resume() {
	if b.p.ResumeTag != "" && b.p.DiskFormat.Snapshots() {
		b.add("-loadvm", b.p.ResumeTag)
	}
}

// escapeComma doubles commas, QEMU's escape inside option values.
func escapeComma(s string) string {
	return strings.ReplaceAll(s, ",", ",,")
}
