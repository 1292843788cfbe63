package config

import (
	"path/filepath"

	"github.com/projecteru2/vmbridge/types"
	"github.com/projecteru2/vmbridge/utils"
)

// EnsureDirs creates all static directories the bridge needs.
// Per-target directories are created on demand via EnsureTargetDirs.
func (c *Config) EnsureDirs() error {
	return utils.EnsureDirs(
		c.dbDir(),
		c.diskDir(),
		c.RunDir,
		c.LogDir,
	)
}

// EnsureTargetDirs creates the per-target runtime and log directories.
func (c *Config) EnsureTargetDirs(target types.Target) error {
	return utils.EnsureDirs(
		c.TargetRunDir(target),
		c.TargetLogDir(target),
	)
}

func (c *Config) dbDir() string   { return filepath.Join(c.RootDir, "db") }
func (c *Config) diskDir() string { return filepath.Join(c.RootDir, "disks") }

// SessionsFile and SessionsLock are the session index store paths.
func (c *Config) SessionsFile() string { return filepath.Join(c.dbDir(), "sessions.json") }
func (c *Config) SessionsLock() string { return filepath.Join(c.dbDir(), "sessions.lock") }

// CursorFile and CursorLock are the event log cursor store paths.
func (c *Config) CursorFile() string { return filepath.Join(c.dbDir(), "cursor.json") }
func (c *Config) CursorLock() string { return filepath.Join(c.dbDir(), "cursor.lock") }

func (c *Config) TargetRunDir(target types.Target) string {
	return filepath.Join(c.RunDir, string(target))
}
func (c *Config) MonitorSocket(target types.Target) string {
	return filepath.Join(c.TargetRunDir(target), "monitor.sock")
}
func (c *Config) PIDFile(target types.Target) string {
	return filepath.Join(c.TargetRunDir(target), "qemu.pid")
}

// LaunchMarker and LaunchMarkerLock are the LaunchLock paths for target.
// They live in RunDir so a host reboot clears them.
func (c *Config) LaunchMarker(target types.Target) string {
	return filepath.Join(c.RunDir, string(target)+".launch.json")
}
func (c *Config) LaunchMarkerLock(target types.Target) string {
	return filepath.Join(c.RunDir, string(target)+".launch.lock")
}

func (c *Config) TargetLogDir(target types.Target) string {
	return filepath.Join(c.LogDir, string(target))
}
func (c *Config) QEMULog(target types.Target) string {
	return filepath.Join(c.TargetLogDir(target), "qemu.log")
}
func (c *Config) ViewerLog(target types.Target) string {
	return filepath.Join(c.TargetLogDir(target), "viewer.log")
}
func (c *Config) GuestSerialLog(target types.Target) string {
	return filepath.Join(c.TargetLogDir(target), "serial.log")
}

// DiskPath returns where target's disk image lives. Persistent disks are kept
// under RootDir; ephemeral ones go to the target's run dir.
func (c *Config) DiskPath(target types.Target, format types.DiskFormat, persistent bool) string {
	if persistent {
		return filepath.Join(c.diskDir(), string(target)+format.Ext())
	}
	return filepath.Join(c.TargetRunDir(target), "disk"+format.Ext())
}
