package types

// DiskFormat is the on-disk image format of a guest disk.
type DiskFormat string

const (
	DiskRaw   DiskFormat = "raw"   // sparse file carrying an ext4 filesystem
	DiskQCOW2 DiskFormat = "qcow2" // supports internal snapshots (resume tags)
)

// Snapshots reports whether the format can hold saved VM state.
func (f DiskFormat) Snapshots() bool { return f == DiskQCOW2 }

// Ext returns the file extension used for images of this format.
func (f DiskFormat) Ext() string {
	if f == DiskQCOW2 {
		return ".qcow2"
	}
	return ".img"
}

// DiskStatus describes what provisioning had to do.
type DiskStatus string

const (
	DiskCreated   DiskStatus = "created"   // image did not exist
	DiskClean     DiskStatus = "clean"     // check passed, nothing changed
	DiskRepaired  DiskStatus = "repaired"  // check fixed errors in place
	DiskRecreated DiskStatus = "recreated" // image was corrupt and was replaced
)

// Fresh reports whether the image has no guest data on it yet.
func (s DiskStatus) Fresh() bool {
	return s == DiskCreated || s == DiskRecreated
}
