package types

import "time"

// Cursor is the persisted position of the event log reader.
type Cursor struct {
	Path      string    `json:"path"`
	Offset    int64     `json:"offset"`
	Inode     uint64    `json:"inode"`
	UpdatedAt time.Time `json:"updated_at"`
}
