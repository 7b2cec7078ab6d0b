// Package listing produces directory listings from peripherals and from the
// local filesystem, normalized into one entry shape.
//
// Two wire serializations exist for historical reasons: local listings use
// is_dir and an epoch modified field, remote listings use type and an mtime
// string. Both are views over the same Entry type.
package listing

import "time"

// mlsdTimeLayout is the RFC 3659 modify fact format.
const mlsdTimeLayout = "20060102150405"

// isoTimeLayout is the mtime format emitted for parsed remote timestamps.
const isoTimeLayout = "2006-01-02T15:04:05"

// Entry is one normalized file-tree entry.
type Entry struct {
	Name  string
	Path  string
	IsDir bool
	Size  int64
	// Modified is the entry's modification time when it could be parsed;
	// zero otherwise.
	Modified time.Time
	// ModifiedRaw preserves the legacy listing's unparsed mtime text.
	ModifiedRaw string
}

// RemoteView is the wire shape of a remote listing entry.
type RemoteView struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Type  string `json:"type"`
	Size  int64  `json:"size"`
	MTime string `json:"mtime"`
}

// LocalView is the wire shape of a local listing entry.
type LocalView struct {
	Name     string `json:"name"`
	IsDir    bool   `json:"is_dir"`
	Size     int64  `json:"size"`
	Modified int64  `json:"modified"`
}

// Remote returns the remote serialization of the entry.
func (e Entry) Remote() RemoteView {
	typ := "file"
	if e.IsDir {
		typ = "directory"
	}
	mtime := e.ModifiedRaw
	if !e.Modified.IsZero() {
		mtime = e.Modified.Format(isoTimeLayout)
	}
	return RemoteView{
		Name:  e.Name,
		Path:  e.Path,
		Type:  typ,
		Size:  e.Size,
		MTime: mtime,
	}
}

// Local returns the local serialization of the entry.
func (e Entry) Local() LocalView {
	var modified int64
	if !e.Modified.IsZero() {
		modified = e.Modified.Unix()
	}
	return LocalView{
		Name:     e.Name,
		IsDir:    e.IsDir,
		Size:     e.Size,
		Modified: modified,
	}
}

// RemoteViews maps entries to their remote serialization.
func RemoteViews(entries []Entry) []RemoteView {
	views := make([]RemoteView, 0, len(entries))
	for _, e := range entries {
		views = append(views, e.Remote())
	}
	return views
}

// LocalViews maps entries to their local serialization.
func LocalViews(entries []Entry) []LocalView {
	views := make([]LocalView, 0, len(entries))
	for _, e := range entries {
		views = append(views, e.Local())
	}
	return views
}
