// Package clusterfs provides read-only access to the cluster filesystem the
// application's files are staged on.
package clusterfs

import (
	"fmt"
	"net/url"
	"time"
)

// FileStatus describes a single file or directory.
type FileStatus struct {
	Path    string
	Size    int64
	IsDir   bool
	ModTime time.Time
}

// FileSystem is the metadata surface the launch-context builder needs.
type FileSystem interface {
	// Exists reports whether path exists.
	Exists(path string) (bool, error)
	// ListStatus lists the direct children of dir.
	ListStatus(dir string) ([]FileStatus, error)
	// URI returns the filesystem's base URI, used to qualify bare paths.
	URI() string
}

// FileSystemFor resolves a raw URI against the default filesystem. A URI with
// its own host keeps it; a bare path resolves to the default filesystem.
func FileSystemFor(raw string, defaultFS FileSystem) (FileSystem, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("parse file URI %q: %w", raw, err)
	}
	if u.Host == "" {
		return defaultFS, u.Path, nil
	}
	switch u.Scheme {
	case "http", "https", "webhdfs":
		base := *u
		base.Path = ""
		return NewWebFS(base.String()), u.Path, nil
	default:
		return nil, "", fmt.Errorf("unsupported filesystem scheme %q in %q", u.Scheme, raw)
	}
}

// Qualify joins a filesystem base URI and a path into a fully qualified file
// URI for a launch-context local resource.
func Qualify(fs FileSystem, path string) string {
	base := fs.URI()
	if base == "" {
		return path
	}
	return base + path
}
