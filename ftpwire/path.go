package ftpwire

import (
	"path"
	"strings"
)

// NormalizePath canonicalizes a remote path: backslashes become slashes,
// runs of slashes collapse, and a trailing slash is stripped except on the
// root itself.
func NormalizePath(p string) string {
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, `\`, "/")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}

// JoinRemote joins a directory and an entry name into a normalized remote
// path. The directory "", "." and "/" cases keep their meaning.
func JoinRemote(dir, name string) string {
	dir = NormalizePath(dir)
	switch dir {
	case "", ".":
		return NormalizePath(name)
	case "/":
		return NormalizePath("/" + name)
	}
	return NormalizePath(dir + "/" + name)
}

// SplitRemote splits a normalized remote path into parent directory and
// base name.
func SplitRemote(p string) (dir, name string) {
	p = NormalizePath(p)
	dir, name = path.Split(p)
	if dir != "/" {
		dir = strings.TrimSuffix(dir, "/")
	}
	return dir, name
}
