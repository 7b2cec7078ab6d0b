package listing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ftpbridge/ftpwire"
)

// ErrRemoteList indicates that a remote directory could not be listed by
// either listing strategy.
var ErrRemoteList = errors.New("remote listing failed")

// LineLister retrieves raw listing lines from a peripheral. The ftpwire
// client and the session layer both satisfy it.
type LineLister interface {
	ListLines(command, path string) ([]string, error)
}

// ListRemote lists a remote directory. MLSD is attempted first; when the
// peripheral does not support it the legacy LIST output is parsed instead.
// Entries are returned in the order the peripheral provides them. Lines
// that cannot be parsed are skipped, never fatal.
func ListRemote(l LineLister, dir string, includeHidden bool) ([]Entry, error) {
	dir = ftpwire.NormalizePath(dir)
	if dir == "" {
		dir = "."
	}

	lines, err := l.ListLines("MLSD", dir)
	if err == nil {
		return parseMLSD(dir, lines, includeHidden), nil
	}
	if ftpwire.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s: %v", ErrRemoteList, dir, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "ListRemote",
		"dir":      dir,
		"error":    err.Error(),
	}).Debug("MLSD failed, falling back to LIST")

	lines, listErr := l.ListLines("LIST", dir)
	if listErr != nil {
		// Some servers only list the working directory.
		lines, listErr = l.ListLines("LIST", "")
		if listErr != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrRemoteList, dir, listErr)
		}
	}
	return parseList(dir, lines, includeHidden), nil
}

// parseMLSD parses RFC 3659 machine-readable listing lines. Each line is a
// sequence of "fact=value;" pairs followed by a space and the entry name.
func parseMLSD(dir string, lines []string, includeHidden bool) []Entry {
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		entry, ok := parseMLSDLine(dir, line, includeHidden)
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

func parseMLSDLine(dir, line string, includeHidden bool) (Entry, bool) {
	sep := strings.Index(line, " ")
	if sep < 0 {
		return Entry{}, false
	}
	name := line[sep+1:]
	if name == "" || (!includeHidden && strings.HasPrefix(name, ".")) {
		return Entry{}, false
	}

	facts := make(map[string]string)
	for _, fact := range strings.Split(line[:sep], ";") {
		if k, v, found := strings.Cut(fact, "="); found {
			facts[strings.ToLower(k)] = v
		}
	}

	switch facts["type"] {
	case "cdir", "pdir":
		return Entry{}, false
	}

	entry := Entry{
		Name:  name,
		Path:  ftpwire.JoinRemote(dir, name),
		IsDir: facts["type"] == "dir",
	}
	if size, err := strconv.ParseInt(facts["size"], 10, 64); err == nil {
		entry.Size = size
	}
	if modify, ok := facts["modify"]; ok {
		if t, err := time.Parse(mlsdTimeLayout, modify); err == nil {
			entry.Modified = t
		} else {
			entry.ModifiedRaw = modify
		}
	}
	return entry, true
}

// parseList parses legacy ls-style LIST output: permissions, link count,
// owner, group, size, three mtime columns, then the name. Best effort; the
// mtime text is kept raw because its format depends on the entry's age.
func parseList(dir string, lines []string, includeHidden bool) []Entry {
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 9 {
			continue
		}
		name := strings.Join(fields[8:], " ")
		if name == "" || (!includeHidden && strings.HasPrefix(name, ".")) {
			continue
		}

		entry := Entry{
			Name:        name,
			Path:        ftpwire.JoinRemote(dir, name),
			IsDir:       strings.HasPrefix(line, "d"),
			ModifiedRaw: strings.Join(fields[5:8], " "),
		}
		if size, err := strconv.ParseInt(fields[4], 10, 64); err == nil {
			entry.Size = size
		}
		entries = append(entries, entry)
	}
	return entries
}
