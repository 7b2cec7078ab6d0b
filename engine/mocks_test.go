package engine

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/opd-ai/ftpbridge/ftpwire"
	"github.com/opd-ai/ftpbridge/session"
)

// fakeSession is an in-memory peripheral implementing session.Session.
type fakeSession struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
	cwd   string

	// storeFail makes Store fail for one remote path.
	storeFail string
	// deleteFail makes Delete fail for one remote path.
	deleteFail string
	// retrieveFail makes Retrieve abort mid-stream for one remote path,
	// after delivering half the body.
	retrieveFail string
	// ops records mutating commands in order.
	ops []string
}

var _ session.Session = (*fakeSession)(nil)

func newFakeSession() *fakeSession {
	return &fakeSession{
		files: make(map[string][]byte),
		dirs:  map[string]bool{"/": true},
		cwd:   "/",
	}
}

func (f *fakeSession) addFile(path string, data []byte) {
	f.files[path] = data
	dir, _ := ftpwire.SplitRemote(path)
	for dir != "" && dir != "/" {
		f.dirs[dir] = true
		dir, _ = ftpwire.SplitRemote(dir)
	}
}

func (f *fakeSession) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
}

func (f *fakeSession) CurrentDir() (string, error) { return f.cwd, nil }

func (f *fakeSession) ChangeDir(path string) error {
	f.cwd = path
	return nil
}

func (f *fakeSession) MakeDir(path string) error {
	f.record("MKD " + path)
	if f.dirs[path] {
		return &ftpwire.ProtocolError{Command: "MKD", Code: 550, Message: "exists"}
	}
	f.dirs[path] = true
	return nil
}

func (f *fakeSession) RemoveDir(path string) error {
	f.record("RMD " + path)
	if !f.dirs[path] {
		return &ftpwire.ProtocolError{Command: "RMD", Code: 550, Message: "no such directory"}
	}
	if len(f.children(path)) > 0 {
		return &ftpwire.ProtocolError{Command: "RMD", Code: 550, Message: "directory not empty"}
	}
	delete(f.dirs, path)
	return nil
}

func (f *fakeSession) Delete(path string) error {
	f.record("DELE " + path)
	if f.deleteFail == path {
		return &ftpwire.ProtocolError{Command: "DELE", Code: 450, Message: "file busy"}
	}
	if _, ok := f.files[path]; !ok {
		return &ftpwire.ProtocolError{Command: "DELE", Code: 550, Message: "no such file"}
	}
	delete(f.files, path)
	return nil
}

func (f *fakeSession) Size(path string) (int64, error) {
	body, ok := f.files[ftpwire.NormalizePath(path)]
	if !ok {
		return 0, &ftpwire.ProtocolError{Command: "SIZE", Code: 550, Message: "no such file"}
	}
	return int64(len(body)), nil
}

// children returns the immediate child names of dir.
func (f *fakeSession) children(dir string) []string {
	prefix := dir + "/"
	if dir == "/" {
		prefix = "/"
	}
	seen := make(map[string]bool)
	for p := range f.files {
		if name, ok := childName(p, prefix); ok {
			seen[name] = true
		}
	}
	for p := range f.dirs {
		if name, ok := childName(p, prefix); ok {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func childName(p, prefix string) (string, bool) {
	if !strings.HasPrefix(p, prefix) || p == prefix {
		return "", false
	}
	rest := p[len(prefix):]
	if strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

func (f *fakeSession) ListLines(command, path string) ([]string, error) {
	if command != "MLSD" {
		return nil, &ftpwire.ProtocolError{Command: command, Code: 500, Message: "not implemented"}
	}
	dir := ftpwire.NormalizePath(path)
	if !f.dirs[dir] {
		return nil, &ftpwire.ProtocolError{Command: command, Code: 550, Message: "no such directory"}
	}

	var lines []string
	for _, name := range f.children(dir) {
		full := ftpwire.JoinRemote(dir, name)
		if f.dirs[full] {
			lines = append(lines, fmt.Sprintf("type=dir;modify=20260101000000; %s", name))
			continue
		}
		lines = append(lines, fmt.Sprintf("type=file;size=%d;modify=20260101000000; %s", len(f.files[full]), name))
	}
	return lines, nil
}

func (f *fakeSession) Store(path string, src session.SourceFunc) error {
	f.record("STOR " + path)
	if f.storeFail == path {
		return &ftpwire.ProtocolError{Command: "STOR", Code: 450, Message: "disk full"}
	}
	r, err := src()
	if err != nil {
		return err
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.addFile(ftpwire.NormalizePath(path), body)
	return nil
}

func (f *fakeSession) Retrieve(path string, dst session.SinkFunc) error {
	f.record("RETR " + path)
	body, ok := f.files[ftpwire.NormalizePath(path)]
	if !ok {
		return &ftpwire.ProtocolError{Command: "RETR", Code: 550, Message: "no such file"}
	}
	w, err := dst()
	if err != nil {
		return err
	}
	defer w.Close()
	if f.retrieveFail == ftpwire.NormalizePath(path) {
		if _, err := w.Write(body[:len(body)/2]); err != nil {
			return err
		}
		return &ftpwire.ProtocolError{Command: "RETR", Code: 426, Message: "transfer aborted"}
	}
	_, err = io.Copy(w, bytes.NewReader(body))
	return err
}
