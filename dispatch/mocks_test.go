package dispatch

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/opd-ai/ftpbridge/ftpwire"
	"github.com/opd-ai/ftpbridge/registry"
	"github.com/opd-ai/ftpbridge/session"
)

// published is one captured outbound message.
type published struct {
	queue string
	body  []byte
}

// mockPublisher captures outbound envelopes in order.
type mockPublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (m *mockPublisher) Publish(queue string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, published{queue: queue, body: body})
	return nil
}

// mockStore resolves a fixed set of peripheral references.
type mockStore struct {
	refs      map[int]session.PeripheralRef
	summaries []registry.Summary
	listErr   error
}

func (m *mockStore) Lookup(index int) (session.PeripheralRef, error) {
	ref, ok := m.refs[index]
	if !ok {
		return session.PeripheralRef{}, fmt.Errorf("%w: %d", registry.ErrUnknownPeripheral, index)
	}
	return ref, nil
}

func (m *mockStore) List() ([]registry.Summary, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.summaries, nil
}

// mockConnector hands out one shared in-memory session.
type mockConnector struct {
	sess    session.Session
	dialErr error
	// panicMsg makes the connection body panic, exercising recovery.
	panicMsg string
	connects int
}

func (m *mockConnector) WithConnection(ref session.PeripheralRef, fn func(session.Session) error) error {
	if m.dialErr != nil {
		return fmt.Errorf("%w: index %d: %v", session.ErrConnection, ref.Index, m.dialErr)
	}
	m.connects++
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	return fn(m.sess)
}

// historyRecord is one captured operation outcome.
type historyRecord struct {
	opType  string
	status  string
	details string
}

type mockHistory struct {
	mu      sync.Mutex
	records []historyRecord
	err     error
}

func (m *mockHistory) RecordOperation(opType, status, details string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, historyRecord{opType: opType, status: status, details: details})
	return nil
}

func (m *mockHistory) last() historyRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		return historyRecord{}
	}
	return m.records[len(m.records)-1]
}

// memSession is an in-memory peripheral for handler tests.
type memSession struct {
	files map[string][]byte
	dirs  map[string]bool
	cwd   string
}

var _ session.Session = (*memSession)(nil)

func newMemSession() *memSession {
	return &memSession{
		files: make(map[string][]byte),
		dirs:  map[string]bool{"/": true},
		cwd:   "/",
	}
}

func (m *memSession) addFile(path string, data []byte) {
	m.files[path] = data
	dir, _ := ftpwire.SplitRemote(path)
	for dir != "" && dir != "/" {
		m.dirs[dir] = true
		dir, _ = ftpwire.SplitRemote(dir)
	}
}

func (m *memSession) CurrentDir() (string, error) { return m.cwd, nil }

func (m *memSession) ChangeDir(path string) error {
	m.cwd = path
	return nil
}

func (m *memSession) MakeDir(path string) error {
	m.dirs[path] = true
	return nil
}

func (m *memSession) RemoveDir(path string) error {
	if !m.dirs[path] {
		return &ftpwire.ProtocolError{Command: "RMD", Code: 550, Message: "no such directory"}
	}
	delete(m.dirs, path)
	return nil
}

func (m *memSession) Delete(path string) error {
	if _, ok := m.files[path]; !ok {
		return &ftpwire.ProtocolError{Command: "DELE", Code: 550, Message: "no such file"}
	}
	delete(m.files, path)
	return nil
}

func (m *memSession) Size(path string) (int64, error) {
	body, ok := m.files[ftpwire.NormalizePath(path)]
	if !ok {
		return 0, &ftpwire.ProtocolError{Command: "SIZE", Code: 550, Message: "no such file"}
	}
	return int64(len(body)), nil
}

func (m *memSession) children(dir string) []string {
	prefix := dir + "/"
	if dir == "/" {
		prefix = "/"
	}
	seen := make(map[string]bool)
	add := func(p string) {
		if !strings.HasPrefix(p, prefix) || p == prefix {
			return
		}
		rest := p[len(prefix):]
		if !strings.Contains(rest, "/") {
			seen[rest] = true
		}
	}
	for p := range m.files {
		add(p)
	}
	for p := range m.dirs {
		add(p)
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *memSession) ListLines(command, path string) ([]string, error) {
	if command != "MLSD" {
		return nil, &ftpwire.ProtocolError{Command: command, Code: 500, Message: "not implemented"}
	}
	dir := ftpwire.NormalizePath(path)
	if !m.dirs[dir] {
		return nil, &ftpwire.ProtocolError{Command: command, Code: 550, Message: "no such directory"}
	}
	var lines []string
	for _, name := range m.children(dir) {
		full := ftpwire.JoinRemote(dir, name)
		if m.dirs[full] {
			lines = append(lines, fmt.Sprintf("type=dir;modify=20260101000000; %s", name))
			continue
		}
		lines = append(lines, fmt.Sprintf("type=file;size=%d;modify=20260101000000; %s", len(m.files[full]), name))
	}
	return lines, nil
}

func (m *memSession) Store(path string, src session.SourceFunc) error {
	r, err := src()
	if err != nil {
		return err
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.addFile(ftpwire.NormalizePath(path), body)
	return nil
}

func (m *memSession) Retrieve(path string, dst session.SinkFunc) error {
	body, ok := m.files[ftpwire.NormalizePath(path)]
	if !ok {
		return &ftpwire.ProtocolError{Command: "RETR", Code: 550, Message: "no such file"}
	}
	w, err := dst()
	if err != nil {
		return err
	}
	defer w.Close()
	_, err = io.Copy(w, bytes.NewReader(body))
	return err
}
