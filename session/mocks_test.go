package session

import (
	"bytes"
	"io"
	"sync"
)

// mockConn implements Conn with scriptable failures.
type mockConn struct {
	mu       sync.Mutex
	calls    []string
	cwd      string
	stored   map[string][]byte
	contents map[string][]byte
	quit     bool

	// storeErrs is consumed one error per Store call; nil entries succeed.
	storeErrs    []error
	retrieveErrs []error
	deleteErr    error
	cwdErr       error
}

func newMockConn() *mockConn {
	return &mockConn{
		cwd:      "/",
		stored:   make(map[string][]byte),
		contents: make(map[string][]byte),
	}
}

func (c *mockConn) record(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *mockConn) CurrentDir() (string, error) {
	c.record("PWD")
	return c.cwd, nil
}

func (c *mockConn) ChangeDir(path string) error {
	c.record("CWD " + path)
	if c.cwdErr != nil {
		return c.cwdErr
	}
	c.cwd = path
	return nil
}

func (c *mockConn) MakeDir(path string) error {
	c.record("MKD " + path)
	return nil
}

func (c *mockConn) RemoveDir(path string) error {
	c.record("RMD " + path)
	return nil
}

func (c *mockConn) Delete(path string) error {
	c.record("DELE " + path)
	return c.deleteErr
}

func (c *mockConn) ListLines(command, path string) ([]string, error) {
	c.record(command + " " + path)
	return nil, nil
}

func (c *mockConn) Size(path string) (int64, error) {
	c.record("SIZE " + path)
	return int64(len(c.contents[path])), nil
}

func (c *mockConn) Store(path string, src io.Reader) error {
	c.record("STOR " + path)
	var err error
	if len(c.storeErrs) > 0 {
		err = c.storeErrs[0]
		c.storeErrs = c.storeErrs[1:]
	}
	if err != nil {
		return err
	}
	body, readErr := io.ReadAll(src)
	if readErr != nil {
		return readErr
	}
	c.mu.Lock()
	c.stored[path] = body
	c.mu.Unlock()
	return nil
}

func (c *mockConn) Retrieve(path string, dst io.Writer) error {
	c.record("RETR " + path)
	var err error
	if len(c.retrieveErrs) > 0 {
		err = c.retrieveErrs[0]
		c.retrieveErrs = c.retrieveErrs[1:]
	}
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(dst, bytes.NewReader(c.contents[path]))
	return copyErr
}

func (c *mockConn) Quit() error {
	c.record("QUIT")
	c.quit = true
	return nil
}

// mockDialer hands out a fresh conn per dial from a prepared sequence.
type mockDialer struct {
	conns []*mockConn
	dials int
	err   error
}

func (d *mockDialer) Dial(ref PeripheralRef) (Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.dials >= len(d.conns) {
		panic("mockDialer: no conn scripted for dial")
	}
	conn := d.conns[d.dials]
	d.dials++
	return conn, nil
}

// nopWriteCloser wraps a bytes.Buffer as a WriteCloser sink.
type nopWriteCloser struct{ *bytes.Buffer }

func (nopWriteCloser) Close() error { return nil }
