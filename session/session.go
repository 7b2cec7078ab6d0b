// Package session owns the control-connection lifecycle of a single
// peripheral operation: connect, authenticate, scoped working-directory
// changes, one reconnect-and-retry for transient transfer failures, and
// guaranteed cleanup on every exit path.
package session

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ftpbridge/ftpwire"
)

// ErrConnection indicates that connecting to or authenticating with a
// peripheral failed. Connect failures are not retried: credentials are
// assumed stable within one operation.
var ErrConnection = errors.New("peripheral connection failed")

// ErrTransfer indicates that a store or retrieve failed after the one
// permitted reconnect-and-retry.
var ErrTransfer = errors.New("transfer failed")

// DefaultRetryBackoff is the pause before redialing after a transient
// transfer failure.
const DefaultRetryBackoff = 2 * time.Second

// PeripheralRef addresses one peripheral for the duration of one operation.
// Credentials are read from the registry per operation and never cached.
type PeripheralRef struct {
	Index    int
	Host     string
	Port     int
	User     string
	Password string
	UseTLS   bool
}

// SourceFunc opens the data source of an upload. It is called again when a
// transient failure forces the transfer to restart from the beginning.
type SourceFunc func() (io.ReadCloser, error)

// SinkFunc opens the data sink of a download, truncating any partial data
// from a failed earlier attempt.
type SinkFunc func() (io.WriteCloser, error)

// Session is the connection surface handed to handlers by WithConnection.
type Session interface {
	CurrentDir() (string, error)
	ChangeDir(path string) error
	MakeDir(path string) error
	RemoveDir(path string) error
	Delete(path string) error
	ListLines(command, path string) ([]string, error)
	Size(path string) (int64, error)
	Store(path string, src SourceFunc) error
	Retrieve(path string, dst SinkFunc) error
}

// Conn is a live control connection. ftpwire.Client satisfies it.
type Conn interface {
	CurrentDir() (string, error)
	ChangeDir(path string) error
	MakeDir(path string) error
	RemoveDir(path string) error
	Delete(path string) error
	ListLines(command, path string) ([]string, error)
	Size(path string) (int64, error)
	Store(path string, src io.Reader) error
	Retrieve(path string, dst io.Writer) error
	Quit() error
}

// Dialer establishes control connections to peripherals.
type Dialer interface {
	Dial(ref PeripheralRef) (Conn, error)
}

// DialerFunc is a function type that implements Dialer.
type DialerFunc func(ref PeripheralRef) (Conn, error)

// Dial implements Dialer for DialerFunc.
func (f DialerFunc) Dial(ref PeripheralRef) (Conn, error) {
	return f(ref)
}

// FTPDialer dials peripherals over ftpwire with shared timeout settings.
type FTPDialer struct {
	ConnectTimeout time.Duration
	IOTimeout      time.Duration
	TLSConfig      *tls.Config
}

// Dial implements Dialer.
func (d *FTPDialer) Dial(ref PeripheralRef) (Conn, error) {
	return ftpwire.Dial(ftpwire.Config{
		Host:           ref.Host,
		Port:           ref.Port,
		User:           ref.User,
		Password:       ref.Password,
		UseTLS:         ref.UseTLS,
		ConnectTimeout: d.ConnectTimeout,
		IOTimeout:      d.IOTimeout,
		TLSConfig:      d.TLSConfig,
	})
}

// Manager acquires and releases peripheral connections. One Manager serves
// all peripheral loops; each call owns its own connection.
type Manager struct {
	dialer       Dialer
	retryBackoff time.Duration
}

// NewManager creates a connection manager over the given dialer.
func NewManager(dialer Dialer) *Manager {
	return &Manager{
		dialer:       dialer,
		retryBackoff: DefaultRetryBackoff,
	}
}

// SetRetryBackoff overrides the pause before a reconnect attempt.
func (m *Manager) SetRetryBackoff(d time.Duration) {
	m.retryBackoff = d
}

// WithConnection connects to the peripheral, runs fn with the session, and
// closes the connection on every exit path including panics.
func (m *Manager) WithConnection(ref PeripheralRef, fn func(Session) error) error {
	conn, err := m.dialer.Dial(ref)
	if err != nil {
		return fmt.Errorf("%w: index %d: %v", ErrConnection, ref.Index, err)
	}

	s := &managedSession{mgr: m, ref: ref, conn: conn}
	defer s.close()

	return fn(s)
}

// WithRemoteDirectory changes the remote working directory, runs fn, and
// restores the previous directory regardless of outcome. Directory-relative
// fallbacks depend on working-directory state that must not leak across
// operations reusing a session.
func WithRemoteDirectory(s Session, dir string, fn func() error) error {
	prev, prevErr := s.CurrentDir()
	if prevErr != nil {
		logrus.WithFields(logrus.Fields{
			"function": "WithRemoteDirectory",
			"dir":      dir,
			"error":    prevErr.Error(),
		}).Debug("Could not record working directory before change")
	}

	if dir != "" {
		if err := s.ChangeDir(dir); err != nil {
			return err
		}
	}

	defer func() {
		if prevErr != nil {
			return
		}
		if err := s.ChangeDir(prev); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "WithRemoteDirectory",
				"dir":      prev,
				"error":    err.Error(),
			}).Warn("Failed to restore working directory")
		}
	}()

	return fn()
}

// managedSession wraps one live connection and replaces it transparently
// when a transient transfer failure triggers the single reconnect.
type managedSession struct {
	mgr  *Manager
	ref  PeripheralRef
	conn Conn
}

func (s *managedSession) close() {
	if err := s.conn.Quit(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "close",
			"index":    s.ref.Index,
			"error":    err.Error(),
		}).Debug("Failed to close peripheral connection")
	}
}

// reconnect replaces the live connection after a transient failure.
func (s *managedSession) reconnect() error {
	s.close()
	if s.mgr.retryBackoff > 0 {
		time.Sleep(s.mgr.retryBackoff)
	}

	conn, err := s.mgr.dialer.Dial(s.ref)
	if err != nil {
		return fmt.Errorf("%w: index %d: %v", ErrConnection, s.ref.Index, err)
	}
	s.conn = conn
	return nil
}

func (s *managedSession) CurrentDir() (string, error) { return s.conn.CurrentDir() }
func (s *managedSession) ChangeDir(p string) error    { return s.conn.ChangeDir(p) }
func (s *managedSession) MakeDir(p string) error      { return s.conn.MakeDir(p) }
func (s *managedSession) Size(p string) (int64, error) {
	return s.conn.Size(ftpwire.NormalizePath(p))
}

func (s *managedSession) ListLines(command, path string) ([]string, error) {
	return s.conn.ListLines(command, path)
}

// Delete removes a remote file, retrying from the parent directory by base
// name when the full-path form is rejected.
func (s *managedSession) Delete(path string) error {
	return s.withParentFallback(ftpwire.NormalizePath(path), s.conn.Delete)
}

// RemoveDir removes an empty remote directory with the same parent-directory
// fallback as Delete.
func (s *managedSession) RemoveDir(path string) error {
	return s.withParentFallback(ftpwire.NormalizePath(path), s.conn.RemoveDir)
}

// withParentFallback runs op on the full path and, when the peripheral
// rejects it, once more from the parent directory on the base name.
func (s *managedSession) withParentFallback(path string, op func(string) error) error {
	err := op(path)
	if err == nil || ftpwire.AsProtocol(err) == nil {
		return err
	}

	dir, name := ftpwire.SplitRemote(path)
	if dir == "" || name == "" {
		return err
	}
	if fbErr := WithRemoteDirectory(s, dir, func() error { return op(name) }); fbErr == nil {
		return nil
	}
	return err
}

// Store uploads to the remote path. A transient failure earns exactly one
// reconnect and retry; a second failure is surfaced as ErrTransfer.
func (s *managedSession) Store(path string, src SourceFunc) error {
	path = ftpwire.NormalizePath(path)

	err := s.storeAttempt(path, src)
	if err == nil || !ftpwire.IsTransient(err) {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Store",
		"index":    s.ref.Index,
		"path":     path,
		"error":    err.Error(),
	}).Warn("Transient store failure, reconnecting for one retry")

	if rerr := s.reconnect(); rerr != nil {
		return rerr
	}
	if err := s.storeAttempt(path, src); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransfer, path, err)
	}
	return nil
}

func (s *managedSession) storeAttempt(path string, src SourceFunc) error {
	r, err := src()
	if err != nil {
		return err
	}
	err = s.conn.Store(path, r)
	closeQuietly(r, "storeAttempt")
	if err == nil || ftpwire.AsProtocol(err) == nil {
		return err
	}

	// Some servers refuse a full remote path in STOR; retry from the parent.
	dir, name := ftpwire.SplitRemote(path)
	if dir == "" || name == "" {
		return err
	}
	r2, openErr := src()
	if openErr != nil {
		return err
	}
	defer closeQuietly(r2, "storeAttempt")
	if fbErr := WithRemoteDirectory(s, dir, func() error { return s.conn.Store(name, r2) }); fbErr == nil {
		return nil
	}
	return err
}

// Retrieve downloads the remote path with the same single-retry policy as
// Store.
func (s *managedSession) Retrieve(path string, dst SinkFunc) error {
	path = ftpwire.NormalizePath(path)

	err := s.retrieveAttempt(path, dst)
	if err == nil || !ftpwire.IsTransient(err) {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Retrieve",
		"index":    s.ref.Index,
		"path":     path,
		"error":    err.Error(),
	}).Warn("Transient retrieve failure, reconnecting for one retry")

	if rerr := s.reconnect(); rerr != nil {
		return rerr
	}
	if err := s.retrieveAttempt(path, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransfer, path, err)
	}
	return nil
}

func (s *managedSession) retrieveAttempt(path string, dst SinkFunc) error {
	w, err := dst()
	if err != nil {
		return err
	}
	err = s.conn.Retrieve(path, w)
	closeQuietly(w, "retrieveAttempt")
	if err == nil || ftpwire.AsProtocol(err) == nil || ftpwire.IsNotFound(err) {
		return err
	}

	dir, name := ftpwire.SplitRemote(path)
	if dir == "" || name == "" {
		return err
	}
	w2, openErr := dst()
	if openErr != nil {
		return err
	}
	defer closeQuietly(w2, "retrieveAttempt")
	if fbErr := WithRemoteDirectory(s, dir, func() error { return s.conn.Retrieve(name, w2) }); fbErr == nil {
		return nil
	}
	return err
}

func closeQuietly(c io.Closer, function string) {
	if err := c.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": function,
			"error":    err.Error(),
		}).Debug("Failed to close transfer stream")
	}
}
