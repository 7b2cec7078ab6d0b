// Package ftpwire implements the FTP/FTPS client protocol used to talk to
// file-transfer peripherals.
//
// The package speaks the control connection directly (USER/PASS, AUTH TLS,
// CWD, MLSD, LIST, STOR, RETR, DELE, MKD, RMD) and opens passive data
// connections per transfer. Raw listing lines are exposed so callers can
// apply their own format fallback.
//
// Example:
//
//	client, err := ftpwire.Dial(ftpwire.Config{Host: "10.0.0.5", Port: 21, User: "job", Password: "s3cret"})
//	if err != nil {
//	    return err
//	}
//	defer client.Quit()
//	lines, err := client.ListLines("MLSD", "/jobs")
package ftpwire

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultPort is the control-connection port used when none is configured.
const DefaultPort = 21

// Config describes one peripheral endpoint for the duration of a single
// operation. Credentials are never retained by the client beyond the
// connection they authenticate.
type Config struct {
	Host           string
	Port           int
	User           string
	Password       string
	UseTLS         bool
	ConnectTimeout time.Duration
	IOTimeout      time.Duration
	// TLSConfig overrides the TLS configuration used for AUTH TLS and data
	// connection protection. Nil selects a config with ServerName set to Host.
	TLSConfig *tls.Config
}

// Client is a control connection to one peripheral. It is not safe for
// concurrent use; a peripheral's consumption loop owns at most one in-flight
// operation at a time.
type Client struct {
	cfg     Config
	netConn net.Conn
	text    *textproto.Conn
	host    string
}

// Dial establishes the control connection, upgrades to TLS when configured,
// and authenticates. The returned client is ready for transfer commands.
func Dial(cfg Config) (*Client, error) {
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"address":  addr,
		"user":     cfg.User,
		"use_tls":  cfg.UseTLS,
	}).Info("Connecting to peripheral")

	netConn, err := net.DialTimeout("tcp", addr, cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Client{
		cfg:     cfg,
		netConn: netConn,
		text:    textproto.NewConn(netConn),
		host:    cfg.Host,
	}

	if _, _, err := c.readReply("greeting", 220); err != nil {
		c.closeQuietly()
		return nil, err
	}

	if cfg.UseTLS {
		if err := c.upgradeTLS(); err != nil {
			c.closeQuietly()
			return nil, err
		}
	}

	if err := c.login(); err != nil {
		c.closeQuietly()
		return nil, err
	}

	if cfg.UseTLS {
		// Data channel protection; required before opening data connections
		// on an FTPS session.
		if _, _, err := c.cmd("PBSZ 0", 200); err != nil {
			c.closeQuietly()
			return nil, err
		}
		if _, _, err := c.cmd("PROT P", 200); err != nil {
			c.closeQuietly()
			return nil, err
		}
	}

	if _, _, err := c.cmd("TYPE I", 200); err != nil {
		c.closeQuietly()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"address":  addr,
	}).Info("Peripheral connected")

	return c, nil
}

// upgradeTLS issues AUTH TLS and wraps the control connection.
func (c *Client) upgradeTLS() error {
	if _, _, err := c.cmd("AUTH TLS", 234); err != nil {
		return err
	}
	tlsConn := tls.Client(c.netConn, c.tlsConfig())
	c.netConn = tlsConn
	c.text = textproto.NewConn(tlsConn)
	return nil
}

func (c *Client) tlsConfig() *tls.Config {
	if c.cfg.TLSConfig != nil {
		return c.cfg.TLSConfig
	}
	return &tls.Config{ServerName: c.host}
}

// login authenticates the control connection. Some servers skip the password
// round trip and answer USER with 230 directly.
func (c *Client) login() error {
	code, _, err := c.cmd(fmt.Sprintf("USER %s", c.cfg.User), 331, 230)
	if err != nil {
		return err
	}
	if code == 230 {
		return nil
	}
	_, _, err = c.cmd(fmt.Sprintf("PASS %s", c.cfg.Password), 230)
	return err
}

// Quit sends QUIT and closes the control connection. The connection is
// closed even when QUIT itself fails.
func (c *Client) Quit() error {
	_, _, err := c.cmd("QUIT", 221)
	closeErr := c.text.Close()
	if err != nil {
		return err
	}
	return closeErr
}

func (c *Client) closeQuietly() {
	if err := c.text.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "closeQuietly",
			"host":     c.host,
			"error":    err.Error(),
		}).Debug("Failed to close control connection")
	}
}

// cmd sends one command on the control connection and reads its reply,
// requiring the reply code to be one of ok.
func (c *Client) cmd(command string, ok ...int) (int, string, error) {
	c.setDeadline()
	if _, err := c.text.Cmd("%s", command); err != nil {
		return 0, "", fmt.Errorf("send %s: %w", commandVerb(command), err)
	}
	return c.readReply(commandVerb(command), ok...)
}

// readReply reads one (possibly multiline) reply and validates its code.
func (c *Client) readReply(command string, ok ...int) (int, string, error) {
	c.setDeadline()
	code, msg, err := c.text.ReadResponse(0)
	if err != nil {
		return 0, "", fmt.Errorf("read reply to %s: %w", command, err)
	}
	for _, want := range ok {
		if code == want {
			return code, msg, nil
		}
	}
	return code, msg, &ProtocolError{Command: command, Code: code, Message: msg}
}

func (c *Client) setDeadline() {
	if c.cfg.IOTimeout <= 0 {
		return
	}
	if err := c.netConn.SetDeadline(time.Now().Add(c.cfg.IOTimeout)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "setDeadline",
			"host":     c.host,
			"error":    err.Error(),
		}).Debug("Failed to set connection deadline")
	}
}

// commandVerb strips arguments so errors and logs never carry credentials.
func commandVerb(command string) string {
	for i := 0; i < len(command); i++ {
		if command[i] == ' ' {
			return command[:i]
		}
	}
	return command
}
