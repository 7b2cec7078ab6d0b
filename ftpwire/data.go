package ftpwire

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// openDataConn negotiates a passive data connection, preferring EPSV and
// falling back to PASV for servers that do not implement it.
func (c *Client) openDataConn() (net.Conn, error) {
	addr, err := c.passiveAddr()
	if err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", addr, c.cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial data connection %s: %w", addr, err)
	}
	if c.cfg.IOTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(c.cfg.IOTimeout)); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "openDataConn",
				"error":    err.Error(),
			}).Debug("Failed to set data connection deadline")
		}
	}
	if c.cfg.UseTLS {
		conn = tls.Client(conn, c.tlsConfig())
	}
	return conn, nil
}

// passiveAddr asks the server for a passive endpoint.
func (c *Client) passiveAddr() (string, error) {
	_, msg, err := c.cmd("EPSV", 229)
	if err == nil {
		port, perr := parseEPSV(msg)
		if perr == nil {
			return net.JoinHostPort(c.host, strconv.Itoa(port)), nil
		}
		err = perr
	}
	if !isProtocolError(err) {
		return "", err
	}

	// EPSV unsupported or unparsable, fall back to PASV.
	_, msg, err = c.cmd("PASV", 227)
	if err != nil {
		return "", err
	}
	host, port, err := parsePASV(msg)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// parseEPSV extracts the port from a "229 Entering Extended Passive Mode
// (|||6446|)" reply.
func parseEPSV(msg string) (int, error) {
	start := strings.Index(msg, "(|||")
	end := strings.LastIndex(msg, "|)")
	if start < 0 || end <= start {
		return 0, fmt.Errorf("unparsable EPSV reply %q", msg)
	}
	port, err := strconv.Atoi(msg[start+4 : end])
	if err != nil {
		return 0, fmt.Errorf("unparsable EPSV port in %q", msg)
	}
	return port, nil
}

// parsePASV extracts host and port from a "227 Entering Passive Mode
// (h1,h2,h3,h4,p1,p2)" reply.
func parsePASV(msg string) (string, int, error) {
	start := strings.Index(msg, "(")
	end := strings.LastIndex(msg, ")")
	if start < 0 || end <= start {
		return "", 0, fmt.Errorf("unparsable PASV reply %q", msg)
	}
	parts := strings.Split(msg[start+1:end], ",")
	if len(parts) != 6 {
		return "", 0, fmt.Errorf("unparsable PASV endpoint in %q", msg)
	}
	nums := make([]int, 6)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return "", 0, fmt.Errorf("unparsable PASV endpoint in %q", msg)
		}
		nums[i] = n
	}
	host := fmt.Sprintf("%d.%d.%d.%d", nums[0], nums[1], nums[2], nums[3])
	return host, nums[4]<<8 | nums[5], nil
}

// Store uploads src to the remote path via STOR, streaming through a passive
// data connection. Progress accounting is the caller's concern: wrap src.
func (c *Client) Store(path string, src io.Reader) error {
	return c.dataCommand(fmt.Sprintf("STOR %s", path), func(conn net.Conn) error {
		_, err := io.Copy(conn, src)
		return err
	})
}

// Retrieve downloads the remote path via RETR into dst.
func (c *Client) Retrieve(path string, dst io.Writer) error {
	return c.dataCommand(fmt.Sprintf("RETR %s", path), func(conn net.Conn) error {
		_, err := io.Copy(dst, conn)
		return err
	})
}

// ListLines runs a listing command (MLSD or LIST) over a data connection and
// returns the raw reply lines without any parsing.
func (c *Client) ListLines(command, path string) ([]string, error) {
	full := command
	if path != "" {
		full = fmt.Sprintf("%s %s", command, path)
	}

	var lines []string
	err := c.dataCommand(full, func(conn net.Conn) error {
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 4096), 1<<20)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		return scanner.Err()
	})
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// dataCommand runs one command that moves data over a passive connection:
// open the data connection, send the command, expect a preliminary reply,
// run the transfer, close the data connection, expect the completion reply.
func (c *Client) dataCommand(command string, transfer func(net.Conn) error) error {
	conn, err := c.openDataConn()
	if err != nil {
		return err
	}

	if _, _, err := c.cmd(command, 150, 125); err != nil {
		closeConn(conn, "dataCommand")
		return err
	}

	transferErr := transfer(conn)
	closeConn(conn, "dataCommand")

	// The completion reply arrives regardless of transfer outcome; read it
	// so the control connection stays in sync.
	_, _, replyErr := c.readReply(commandVerb(command), 226, 250)

	if transferErr != nil {
		return fmt.Errorf("%s transfer: %w", commandVerb(command), transferErr)
	}
	return replyErr
}

func closeConn(conn net.Conn, function string) {
	if err := conn.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": function,
			"error":    err.Error(),
		}).Debug("Failed to close data connection")
	}
}
