package ftpwire

import (
	"fmt"
	"strconv"
	"strings"
)

// CurrentDir returns the remote working directory via PWD.
func (c *Client) CurrentDir() (string, error) {
	_, msg, err := c.cmd("PWD", 257)
	if err != nil {
		return "", err
	}
	return parsePWD(msg)
}

// parsePWD extracts the quoted path from a 257 reply. Doubled quotes inside
// the path are an escape per RFC 959.
func parsePWD(msg string) (string, error) {
	start := strings.Index(msg, `"`)
	end := strings.LastIndex(msg, `"`)
	if start < 0 || end <= start {
		return "", fmt.Errorf("unparsable PWD reply %q", msg)
	}
	return strings.ReplaceAll(msg[start+1:end], `""`, `"`), nil
}

// ChangeDir changes the remote working directory.
func (c *Client) ChangeDir(path string) error {
	_, _, err := c.cmd(fmt.Sprintf("CWD %s", path), 250, 200)
	return err
}

// MakeDir creates one remote directory. Servers reject MKD on an existing
// directory; callers that tolerate that inspect the error with AsProtocol.
func (c *Client) MakeDir(path string) error {
	_, _, err := c.cmd(fmt.Sprintf("MKD %s", path), 257)
	return err
}

// RemoveDir removes one empty remote directory.
func (c *Client) RemoveDir(path string) error {
	_, _, err := c.cmd(fmt.Sprintf("RMD %s", path), 250)
	return err
}

// Delete removes one remote file.
func (c *Client) Delete(path string) error {
	_, _, err := c.cmd(fmt.Sprintf("DELE %s", path), 250)
	return err
}

// Size returns the byte size of a remote file via SIZE. Servers without the
// SIZE extension answer with a protocol error.
func (c *Client) Size(path string) (int64, error) {
	_, msg, err := c.cmd(fmt.Sprintf("SIZE %s", path), 213)
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(msg), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unparsable SIZE reply %q", msg)
	}
	return size, nil
}
