package ftpwire

import (
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
)

// fakeServer is a minimal scripted FTP server for exercising the client
// against real sockets.
type fakeServer struct {
	t      *testing.T
	ln     net.Listener
	dataLn net.Listener

	mu       sync.Mutex
	files    map[string][]byte
	listings map[string][]string
	mlsdOK   bool
	cwd      string
	deleted  []string
	removed  []string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen control: %v", err)
	}
	dataLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen data: %v", err)
	}

	s := &fakeServer{
		t:        t,
		ln:       ln,
		dataLn:   dataLn,
		files:    make(map[string][]byte),
		listings: make(map[string][]string),
		mlsdOK:   true,
		cwd:      "/",
	}
	t.Cleanup(func() {
		ln.Close()
		dataLn.Close()
	})

	go s.serve()
	return s
}

func (s *fakeServer) addr() (host string, port int) {
	tcp := s.ln.Addr().(*net.TCPAddr)
	return tcp.IP.String(), tcp.Port
}

func (s *fakeServer) dataPort() int {
	return s.dataLn.Addr().(*net.TCPAddr).Port
}

func (s *fakeServer) config() Config {
	host, port := s.addr()
	return Config{Host: host, Port: port, User: "job", Password: "s3cret"}
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.session(conn)
	}
}

func (s *fakeServer) session(conn net.Conn) {
	defer conn.Close()
	text := textproto.NewConn(conn)
	text.PrintfLine("220 fake server ready")

	for {
		line, err := text.ReadLine()
		if err != nil {
			return
		}
		verb, arg, _ := strings.Cut(line, " ")

		switch verb {
		case "USER":
			text.PrintfLine("331 password required")
		case "PASS":
			if arg == "s3cret" {
				text.PrintfLine("230 logged in")
			} else {
				text.PrintfLine("530 login incorrect")
			}
		case "TYPE":
			text.PrintfLine("200 type set")
		case "PWD":
			s.mu.Lock()
			cwd := s.cwd
			s.mu.Unlock()
			text.PrintfLine("257 %q is current directory", cwd)
		case "CWD":
			if arg == "/missing" {
				text.PrintfLine("550 no such directory")
				break
			}
			s.mu.Lock()
			s.cwd = arg
			s.mu.Unlock()
			text.PrintfLine("250 directory changed")
		case "EPSV":
			text.PrintfLine("229 Entering Extended Passive Mode (|||%d|)", s.dataPort())
		case "MLSD":
			if !s.mlsdOK {
				text.PrintfLine("500 unknown command")
				break
			}
			s.sendListing(text, s.listings["MLSD "+arg])
		case "LIST":
			s.sendListing(text, s.listings["LIST "+arg])
		case "STOR":
			text.PrintfLine("150 opening data connection")
			data, err := s.acceptData()
			if err != nil {
				text.PrintfLine("425 cannot open data connection")
				break
			}
			body, _ := io.ReadAll(data)
			data.Close()
			s.mu.Lock()
			s.files[arg] = body
			s.mu.Unlock()
			text.PrintfLine("226 transfer complete")
		case "RETR":
			s.mu.Lock()
			body, ok := s.files[arg]
			s.mu.Unlock()
			if !ok {
				text.PrintfLine("550 no such file")
				break
			}
			text.PrintfLine("150 opening data connection")
			data, err := s.acceptData()
			if err != nil {
				text.PrintfLine("425 cannot open data connection")
				break
			}
			data.Write(body)
			data.Close()
			text.PrintfLine("226 transfer complete")
		case "DELE":
			s.mu.Lock()
			_, ok := s.files[arg]
			if ok {
				delete(s.files, arg)
				s.deleted = append(s.deleted, arg)
			}
			s.mu.Unlock()
			if ok {
				text.PrintfLine("250 deleted")
			} else {
				text.PrintfLine("550 no such file")
			}
		case "MKD":
			text.PrintfLine("257 %q created", arg)
		case "RMD":
			s.mu.Lock()
			s.removed = append(s.removed, arg)
			s.mu.Unlock()
			text.PrintfLine("250 removed")
		case "SIZE":
			s.mu.Lock()
			body, ok := s.files[arg]
			s.mu.Unlock()
			if !ok {
				text.PrintfLine("550 no such file")
				break
			}
			text.PrintfLine("213 %d", len(body))
		case "QUIT":
			text.PrintfLine("221 goodbye")
			return
		default:
			text.PrintfLine("502 command not implemented")
		}
	}
}

func (s *fakeServer) sendListing(text *textproto.Conn, lines []string) {
	text.PrintfLine("150 here comes the directory listing")
	data, err := s.acceptData()
	if err != nil {
		text.PrintfLine("425 cannot open data connection")
		return
	}
	for _, line := range lines {
		fmt.Fprintf(data, "%s\r\n", line)
	}
	data.Close()
	text.PrintfLine("226 directory send ok")
}

func (s *fakeServer) acceptData() (net.Conn, error) {
	return s.dataLn.Accept()
}

func (s *fakeServer) storedFile(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.files[path]
	return body, ok
}
