package collector

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recorder collects sink events.
type recorder struct{ ch chan Event }

func newRecorder() *recorder { return &recorder{ch: make(chan Event, 64)} }

func (r *recorder) sink(ev Event) {
	select {
	case r.ch <- ev:
	default:
	}
}

// wait returns the first event of type typ, skipping others.
func (r *recorder) wait(t *testing.T, typ EventType) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}

// none fails if an event of type typ arrives within d.
func (r *recorder) none(t *testing.T, typ EventType, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case ev := <-r.ch:
			if ev.Type == typ {
				t.Fatalf("unexpected %s event", typ)
			}
		case <-deadline:
			return
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	for end := time.Now().Add(3 * time.Second); time.Now().Before(end); {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// server is a loopback TCP listener that hands each connection to serve and
// tracks connections so the test can observe and close them.
type server struct {
	ln      net.Listener
	done    chan struct{}
	closed  chan struct{}
	packets atomic.Int32

	mu    sync.Mutex
	conns []net.Conn
}

func startServer(t *testing.T, serve func(s *server, c net.Conn, r *bufio.Reader)) *server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &server{ln: ln, done: make(chan struct{}), closed: make(chan struct{}, 16)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, c)
			s.mu.Unlock()
			go func() {
				defer func() {
					_ = c.Close()
					select {
					case s.closed <- struct{}{}:
					default:
					}
				}()
				serve(s, c, bufio.NewReader(c))
			}()
		}
	}()
	t.Cleanup(func() {
		close(s.done)
		_ = ln.Close()
		s.mu.Lock()
		for _, c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
	})
	return s
}

func (s *server) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, p, err := net.SplitHostPort(s.ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(p)
	return host, port
}

// gate blocks until open is closed or the server stops.
func (s *server) gate(open chan struct{}) bool {
	if open == nil {
		return true
	}
	select {
	case <-open:
		return true
	case <-s.done:
		return false
	}
}

// mqttBroker answers just enough MQTT 3.1.1 for the paho client.
type mqttBroker struct {
	connack  chan struct{} // CONNACK waits until closed, when set
	holdAcks bool          // never PUBACK
	subCode  byte          // SUBACK return code
}

func readMQTT(r *bufio.Reader) (byte, []byte, error) {
	h, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	n, mult := 0, 1
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, nil, err
		}
		n += int(b&0x7f) * mult
		if b&0x80 == 0 {
			break
		}
		mult *= 128
	}
	body := make([]byte, n)
	_, err = io.ReadFull(r, body)
	return h, body, err
}

func (b *mqttBroker) serve(s *server, c net.Conn, r *bufio.Reader) {
	for {
		h, body, err := readMQTT(r)
		if err != nil {
			return
		}
		s.packets.Add(1)
		switch h >> 4 {
		case 1: // CONNECT
			if !s.gate(b.connack) {
				return
			}
			_, _ = c.Write([]byte{0x20, 0x02, 0x00, 0x00})
		case 8: // SUBSCRIBE
			_, _ = c.Write([]byte{0x90, 0x03, body[0], body[1], b.subCode})
		case 3: // PUBLISH
			if (h>>1)&0x03 == 0 || b.holdAcks {
				continue
			}
			tl := int(body[0])<<8 | int(body[1])
			_, _ = c.Write([]byte{0x40, 0x02, body[2+tl], body[3+tl]})
		case 12: // PINGREQ
			_, _ = c.Write([]byte{0xd0, 0x00})
		case 14: // DISCONNECT
			return
		}
	}
}

// redisServer answers just enough RESP2 for go-redis: HELLO is refused so the
// client falls back to RESP2, everything unknown gets +OK.
type redisServer struct {
	reply       chan struct{} // every reply waits until closed, when set
	holdPublish bool
}

func readRESP(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(line, "*") {
		return nil, fmt.Errorf("unexpected %q", line)
	}
	n, err := strconv.Atoi(strings.TrimSpace(line[1:]))
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		hdr, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimSpace(hdr[1:]))
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func (rs *redisServer) serve(s *server, c net.Conn, r *bufio.Reader) {
	for {
		args, err := readRESP(r)
		if err != nil || len(args) == 0 {
			return
		}
		s.packets.Add(1)
		if !s.gate(rs.reply) {
			return
		}
		switch strings.ToUpper(args[0]) {
		case "HELLO":
			_, _ = io.WriteString(c, "-ERR unknown command 'HELLO'\r\n")
		case "PING":
			_, _ = io.WriteString(c, "+PONG\r\n")
		case "SUBSCRIBE":
			for i, ch := range args[1:] {
				fmt.Fprintf(c, "*3\r\n$9\r\nsubscribe\r\n$%d\r\n%s\r\n:%d\r\n", len(ch), ch, i+1)
			}
		case "PUBLISH":
			if !rs.holdPublish {
				_, _ = io.WriteString(c, ":0\r\n")
			}
		default:
			_, _ = io.WriteString(c, "+OK\r\n")
		}
	}
}
