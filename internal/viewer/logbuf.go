// internal/viewer/logbuf.go
package viewer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/groupmote/internal/util"
)

// LogEntry is one go-log record as the viewer serves it.
type LogEntry struct {
	TS     time.Time `json:"ts"`
	Level  string    `json:"level"`
	System string    `json:"system,omitempty"`
	Msg    string    `json:"msg"`
}

// record matches the JSON encoder go-log uses for pipe readers.
type record struct {
	Level  string `json:"level"`
	TS     string `json:"ts"`
	Logger string `json:"logger"`
	Msg    string `json:"msg"`
}

const iso8601 = "2006-01-02T15:04:05.000Z0700"

type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]

	subs map[chan LogEntry]struct{}
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

// Add stores an entry and hands it to every subscriber.
func (b *LogBuffer) Add(e LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries.Push(e)
	b.broadcastLocked(e)
}

// Follow decodes JSON records from r (a go-log pipe reader) into the buffer
// until r is closed or ctx is done. The pipe must be drained continuously or
// logging blocks, so Follow should run for the life of the process.
func (b *LogBuffer) Follow(ctx context.Context, r io.ReadCloser) {
	stop := context.AfterFunc(ctx, func() { _ = r.Close() })
	defer stop()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		b.Add(parseRecord(line))
	}
}

// parseRecord keeps lines that are not go-log JSON as plain info messages.
func parseRecord(line []byte) LogEntry {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil || rec.Msg == "" {
		return LogEntry{TS: time.Now(), Level: "info", Msg: string(line)}
	}
	ts, err := time.Parse(iso8601, rec.TS)
	if err != nil {
		ts = time.Now()
	}
	return LogEntry{TS: ts, Level: strings.ToLower(rec.Level), System: rec.Logger, Msg: rec.Msg}
}

func (b *LogBuffer) broadcastLocked(e LogEntry) {
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// drop on slow subscriber
		}
	}
}

func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.Snapshot()
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// GET /api/logs?level=&system=&tail=
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	level := strings.ToLower(q.Get("level"))
	system := q.Get("system")
	tail, _ := strconv.Atoi(q.Get("tail"))

	all := b.Snapshot()
	out := make([]LogEntry, 0, len(all))
	for _, e := range all {
		if level != "" && e.Level != level {
			continue
		}
		if system != "" && e.System != system {
			continue
		}
		out = append(out, e)
	}
	if tail > 0 && tail < len(out) {
		out = out[len(out)-tail:]
	}
	writeJSON(w, out)
}

// GET /api/logs/stream  (Server-Sent Events) - tail only (no snapshot)
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, e)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e LogEntry) {
	b, _ := json.Marshal(e)
	_, _ = w.Write([]byte("event: message\n"))
	_, _ = w.Write([]byte("data: " + string(b) + "\n\n"))
}
