// Package viewer serves a read-only HTTP view of a running mote: contacts,
// collector status, journaled reports, logs and a websocket event stream.
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/groupmote/internal/collector"
	"github.com/petervdpas/groupmote/internal/mq"
	"github.com/petervdpas/groupmote/internal/util"
)

var log = logging.Logger("viewer")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ContactView is the JSON form of a contact.
type ContactView struct {
	Addr         string    `json:"addr"`
	LastSeen     time.Time `json:"last_seen"`
	LastActivity time.Time `json:"last_activity"`
	Mutual       []string  `json:"mutual"`
}

// Source reads live state from the event loop.
type Source interface {
	Contacts(ctx context.Context) ([]ContactView, error)
	Collector(ctx context.Context) (collector.Status, error)
}

// Journal lists journaled reports.
type Journal interface {
	ListReports(kind string, limit int) ([]mq.Report, error)
}

type Viewer struct {
	Source  Source
	Journal Journal // nil when the journal is disabled
	Logs    *LogBuffer
	Events  *Hub
}

// Handler builds the viewer's routes.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/contacts", func(w http.ResponseWriter, r *http.Request) {
		if !requireGet(w, r) {
			return
		}
		cs, err := v.Source.Contacts(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if cs == nil {
			cs = []ContactView{}
		}
		writeJSON(w, cs)
	})

	mux.HandleFunc("/api/collector", func(w http.ResponseWriter, r *http.Request) {
		if !requireGet(w, r) {
			return
		}
		st, err := v.Source.Collector(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, st)
	})

	mux.HandleFunc("/api/reports", func(w http.ResponseWriter, r *http.Request) {
		if !requireGet(w, r) {
			return
		}
		if v.Journal == nil {
			http.Error(w, "journal disabled", http.StatusNotFound)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		reports, err := v.Journal.ListReports(r.URL.Query().Get("kind"), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if reports == nil {
			reports = []mq.Report{}
		}
		writeJSON(w, reports)
	})

	if v.Logs != nil {
		mux.HandleFunc("/api/logs", v.Logs.ServeLogsJSON)
		mux.HandleFunc("/api/logs/stream", v.Logs.ServeLogsSSE)
	}

	if v.Events != nil {
		mux.HandleFunc("/api/events", serveEvents(v.Events))
	}

	return noCache(mux)
}

// GET /api/events (websocket)
func serveEvents(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debugf("websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		ch, cancel := hub.Subscribe()
		defer cancel()

		// Drain incoming frames so close and ping are processed.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-closed:
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(util.ShortTimeout))
				if err := conn.WriteJSON(e); err != nil {
					return
				}
			}
		}
	}
}

// Serve listens on addr until ctx is done.
func Serve(ctx context.Context, addr string, v Viewer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, ln, v)
}

func ServeListener(ctx context.Context, ln net.Listener, v Viewer) error {
	srv := &http.Server{Handler: Handler(v), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), util.DefaultShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Infof("Viewer listening on http://%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
