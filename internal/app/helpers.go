package app

import (
	"fmt"
	"net/netip"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/groupmote/internal/config"
	"github.com/petervdpas/groupmote/internal/netinfo"
)

// NormalizeLocalViewer ensures the viewer only binds to localhost
// and returns the listen addr and browser URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	listenAddr = a
	url = "http://" + a
	return
}

// Libp2p internals are chatty at info.
var quietSubsystems = map[string]logging.LogLevel{
	"swarm2":       logging.LevelError,
	"basichost":    logging.LevelWarn,
	"pubsub":       logging.LevelWarn,
	"mdns":         logging.LevelWarn,
	"net/identify": logging.LevelWarn,
}

func setupLogging(c config.Log) error {
	lvl, err := logging.LevelFromString(c.Level)
	if err != nil {
		return fmt.Errorf("log level %q: %w", c.Level, err)
	}

	format := logging.ColorizedOutput
	switch c.Format {
	case "nocolor":
		format = logging.PlaintextOutput
	case "json":
		format = logging.JSONOutput
	}

	subs := make(map[string]logging.LogLevel, len(quietSubsystems))
	for name, q := range quietSubsystems {
		if q < lvl {
			q = lvl
		}
		subs[name] = q
	}

	logging.SetupLogging(logging.Config{
		Format:          format,
		Stderr:          true,
		Level:           lvl,
		SubsystemLevels: subs,
	})
	return nil
}

func logBanner(dir, cfgPath string) {
	log.Info("────────────────────────────────────────")
	log.Info("Group mote scope")
	log.Infof(" Mote folder : %s", dir)
	log.Infof(" Config file : %s", cfgPath)
	log.Info("")
	log.Info(" This process represents ONE mote.")
	log.Info(" Different folder/config = different mote.")
	log.Info("────────────────────────────────────────")
}

// withPeers adds hand-configured addresses to the beacon neighbor list.
type withPeers struct {
	netinfo.Info
	extra []netip.Addr
}

func (w withPeers) Neighbors() []netip.Addr {
	nb := w.Info.Neighbors()
	for _, a := range w.extra {
		dup := false
		for _, n := range nb {
			if n == a {
				dup = true
				break
			}
		}
		if !dup {
			nb = append(nb, a)
		}
	}
	return nb
}
