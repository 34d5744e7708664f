package app

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/groupmote/internal/collector"
	"github.com/petervdpas/groupmote/internal/config"
	"github.com/petervdpas/groupmote/internal/loop"
	"github.com/petervdpas/groupmote/internal/netinfo"
	"github.com/petervdpas/groupmote/internal/p2p"
	"github.com/petervdpas/groupmote/internal/proto"
	"github.com/petervdpas/groupmote/internal/storage"
	"github.com/petervdpas/groupmote/internal/util"
	"github.com/petervdpas/groupmote/internal/viewer"
)

var log = logging.Logger("app")

type Options struct {
	Dir      string
	CfgPath  string
	Cfg      config.Config
	Progress func(step, total int, label string)
}

// Run starts the mote and blocks until ctx is cancelled or a component fails.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	if err := setupLogging(cfg.Log); err != nil {
		return err
	}
	logBuf := viewer.NewLogBuffer(cfg.Viewer.LogBuffer)
	logBanner(opt.Dir, opt.CfgPath)

	emit := opt.Progress
	if emit == nil {
		emit = func(int, int, string) {}
	}
	step, total := 0, 4
	if cfg.Discovery.UsesUDP() && cfg.Discovery.UsesLibp2p() {
		total++
	}
	progress := func(label string) {
		step++
		emit(step, total, label)
	}

	// ── Network and identity
	network := netinfo.Info(netinfo.New(cfg.Discovery.Interface))
	if peers := cfg.Discovery.PeerAddrs(); len(peers) > 0 {
		network = withPeers{Info: network, extra: peers}
	}
	hw := cfg.Identity.HardwareAddress()
	if hw == nil {
		hw = network.HardwareAddr()
	}

	l := loop.New(cfg.Discovery.QueueSize)

	var client collector.Client
	switch cfg.Collector.Transport {
	case "redis":
		client = collector.NewRedisClient(l.PostCollector, cfg.Collector.RedisAuth, cfg.Collector.MaxInflight)
	default:
		client = collector.NewPahoClient(l.PostCollector, cfg.Collector.MaxInflight)
	}
	defer client.Disconnect()

	mote, err := NewMote(cfg, l, client, network, hw)
	if err != nil {
		return err
	}
	mote.SetCaller(l.Call)
	log.Infof("client id %s, collector %s:%d over %s",
		mote.ClientID(), cfg.Collector.BrokerHost, cfg.Collector.BrokerPort, cfg.Collector.Transport)

	// ── Journal
	progress("Opening journal")
	var journal viewer.Journal
	if cfg.Storage.Journal {
		db, err := storage.Open(util.ResolvePath(opt.Dir, cfg.Storage.JournalPath), cfg.Storage.JournalKeep)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		defer db.Close()
		if err := db.SetMeta("client_id", mote.ClientID()); err != nil {
			log.Warnf("journal meta: %v", err)
		}
		mote.SetJournal(db)
		journal = db
		log.Infof("journal at %s", db.Path())
	}

	hub := viewer.NewHub()
	mote.SetEvents(hub)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	// abort stops whatever already runs before a startup error is returned.
	abort := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}

	mote.Start()
	g.Go(func() error { return l.Run(gctx, mote.Dispatch) })

	onSighting := func(addr netip.Addr, at time.Time) {
		l.TryPost(loop.Sighting{Addr: addr, At: at})
	}

	// ── Discovery
	if cfg.Discovery.UsesUDP() {
		progress("Opening beacon socket")
		b, err := p2p.ListenBeacon(p2p.BeaconConfig{
			Port:     cfg.Discovery.UDPPort,
			Interval: cfg.Discovery.SendInterval(),
			Jitter:   cfg.Discovery.SendJitter(),
			Lag:      cfg.Discovery.CommunicationLag(),
		}, network)
		if err != nil {
			return abort(err)
		}
		defer b.Close()
		g.Go(func() error { return b.Serve(gctx, onSighting) })
		g.Go(func() error { return b.Broadcast(gctx) })
		log.Infof("beacons on udp/%d", b.Port())
	}

	if cfg.Discovery.UsesLibp2p() {
		progress("Starting libp2p node")
		node, err := p2p.NewNode(gctx, p2p.NodeConfig{
			ListenPort:       cfg.Discovery.ListenPort,
			KeyFile:          util.ResolvePath(opt.Dir, cfg.Identity.KeyFile),
			PresenceInterval: cfg.Discovery.PresenceInterval(),
		}, onSighting)
		if err != nil {
			return abort(err)
		}
		defer node.Close()
		g.Go(func() error { return node.Run(gctx) })
		log.Infof("libp2p peer %s on topic %s", node.ID(), proto.PresenceTopic)
	}

	// ── Viewer
	progress("Starting viewer")
	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		pr := logging.NewPipeReader(logging.PipeFormat(logging.JSONOutput))
		go logBuf.Follow(gctx, pr)
		v := viewer.Viewer{Source: mote, Journal: journal, Logs: logBuf, Events: hub}
		g.Go(func() error { return viewer.Serve(gctx, addr, v) })
		log.Infof("viewer at %s", url)
	}

	progress("Online")
	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		log.Info("shutting down")
		return nil
	}
	return err
}
