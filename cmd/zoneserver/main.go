package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/gigamon-dev/SubspaceServer-sub014/internal/arena"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/broker"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/chatlog"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/config"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/flaggame"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/mainloop"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/mapdata"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/module"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/netio"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/persist"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/player"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/scripting"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/zlog"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/zone"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(name string) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m      zoneserver  v0.1.0           \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1mzone:\033[0m %s\n\n", name)
}

func printSection(title string) {
	lineLen := 40 - len(title) - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Main server logic ──────────────────────────────────────────────

func run() error {
	cfgPath := "config/zone.toml"
	if p := os.Getenv("ZONESERVER_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := zlog.New(zlog.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfg.Server.Name)

	store, closeStore, err := openStore(cfg, log)
	if err != nil {
		return fmt.Errorf("persistence: %w", err)
	}
	defer closeStore()

	root := broker.New(nil)
	players := player.NewRegistry()
	arenas := arena.NewRegistry()
	ml := mainloop.New(log, nil)

	printSection("network")
	encReg := netio.NewEncryptorRegistry()
	encReg.Register("salsa20-ref", func(key [32]byte) netio.Encryptor { return netio.NewSalsa20Encryptor(key) })

	bindAddr, err := parseBindAddr(cfg.Server.Name, cfg.Net.BindAddress, cfg.Net.Port)
	if err != nil {
		return fmt.Errorf("net: %w", err)
	}
	listener, err := netio.NewListener(bindAddr, netio.ListenerConfig{
		RecvWindow:     cfg.Net.ClientConnectionReliableReceiveWindowSize,
		MaxUnacked:     cfg.Net.PlayerReliableReceiveWindowSize,
		RTOMin:         cfg.Net.RetransmitMin,
		RTOMax:         cfg.Net.RetransmitMax,
		NoDataTimeout:  cfg.Net.NoDataTimeout,
		MaxRetransmits: 0,
	}, ml, encReg, func() netio.BandwidthLimiterProvider {
		return netio.NewTokenBucketLimiter(defaultBandwidthWeights())
	}, log)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	printOK(fmt.Sprintf("listening on %s", listener.LocalAddr()))

	sessions := newSessionTable(players, log)
	bc := &connBroadcaster{sessions: sessions}

	listener.OnEstablished(func(conn *netio.ConnState) {
		p := players.NewPlayer()
		p.Status = player.StatusPlaying
		sessions.bind(conn, p)
		log.Info("player connected", zap.Uint64("player", uint64(p.ID)), zap.Stringer("addr", conn.Addr))
	})
	listener.OnRaw(func(conn *netio.ConnState, payload []byte) {
		// Decoding the SubSpace/Continuum client game-packet set is out
		// of scope (spec.md Non-goals: "providing a new wire protocol");
		// this hook is the attach point a real packet dispatcher would
		// replace.
		p, _ := sessions.playerFor(conn)
		if p == nil {
			log.Debug("raw packet from unbound connection", zap.Stringer("addr", conn.Addr), zap.Int("bytes", len(payload)))
			return
		}
		log.Debug("raw packet received", zap.Uint64("player", uint64(p.ID)), zap.Int("bytes", len(payload)))
	})

	broker.RegisterInterface[persist.Store](root, store, "")
	broker.RegisterInterface[flaggame.Broadcaster](root, bc, "")
	broker.RegisterInterface[*player.Registry](root, players, "")
	broker.RegisterInterface[*mainloop.Mainloop](root, ml, "")
	broker.RegisterInterface[*zap.Logger](root, log, "")
	broker.RegisterInterface[chatlog.IChat](root, chatlog.NewLogger(log), "")

	mgr := module.NewManager(root, log)
	factories := map[string]module.Factory{
		"mapdata":         func() any { return mapdata.NewModule() },
		"scripting":       func() any { return scripting.NewModule() },
		"flaggame.static": func() any { return flaggame.NewStaticModule() },
		"flaggame.carry":  func() any { return flaggame.NewCarryModule() },
	}

	printSection("modules")
	descs, err := loadModuleManifest(cfg.Server.ModulesFile)
	if err != nil {
		return fmt.Errorf("module manifest: %w", err)
	}
	if err := mgr.LoadAll(descs, factories); err != nil {
		return fmt.Errorf("load modules: %w", err)
	}
	for _, d := range descs {
		printOK(d.Name)
	}

	coordinator := zone.New(root, ml, mgr, players, arenas, log)

	printSection("arenas")
	arenaNames, err := startupArenas(cfg, coordinator)
	if err != nil {
		return fmt.Errorf("create arenas: %w", err)
	}
	for _, name := range arenaNames {
		printOK(name)
	}

	mainloop.SetTimer(ml, func() bool {
		now := time.Now()
		listener.FlushTick(now)
		listener.SweepIdle(now)
		sessions.reconcile(listener.Conns())
		return true
	}, 10*time.Millisecond, 10*time.Millisecond, "netio-tick", mainloop.PriorityServer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	serveErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		if err := listener.Serve(ctx); err != nil {
			serveErr <- err
		}
	}()
	go func() {
		defer wg.Done()
		ml.Run(ctx)
	}()

	printReady("zone server running")

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdownCh:
		log.Info("shutdown signal received", zap.Stringer("signal", sig))
	case err := <-serveErr:
		log.Error("network listener stopped", zap.Error(err))
	}

	cancel()
	wg.Wait()
	mgr.UnloadAll()
	log.Info("zone server stopped")
	return nil
}

func defaultBandwidthWeights() [5]netio.ClassWeight {
	var w [5]netio.ClassWeight
	for i := range w {
		w[i] = netio.ClassWeight{BytesPerSecond: 20000, BurstBytes: 8000}
	}
	return w
}

func parseBindAddr(zoneName, bind string, port int) (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(bind)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse bind_address %q (zone %q): %w", bind, zoneName, err)
	}
	return netip.AddrPortFrom(addr, uint16(port)), nil
}

func openStore(cfg *config.Config, log *zap.Logger) (persist.Store, func(), error) {
	if cfg.Database.DSN == "" {
		return persist.NewMemoryStore(), func() {}, nil
	}

	printSection("database")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := persist.NewDB(ctx, cfg.Database, log)
	if err != nil {
		return nil, nil, err
	}
	printOK("connected")

	if err := persist.RunMigrations(ctx, db.Pool); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}
	printOK("migrations applied")

	return persist.NewPostgresStore(db), db.Close, nil
}

type moduleManifest struct {
	Modules []module.Descriptor `yaml:"modules"`
}

// loadModuleManifest reads the YAML module manifest (spec §6). A
// missing file loads the default module set (mapdata, scripting,
// static and carry flag games) instead of an empty manager, since an
// empty manager can never satisfy an arena's AttachModules list.
func loadModuleManifest(path string) ([]module.Descriptor, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		descs := make([]module.Descriptor, len(defaultAttachModules))
		for i, name := range defaultAttachModules {
			descs[i] = module.Descriptor{Name: name}
		}
		return descs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var m moduleManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return m.Modules, nil
}

// defaultAttachModules activates every flag-game module this tree
// ships; mapdata and scripting are prerequisites the flag-game
// modules look up from the arena broker, and static/carry each no-op
// when cfg.Flag.IsStaticMode() doesn't match their mode.
var defaultAttachModules = []string{"mapdata", "scripting", "flaggame.static", "flaggame.carry"}

// startupArenas creates one arena per *.toml overlay found directly
// under <zone_root>/arenas, or a single "public" arena with no overlay
// when that directory is absent — a zone must always have somewhere
// for a freshly connected player to land.
func startupArenas(cfg *config.Config, coordinator *zone.Coordinator) ([]string, error) {
	dir := filepath.Join(cfg.Server.ZoneRoot, "arenas")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) || len(entries) == 0 {
		acfg := config.ArenaConfig{Flag: cfg.Flag, AttachModules: defaultAttachModules}
		if _, err := coordinator.CreateArena("public", acfg); err != nil {
			return nil, err
		}
		return []string{"public"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".toml" {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".toml")
		overlay, err := config.LoadArena(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("arena %s: %w", name, err)
		}
		overlay.Flag = config.EffectiveFlag(cfg.Flag, overlay.Flag)
		if len(overlay.AttachModules) == 0 {
			overlay.AttachModules = defaultAttachModules
		}
		if _, err := coordinator.CreateArena(name, *overlay); err != nil {
			return nil, fmt.Errorf("create arena %s: %w", name, err)
		}
		names = append(names, name)
	}
	return names, nil
}

// sessionTable maps each established connection to the Player it was
// given on connect (spec §4.4.9's "spawn Player" hook) and back, since
// no package owns that association otherwise: full login-protocol
// authentication is out of scope per spec.md, but something has to
// exist by the time a flaggame.Broadcaster needs to turn a *Player
// back into bytes on a socket.
type sessionTable struct {
	players *player.Registry
	log     *zap.Logger

	mu       sync.RWMutex
	byConn   map[*netio.ConnState]*player.Player
	byPlayer map[player.ID]*netio.ConnState
}

func newSessionTable(players *player.Registry, log *zap.Logger) *sessionTable {
	return &sessionTable{
		players:  players,
		log:      log,
		byConn:   make(map[*netio.ConnState]*player.Player),
		byPlayer: make(map[player.ID]*netio.ConnState),
	}
}

func (s *sessionTable) bind(conn *netio.ConnState, p *player.Player) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byConn[conn] = p
	s.byPlayer[p.ID] = conn
}

func (s *sessionTable) connFor(id player.ID) (*netio.ConnState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byPlayer[id]
	return c, ok
}

func (s *sessionTable) playerFor(conn *netio.ConnState) (*player.Player, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byConn[conn]
	return p, ok
}

func (s *sessionTable) snapshot() []*player.Player {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*player.Player, 0, len(s.byConn))
	for _, p := range s.byConn {
		out = append(out, p)
	}
	return out
}

// reconcile drops sessions whose ConnState is no longer tracked by the
// listener (it reaps ConnDead entries in SweepIdle), returning the
// Player to the registry's free list.
func (s *sessionTable) reconcile(live []*netio.ConnState) {
	liveSet := make(map[*netio.ConnState]struct{}, len(live))
	for _, c := range live {
		liveSet[c] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, p := range s.byConn {
		if _, ok := liveSet[conn]; ok {
			continue
		}
		delete(s.byConn, conn)
		delete(s.byPlayer, p.ID)
		s.players.Remove(p.ID)
		s.log.Info("player disconnected", zap.Uint64("player", uint64(p.ID)))
	}
}

// connBroadcaster implements flaggame.Broadcaster over the session
// table and the listener's unreliable send queue, mirroring the
// teacher's "serialize once, QueueUnreliable many" broadcast shape.
type connBroadcaster struct {
	sessions *sessionTable
}

func (b *connBroadcaster) SendTo(p *player.Player, data []byte) {
	conn, ok := b.sessions.connFor(p.ID)
	if !ok {
		return
	}
	conn.QueueUnreliable(data)
}

func (b *connBroadcaster) SendToArena(arenaName string, data []byte) {
	for _, p := range b.sessions.snapshot() {
		if p.ArenaName != arenaName {
			continue
		}
		if conn, ok := b.sessions.connFor(p.ID); ok {
			conn.QueueUnreliable(data)
		}
	}
}

func (b *connBroadcaster) SendToFreq(arenaName string, freq int16, data []byte) {
	for _, p := range b.sessions.snapshot() {
		if p.ArenaName != arenaName || p.Freq != freq {
			continue
		}
		if conn, ok := b.sessions.connFor(p.ID); ok {
			conn.QueueUnreliable(data)
		}
	}
}
