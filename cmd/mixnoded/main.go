// Command mixnoded runs a mix remailer node: it loads configuration,
// opens the persistent store, wires the packet codec, mailer, HTTP
// transport and key directory together, and drives the per-minute event
// loop until signalled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/coderelay/mixnode/internal/chunks"
	"github.com/coderelay/mixnode/internal/codec/refcodec"
	"github.com/coderelay/mixnode/internal/config"
	"github.com/coderelay/mixnode/internal/daemon"
	"github.com/coderelay/mixnode/internal/dummy"
	"github.com/coderelay/mixnode/internal/inbound"
	"github.com/coderelay/mixnode/internal/keydir"
	"github.com/coderelay/mixnode/internal/loop"
	"github.com/coderelay/mixnode/internal/mailer"
	"github.com/coderelay/mixnode/internal/outbound"
	"github.com/coderelay/mixnode/internal/pool"
	"github.com/coderelay/mixnode/internal/store"
	"github.com/coderelay/mixnode/internal/transport"
	"github.com/coderelay/mixnode/pkg/logging"
)

const chunkRetention = 72 * time.Hour

func main() {
	dataDir := flag.String("data-dir", "~/.mixnode", "configuration and database directory")
	start := flag.Bool("start", false, "fork to background and run (requires -stop to terminate)")
	stop := flag.Bool("stop", false, "signal a backgrounded node to terminate")
	flag.Bool("run", false, "run in the foreground (the default when neither -start nor -stop is given)")
	flag.Parse()

	switch {
	case *start && *stop:
		fmt.Fprintln(os.Stderr, "mixnoded: -start and -stop are mutually exclusive")
		os.Exit(2)
	case *start:
		os.Exit(runStart(*dataDir))
	case *stop:
		os.Exit(runStop(*dataDir))
	default:
		os.Exit(runForeground(*dataDir))
	}
}

func runStart(dataDir string) int {
	cfg, err := config.Load(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mixnoded: load config: %v\n", err)
		return 1
	}
	m := daemon.New(pidFilePath(cfg, dataDir))
	if err := m.Start([]string{"-data-dir", dataDir}); err != nil {
		fmt.Fprintf(os.Stderr, "mixnoded: start: %v\n", err)
		return 1
	}
	fmt.Println("mixnoded started")
	return 0
}

func runStop(dataDir string) int {
	cfg, err := config.Load(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mixnoded: load config: %v\n", err)
		return 1
	}
	m := daemon.New(pidFilePath(cfg, dataDir))
	if err := m.Stop(30 * time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "mixnoded: stop: %v\n", err)
		return 1
	}
	fmt.Println("mixnoded stopped")
	return 0
}

func runForeground(dataDir string) int {
	cfg, err := config.Load(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mixnoded: load config: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "mixnoded: invalid configuration: %v\n", err)
		return 1
	}

	logCfg := &logging.Config{Level: cfg.Logging.Level, TimeFormat: cfg.Logging.DateFmt, JSON: cfg.Logging.Format == "json"}
	if cfg.Logging.Dir != "" && cfg.Logging.File != "" {
		logDir := config.ExpandPath(cfg.Logging.Dir)
		if err := os.MkdirAll(logDir, 0700); err != nil {
			fmt.Fprintf(os.Stderr, "mixnoded: create log dir: %v\n", err)
			return 1
		}
		f, err := os.OpenFile(filepath.Join(logDir, cfg.Logging.File), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mixnoded: open log file: %v\n", err)
			return 1
		}
		defer f.Close()
		logCfg.Output = f
	}
	log := logging.New(logCfg)
	logging.SetDefault(log)

	m := daemon.New(pidFilePath(cfg, dataDir))
	err = m.Run(context.Background(), func(ctx context.Context) error {
		return serve(ctx, cfg, log)
	})
	if err != nil {
		log.Error("node exited with error", "error", err)
		return 1
	}
	return 0
}

func pidFilePath(cfg *config.Config, dataDir string) string {
	dir := cfg.General.PIDDir
	if dir == "" {
		dir = dataDir
	}
	return filepath.Join(config.ExpandPath(dir), cfg.General.PIDFile)
}

// serve wires every collaborator and runs the event loop until ctx is
// cancelled.
func serve(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	st, err := store.Open(&store.Config{Directory: cfg.Database.Directory, Path: cfg.Database.Path})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	httpTransport := transport.New(cfg.General.HTTPTimeout)

	descriptorPath := filepath.Join(config.ExpandPath(cfg.Database.Directory), "remailer-conf.txt")
	dir := keydir.New(st, httpTransport, log, cfg.General.Name, cfg.General.KeyLen, descriptorPath)

	if _, err := dir.LocalKeyForAdvertising(ctx); err != nil {
		return fmt.Errorf("ensure local identity: %w", err)
	}

	codec := refcodec.New(&keyResolver{dir: dir})

	inPool, err := pool.New(config.ExpandPath(cfg.Pool.InDir))
	if err != nil {
		return fmt.Errorf("open inbound pool: %w", err)
	}

	lastRelease := loadLastRelease(st)
	outPool, err := pool.NewCottrell(config.ExpandPath(cfg.Pool.OutDir), cfg.Pool.Size, cfg.Pool.Rate, cfg.IntervalDuration(), lastRelease)
	if err != nil {
		return fmt.Errorf("open outbound pool: %w", err)
	}
	persistingTrigger := &persistingTrigger{pool: outPool, store: st}

	reassembler := chunks.New(st, chunkRetention)

	var smtpMailer mailer.Mailer = mailer.NewSMTP(cfg.General.SMTPRelay, "remailer@"+cfg.General.Address, cfg.General.Address, cfg.General.SMTPTimeout)

	inboundProc := inbound.New(inPool, outPool, codec, st, reassembler, dir, log, inbound.Config{
		SMTPEnabled:   cfg.General.SMTP,
		HopSpyEnabled: cfg.General.HopSpy,
		RandHopExpiry: 48 * time.Hour,
	})
	outboundProc := outbound.New(outPool, smtpMailer, httpTransport, nil, log)

	dummyInjector := dummy.New(codec, dir, outPool, dummy.Config{ChainLength: 3, Expiry: 48 * time.Hour})

	now := time.Now().UTC()
	evLoop := loop.New(now, dir, reassembler, st, persistingTrigger, inboundProc, outboundProc, dummyInjector, inPool, outPool, log, loop.Config{
		TickInterval: 60 * time.Second,
		InDummyOdds:  cfg.Pool.InDummy,
		OutDummyOdds: cfg.Pool.OutDummy,
	})

	log.Info("mix node starting", "name", cfg.General.Name, "address", cfg.General.Address)
	return evLoop.Run(ctx)
}

func loadLastRelease(st *store.Store) time.Time {
	val, ok, err := st.GetSetting("pool.lastrelease")
	if err != nil || !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return time.Time{}
	}
	return t
}

// persistingTrigger wraps a CottrellPool's release trigger, persisting the
// last-release timestamp to the store after every check so a restart does
// not immediately re-trigger a release.
type persistingTrigger struct {
	pool  *pool.CottrellPool
	store *store.Store
}

// keyResolver adapts the key directory to refcodec's narrow KeyResolver
// interface, translating its storage-shaped Identity into refcodec's own
// minimal PublicKey record.
type keyResolver struct {
	dir *keydir.Directory
}

func (k *keyResolver) SecretForKeyID(keyid string) ([]byte, error) {
	return k.dir.SecretForKeyID(keyid)
}

func (k *keyResolver) PublicForAddress(addr string) (*refcodec.PublicKey, error) {
	id, err := k.dir.PublicForAddress(addr)
	if err != nil {
		return nil, err
	}
	return &refcodec.PublicKey{KeyID: id.KeyID, PEM: id.PubKeyPEM}, nil
}

func (p *persistingTrigger) Trigger(now time.Time) (bool, error) {
	fired, err := p.pool.Trigger(now)
	if err != nil {
		return false, err
	}
	if err := p.store.SetSetting("pool.lastrelease", p.pool.LastRelease().Format(time.RFC3339)); err != nil {
		return fired, err
	}
	return fired, nil
}
