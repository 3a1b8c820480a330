package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"ichnaea/pkg/config"
	"ichnaea/pkg/control"
	"ichnaea/pkg/identity"
	"ichnaea/pkg/metrics"
	"ichnaea/pkg/protocol"
	"ichnaea/pkg/rendezvous"
	"ichnaea/pkg/session"
	"ichnaea/pkg/store"
	"ichnaea/pkg/swarm"
)

type BootstrapConfig struct {
	BootstrapKind        string   `arg:"--bootstrap-kind,env:BOOTSTRAP_KIND" help:"Kind of bootstrapper to use, static or dns. Without one the node waits to be found."`
	DNSBootstrapDomain   string   `arg:"--dns-bootstrap-domain,env:DNS_BOOTSTRAP_DOMAIN" help:"Domain to use when bootstrapping using DNS."`
	StaticBootstrapPeers []string `arg:"--static-bootstrap-peers,env:STATIC_BOOTSTRAP_PEERS" help:"Static list of peers to bootstrap with."`
}

type RunCmd struct {
	BootstrapConfig
	Config            string        `arg:"--config,env:CONFIG" help:"TOML file with defaults for the flags of this command."`
	ListenAddr        string        `arg:"--listen-addr,env:LISTEN_ADDR" help:"address to listen for peers. Defaults to :4001."`
	DataDir           string        `arg:"--data-dir,env:DATA_DIR" help:"Directory where the identity and contacts are persisted. Defaults to data."`
	MetricsAddr       string        `arg:"--metrics-addr,env:METRICS_ADDR" help:"address to serve metrics. Defaults to :9090."`
	Token             string        `arg:"--token,env:TOKEN" help:"Token of the topic to join on start."`
	HeartbeatInterval time.Duration `arg:"--heartbeat-interval,env:HEARTBEAT_INTERVAL" help:"Interval between heartbeats to verified peers. Defaults to 30s."`
}

type TopicCmd struct {
	Token string `arg:"positional,required" help:"Token to derive the rendezvous topic from."`
}

type IdentityCmd struct {
	DataDir string `arg:"--data-dir,env:DATA_DIR" default:"data" help:"Directory where the identity is persisted."`
}

type Arguments struct {
	Run      *RunCmd      `arg:"subcommand:run"`
	Topic    *TopicCmd    `arg:"subcommand:topic"`
	Identity *IdentityCmd `arg:"subcommand:identity"`
	LogLevel slog.Level   `arg:"--log-level,env:LOG_LEVEL" default:"INFO" help:"Minimum log level to output. Value should be DEBUG, INFO, WARN, or ERROR."`
}

func main() {
	args := &Arguments{}
	arg.MustParse(args)

	opts := slog.HandlerOptions{
		AddSource: true,
		Level:     args.LogLevel,
	}
	handler := slog.NewJSONHandler(os.Stderr, &opts)
	log := logr.FromSlogHandler(handler)
	ctx := logr.NewContext(context.Background(), log)

	err := run(ctx, args)
	if err != nil {
		log.Error(err, "run exit with error")
		os.Exit(1)
	}
	log.Info("gracefully shutdown")
}

func run(ctx context.Context, args *Arguments) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, os.Interrupt)
	defer cancel()
	switch {
	case args.Run != nil:
		return runCommand(ctx, args.Run)
	case args.Topic != nil:
		return topicCommand(args.Topic)
	case args.Identity != nil:
		return identityCommand(ctx, args.Identity)
	default:
		return errors.New("unknown subcommand")
	}
}

func topicCommand(args *TopicCmd) error {
	topic := rendezvous.TopicFromToken(args.Token)
	c, err := topic.CID()
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "topic: %s\ncid: %s\n", topic, c)
	return nil
}

func identityCommand(ctx context.Context, args *IdentityCmd) error {
	id, err := identity.LoadOrCreate(ctx, afero.NewOsFs(), args.DataDir, time.Now)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(id.Public())
}

func runCommand(ctx context.Context, args *RunCmd) error {
	log := logr.FromContextOrDiscard(ctx)
	fs := afero.NewOsFs()

	settings, err := loadSettings(fs, args)
	if err != nil {
		return err
	}

	id, err := identity.LoadOrCreate(ctx, fs, settings.DataDir, time.Now)
	if err != nil {
		return err
	}
	contacts, err := store.New(fs, settings.DataDir)
	if err != nil {
		return err
	}

	// Swarm
	bootstrapper, err := getBootstrapper(settings.Bootstrap)
	if err != nil {
		return err
	}
	substrate, err := swarm.NewP2PSwarm(ctx, settings.ListenAddr, bootstrapper, swarm.WithIdentity(id.PrivKey))
	if err != nil {
		return err
	}

	// Session
	var manager *session.Manager
	onSecure := func(sec session.Secure) {
		contact, err := persistRelationship(contacts, sec)
		if err != nil {
			log.Info("relationship not persisted", "relationshipId", sec.RelationshipID, "reason", err.Error())
			return
		}
		log.Info("relationship persisted", "relationshipId", sec.RelationshipID, "contact", contact.ID)
		manager.SendToPeer(sec.PeerPublicKey, protocol.NewConsentState(contact.ID, contact.Status))
	}
	onMessage := func(peerKey string, msg protocol.Message) {
		switch msg.Type {
		case protocol.TypeConsent:
			log.Info("peer consent state", "peer", peerKey, "contactId", msg.ContactID, "status", msg.Status)
		default:
			log.V(4).Info("peer message", "peer", peerKey, "type", msg.Type)
		}
	}
	manager, err = session.NewManager(substrate, id.PublicKey,
		session.WithLogger(log),
		session.WithOnSecure(onSecure),
		session.WithOnMessage(onMessage),
		session.WithHeartbeatInterval(settings.HeartbeatInterval.Duration),
	)
	if err != nil {
		return errors.Join(err, substrate.Close(ctx))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return substrate.Run(ctx)
	})
	g.Go(func() error {
		return manager.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return manager.Close(shutdownCtx)
	})
	if settings.Token != "" {
		_, err := manager.Join(ctx, settings.Token)
		if err != nil {
			return errors.Join(err, manager.Close(ctx))
		}
	}

	// Control
	srv := control.NewServer(manager, contacts, id.Public())
	g.Go(func() error {
		return srv.Serve(ctx, os.Stdin, os.Stdout)
	})

	// Metrics
	if settings.MetricsAddr != "" {
		metrics.Register()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.DefaultGatherer, promhttp.HandlerOpts{}))
		mux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		mux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		mux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
		mux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		metricsSrv := &http.Server{
			Addr:    settings.MetricsAddr,
			Handler: mux,
		}
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	log.Info("running ichnaea", "peer", substrate.ID().String(), "publicKey", id.PublicKeyHex(), "listen", settings.ListenAddr)
	err = g.Wait()
	if err != nil {
		return err
	}
	return nil
}

func loadSettings(fs afero.Fs, args *RunCmd) (config.Settings, error) {
	file := config.Settings{}
	if args.Config != "" {
		var err error
		file, err = config.Load(fs, args.Config)
		if err != nil {
			return config.Settings{}, err
		}
	}
	flags := config.Settings{
		ListenAddr:        args.ListenAddr,
		DataDir:           args.DataDir,
		MetricsAddr:       args.MetricsAddr,
		Token:             args.Token,
		HeartbeatInterval: config.Duration{Duration: args.HeartbeatInterval},
		Bootstrap: config.Bootstrap{
			Kind:        args.BootstrapKind,
			DNSDomain:   args.DNSBootstrapDomain,
			StaticPeers: args.StaticBootstrapPeers,
		},
	}
	settings := config.Merge(config.Default(), file, flags)
	err := settings.Validate()
	if err != nil {
		return config.Settings{}, err
	}
	return settings, nil
}

// persistRelationship stores the relationship when the token belongs to an
// approved contact.
func persistRelationship(contacts *store.Store, sec session.Secure) (store.Contact, error) {
	contact, ok, err := contacts.FindContactByToken(sec.Token)
	if err != nil {
		return store.Contact{}, err
	}
	if !ok {
		return store.Contact{}, errors.New("no contact for token")
	}
	if contact.Status != store.StatusApproved {
		return store.Contact{}, fmt.Errorf("contact %s is %s", contact.ID, contact.Status)
	}
	_, err = contacts.UpsertRelationship(store.Relationship{
		ID:            sec.RelationshipID,
		ContactID:     contact.ID,
		Token:         sec.Token,
		PeerPublicKey: sec.PeerPublicKey,
		Key:           sec.Key,
	})
	if err != nil {
		return store.Contact{}, err
	}
	return contact, nil
}

func getBootstrapper(cfg config.Bootstrap) (swarm.Bootstrapper, error) { //nolint: ireturn // Return type can be different structs.
	switch cfg.Kind {
	case "dns":
		return swarm.NewDNSBootstrapper(cfg.DNSDomain, 10), nil
	case "static":
		return swarm.NewStaticBootstrapperFromStrings(cfg.StaticPeers)
	case "":
		return swarm.NewStaticBootstrapper(nil), nil
	default:
		return nil, fmt.Errorf("unknown bootstrap kind %s", cfg.Kind)
	}
}
