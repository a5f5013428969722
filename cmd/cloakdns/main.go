// Command cloakdns runs a local DNS forwarder that tunnels queries to
// an upstream resolver over one of several censorship-resistant
// transports (DoH/1.1, pooled DoH/1.1, DoH/2, DoH/3, DoT, or DoQ),
// optionally fronted by its own DoH server for other clients on the
// same host to use.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"cloakdns/internal/certutil"
	"cloakdns/internal/config"
	"cloakdns/internal/dohserver"
	"cloakdns/internal/ipoverwrite"
	"cloakdns/internal/netutil"
	"cloakdns/internal/rule"
	"cloakdns/internal/upstream/doh1"
	"cloakdns/internal/upstream/doh2"
	"cloakdns/internal/upstream/doh3"
	"cloakdns/internal/upstream/doq"
	"cloakdns/internal/upstream/dot"
)

func main() {
	configPath := flag.String("config", "", "Path to the JSON config file (default: first positional argument, else config.json)")
	logLevel := flag.String("log-level", "info", "Log level: debug/info/warn/error")

	genCert := flag.Bool("gen-cert", false, "Generate a self-signed certificate and exit")
	certCN := flag.String("cert-cn", "localhost", "Common name for --gen-cert")
	certSAN := flag.String("cert-san", "localhost,127.0.0.1", "Comma-separated SANs for --gen-cert")
	certOut := flag.String("cert-out", "cloakdns.crt", "Certificate output path for --gen-cert")
	keyOut := flag.String("key-out", "cloakdns.key", "Key output path for --gen-cert")

	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	setLogLevel(*logLevel)

	if *genCert {
		sans := strings.Split(*certSAN, ",")
		if err := certutil.GenerateSelfSigned(*certCN, sans, *certOut, *keyOut); err != nil {
			log.Fatal().Err(err).Msg("generating self-signed certificate failed")
		}
		log.Info().Str("cert", *certOut).Str("key", *keyOut).Msg("self-signed certificate written")
		return
	}

	if *configPath == "" {
		*configPath = "config.json"
		if flag.NArg() > 0 {
			*configPath = flag.Arg(0)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("loading config failed")
	}

	rules, err := rule.Compile(cfg.Rules)
	if err != nil {
		log.Fatal().Err(err).Msg("compiling rules failed")
	}
	overwrite, err := ipoverwrite.Compile(cfg.Overwrite)
	if err != nil {
		log.Fatal().Err(err).Msg("compiling ip overwrite table failed")
	}

	dialer := netutil.Dialer{
		Interface: cfg.Interface,
		Options: netutil.SocketOptions{
			BindToDevice: cfg.BindToDevice,
			Congestion:   cfg.Congestion,
			MSS:          cfg.MSS,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runUpstream(ctx, cfg, rules, overwrite, dialer)
	})

	if cfg.DohServer.Enable {
		g.Go(func() error {
			return dohserver.Run(ctx, cfg.DohServer, cfg.ServeAddrs)
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("cloakdns exited with error")
	}
}

func runUpstream(ctx context.Context, cfg *config.Config, rules []rule.Rule, overwrite []ipoverwrite.Entry, dialer netutil.Dialer) error {
	log.Info().Str("protocol", string(cfg.Protocol)).Str("remote", cfg.RemoteAddrs).Msg("cloakdns: starting upstream transport")

	switch cfg.Protocol {
	case config.ProtocolH1:
		return doh1.Run(ctx, cfg, rules, overwrite, dialer)
	case config.ProtocolH1Multi:
		return doh1.RunMulti(ctx, cfg, rules, overwrite, dialer)
	case config.ProtocolH2:
		return doh2.Run(ctx, cfg, rules, overwrite, dialer)
	case config.ProtocolH3:
		return doh3.Run(ctx, cfg, rules, overwrite, dialer)
	case config.ProtocolDoT:
		return dot.Run(ctx, cfg, rules, overwrite, dialer)
	case config.ProtocolDoTNonblocking:
		return dot.RunNonBlocking(ctx, cfg, rules, overwrite, dialer)
	case config.ProtocolDoQ:
		return doq.Run(ctx, cfg, rules, overwrite, dialer)
	default:
		log.Fatal().Str("protocol", string(cfg.Protocol)).Msg("unsupported protocol")
		return nil
	}
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		log.Fatal().Str("level", level).Msg("invalid log level")
	}
}
