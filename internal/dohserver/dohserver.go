// Package dohserver exposes the local forwarder's DNS resolution as a
// DoH endpoint: it accepts HTTPS connections, negotiates h2 or
// http/1.1 over ALPN, and relays each decoded DNS query to the
// configured upstream UDP listener before returning the raw wire
// response as application/dns-message.
package dohserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"

	"cloakdns/internal/certutil"
	"cloakdns/internal/config"
)

// Run loads the configured certificate/key, brings up a TLS listener
// on dsc.ListenAddress, and serves DoH requests until ctx is canceled.
// Grounded on the original's doh_server(): same two-second startup
// grace period (letting the upstream listener finish binding first),
// same cert+ALPN setup, same UDP relay target.
func Run(ctx context.Context, dsc config.DohServer, upstreamAddr string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
	}

	cert, err := certutil.LoadCertificate(dsc.Certificate, dsc.Key)
	if err != nil {
		return fmt.Errorf("dohserver: loading certificate: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   dsc.ALPN,
	}

	listener, err := tls.Listen("tcp", dsc.ListenAddress, tlsCfg)
	if err != nil {
		return fmt.Errorf("dohserver: listen: %w", err)
	}
	defer listener.Close()

	h := &handler{
		upstreamAddr:    upstreamAddr,
		logErrors:       dsc.LogErrors,
		cacheControl:    dsc.CacheControl,
		responseTimeout: time.Duration(dsc.ResponseTimeout) * time.Second,
	}

	server := &http.Server{
		Handler:      h,
		TLSConfig:    tlsCfg,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	if err := http2.ConfigureServer(server, &http2.Server{}); err != nil {
		return fmt.Errorf("dohserver: configuring h2: %w", err)
	}

	log.Info().Str("addr", dsc.ListenAddress).Msg("dohserver: listening")

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(listener) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
