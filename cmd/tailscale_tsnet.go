//go:build tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/sonic/internal/config"
)

// initTailscale starts a secondary tsnet listener serving mux over the
// tailnet, alongside the main listener started by Server.Start. It is
// compiled only via `go build -tags tsnet`; the default build uses the
// no-op stub in tailscale_stub.go. Returns nil (and a nil cleanup) when
// cfg.Tailscale.Hostname is empty.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	if cfg.Tailscale.Hostname == "" {
		return nil
	}

	srv := &tsnet.Server{
		Hostname: cfg.Tailscale.Hostname,
		Dir:      cfg.Tailscale.StateDir,
		AuthKey:  cfg.Tailscale.AuthKey,
	}

	if _, err := srv.Up(ctx); err != nil {
		slog.Error("tsnet: failed to bring up tailnet", "error", err)
		srv.Close()
		return nil
	}

	ln, err := srv.Listen("tcp", ":80")
	if err != nil {
		slog.Error("tsnet: failed to listen", "error", err)
		srv.Close()
		return nil
	}

	httpSrv := &http.Server{Handler: mux}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("tsnet: serve error", "error", err)
		}
	}()

	slog.Info("tsnet listener started", "hostname", cfg.Tailscale.Hostname)

	return func() {
		httpSrv.Close()
		srv.Close()
	}
}
