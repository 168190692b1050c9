//go:build !tsnet

package cmd

import (
	"context"
	"net/http"

	"github.com/nextlevelbuilder/sonic/internal/config"
)

// initTailscale is the default no-op stub. Build with `-tags tsnet` to link
// the real tsnet listener in tailscale_tsnet.go.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	return nil
}
