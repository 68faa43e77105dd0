//go:build !tsnet

package gateway

import (
	"context"
	"log/slog"
	"net/http"
)

// startTailscale is compiled out unless built with -tags tsnet.
func (s *Server) startTailscale(ctx context.Context, mux *http.ServeMux) func() {
	if s.cfg.Tailscale.Hostname != "" {
		slog.Warn("tailscale configured but this binary was built without -tags tsnet")
	}
	return nil
}
