//go:build tsnet

package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"tailscale.com/tsnet"
)

// startTailscale serves the same mux on a tailnet listener. Enabled by
// building with -tags tsnet and setting tailscale.hostname in config.
func (s *Server) startTailscale(ctx context.Context, mux *http.ServeMux) func() {
	tc := s.cfg.Tailscale
	if tc.Hostname == "" {
		return nil
	}

	ts := &tsnet.Server{
		Hostname:  tc.Hostname,
		Dir:       tc.StateDir,
		AuthKey:   tc.AuthKey,
		Ephemeral: tc.Ephemeral,
	}
	ln, err := ts.Listen("tcp", ":80")
	if err != nil {
		slog.Error("tsnet listen failed", "error", err)
		ts.Close()
		return nil
	}

	srv := &http.Server{Handler: mux}
	go func() {
		slog.Info("serving on tailnet", "hostname", tc.Hostname)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("tsnet serve ended", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	return func() {
		srv.Close()
		ts.Close()
	}
}
