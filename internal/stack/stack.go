// Package stack assembles the IMAP and POP3 protocol engines onto a
// single server.Server, sharing one realm, one mailbox store, one quota
// manager, and one SASL engine between both protocols.
package stack

import (
	"context"
	"crypto/tls"
	"log/slog"

	"github.com/infodancer/mailcore/internal/config"
	"github.com/infodancer/mailcore/internal/imap"
	"github.com/infodancer/mailcore/internal/metrics"
	"github.com/infodancer/mailcore/internal/pop3"
	"github.com/infodancer/mailcore/internal/quota"
	"github.com/infodancer/mailcore/internal/realm"
	"github.com/infodancer/mailcore/internal/sasl"
	"github.com/infodancer/mailcore/internal/server"
	"github.com/infodancer/mailcore/internal/store"
)

// Config holds everything Stack needs to build and run both protocol
// engines. Realm, Store, and Quota are supplied by the caller so tests and
// alternate cmd/ entry points can swap in different backends without
// touching this package.
type Config struct {
	Config    *config.Config
	TLSConfig *tls.Config
	Logger    *slog.Logger
	Realm     realm.Realm
	Store     store.Store
	Quota     quota.Manager
	Collector metrics.Collector
}

// Stack owns the running server.Server and the engines wired onto it.
type Stack struct {
	srv *server.Server
}

// New builds a Stack with both an IMAP and a POP3 handler registered on
// a shared server.Server, backed by one SASL engine over cfg.Realm.
func New(cfg Config) (*Stack, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	engine := sasl.New(cfg.Realm, cfg.Config.SASL.Mechanisms, cfg.Config.SASL.AllowPlaintextAuth)

	srv, err := server.New(server.Config{
		Cfg:       cfg.Config,
		TLSConfig: cfg.TLSConfig,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	var quotaMgr quota.Manager
	if cfg.Config.IMAP.EnableQuota {
		quotaMgr = cfg.Quota
	}

	srv.SetIMAPHandler(imap.Handler(cfg.Config.Hostname, cfg.Realm, cfg.Store, engine, quotaMgr, cfg.TLSConfig, cfg.Collector))
	srv.SetPOP3Handler(pop3.Handler(cfg.Config.Hostname, cfg.Realm, cfg.Store, engine, cfg.TLSConfig, cfg.Collector))

	return &Stack{srv: srv}, nil
}

// Run starts every configured listener and blocks until ctx is cancelled.
func (s *Stack) Run(ctx context.Context) error {
	return s.srv.Run(ctx)
}

// Shutdown stops all listeners.
func (s *Stack) Shutdown() {
	s.srv.Shutdown()
}
