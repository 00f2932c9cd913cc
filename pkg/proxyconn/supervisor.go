package proxyconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgproto3/v2"
	"go.uber.org/zap"

	"github.com/cipherstash/csproxy/pkg/audit"
	"github.com/cipherstash/csproxy/pkg/auth"
	"github.com/cipherstash/csproxy/pkg/cipher"
	"github.com/cipherstash/csproxy/pkg/cipher/localcipher"
	"github.com/cipherstash/csproxy/pkg/csconfig"
	"github.com/cipherstash/csproxy/pkg/csproxyerr"
	"github.com/cipherstash/csproxy/pkg/eqlmapper/transform"
	"github.com/cipherstash/csproxy/pkg/schema"
	"github.com/cipherstash/csproxy/pkg/session"
	"github.com/cipherstash/csproxy/pkg/wire"
	"github.com/cipherstash/csproxy/pkg/wire/startup"
)

// Supervisor owns the listener and every long-lived collaborator shared
// across connections: the cipher cache, the schema/encrypt-config
// managers, the cancel-key registry and the audit logger.
type Supervisor struct {
	cfg       *csconfig.Config
	log       *zap.Logger
	listener  net.Listener
	tlsConfig *tls.Config

	deps      Deps
	cache     *cipher.Cache
	schemaMgr *schema.SchemaManager
	configMgr *schema.EncryptConfigManager
	cancelReg *auth.CancelRegistry

	connWG sync.WaitGroup
	closed atomic.Bool
}

// NewSupervisor wires every collaborator from cfg, but does
// not yet bind a listener — call ListenAndServe for that.
func NewSupervisor(cfg *csconfig.Config, log *zap.Logger) (*Supervisor, error) {
	var tlsCfg *tls.Config
	switch {
	case cfg.TLS.CertificatePEM != "" || cfg.TLS.CertificatePath != "":
		tc, err := cfg.TLS.ServerTLSConfig()
		if err != nil {
			return nil, err
		}
		tlsCfg = tc
	case cfg.Server.RequireTLS:
		return nil, csproxyerr.ErrConfigMissingField.WithDetail("tls material required when server.require_tls is set")
	}

	auditLogger := audit.NewLogger(log, audit.DefaultConfig())

	masterSecret := []byte(cfg.Encrypt.ClientKey)
	cipherCache, err := cipher.New(
		func(_ context.Context, keysetID string) (cipher.ScopedCipher, error) {
			return localcipher.New(masterSecret, keysetID), nil
		},
		cipher.Config{
			MaxCost: cfg.Server.CipherCacheSize,
			TTL:     time.Duration(cfg.Server.CipherCacheTTLSecond) * time.Second,
			OnEvict: func(ev cipher.EvictionEvent) {
				auditLogger.Log(audit.Event{Type: audit.EventCacheEvicted, KeysetID: ev.KeysetID, Reason: ev.Cause})
			},
		},
		log,
	)
	if err != nil {
		return nil, csproxyerr.Wrap(csproxyerr.KindResource, "", "failed to build cipher cache", err)
	}

	connString := upstreamConnString(cfg.Database)
	schemaMgr := schema.NewSchemaManager(schema.NewPgconnSchemaFetcher(connString), cfg.Database.ConfigReloadInterval, log)
	configMgr := schema.NewEncryptConfigManager(schema.NewPgconnEncryptConfigFetcher(connString), cfg.Database.ConfigReloadInterval, log, schema.IsTableMissing)

	cancelReg := auth.NewCancelRegistry()
	dispatcher := session.NewDispatcher(keysetResolverFor(cfg.Encrypt))

	s := &Supervisor{
		cfg:       cfg,
		log:       log,
		tlsConfig: tlsCfg,
		cache:     cipherCache,
		schemaMgr: schemaMgr,
		configMgr: configMgr,
		cancelReg: cancelReg,
		deps: Deps{
			Ciphers:         cipher.NewPipeline(cipherCache),
			Dispatcher:      dispatcher,
			Audit:           auditLogger,
			Cancel:          cancelReg,
			TransformPipe:   transform.DefaultPipeline(),
			DefaultKeysetID: cfg.Encrypt.DefaultKeysetID,
			MappingDisabled: cfg.Encrypt.MappingDisabled,
			IdleTimeout:     cfg.Server.IdleTimeout,
			Log:             log,
		},
	}
	return s, nil
}

// keysetResolverFor builds the KEYSET_NAME -> uuid lookup the session
// dispatcher needs. Named keysets beyond the single configured default
// require a workspace-side directory lookup that is out of scope here;
// "default" is the only name this proxy resolves locally.
func keysetResolverFor(cfg csconfig.Encrypt) session.KeysetResolver {
	return func(name string) (uuid.UUID, error) {
		if name != "default" || cfg.DefaultKeysetID == "" {
			return uuid.UUID{}, fmt.Errorf("unknown keyset name %q", name)
		}
		return uuid.Parse(cfg.DefaultKeysetID)
	}
}

func upstreamConnString(db csconfig.Database) string {
	sslmode := "require"
	if !db.WithTLSVerification {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.Username, db.Password, db.Host, db.Port, db.Name, sslmode)
}

// ListenAndServe binds the listener, starts the background managers, and
// accepts connections until ctx is canceled or a termination signal
// arrives.
func (s *Supervisor) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return csproxyerr.Wrap(csproxyerr.KindResource, "", "failed to bind listener", err)
	}
	s.listener = ln
	s.log.Info("csproxy listening", zap.String("addr", addr))

	mgrCtx, cancelMgrs := context.WithCancel(ctx)
	defer cancelMgrs()
	go s.schemaMgr.Run(mgrCtx)
	go s.configMgr.Run(mgrCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	acceptErrCh := make(chan error, 1)
	go func() { acceptErrCh <- s.acceptLoop(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case err := <-acceptErrCh:
			return err
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				s.reload()
			default:
				return s.shutdown()
			}
		}
	}
}

// reload re-reads the config file and logs whether a restart is required
// for the changed fields to take effect.
func (s *Supervisor) reload() {
	s.log.Info("received SIGHUP, reloading configuration")
	// The listen address and TLS material require a fresh listener/accept
	// loop, which this proxy does not hot-swap; NetworkSettingsChanged
	// tells the operator a restart is needed instead of silently
	// continuing on stale settings.
	newCfg, err := csconfig.Load(os.Getenv("CSPROXY_CONFIG_PATH"))
	if err != nil {
		s.log.Warn("config reload failed, continuing with previous configuration", zap.Error(err))
		return
	}
	if csconfig.NetworkSettingsChanged(s.cfg, newCfg) {
		s.log.Warn("network-affecting settings changed; restart the process to apply them")
		return
	}
	s.cfg = newCfg
}

func (s *Supervisor) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return csproxyerr.Wrap(csproxyerr.KindResource, "", "accept failed", err)
		}
		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn negotiates the pre-protocol handshake, then either forwards
// a cancel request or spawns a full Connection.
func (s *Supervisor) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	client := wire.NewClientCodec(conn)
	hello, err := startup.NegotiateClient(client, s.tlsConfig)
	if err != nil {
		s.log.Debug("client negotiation failed", zap.Error(err))
		return
	}

	if hello.Cancel != nil {
		s.handleCancel(ctx, hello.Cancel)
		return
	}

	up, err := startup.DialUpstream(ctx, upstreamConnString(s.cfg.Database))
	if err != nil {
		s.log.Warn("upstream dial failed", zap.Error(err))
		client.Send(errorResponseFor(err))
		return
	}
	defer up.Conn.Close()

	clientKey := auth.BackendKey{PID: up.PID, Secret: up.SecretKey}
	if secret, err := auth.GenerateSecretKey(); err == nil {
		clientKey = auth.BackendKey{PID: up.PID, Secret: secret}
	}

	if err := startup.CompleteClientAuth(client, s.cfg.Database.Password, clientKey.PID, clientKey.Secret, up.ParameterStats); err != nil {
		s.log.Debug("client authentication failed", zap.Error(err))
		return
	}

	s.cancelReg.Register(clientKey, auth.BackendKey{PID: up.PID, Secret: up.SecretKey})
	defer s.cancelReg.Unregister(clientKey)

	connID := uuid.New().String()
	mergedSchema := schema.Merge(s.schemaMgr.Current(), s.configMgr.Current())
	conn2 := NewConnection(connID, client, up, mergedSchema, s.deps)
	conn2.ctxSt.ClientKey = clientKey

	if err := conn2.Run(ctx); err != nil && csproxyerr.IsFatal(err) {
		s.log.Debug("connection terminated", zap.String("conn_id", connID), zap.Error(err))
	}
}

// handleCancel translates the client-visible cancel key: the
// client-visible (pid,secret) never matches the upstream's, so the
// registry resolves it before forwarding the real pair upstream.
func (s *Supervisor) handleCancel(ctx context.Context, req *pgproto3.CancelRequest) {
	clientKey := auth.BackendKey{PID: req.ProcessID, Secret: req.SecretKey}
	upstreamKey, err := s.cancelReg.Resolve(clientKey)
	if err != nil {
		s.log.Debug("cancel request rejected", zap.Error(err))
		return
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Database.Host, s.cfg.Database.Port)
	if err := startup.ForwardCancel(ctx, addr, upstreamKey.PID, upstreamKey.Secret); err != nil {
		s.log.Debug("cancel forwarding failed", zap.Error(err))
		return
	}
	s.deps.Audit.Log(audit.Event{Type: audit.EventCancelForwarded})
}

// shutdown stops accepting new connections and waits up to
// server.shutdown_timeout for in-flight connections to finish.
func (s *Supervisor) shutdown() error {
	s.closed.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("all connections drained, shutting down")
	case <-time.After(s.cfg.Server.ShutdownTimeout):
		s.log.Warn("shutdown timeout exceeded, forcing exit")
	}

	s.cache.Close()
	return s.deps.Audit.Close(context.Background())
}
