package core

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/InsulaLabs/ledgerfs/config"
	"github.com/InsulaLabs/ledgerfs/db/models"
	"github.com/InsulaLabs/ledgerfs/db/rft"
	"github.com/InsulaLabs/ledgerfs/db/tkv"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

type AccessEntity bool

const (
	AccessEntityAnyUser AccessEntity = false // for require root = false
	AccessEntityRoot    AccessEntity = true  // for require root = true
)

const EntityRoot = "root"

// Rate limiter categories.
const (
	categoryWrites  = "writes"
	categoryQueries = "queries"
	categorySystem  = "system"
	categoryEvents  = "events"
	categoryDefault = "default"
)

type Core struct {
	appCtx    context.Context
	cfg       *config.Cluster
	nodeCfg   *config.Node
	nodeId    string
	logger    *slog.Logger
	fsm       rft.FSMInstance
	authToken string
	mux       *http.ServeMux
	routes    sync.Once
	validate  *validator.Validate
	metrics   *Metrics

	startedAt time.Time

	rateLimiters map[string]*ttlcache.Cache[string, *rate.Limiter]

	// WebSocket mailbox subscriptions keyed by topic
	eventSubscribers     map[string]map[*eventSession]bool
	eventSubscribersLock sync.RWMutex
	wsUpgrader           websocket.Upgrader
	eventCh              chan models.Event
	activeWsConnections  int32
	wsConnectionLock     sync.Mutex

	apiCache *ttlcache.Cache[string, models.TokenData]
}

type Settings struct {
	Ctx        context.Context
	Logger     *slog.Logger
	NodeCfg    *config.Node
	ClusterCfg *config.Cluster
	NodeId     string
	Tkv        tkv.TKV

	// Standalone skips raft and applies every write locally.
	Standalone bool
}

func (c *Core) GetRootClientKey() string {
	return c.authToken
}

func (c *Core) tdIsRoot(td models.TokenData) bool {
	return td.KeyUUID == c.cfg.RootPrefix
}

func (c *Core) AddHandler(path string, handler http.Handler) error {
	if !c.startedAt.IsZero() {
		return fmt.Errorf("service already started, cannot add handler after startup")
	}
	c.mux.Handle(path, handler)
	return nil
}

func New(settings Settings) (*Core, error) {
	serviceEventCh := make(chan models.Event, settings.ClusterCfg.Sessions.EventChannelSize)

	// Satisfies rft.EventReceiverIF so fresh mailbox deliveries applied by the
	// FSM reach websocket subscribers connected to this node.
	es := &eventSubsystem{eventCh: serviceEventCh}

	fsmSettings := rft.Settings{
		Ctx:           settings.Ctx,
		Logger:        settings.Logger.With("service", "rft"),
		Config:        settings.ClusterCfg,
		NodeCfg:       settings.NodeCfg,
		NodeId:        settings.NodeId,
		TkvDb:         settings.Tkv,
		EventReceiver: es,
	}

	var fsm rft.FSMInstance
	if settings.Standalone {
		fsm = rft.NewStandalone(fsmSettings)
	} else {
		var err error
		if fsm, err = rft.New(fsmSettings); err != nil {
			return nil, err
		}
	}

	service := newCore(settings, fsm, serviceEventCh)
	es.service = service
	go service.eventProcessingLoop()
	return service, nil
}

func newCore(settings Settings, fsm rft.FSMInstance, eventCh chan models.Event) *Core {
	clusterCfg := settings.ClusterCfg
	logger := settings.Logger

	rateLimiters := make(map[string]*ttlcache.Cache[string, *rate.Limiter])
	rlLogger := logger.With("component", "rate-limiter")
	for category, rlConfig := range map[string]config.RateLimiterConfig{
		categoryWrites:  clusterCfg.RateLimiters.Writes,
		categoryQueries: clusterCfg.RateLimiters.Queries,
		categorySystem:  clusterCfg.RateLimiters.System,
		categoryEvents:  clusterCfg.RateLimiters.Events,
		categoryDefault: clusterCfg.RateLimiters.Default,
	} {
		if rlConfig.Limit <= 0 {
			continue
		}
		cache := ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](time.Minute*1),
			ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
		)
		go cache.Start()
		rateLimiters[category] = cache
		rlLogger.Info("Initialized rate limiter", "category", category, "limit", rlConfig.Limit, "burst", rlConfig.Burst)
	}

	apiCache := ttlcache.New[string, models.TokenData](
		ttlcache.WithTTL[string, models.TokenData](time.Minute*1),

		// Disable touch on hit for api keys so auto expire
		// can be leveraged for syncronization
		ttlcache.WithDisableTouchOnHit[string, models.TokenData](),
	)
	go apiCache.Start()

	var metrics *Metrics
	if clusterCfg.Metrics.Enabled {
		metrics = NewMetrics()
	}

	return &Core{
		appCtx:           settings.Ctx,
		cfg:              clusterCfg,
		nodeCfg:          settings.NodeCfg,
		nodeId:           settings.NodeId,
		logger:           logger,
		fsm:              fsm,
		authToken:        clusterCfg.RootToken(),
		rateLimiters:     rateLimiters,
		mux:              http.NewServeMux(),
		validate:         validator.New(validator.WithRequiredStructEnabled()),
		metrics:          metrics,
		eventSubscribers: make(map[string]map[*eventSession]bool),
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  clusterCfg.Sessions.WebSocketReadBufferSize,
			WriteBufferSize: clusterCfg.Sessions.WebSocketWriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				logger.Debug("WebSocket CheckOrigin called", "origin", r.Header.Get("Origin"), "host", r.Host)
				return true
			},
		},
		eventCh:  eventCh,
		apiCache: apiCache,
	}
}

func (c *Core) getRemoteAddress(r *http.Request) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		c.logger.Debug("Could not split host and port from remote address", "remote_addr", r.RemoteAddr, "error", err)
		remoteIP = r.RemoteAddr
	}

	trusted := make(map[string]struct{})
	for _, proxy := range c.cfg.TrustedProxies {
		trusted[proxy] = struct{}{}
	}

	for _, node := range c.cfg.Nodes {
		nodeHost, _, err := net.SplitHostPort(node.HttpBinding)
		if err != nil {
			c.logger.Warn("Could not parse node httpBinding", "binding", node.HttpBinding, "error", err)
			continue
		}
		trusted[nodeHost] = struct{}{}
	}

	if _, ok := trusted[remoteIP]; ok {
		if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
			ips := strings.Split(forwardedFor, ",")
			return strings.TrimSpace(ips[0])
		}
		if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
			return strings.TrimSpace(realIP)
		}
	}
	return remoteIP
}

func (c *Core) rateLimiterConfig(category string) config.RateLimiterConfig {
	switch category {
	case categoryWrites:
		return c.cfg.RateLimiters.Writes
	case categoryQueries:
		return c.cfg.RateLimiters.Queries
	case categorySystem:
		return c.cfg.RateLimiters.System
	case categoryEvents:
		return c.cfg.RateLimiters.Events
	}
	return c.cfg.RateLimiters.Default
}

func (c *Core) getRateLimiter(category string, r *http.Request) *rate.Limiter {
	limiterCategory, ok := c.rateLimiters[category]
	if !ok {
		category = categoryDefault
		if limiterCategory, ok = c.rateLimiters[category]; !ok {
			return nil
		}
	}
	ip := c.getRemoteAddress(r)
	limiterItem := limiterCategory.Get(ip)
	if limiterItem == nil {
		rlConfig := c.rateLimiterConfig(category)
		limiter := rate.NewLimiter(rate.Limit(rlConfig.Limit), rlConfig.Burst)
		limiterItem = limiterCategory.Set(ip, limiter, time.Minute*1)
	}
	return limiterItem.Value()
}

func (c *Core) rateLimitMiddleware(next http.Handler, category string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := c.getRateLimiter(category, r)
		if limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		res := limiter.Reserve()
		// If there's a delay, the request is rate-limited.
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			c.logger.Warn("Rate limit exceeded", "category", category, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			c.metrics.rateLimited(category)

			retryAfterSeconds := math.Ceil(delay.Seconds())
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfterSeconds))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%v", limiter.Limit()))
			w.Header().Set("X-RateLimit-Burst", fmt.Sprintf("%d", limiter.Burst()))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (c *Core) ipFilterMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.isPermittedIP(r) {
			c.logger.Warn("IP address not permitted", "remote_addr", r.RemoteAddr)
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isPermittedIP allows everyone when no permitted IPs are configured.
func (c *Core) isPermittedIP(r *http.Request) bool {
	if len(c.cfg.PermittedIPs) == 0 {
		return true
	}

	remoteIP := c.getRemoteAddress(r)
	for _, ip := range c.cfg.PermittedIPs {
		if ip == remoteIP {
			return true
		}
	}
	return false
}

func (c *Core) route(path string, handler http.HandlerFunc, category string) {
	c.mux.Handle(path, c.ipFilterMiddleware(c.rateLimitMiddleware(c.metrics.instrument(path, handler), category)))
}

// registerRoutes wires every endpoint onto the mux.
func (c *Core) registerRoutes() {
	// Account operations
	c.route("/db/api/v1/account/init", c.initAccountHandler, categoryWrites)
	c.route("/db/api/v1/account/forget", c.forgetAccountHandler, categoryWrites)
	c.route("/db/api/v1/account/viewing-key", c.issueViewingKeyHandler, categoryWrites)

	// Entry operations
	c.route("/db/api/v1/entry/create", c.createEntriesHandler, categoryWrites)
	c.route("/db/api/v1/entry/remove", c.removeEntriesHandler, categoryWrites)
	c.route("/db/api/v1/entry/move", c.moveEntriesHandler, categoryWrites)
	c.route("/db/api/v1/entry/owner", c.changeOwnerHandler, categoryWrites)
	c.route("/db/api/v1/entry/public", c.setPublicHandler, categoryWrites)
	c.route("/db/api/v1/entry/grants", c.grantHandler, categoryWrites)
	c.route("/db/api/v1/entry/grants/clone", c.cloneParentGrantsHandler, categoryWrites)

	// Mailbox operations
	c.route("/db/api/v1/mailbox/send", c.sendMessageHandler, categoryWrites)
	c.route("/db/api/v1/mailbox/clear", c.clearMailboxHandler, categoryWrites)
	c.route("/db/api/v1/mailbox/subscribe", c.mailboxSubscribeHandler, categoryEvents)

	// Viewing-key gated queries
	c.route("/db/api/v1/query/entry", c.queryEntryHandler, categoryQueries)
	c.route("/db/api/v1/query/folder", c.queryFolderHandler, categoryQueries)
	c.route("/db/api/v1/query/mailbox", c.queryMailboxHandler, categoryQueries)
	c.route("/db/api/v1/query/wallet", c.queryWalletHandler, categoryQueries)
	c.route("/db/api/v1/query/claim", c.queryClaimHandler, categoryQueries)
	c.route("/db/api/v1/query/claim/count", c.queryClaimCountHandler, categoryQueries)

	// System handlers
	c.route("/db/api/v1/join", c.joinHandler, categorySystem)
	c.route("/db/api/v1/ping", c.authedPing, categorySystem)
	c.route("/db/api/v1/admin/api/create", c.apiKeyCreateHandler, categorySystem)
	c.route("/db/api/v1/admin/api/delete", c.apiKeyDeleteHandler, categorySystem)

	if c.metrics != nil {
		c.mux.Handle("/metrics", c.ipFilterMiddleware(c.metrics.Handler()))
	}
}

// Handler returns the node's routed mux. Routes are registered on first use.
func (c *Core) Handler() http.Handler {
	c.routes.Do(c.registerRoutes)
	return c.mux
}

// Run forever until the context is cancelled
func (c *Core) Run() {
	handler := c.Handler()

	httpListenAddr := c.nodeCfg.HttpBinding
	c.logger.Info("Attempting to start server", "listen_addr", httpListenAddr, "tls_enabled", (c.cfg.TLS.Cert != "" && c.cfg.TLS.Key != ""))

	srv := &http.Server{
		Addr:    httpListenAddr,
		Handler: handler,
	}

	go func() {
		<-c.appCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			c.logger.Error("Server shutdown error", "error", err)
		}
	}()

	c.startedAt = time.Now()

	if c.cfg.TLS.Cert != "" && c.cfg.TLS.Key != "" {
		c.logger.Info("Starting HTTPS server", "cert", c.cfg.TLS.Cert, "key", c.cfg.TLS.Key)
		srv.TLSConfig = &tls.Config{}
		if err := srv.ListenAndServeTLS(c.cfg.TLS.Cert, c.cfg.TLS.Key); err != http.ErrServerClosed {
			c.logger.Error("HTTPS server error", "error", err)
		}
	} else {
		c.logger.Info("TLS cert or key not specified in config. Starting HTTP server (insecure).")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			c.logger.Error("HTTP server error", "error", err)
		}
	}

	c.stop()
}

func (c *Core) stop() {
	stopWg := sync.WaitGroup{}

	stopWg.Add(1)
	go func() {
		defer stopWg.Done()
		c.apiCache.Stop()
	}()

	stopWg.Add(1)
	go func() {
		defer stopWg.Done()
		c.eventSubscribersLock.Lock()
		defer c.eventSubscribersLock.Unlock()
		for _, subscriber := range c.eventSubscribers {
			for session := range subscriber {
				if session.conn != nil {
					if err := session.conn.Close(); err != nil {
						c.logger.Error("Error closing WebSocket connection", "error", err)
					}
				}
			}
		}
	}()

	stopWg.Add(1)
	go func() {
		defer stopWg.Done()
		for _, limiter := range c.rateLimiters {
			limiter.Stop()
		}
	}()

	c.logger.Info("Waiting for server to stop - this may take a moment")
	stopWg.Wait()

	if err := c.fsm.Close(); err != nil {
		c.logger.Error("Error closing FSM", "error", err)
	}
	c.logger.Info("Server stopped")
}
