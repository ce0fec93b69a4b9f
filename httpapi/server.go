// Package httpapi exposes the dispatch engine over HTTP with gin.
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"bulkmailer/delivery"
	"bulkmailer/dispatch"
	"bulkmailer/health"
	"bulkmailer/internal/config"
	"bulkmailer/internal/ratelimit"
	"bulkmailer/quota"
)

const (
	sessionName = "mailer_session"
	sessionUser = "user"
)

// Dispatcher runs one bulk send.
type Dispatcher interface {
	Dispatch(ctx context.Context, id delivery.Identity, tpl delivery.Template, addrs []string, cfg dispatch.Config, t delivery.Transport) (*dispatch.Report, error)
}

// QuotaReader reports an identity's window.
type QuotaReader interface {
	Limit() int
	Usage(key string) (quota.Window, error)
}

// Deps wires the server to the rest of the process.
type Deps struct {
	Engine     Dispatcher
	Transports delivery.Factory
	// Quota is optional; without it GET /quota answers 404.
	Quota        QuotaReader
	LoginLimiter *ratelimit.Keyed
	Logger       *slog.Logger
}

// Server holds the handlers' shared state.
type Server struct {
	http     config.HTTPConfig
	dispatch config.DispatchConfig
	deps     Deps
	logger   *slog.Logger
}

// New builds the router.
func New(httpCfg config.HTTPConfig, dispatchCfg config.DispatchConfig, deps Deps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{http: httpCfg, dispatch: dispatchCfg, deps: deps, logger: logger}

	r := gin.New()
	r.Use(gin.CustomRecovery(func(c *gin.Context, p any) {
		s.logger.Error("handler panicked", "path", c.FullPath(), "panic", p)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Server error"})
	}))
	r.Use(s.requestLog(), s.allowNetworks())

	c := cors.DefaultConfig()
	c.AllowAllOrigins = true
	c.AllowHeaders = []string{"Content-Type", "Authorization"}
	c.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	r.Use(cors.New(c))

	store := cookie.NewStore([]byte(httpCfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int((12 * time.Hour).Seconds()),
		HttpOnly: true,
		Secure:   httpCfg.TLSCertFile != "",
		SameSite: http.SameSiteLaxMode,
	})
	r.Use(sessions.Sessions(sessionName, store))

	probes := gin.WrapH(health.Handler())
	r.GET("/health", s.health)
	r.GET("/healthz", probes)
	r.GET("/metrics", probes)

	r.POST("/login", s.login)

	authed := r.Group("/", s.requireAuth)
	authed.POST("/logout", s.logout)
	authed.POST("/sendBulk", s.sendBulk)
	authed.POST("/send", s.sendBulk)
	authed.GET("/quota", s.quota)
	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
		"pid":  os.Getpid(),
	})
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"client", c.ClientIP(),
			"duration", time.Since(start))
	}
}

func (s *Server) allowNetworks() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(s.http.AllowNetworks) == 0 {
			c.Next()
			return
		}
		if !config.NetworkAllowed(s.http.AllowNetworks, net.ParseIP(c.ClientIP())) {
			s.logger.Warn("client rejected by network allowlist", "client", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "message": "Forbidden"})
			return
		}
		c.Next()
	}
}

func (s *Server) requireAuth(c *gin.Context) {
	if user, _ := sessions.Default(c).Get(sessionUser).(string); user != "" {
		c.Set(sessionUser, user)
		c.Next()
		return
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Unauthorized"})
}

func (s *Server) login(c *gin.Context) {
	if !s.deps.LoginLimiter.Allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"success": false, "message": "Too many login attempts"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Missing"})
		return
	}
	if !secureEqual(req.Username, s.http.AdminUser) || !secureEqual(req.Password, s.http.AdminPass) {
		s.logger.Warn("login rejected", "client", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Invalid credentials"})
		return
	}

	sess := sessions.Default(c)
	sess.Set(sessionUser, req.Username)
	if err := sess.Save(); err != nil {
		s.logger.Error("session save failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Server error"})
		return
	}
	s.logger.Info("login", "user", req.Username, "client", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) logout(c *gin.Context) {
	sess := sessions.Default(c)
	user := sess.Get(sessionUser)
	sess.Clear()
	sess.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := sess.Save(); err != nil {
		s.logger.Error("session clear failed", "error", err)
	}
	s.logger.Info("logout", "user", user)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
