package httpapi

import (
	"crypto/subtle"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	logx "livepoll/pkg/logx"
)

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(s.recovery(), s.requestLog(), cors.New(s.corsConfig()))

	r.GET("/health", s.health)
	if s.d.Hub != nil {
		r.GET("/ws", gin.WrapH(s.d.Hub))
	}

	api := r.Group("/api")
	{
		api.POST("/votes", s.submitVote)
		api.GET("/votes/check/:pollId/:sessionId", s.checkVote)
		api.GET("/results/live/:joinCode", s.liveResults)
	}

	admin := api.Group("/admin", s.adminAuth())
	{
		admin.POST("/polls/:id/start", s.lifecycle("start"))
		admin.POST("/polls/:id/pause", s.lifecycle("pause"))
		admin.POST("/polls/:id/end", s.lifecycle("end"))
		if s.d.Records != nil {
			admin.GET("/results/:pollId", s.pollReport)
		}

		admin.GET("/queue", s.queueStats)
		admin.GET("/queue/failed", s.queueFailed)
		admin.POST("/queue/failed/:id/retry", s.queueRetry)

		admin.GET("/runtime", s.runtime)
	}

	if s.cfg.Pprof {
		dbg := r.Group("/debug/pprof", s.adminAuth())
		dbg.GET("/", gin.WrapF(pprof.Index))
		dbg.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		dbg.GET("/profile", gin.WrapF(pprof.Profile))
		dbg.GET("/symbol", gin.WrapF(pprof.Symbol))
		dbg.GET("/trace", gin.WrapF(pprof.Trace))
		for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
			dbg.GET("/"+name, gin.WrapH(pprof.Handler(name)))
		}
	}
	return r
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, rec any) {
		s.log.Error("handler panic", logx.String("path", c.Request.URL.Path), logx.Any("panic", rec))
		fail(c, http.StatusInternalServerError, "Internal server error")
	})
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", status),
			logx.Duration("took", time.Since(start)),
		}
		if status >= http.StatusInternalServerError {
			s.log.Warn("http request", fields...)
			return
		}
		s.log.Debug("http request", fields...)
	}
}

// adminAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func (s *Server) adminAuth() gin.HandlerFunc {
	tok := strings.TrimSpace(s.cfg.AdminToken)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			ah := c.GetHeader("Authorization")
			const p = "Bearer "
			if strings.HasPrefix(ah, p) {
				got = strings.TrimSpace(strings.TrimPrefix(ah, p))
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			fail(c, http.StatusUnauthorized, "Unauthorized")
			return
		}
		c.Next()
	}
}
