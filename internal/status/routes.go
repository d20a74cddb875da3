package status

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"jobsagent/internal/callback"
	"jobsagent/pkg/logx"
)

const maxIngestBody = 4 << 20

func (s *Service) routes(cfg Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", s.healthz)

	v1 := r.Group("/v1", bearerAuth(cfg.Token))
	v1.GET("/stats", s.stats)
	v1.GET("/pending", s.pending)
	v1.GET("/events", s.events)
	v1.POST("/callbacks", s.ingest)

	if cfg.Pprof {
		pp := r.Group("/debug/pprof", bearerAuth(cfg.Token))
		pp.GET("/", gin.WrapF(hpprof.Index))
		pp.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
		pp.GET("/profile", gin.WrapF(hpprof.Profile))
		pp.GET("/symbol", gin.WrapF(hpprof.Symbol))
		pp.POST("/symbol", gin.WrapF(hpprof.Symbol))
		pp.GET("/trace", gin.WrapF(hpprof.Trace))
		pp.GET("/:name", gin.WrapF(hpprof.Index))
	}
	return r
}

func (s *Service) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("status request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

// bearerAuth accepts only "Authorization: Bearer <token>" so the secret never
// shows up in request URLs or access logs.
func bearerAuth(token string) gin.HandlerFunc {
	tok := []byte(strings.TrimSpace(token))
	return func(c *gin.Context) {
		if len(tok) == 0 {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), tok) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Service) healthz(c *gin.Context) {
	st := s.pipe.State()
	code := http.StatusOK
	if st != callback.StateRunning {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"state": st.String()})
}

func (s *Service) stats(c *gin.Context) {
	out := gin.H{
		"callback": s.pipe.Stats(),
		"uptime":   time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.loops != nil {
		out["loops"] = s.loops()
	}
	if s.bus != nil {
		out["events_dropped"] = s.bus.Dropped()
	}
	c.JSON(http.StatusOK, out)
}

func (s *Service) pending(c *gin.Context) {
	p := s.pipe.Pending()
	c.JSON(http.StatusOK, gin.H{"count": len(p), "entries": p})
}

func (s *Service) events(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{"events": s.ring.last(limit)})
}

// ingest accepts one record or an array of records and pushes them in order.
func (s *Service) ingest(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxIngestBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	recs, err := decodeRecords(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	accepted := 0
	for _, r := range recs {
		if r.HandleTime.IsZero() {
			r.HandleTime = time.Now()
		}
		if err := s.pipe.Push(r); err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, callback.ErrQueueFull) {
				code = http.StatusServiceUnavailable
			}
			c.JSON(code, gin.H{"error": err.Error(), "accepted": accepted})
			return
		}
		accepted++
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted})
}

func decodeRecords(body []byte) ([]callback.Record, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	if body[0] == '[' {
		var recs []callback.Record
		if err := json.Unmarshal(body, &recs); err != nil {
			return nil, err
		}
		return recs, nil
	}
	var r callback.Record
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, err
	}
	return []callback.Record{r}, nil
}
