package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourneighborhoodchef/keysweep/internal/client"
	"github.com/yourneighborhoodchef/keysweep/internal/credential"
	"github.com/yourneighborhoodchef/keysweep/internal/dispatch"
	"github.com/yourneighborhoodchef/keysweep/internal/fingerprint"
	"github.com/yourneighborhoodchef/keysweep/internal/proxy"
)

const (
	headerRequestID  = "X-Request-Id"
	headerCredential = "X-Keysweep-Credential"
	headerAttempt    = "X-Keysweep-Attempt"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrAllRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, credential.ErrNoCredentialAvailable),
		errors.Is(err, proxy.ErrNoProxyAvailable),
		errors.Is(err, fingerprint.ErrNoFingerprintAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, dispatch.ErrAttemptsExhausted):
		return http.StatusBadGateway
	case errors.Is(err, credential.ErrUnknownCredential),
		errors.Is(err, proxy.ErrUnknownProxy):
		return http.StatusNotFound
	case errors.Is(err, credential.ErrAccountExists):
		return http.StatusConflict
	case errors.Is(err, proxy.ErrInvalidProxy),
		errors.Is(err, credential.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.dispatcher.Stats())
}

func (s *Server) Reload(c *gin.Context) {
	if err := s.dispatcher.Reload(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}

func (s *Server) ResetAll(c *gin.Context) {
	n, err := s.dispatcher.ResetAll(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": n})
}

type addAccountRequest struct {
	ID   string   `json:"id" binding:"required"`
	Keys []string `json:"keys" binding:"required,min=1"`
}

func (s *Server) AddAccount(c *gin.Context) {
	var req addAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.dispatcher.Credentials().AddAccount(c.Request.Context(), req.ID, req.Keys); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": req.ID, "projects": len(req.Keys)})
}

func (s *Server) RemoveAccount(c *gin.Context) {
	if err := s.dispatcher.Credentials().RemoveAccount(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) ResetProject(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project index"})
		return
	}
	key := credential.Key(c.Param("id"), idx)
	if err := s.dispatcher.Credentials().ResetProject(c.Request.Context(), key); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credential": key, "status": credential.StatusAvailable})
}

// proxyView leaves out the proxy password.
type proxyView struct {
	ID           string          `json:"id"`
	Host         string          `json:"host"`
	Port         int             `json:"port"`
	Username     string          `json:"username,omitempty"`
	Transport    proxy.Transport `json:"transport"`
	Enabled      bool            `json:"enabled"`
	Healthy      bool            `json:"healthy"`
	SuccessCount int64           `json:"success_count"`
	FailedCount  int             `json:"failed_count"`
	LastUsedAt   *time.Time      `json:"last_used_at,omitempty"`
}

func (s *Server) view(p proxy.Proxy) proxyView {
	return proxyView{
		ID:           p.ID,
		Host:         p.Host,
		Port:         p.Port,
		Username:     p.Username,
		Transport:    p.Transport,
		Enabled:      p.Enabled,
		Healthy:      s.dispatcher.Proxies().Healthy(p.ID),
		SuccessCount: p.SuccessCount,
		FailedCount:  p.FailedCount,
		LastUsedAt:   p.LastUsedAt,
	}
}

func (s *Server) ListProxies(c *gin.Context) {
	list := s.dispatcher.Proxies().List()
	out := make([]proxyView, 0, len(list))
	for _, p := range list {
		out = append(out, s.view(p))
	}
	c.JSON(http.StatusOK, out)
}

type addProxyRequest struct {
	URL string `json:"url" binding:"required"`
}

func (s *Server) AddProxy(c *gin.Context) {
	var req addProxyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := s.dispatcher.Proxies().Add(c.Request.Context(), req.URL)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.view(p))
}

func (s *Server) RemoveProxy(c *gin.Context) {
	if err := s.dispatcher.Proxies().Remove(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type checkRequest struct {
	ProbeURL string `json:"probe_url"`
}

func (s *Server) probeURL(c *gin.Context) string {
	var req checkRequest
	if c.Request.ContentLength > 0 {
		_ = c.ShouldBindJSON(&req)
	}
	if req.ProbeURL != "" {
		return req.ProbeURL
	}
	return s.opts.ProbeURL
}

func (s *Server) CheckProxies(c *gin.Context) {
	results, err := s.dispatcher.Proxies().CheckAll(c.Request.Context(), s.probeURL(c), s.opts.ProbeConcurrency)
	if err != nil {
		s.fail(c, err)
		return
	}
	healthy := 0
	for _, ok := range results {
		if ok {
			healthy++
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "checked": len(results), "healthy": healthy})
}

func (s *Server) CheckProxy(c *gin.Context) {
	id := c.Param("id")
	ok, err := s.dispatcher.Proxies().CheckConnectivity(c.Request.Context(), id, s.probeURL(c))
	if err != nil {
		s.logger.Warn("Proxy check failed", zap.String("proxy_id", id), zap.Error(err))
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "healthy": ok})
}

func (s *Server) ResetProxy(c *gin.Context) {
	id := c.Param("id")
	if err := s.dispatcher.Proxies().Reset(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	p, _ := s.dispatcher.Proxies().Get(id)
	c.JSON(http.StatusOK, s.view(p))
}

type dispatchRequest struct {
	Method string          `json:"method"`
	Path   string          `json:"path" binding:"required"`
	Body   json.RawMessage `json:"body"`
}

// Dispatch sends one request upstream with retries across credentials and
// relays the upstream response.
func (s *Server) Dispatch(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.executor == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no upstream configured"})
		return
	}

	if _, err := s.executor.Target(req.Path); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	upstream := client.Request{Method: req.Method, Path: req.Path}
	if len(req.Body) > 0 {
		upstream.Body = req.Body
	}

	var resp *client.Response
	dc, err := s.dispatcher.Do(c.Request.Context(), s.executor.Call(upstream, &resp))
	if err != nil {
		s.fail(c, err)
		return
	}

	c.Header(headerRequestID, dc.RequestID)
	c.Header(headerCredential, dc.CredentialKey)
	c.Header(headerAttempt, strconv.Itoa(dc.Attempt))

	contentType := "application/json"
	if resp != nil && resp.Header != nil && resp.Header.Get("Content-Type") != "" {
		contentType = resp.Header.Get("Content-Type")
	}
	status, body := http.StatusOK, []byte(nil)
	if resp != nil {
		status, body = resp.StatusCode, resp.Body
	}
	c.Data(status, contentType, body)
}
