package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"bulkmailer/delivery"
	"bulkmailer/dispatch"
	"bulkmailer/internal/email"
	"bulkmailer/internal/logging"
)

func (s *Server) sendBulk(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	id := req.identity()
	if id.User == "" || id.Secret == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "auth": false, "message": "SMTP credentials required"})
		return
	}
	if id.From == "" {
		badRequest(c, "From email required")
		return
	}
	if _, err := email.ParseSender(id.From); err != nil {
		badRequest(c, "Invalid from email")
		return
	}
	if req.Recipients.blank() {
		badRequest(c, "Recipients required")
		return
	}
	list := req.Recipients.parse(s.dispatch.MaxRecipients)
	if list.Empty() {
		badRequest(c, "No valid recipients")
		return
	}

	cfg := dispatch.Config{
		Concurrency: req.Concurrency.or(s.dispatch.DefaultConcurrency),
		MaxRetries:  req.Retries.or(s.dispatch.DefaultRetries),
		BaseBackoff: s.dispatch.BaseBackoff,
		Pause:       s.dispatch.Pause,
		Timeout:     s.dispatch.Timeout,
	}
	s.logger.Info("sendBulk start",
		"session_user", c.GetString(sessionUser),
		"from", id.From,
		"count", list.Len(),
		"rejected", list.Rejected,
		"duplicates", list.Duplicates,
		"truncated", list.Truncated)

	transport, err := s.deps.Transports(id)
	if err != nil {
		s.logger.Error("transport setup failed", "from", id.From, "error", err)
		serverError(c)
		return
	}
	defer func() {
		if err := delivery.Close(transport); err != nil {
			s.logger.Debug("transport close", "error", err)
		}
	}()

	report, err := s.deps.Engine.Dispatch(c.Request.Context(), id, req.template(), list.Addresses, cfg, transport)
	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrAuthentication):
		msg := err.Error()
		var authErr *dispatch.AuthError
		if errors.As(err, &authErr) {
			msg = dispatch.ErrAuthentication.Error() + ": " + authErr.Err.Error()
		}
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "auth": false, "message": msg})
		return
	case errors.Is(err, dispatch.ErrQuotaExhausted):
		c.JSON(http.StatusTooManyRequests, gin.H{"success": false, "quota": false, "message": "Sending quota exhausted for " + logging.MaskAddress(id.Key())})
		return
	case errors.Is(err, dispatch.ErrValidation):
		badRequest(c, strings.TrimPrefix(err.Error(), dispatch.ErrValidation.Error()+": "))
		return
	default:
		s.logger.Error("sendBulk error", "from", id.From, "error", err)
		serverError(c)
		return
	}

	failures := report.Failures(s.dispatch.FailureCap)
	if failures == nil {
		failures = []dispatch.Outcome{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        report.OK(),
		"runId":          report.RunID(),
		"total":          report.Total(),
		"successCount":   report.SuccessCount(),
		"failCount":      report.FailCount(),
		"cancelledCount": report.CancelledCount(),
		"failures":       failures,
	})
}

func (s *Server) quota(c *gin.Context) {
	if s.deps.Quota == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Quota tracking disabled"})
		return
	}
	key := email.Key(c.Query("user"))
	if key == "" {
		badRequest(c, "user is required")
		return
	}
	w, err := s.deps.Quota.Usage(key)
	if err != nil {
		s.logger.Error("quota lookup failed", "error", err)
		serverError(c)
		return
	}
	limit := s.deps.Quota.Limit()
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"limit":       limit,
		"used":        w.Count,
		"reserved":    w.Reserved,
		"remaining":   max(0, limit-w.Count-w.Reserved),
		"windowStart": w.Start,
	})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": msg})
}

func serverError(c *gin.Context) {
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Server error"})
}
