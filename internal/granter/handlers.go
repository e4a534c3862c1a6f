package granter

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/erebus-sh/erebus/pkg/logging"
	"github.com/erebus-sh/erebus/pkg/ratelimit"
)

// Response headers on grant issuance.
const (
	HeaderGrantTTL           = "X-Grant-TTL"
	HeaderGrantExpiresAt     = "X-Grant-Expires-At"
	HeaderGrantCache         = "X-Grant-Cache"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// Handler exposes the issuance service over HTTP.
type Handler struct {
	svc    *Service
	logger logging.Logger
}

// NewHandler creates the HTTP edge.
func NewHandler(svc *Service, logger logging.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes attaches the grant endpoint to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.POST("/v1/grant-channel", h.HandleIssueGrant)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// HandleIssueGrant serves POST /v1/grant-channel.
func (h *Handler) HandleIssueGrant(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{
			Error:   string(KindInvalid),
			Message: "request body is not valid JSON",
		})
		return
	}

	issued, issueError := h.svc.IssueGrant(c.Request.Context(), &req)
	if issueError != nil {
		h.writeError(c, issueError)
		return
	}

	ttlSeconds := int64(math.Ceil(issued.TTL.Seconds()))
	if ttlSeconds < 0 {
		ttlSeconds = 0
	}
	c.Header(HeaderGrantTTL, strconv.FormatInt(ttlSeconds, 10))
	c.Header(HeaderGrantExpiresAt, strconv.FormatInt(issued.ExpiresAt.Unix(), 10))
	if issued.CacheHit {
		c.Header(HeaderGrantCache, "HIT")
	} else {
		c.Header(HeaderGrantCache, "MISS")
	}
	setRateLimitHeaders(c, issued.RateLimit)

	c.JSON(http.StatusOK, gin.H{"grant_jwt": issued.Token})
}

func (h *Handler) writeError(c *gin.Context, issueError *IssueError) {
	status := http.StatusInternalServerError
	switch issueError.Kind {
	case KindInvalid:
		status = http.StatusBadRequest
	case KindUnknownKey, KindKeyDisabled, KindKeyRevoked:
		status = http.StatusUnauthorized
	case KindRateLimited:
		status = http.StatusTooManyRequests
		retryAfter := int64(math.Ceil(issueError.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		setRateLimitHeaders(c, issueError.Decision)
	case KindSigner, KindInternal:
		status = http.StatusInternalServerError
	}

	c.JSON(status, errorBody{Error: string(issueError.Kind), Message: issueError.Message})
}

func setRateLimitHeaders(c *gin.Context, decision *ratelimit.Decision) {
	if decision == nil {
		return
	}
	c.Header(HeaderRateLimitLimit, strconv.Itoa(decision.Limit))
	c.Header(HeaderRateLimitRemaining, strconv.Itoa(decision.Remaining))
	c.Header(HeaderRateLimitReset, strconv.FormatInt(decision.ResetAt.Unix(), 10))
}
