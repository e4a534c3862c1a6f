// Package granter implements grant issuance: the stateless front door that
// authenticates a secret key, applies the issuance budget, and mints signed
// channel grants.
package granter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erebus-sh/erebus/pkg/auth"
	"github.com/erebus-sh/erebus/pkg/grantcache"
	"github.com/erebus-sh/erebus/pkg/keys"
	"github.com/erebus-sh/erebus/pkg/logging"
	"github.com/erebus-sh/erebus/pkg/ratelimit"

	grmetrics "github.com/erebus-sh/erebus/internal/granter/metrics"
)

// ErrorKind classifies issuance failures for the HTTP edge.
type ErrorKind string

const (
	KindInvalid     ErrorKind = "invalid_request"
	KindUnknownKey  ErrorKind = "unknown_key"
	KindKeyDisabled ErrorKind = "key_disabled"
	KindKeyRevoked  ErrorKind = "key_revoked"
	KindRateLimited ErrorKind = "rate_limited"
	KindSigner      ErrorKind = "signer_misconfigured"
	KindInternal    ErrorKind = "internal"
)

// IssueError is a typed issuance failure. Raw store errors never travel in
// Message.
type IssueError struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration
	Decision   *ratelimit.Decision
}

func (e *IssueError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func issueErr(kind ErrorKind, message string) *IssueError {
	return &IssueError{Kind: kind, Message: message}
}

// TopicScope is one requested ACL entry.
type TopicScope struct {
	Topic string `json:"topic"`
	Scope string `json:"scope"`
}

// Request is the issuance input.
type Request struct {
	SecretKey string       `json:"secret_key"`
	Channel   string       `json:"channel"`
	Topics    []TopicScope `json:"topics"`
	UserID    string       `json:"userId"`
	ExpiresAt *int64       `json:"expiresAt,omitempty"` // unix seconds hint
}

// Issued is a successful issuance.
type Issued struct {
	Token     string
	ExpiresAt time.Time
	TTL       time.Duration
	CacheHit  bool

	// RateLimit carries the consumed budget on a fresh mint; nil on cache
	// hits (no budget consumed) and on limiter fail-open.
	RateLimit *ratelimit.Decision
}

// Service runs the issuance pipeline against its capability interfaces.
type Service struct {
	keys    keys.Store
	limiter ratelimit.Limiter
	cache   grantcache.Cache
	signer  auth.TokenSigner
	logger  logging.Logger
	metrics *grmetrics.Metrics
	now     func() time.Time
}

// NewService wires the pipeline.
func NewService(keyStore keys.Store, limiter ratelimit.Limiter, cache grantcache.Cache, signer auth.TokenSigner, logger logging.Logger, m *grmetrics.Metrics) *Service {
	return &Service{
		keys:    keyStore,
		limiter: limiter,
		cache:   cache,
		signer:  signer,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// IssueGrant validates, deduplicates, authenticates, rate-limits, and mints.
// The cheap rejects come first; the cache probe runs before any backend
// work so repeated identical requests cost one lookup.
func (s *Service) IssueGrant(ctx context.Context, req *Request) (*Issued, *IssueError) {
	// 1. Syntactic validation
	normalized, issueError := s.validate(req)
	if issueError != nil {
		return nil, issueError
	}

	fingerprint := keys.Fingerprint(req.SecretKey)
	cacheKey := grantcache.Key(fingerprint, req.Channel, normalized, req.UserID)

	// 2. Cache probe. Hits skip rate limiting: the mint was already
	// accounted. Cache failures are non-fatal.
	if entry, ok, err := s.cache.Get(ctx, cacheKey); err != nil {
		s.observeCache("error")
		s.logger.WithError(err).Warn("Grant cache probe failed, falling through")
	} else if ok {
		s.observeCache("hit")
		return &Issued{
			Token:     entry.Token,
			ExpiresAt: entry.ExpiresAt,
			TTL:       time.Until(entry.ExpiresAt),
			CacheHit:  true,
		}, nil
	} else {
		s.observeCache("miss")
	}

	// 3. Authentication
	resolution, err := s.keys.Resolve(ctx, req.SecretKey)
	if err != nil {
		switch {
		case errors.Is(err, keys.ErrKeyDisabled):
			return nil, issueErr(KindKeyDisabled, "secret key is disabled")
		case errors.Is(err, keys.ErrKeyRevoked):
			return nil, issueErr(KindKeyRevoked, "secret key is revoked")
		case errors.Is(err, keys.ErrKeyNotFound), errors.Is(err, keys.ErrKeyMalformed):
			return nil, issueErr(KindUnknownKey, "secret key is not recognized")
		default:
			s.logger.WithError(err).Error("Key resolution failed")
			return nil, issueErr(KindInternal, "key resolution unavailable")
		}
	}

	// 4. Rate limiting: backend failure fails open, a deny is final
	decision, err := s.limiter.Allow(ctx, resolution.ProjectID, req.UserID)
	if err != nil {
		decision = nil
		if s.metrics != nil && s.metrics.LimiterFailOpen != nil {
			s.metrics.LimiterFailOpen.WithLabelValues("backend_error").Inc()
		}
		s.logger.WithError(err).Warn("Rate limiter unavailable, failing open")
	} else if !decision.OK {
		if s.metrics != nil && s.metrics.RateLimitDenied != nil {
			s.metrics.RateLimitDenied.WithLabelValues(resolution.ProjectID).Inc()
		}
		retryAfter := time.Until(decision.ResetAt)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return nil, &IssueError{
			Kind:       KindRateLimited,
			Message:    "grant issuance budget exhausted",
			RetryAfter: retryAfter,
			Decision:   decision,
		}
	}

	// 5. Expiry clamping
	now := s.now().Truncate(time.Second)
	var hint time.Time
	if req.ExpiresAt != nil {
		hint = time.Unix(*req.ExpiresAt, 0)
	}
	expiresAt := auth.ClampExpiry(hint, now)

	// 6-7. Mint with the normalized grant
	grant := &auth.Grant{
		ProjectID: resolution.ProjectID,
		Channel:   req.Channel,
		Topics:    normalized,
		UserID:    req.UserID,
		KeyID:     resolution.KeyID,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}
	token, err := s.signer.Sign(grant)
	if err != nil {
		if errors.Is(err, auth.ErrSignerConfig) {
			s.logger.WithError(err).Error("Grant signer misconfigured")
			return nil, issueErr(KindSigner, "grant signing unavailable")
		}
		s.logger.WithError(err).Error("Grant signing failed")
		return nil, issueErr(KindInternal, "grant signing failed")
	}

	// 8. Cache with TTL equal to the grant lifetime; failures non-fatal
	if err := s.cache.Put(ctx, cacheKey, &grantcache.Entry{Token: token, ExpiresAt: expiresAt}); err != nil {
		s.observeCache("error")
		s.logger.WithError(err).Warn("Grant cache store failed")
	}

	if s.metrics != nil && s.metrics.GrantsIssued != nil {
		s.metrics.GrantsIssued.WithLabelValues("minted").Inc()
	}

	return &Issued{
		Token:     token,
		ExpiresAt: expiresAt,
		TTL:       expiresAt.Sub(now),
		CacheHit:  false,
		RateLimit: decision,
	}, nil
}

// validate performs the cheap syntactic rejects and returns the normalized
// topic set.
func (s *Service) validate(req *Request) ([]auth.TopicGrant, *IssueError) {
	if err := keys.ValidateFormat(req.SecretKey); err != nil {
		// Do not reveal whether the key exists; shape errors are 401s too
		return nil, issueErr(KindUnknownKey, "secret key is not recognized")
	}
	if err := auth.ValidateChannel(req.Channel); err != nil {
		return nil, issueErr(KindInvalid, "channel name is invalid")
	}
	if err := auth.ValidateUserID(req.UserID); err != nil {
		return nil, issueErr(KindInvalid, "user id is invalid")
	}

	topics := make([]auth.TopicGrant, 0, len(req.Topics))
	for _, ts := range req.Topics {
		topics = append(topics, auth.TopicGrant{Topic: ts.Topic, Scope: auth.Scope(ts.Scope)})
	}
	if err := auth.ValidateTopicGrants(topics); err != nil {
		return nil, issueErr(KindInvalid, err.Error())
	}
	if req.ExpiresAt != nil && *req.ExpiresAt <= 0 {
		return nil, issueErr(KindInvalid, "expiresAt must be a unix timestamp")
	}

	return auth.NormalizeTopics(topics), nil
}

func (s *Service) observeCache(result string) {
	if s.metrics != nil && s.metrics.GrantCacheHits != nil {
		s.metrics.GrantCacheHits.WithLabelValues(result).Inc()
	}
}
