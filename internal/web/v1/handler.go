package v1

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	pkgzerolog "github.com/duynhne/pkg/logger/zerolog"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/duynhne/session-service/internal/core/domain"
	logicv1 "github.com/duynhne/session-service/internal/logic/v1"
	"github.com/duynhne/session-service/middleware"
)

const (
	SessionCookie  = "session_id"
	FallbackCookie = "session_tmp"

	sessionQueryParam = "sid"
	bearerSIDPrefix   = "Bearer sid:"
	credentialKey     = "session.credential"

	// statusClientClosedRequest is logged when the caller disconnects mid-exchange.
	statusClientClosedRequest = 499
)

// Options carries HTTP-surface settings that are not business rules.
type Options struct {
	FrontendURL  string
	CookieSecure bool
}

// Handler groups HTTP handlers for the session API v1.
// Dependencies are injected via the constructor; no global state.
type Handler struct {
	sessions *logicv1.Manager
	profiles *logicv1.ProfileService
	opts     Options
}

// NewHandler creates a new Handler.
func NewHandler(sessions *logicv1.Manager, profiles *logicv1.ProfileService, opts Options) *Handler {
	opts.FrontendURL = strings.TrimRight(opts.FrontendURL, "/")
	return &Handler{sessions: sessions, profiles: profiles, opts: opts}
}

// RegisterRoutes registers all session API v1 routes.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/auth/login", h.Login)
	r.GET("/auth/callback", h.Callback)
	r.POST("/auth/logout", h.Logout)

	me := r.Group("/me", h.RequireSession())
	me.GET("/session", h.GetSession)
	me.GET("/profile", h.GetProfile)
}

func startSpan(c *gin.Context) (context.Context, trace.Span) {
	return middleware.StartSpan(c.Request.Context(), "http.request", trace.WithAttributes(
		attribute.String("layer", "web"),
		attribute.String("method", c.Request.Method),
		attribute.String("path", c.Request.URL.Path),
	))
}

// Login redirects to the provider consent page.
// GET /auth/login?next=<path>
func (h *Handler) Login(c *gin.Context) {
	ctx, span := startSpan(c)
	defer span.End()

	c.Redirect(http.StatusFound, h.sessions.LoginURL(ctx, c.Query("next")))
}

// Callback completes the authorization-code flow.
// GET /auth/callback?code=<c>&state=<s>
func (h *Handler) Callback(c *gin.Context) {
	ctx, span := startSpan(c)
	defer span.End()

	log := pkgzerolog.FromContext(ctx)

	res, err := h.sessions.HandleCallback(ctx, c.Query("code"), c.Query("state"))
	if err != nil {
		span.RecordError(err)

		var upstream *logicv1.UpstreamAuthError
		switch {
		case errors.Is(err, logicv1.ErrMissingCode):
			log.Warn().Msg("Callback without code")
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing code"})
		case errors.Is(err, logicv1.ErrUpstreamCancelled):
			// The code may be consumed; the client is gone either way.
			log.Info().Err(err).Msg("Client cancelled during token exchange")
			c.Status(statusClientClosedRequest)
		case errors.As(err, &upstream):
			log.Error().Err(err).Int("upstream_status", upstream.Status).Msg("Token exchange rejected")
			c.JSON(http.StatusBadGateway, gin.H{
				"error":          "Token exchange failed",
				"upstreamStatus": upstream.Status,
				"upstreamBody":   upstream.Body,
			})
		case errors.Is(err, logicv1.ErrUpstreamTimeout):
			log.Error().Err(err).Msg("Token exchange timed out")
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Token exchange timed out"})
		case errors.Is(err, logicv1.ErrMalformedUpstreamResponse):
			log.Error().Err(err).Msg("Token exchange returned malformed response")
			c.JSON(http.StatusBadGateway, gin.H{"error": "Token exchange returned an invalid response"})
		default:
			log.Error().Err(err).Msg("Callback failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}
		return
	}

	target := h.opts.FrontendURL + res.RedirectTarget
	if res.SessionID != "" {
		h.setSessionCookie(c, res.SessionID)
		h.clearCookie(c, FallbackCookie)
		target = logicv1.AppendSessionID(target, res.SessionID)
		log.Info().Str("session_id", res.SessionID).Msg("Session created")
	} else {
		maxAge := int(res.Fallback.ExpiresIn)
		h.clearCookie(c, SessionCookie)
		h.setCookie(c, FallbackCookie, res.FallbackPayload, maxAge)
		log.Warn().Msg("Session created on fallback credential")
	}

	span.SetAttributes(attribute.Bool("session.fallback", res.SessionID == ""))
	c.Redirect(http.StatusFound, target)
}

// Logout clears session transport state. The stored row is left to expire.
// POST /auth/logout
func (h *Handler) Logout(c *gin.Context) {
	_, span := startSpan(c)
	defer span.End()

	h.clearCookie(c, SessionCookie)
	h.clearCookie(c, FallbackCookie)
	c.Status(http.StatusNoContent)
}

// GetSession describes the caller's credential without exposing tokens.
// GET /me/session
func (h *Handler) GetSession(c *gin.Context) {
	cred := CredentialFrom(c)
	c.JSON(http.StatusOK, gin.H{
		"sessionId":  cred.SessionID,
		"identityId": cred.IdentityID,
		"expiresAt":  cred.ExpiresAt.UTC().Format(time.RFC3339),
		"fallback":   cred.Fallback,
	})
}

// GetProfile returns the caller's profile summary.
// GET /me/profile
func (h *Handler) GetProfile(c *gin.Context) {
	ctx, span := startSpan(c)
	defer span.End()

	log := pkgzerolog.FromContext(ctx)

	profile, err := h.profiles.Profile(ctx, CredentialFrom(c))
	if err != nil {
		span.RecordError(err)

		var upstream *logicv1.UpstreamAuthError
		switch {
		case errors.Is(err, logicv1.ErrNoMemberships):
			log.Warn().Err(err).Msg("Profile requested without memberships")
			c.JSON(http.StatusBadRequest, gin.H{"error": "No memberships"})
		case errors.Is(err, logicv1.ErrUnauthenticated):
			log.Warn().Err(err).Msg("Platform rejected credential")
			h.unauthenticated(c)
		case errors.Is(err, logicv1.ErrUpstreamCancelled):
			c.Status(statusClientClosedRequest)
		case errors.Is(err, logicv1.ErrUpstreamTimeout):
			log.Error().Err(err).Msg("Profile fetch timed out")
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Upstream timed out"})
		case errors.As(err, &upstream), errors.Is(err, logicv1.ErrMalformedUpstreamResponse):
			log.Error().Err(err).Msg("Profile fetch failed upstream")
			c.JSON(http.StatusBadGateway, gin.H{"error": "Upstream request failed"})
		default:
			log.Error().Err(err).Msg("Profile fetch failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}
		return
	}

	c.JSON(http.StatusOK, profile)
}

// RequireSession resolves the caller's credential from, in order, an
// "Authorization: Bearer sid:<id>" header, the session cookie and the sid
// query parameter, then from the fallback cookie. Unauthenticated callers
// get 401 with a login link that returns them to the requested path.
func (h *Handler) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := middleware.StartSpan(c.Request.Context(), "http.require_session", trace.WithAttributes(
			attribute.String("layer", "web"),
		))
		defer span.End()

		log := pkgzerolog.FromContext(ctx)

		var storeErr error
		if sid, source := sessionIDFrom(c); sid != "" {
			span.SetAttributes(attribute.String("session.source", source))
			cred, err := h.sessions.ResolveSession(ctx, sid)
			if err == nil {
				c.Set(credentialKey, cred)
				c.Next()
				return
			}
			span.RecordError(err)
			if errors.Is(err, logicv1.ErrStoreUnavailable) {
				storeErr = err
			} else {
				log.Debug().Err(err).Msg("Session not resolved")
			}
		}

		if payload, err := c.Cookie(FallbackCookie); err == nil && payload != "" {
			cred, ok := h.resolveFallback(ctx, c, payload)
			if ok {
				c.Set(credentialKey, cred)
				c.Next()
				return
			}
		}

		if storeErr != nil {
			log.Error().Err(storeErr).Msg("Session store unavailable")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Session store unavailable"})
			return
		}
		h.unauthenticated(c)
	}
}

func (h *Handler) resolveFallback(ctx context.Context, c *gin.Context, payload string) (*domain.LiveCredential, bool) {
	log := pkgzerolog.FromContext(ctx)

	pending, err := h.sessions.RecoverFallback(payload)
	if err != nil {
		log.Warn().Err(err).Msg("Discarding fallback credential")
		h.clearCookie(c, FallbackCookie)
		return nil, false
	}

	cred, sessionID, err := h.sessions.ResolvePending(ctx, pending)
	if err != nil {
		log.Debug().Err(err).Msg("Fallback credential unusable")
		h.clearCookie(c, FallbackCookie)
		return nil, false
	}
	if sessionID != "" {
		h.setSessionCookie(c, sessionID)
		h.clearCookie(c, FallbackCookie)
		c.Header("X-Session-Id", sessionID)
		log.Info().Str("session_id", sessionID).Msg("Fallback credential persisted")
	}
	return cred, true
}

// CredentialFrom returns the credential stored by RequireSession.
func CredentialFrom(c *gin.Context) *domain.LiveCredential {
	v, ok := c.Get(credentialKey)
	if !ok {
		return nil
	}
	cred, _ := v.(*domain.LiveCredential)
	return cred
}

func sessionIDFrom(c *gin.Context) (id, source string) {
	if v, ok := strings.CutPrefix(c.GetHeader("Authorization"), bearerSIDPrefix); ok && v != "" {
		return v, "header"
	}
	if v, err := c.Cookie(SessionCookie); err == nil && v != "" {
		return v, "cookie"
	}
	if v := c.Query(sessionQueryParam); v != "" {
		return v, "query"
	}
	return "", ""
}

func (h *Handler) unauthenticated(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": "Unauthenticated",
		"login": "/auth/login?next=" + url.QueryEscape(returnPathOf(c.Request.URL)),
	})
}

// returnPathOf is the requested path and query without the session id.
func returnPathOf(u *url.URL) string {
	q := u.Query()
	q.Del(sessionQueryParam)
	if len(q) == 0 {
		return u.Path
	}
	return u.Path + "?" + q.Encode()
}

func (h *Handler) setSessionCookie(c *gin.Context, sessionID string) {
	h.setCookie(c, SessionCookie, sessionID, 0)
}

func (h *Handler) setCookie(c *gin.Context, name, value string, maxAge int) {
	c.SetSameSite(h.sameSite())
	c.SetCookie(name, value, maxAge, "/", "", h.opts.CookieSecure, true)
}

func (h *Handler) clearCookie(c *gin.Context, name string) {
	c.SetSameSite(h.sameSite())
	c.SetCookie(name, "", -1, "/", "", h.opts.CookieSecure, true)
}

// sameSite allows cross-site cookies only over TLS; browsers drop
// SameSite=None cookies that are not Secure.
func (h *Handler) sameSite() http.SameSite {
	if h.opts.CookieSecure {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}
