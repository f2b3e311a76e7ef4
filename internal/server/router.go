package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/portal-bridge/internal/apperrors"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/exchange"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/metrics"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const portalUserIDQueryParam = "portal_user_id"

var (
	errMissingExchangeService = errors.New("exchange service dependency required")
	errMissingLookupService   = errors.New("lookup service dependency required")
)

type ExchangeService interface {
	Exchange(ctx context.Context, r *http.Request) (exchange.Result, error)
}

type LookupService interface {
	GetUser(ctx context.Context, authorizationHeader, portalUserID string) (users.InternalUser, error)
}

type Dependencies struct {
	Exchange       ExchangeService
	Lookup         LookupService
	Metrics        *metrics.Metrics
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Exchange == nil {
		return nil, errMissingExchangeService
	}
	if deps.Lookup == nil {
		return nil, errMissingLookupService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(deps.Metrics.Middleware())
	router.Use(corsMiddleware(deps.AllowedOrigins))
	router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method_not_allowed"})
	})
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	handler := &httpHandler{
		exchange: deps.Exchange,
		lookup:   deps.Lookup,
		logger:   logger,
	}

	router.POST("/auth/exchange", handler.handleExchange)
	router.GET("/user", handler.handleGetUser)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	return router, nil
}

// corsMiddleware allows credentials only for an explicit origin list; a
// wildcard cannot be combined with cookies.
func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if allowsAnyOrigin(origins) {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func allowsAnyOrigin(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

type httpHandler struct {
	exchange ExchangeService
	lookup   LookupService
	logger   *zap.Logger
}

type exchangeResponsePayload struct {
	Token        string `json:"token"`
	PortalUserID string `json:"portalUserId"`
}

type userResponsePayload struct {
	User users.InternalUser `json:"user"`
}

func (h *httpHandler) handleExchange(c *gin.Context) {
	result, err := h.exchange.Exchange(c.Request.Context(), c.Request)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindUnauthenticated {
			h.logger.Info("session exchange rejected", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.respondError(c, "session exchange failed", err)
		return
	}

	c.JSON(http.StatusOK, exchangeResponsePayload{
		Token:        result.Token,
		PortalUserID: result.PortalUserID.String(),
	})
}

func (h *httpHandler) handleGetUser(c *gin.Context) {
	user, err := h.lookup.GetUser(c.Request.Context(), c.GetHeader("Authorization"), c.Query(portalUserIDQueryParam))
	if err != nil {
		h.respondError(c, "user lookup failed", err)
		return
	}
	c.JSON(http.StatusOK, userResponsePayload{User: user})
}

// respondError converts err into the uniform {error} body. Only messages of
// known kinds reach the caller.
func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	status := apperrors.HTTPStatus(apperrors.KindOf(err))
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.Int("status", status), zap.Error(err))
	} else {
		h.logger.Info(message, zap.Int("status", status), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": apperrors.MessageOf(err)})
}
