package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/badger/internal/auth"
	"github.com/MarcoPoloResearchLab/badger/internal/badges"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	principalContextKey      = "badger_principal"
	accessTokenQueryKey      = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingBadgeService  = errors.New("badge service dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// OperatorTokenValidator validates service-wide operator tokens.
type OperatorTokenValidator interface {
	ValidateToken(token string) (string, error)
}

// IssuerTokenValidator validates tokens signed with a badge issuer's own secret.
type IssuerTokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

type Dependencies struct {
	Badges            *badges.Service
	TokenManager      OperatorTokenValidator
	IssuerTokens      IssuerTokenValidator
	Awards            *AwardDispatcher
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Badges == nil {
		return nil, errMissingBadgeService
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		badges:       deps.Badges,
		tokens:       deps.TokenManager,
		issuerTokens: deps.IssuerTokens,
		awards:       deps.Awards,
		heartbeat:    heartbeat,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/badge/criteria/:shortname", handler.handleCriteria)
	router.GET("/badge/image/:file", handler.handleImage)

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.POST("/issuers", handler.requireOperator, handler.handleCreateIssuer)
	protected.GET("/badges", handler.handleListBadges)
	protected.POST("/badges", handler.handleSaveBadge)
	protected.GET("/badges/:shortname/claim-codes", handler.handleListClaimCodes)
	protected.POST("/badges/:shortname/claim-codes", handler.handleAddClaimCodes)
	protected.POST("/badges/:shortname/claim-codes/generate", handler.handleGenerateClaimCodes)
	protected.DELETE("/badges/:shortname/claim-codes/:code", handler.handleRemoveClaimCode)
	protected.POST("/claims", handler.handleRedeemClaimCode)
	protected.GET("/users/:user", handler.handleUserSummary)
	protected.POST("/users/:user/credit", handler.handleCredit)
	protected.GET("/users/:user/awards/stream", handler.handleAwardStream)
	protected.GET("/assertions/:instance", handler.handleAssertion)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	badges       *badges.Service
	tokens       OperatorTokenValidator
	issuerTokens IssuerTokenValidator
	awards       *AwardDispatcher
	heartbeat    time.Duration
	logger       *zap.Logger
}

type principalKind string

const (
	principalOperator principalKind = "operator"
	principalIssuer   principalKind = "issuer"
)

// principal is the authenticated caller. Issuers may only manage their own badges.
type principal struct {
	kind principalKind
	id   string
}

func (p principal) canManage(badge badges.BadgeDefinition) bool {
	return p.kind == principalOperator || badge.IssuerID == p.id
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}

	subject, err := h.tokens.ValidateToken(token)
	if err == nil {
		c.Set(principalContextKey, principal{kind: principalOperator, id: subject})
		c.Next()
		return
	}
	if h.issuerTokens != nil {
		issuerID, issuerErr := h.issuerTokens.ValidateToken(c.Request.Context(), token)
		if issuerErr == nil {
			c.Set(principalContextKey, principal{kind: principalIssuer, id: issuerID})
			c.Next()
			return
		}
		if !errors.Is(err, jwt.ErrTokenExpired) {
			err = issuerErr
		}
	}

	if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrExpiredIssuerToken) {
		h.logger.Info("token validation failed", zap.Error(err))
	} else {
		h.logger.Warn("token validation failed", zap.Error(err))
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}

func (h *httpHandler) requireOperator(c *gin.Context) {
	if currentPrincipal(c).kind != principalOperator {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if header != "" {
		return ""
	}
	// EventSource cannot set headers, so streams may pass the token as a query parameter.
	return strings.TrimSpace(c.Query(accessTokenQueryKey))
}

func currentPrincipal(c *gin.Context) principal {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return principal{}
	}
	caller, _ := value.(principal)
	return caller
}

// respondError maps service failures onto HTTP responses.
func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	var validationErr *badges.ValidationError
	var serviceErr *badges.ServiceError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "fields": validationErr.Fields})
	case errors.Is(err, badges.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, badges.ErrCodeSpaceExhausted):
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "code_space_exhausted"})
	case errors.As(err, &serviceErr):
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": serviceErr.Code()})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
