package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/badger/internal/auth"
	"github.com/MarcoPoloResearchLab/badger/internal/badges"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type issuerRequestPayload struct {
	Name    string `json:"name"`
	Org     string `json:"org"`
	Contact string `json:"contact"`
}

type issuerResponsePayload struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Org     string `json:"org"`
	Contact string `json:"contact"`
	Secret  string `json:"secret"`
}

type behaviorPayload struct {
	Shortname string `json:"shortname"`
	Count     int    `json:"count"`
}

type badgeRequestPayload struct {
	Shortname   string            `json:"shortname"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Image       []byte            `json:"image"`
	IssuerID    string            `json:"issuer_id"`
	Behaviors   []behaviorPayload `json:"behaviors"`
}

type badgeResponsePayload struct {
	ID                string            `json:"id"`
	Shortname         string            `json:"shortname"`
	Name              string            `json:"name"`
	Description       string            `json:"description"`
	IssuerID          string            `json:"issuer_id,omitempty"`
	Criteria          string            `json:"criteria"`
	Image             string            `json:"image"`
	Behaviors         []behaviorPayload `json:"behaviors"`
	ClaimCodesVersion int64             `json:"claim_codes_version"`
}

type claimCodesRequestPayload struct {
	Codes []string `json:"codes"`
	Limit int      `json:"limit"`
}

type generateRequestPayload struct {
	Count int `json:"count"`
}

type claimRequestPayload struct {
	Code string `json:"code"`
	User string `json:"user"`
}

type creditRequestPayload struct {
	Behaviors []string `json:"behaviors"`
}

func (h *httpHandler) badgeResponse(badge badges.BadgeDefinition) badgeResponsePayload {
	origin := h.badges.PublicOrigin()
	behaviors := make([]behaviorPayload, 0, len(badge.Behaviors))
	for _, requirement := range badge.Behaviors {
		behaviors = append(behaviors, behaviorPayload{Shortname: requirement.Shortname, Count: requirement.Count})
	}
	return badgeResponsePayload{
		ID:                badge.ID,
		Shortname:         badge.Shortname,
		Name:              badge.Name,
		Description:       badge.Description,
		IssuerID:          badge.IssuerID,
		Criteria:          badge.CriteriaURL(origin),
		Image:             badge.ImageURL(origin),
		Behaviors:         behaviors,
		ClaimCodesVersion: badge.ClaimCodesVersion,
	}
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleCriteria(c *gin.Context) {
	badge, err := h.badges.FindBadgeByShortname(c.Request.Context(), c.Param("shortname"))
	if err != nil {
		h.respondError(c, "failed to load badge criteria", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":         badge.Name,
		"description":  badge.Description,
		"requirements": h.badgeResponse(badge).Behaviors,
	})
}

func (h *httpHandler) handleImage(c *gin.Context) {
	shortname := strings.TrimSuffix(c.Param("file"), ".png")
	badge, err := h.badges.FindBadgeByShortname(c.Request.Context(), shortname)
	if err != nil {
		h.respondError(c, "failed to load badge image", err)
		return
	}
	if len(badge.Image) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.Header("Cache-Control", "public, max-age=300")
	c.Data(http.StatusOK, badge.ImageContentType(), badge.Image)
}

func (h *httpHandler) handleCreateIssuer(c *gin.Context) {
	var request issuerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	issuer, err := h.badges.SaveIssuer(c.Request.Context(), badges.Issuer{
		Name:    request.Name,
		Org:     request.Org,
		Contact: request.Contact,
	})
	if err != nil {
		h.respondError(c, "failed to save issuer", err)
		return
	}
	c.JSON(http.StatusCreated, issuerResponsePayload{
		ID:      issuer.ID,
		Name:    issuer.Name,
		Org:     issuer.Org,
		Contact: issuer.Contact,
		Secret:  issuer.JWTSecret,
	})
}

func (h *httpHandler) handleListBadges(c *gin.Context) {
	catalog, err := h.badges.AllBadges(c.Request.Context())
	if err != nil {
		h.respondError(c, "failed to list badges", err)
		return
	}
	response := make(map[string]badgeResponsePayload, len(catalog))
	for shortname, badge := range catalog {
		response[shortname] = h.badgeResponse(badge)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleSaveBadge(c *gin.Context) {
	var request badgeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	caller := currentPrincipal(c)
	issuerID := request.IssuerID
	if caller.kind == principalIssuer {
		issuerID = caller.id
	}

	definition := badges.BadgeDefinition{
		Shortname:   request.Shortname,
		Name:        request.Name,
		Description: request.Description,
		Image:       request.Image,
		IssuerID:    issuerID,
		Behaviors:   make([]badges.BehaviorRequirement, 0, len(request.Behaviors)),
	}
	for _, behavior := range request.Behaviors {
		definition.Behaviors = append(definition.Behaviors, badges.BehaviorRequirement{
			Shortname: behavior.Shortname,
			Count:     behavior.Count,
		})
	}

	ctx := c.Request.Context()
	shortname := definition.Shortname
	if shortname == "" {
		shortname = badges.Slugify(definition.Name)
	}
	existing, err := h.badges.FindBadgeByShortname(ctx, shortname)
	switch {
	case err == nil:
		if !caller.canManage(existing) {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		definition.ID = existing.ID
	case !errors.Is(err, badges.ErrNotFound):
		h.respondError(c, "failed to load badge", err)
		return
	}

	saved, err := h.badges.SaveBadge(ctx, definition)
	if err != nil {
		h.respondError(c, "failed to save badge", err)
		return
	}
	status := http.StatusCreated
	if definition.ID != "" {
		status = http.StatusOK
	}
	c.JSON(status, h.badgeResponse(saved))
}

// managedBadge loads the badge named in the path and checks the caller may manage it.
func (h *httpHandler) managedBadge(c *gin.Context) (badges.BadgeDefinition, bool) {
	badge, err := h.badges.FindBadgeByShortname(c.Request.Context(), c.Param("shortname"))
	if err != nil {
		h.respondError(c, "failed to load badge", err)
		return badges.BadgeDefinition{}, false
	}
	if !currentPrincipal(c).canManage(badge) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return badges.BadgeDefinition{}, false
	}
	return badge, true
}

func (h *httpHandler) handleListClaimCodes(c *gin.Context) {
	badge, ok := h.managedBadge(c)
	if !ok {
		return
	}
	codes := badge.ClaimCodes
	if codes == nil {
		codes = []badges.ClaimCode{}
	}
	c.JSON(http.StatusOK, gin.H{"codes": codes, "version": badge.ClaimCodesVersion})
}

func (h *httpHandler) handleAddClaimCodes(c *gin.Context) {
	badge, ok := h.managedBadge(c)
	if !ok {
		return
	}
	var request claimCodesRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	accepted, rejected, err := h.badges.AddClaimCodes(c.Request.Context(), badge.ID, badges.ClaimCodeBatch{
		Codes: request.Codes,
		Limit: request.Limit,
	})
	if err != nil {
		h.respondError(c, "failed to add claim codes", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted, "rejected": rejected})
}

func (h *httpHandler) handleGenerateClaimCodes(c *gin.Context) {
	badge, ok := h.managedBadge(c)
	if !ok {
		return
	}
	var request generateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Count <= 0 || request.Count > badges.MaxGenerateCount {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "fields": gin.H{"count": "range"}})
		return
	}
	codes, err := h.badges.GenerateClaimCodes(c.Request.Context(), badge.ID, request.Count)
	if err != nil {
		h.respondError(c, "failed to generate claim codes", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"codes": codes})
}

func (h *httpHandler) handleRemoveClaimCode(c *gin.Context) {
	badge, ok := h.managedBadge(c)
	if !ok {
		return
	}
	if err := h.badges.RemoveClaimCode(c.Request.Context(), badge.ID, c.Param("code")); err != nil {
		h.respondError(c, "failed to remove claim code", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRedeemClaimCode(c *gin.Context) {
	var request claimRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Code) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ctx := c.Request.Context()
	badge, err := h.badges.FindByClaimCode(ctx, request.Code)
	if err != nil {
		h.respondError(c, "failed to look up claim code", err)
		return
	}
	if badge == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "claim_code_not_found"})
		return
	}
	redeemed, err := h.badges.RedeemClaimCode(ctx, badge.ID, request.Code, request.User)
	if err != nil {
		h.respondError(c, "failed to redeem claim code", err)
		return
	}
	if !redeemed {
		h.logger.Info("claim code already redeemed",
			zap.String("badge", badge.Shortname),
			zap.String("user_id", request.User))
	}
	c.JSON(http.StatusOK, gin.H{"redeemed": redeemed, "badge": badge.Shortname})
}

func (h *httpHandler) handleUserSummary(c *gin.Context) {
	summary, err := h.badges.CreditsAndBadges(c.Request.Context(), c.Param("user"))
	if err != nil {
		h.respondError(c, "failed to load user summary", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *httpHandler) handleCredit(c *gin.Context) {
	var request creditRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.badges.Credit(c.Request.Context(), c.Param("user"), request.Behaviors)
	if err != nil {
		h.respondError(c, "failed to credit behaviors", err)
		return
	}
	inProgress := make([]gin.H, 0, len(result.InProgress))
	for _, progress := range result.InProgress {
		inProgress = append(inProgress, gin.H{
			"badge":     h.badgeResponse(progress.Badge),
			"remaining": progress.Remaining,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"credit":      result.Credit,
		"awarded":     result.Awarded,
		"in_progress": inProgress,
	})
}

func (h *httpHandler) handleAssertion(c *gin.Context) {
	document, err := h.badges.AssertionForInstance(c.Request.Context(), c.Param("instance"))
	if err != nil {
		h.respondError(c, "failed to render assertion", err)
		return
	}
	encoded, err := document.JSON()
	if err != nil {
		h.respondError(c, "failed to encode assertion", err)
		return
	}
	c.Data(http.StatusOK, "application/json", encoded)
}

func (h *httpHandler) handleAwardStream(c *gin.Context) {
	if h.awards == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "awards_unavailable"})
		return
	}
	ctx := c.Request.Context()
	stream, cleanup := h.awards.Subscribe(ctx, c.Param("user"))
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(AwardEventType, event)
			return true
		case now := <-ticker.C:
			c.SSEvent(awardEventHeartbeat, gin.H{"ts": now.UTC().Unix()})
			return true
		}
	})
}

// issuerSecrets resolves issuer API secrets from the badge catalog.
type issuerSecrets struct {
	badges *badges.Service
}

// NewIssuerSecretSource adapts the badge service for issuer token validation.
func NewIssuerSecretSource(service *badges.Service) auth.IssuerSecretSource {
	return issuerSecrets{badges: service}
}

func (s issuerSecrets) IssuerSecret(ctx context.Context, issuerID string) ([]byte, error) {
	issuer, err := s.badges.FindIssuer(ctx, issuerID)
	if err != nil {
		if errors.Is(err, badges.ErrNotFound) {
			return nil, auth.ErrUnknownIssuer
		}
		return nil, err
	}
	return []byte(issuer.JWTSecret), nil
}
