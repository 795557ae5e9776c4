package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	registrydomain "github.com/smallbiznis/impactledger/internal/registry/domain"
	"go.uber.org/zap"
)

type initiativeTokensResponse struct {
	InitiativeID string                   `json:"initiative_id"`
	TokenIDs     []registrydomain.TokenID `json:"token_ids"`
}

type registryStatusResponse struct {
	Paused      bool   `json:"paused"`
	TotalSupply uint64 `json:"total_supply"`
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) GetToken(c *gin.Context) {
	id, err := parseTokenID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	record, err := s.registry.Lookup(c.Request.Context(), registrydomain.TokenID(id))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

func (s *Server) GetPurchaseToken(c *gin.Context) {
	purchaseID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	tokenID, ok, err := s.registry.LookupByPurchase(ctx, purchaseID.String())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !ok {
		AbortWithError(c, ErrNotFound)
		return
	}

	record, err := s.registry.Lookup(ctx, tokenID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

func (s *Server) ListInitiativeTokens(c *gin.Context) {
	initiativeID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	tokenIDs, err := s.registry.ListByInitiative(c.Request.Context(), initiativeID.String())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if tokenIDs == nil {
		tokenIDs = []registrydomain.TokenID{}
	}

	c.JSON(http.StatusOK, initiativeTokensResponse{
		InitiativeID: initiativeID.String(),
		TokenIDs:     tokenIDs,
	})
}

func (s *Server) GetRegistryStatus(c *gin.Context) {
	ctx := c.Request.Context()
	paused, err := s.registry.Paused(ctx)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	supply, err := s.registry.TotalSupply(ctx)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, registryStatusResponse{Paused: paused, TotalSupply: supply})
}

// PauseRegistry stops minting. The registry call runs as the configured
// operator; the admin key only authorizes the request.
func (s *Server) PauseRegistry(c *gin.Context) {
	if err := s.registry.Pause(c.Request.Context(), s.cfg.Registry.Operator); err != nil {
		AbortWithError(c, err)
		return
	}
	s.logAdminAction(c, "registry paused")
	c.JSON(http.StatusOK, registryStatusResponse{Paused: true, TotalSupply: s.totalSupply(c)})
}

func (s *Server) UnpauseRegistry(c *gin.Context) {
	if err := s.registry.Unpause(c.Request.Context(), s.cfg.Registry.Operator); err != nil {
		AbortWithError(c, err)
		return
	}
	s.logAdminAction(c, "registry unpaused")
	c.JSON(http.StatusOK, registryStatusResponse{Paused: false, TotalSupply: s.totalSupply(c)})
}

func (s *Server) DeactivateToken(c *gin.Context) {
	id, err := parseTokenID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	tokenID := registrydomain.TokenID(id)
	if err := s.registry.Deactivate(ctx, s.cfg.Registry.Operator, tokenID); err != nil {
		AbortWithError(c, err)
		return
	}

	record, err := s.registry.Lookup(ctx, tokenID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.logAdminAction(c, "token deactivated", zap.Uint64("token_id", id))
	c.JSON(http.StatusOK, record)
}

func (s *Server) GetPurchase(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	purchase, err := s.purchaseSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, purchase)
}

// RevokePurchase deactivates the purchase's token and marks it REVOKED.
func (s *Server) RevokePurchase(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req revokeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "admin_revoke"
	}

	purchase, err := s.coordinator.Revoke(c.Request.Context(), id, reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.logAdminAction(c, "purchase revoked", zap.String("purchase_id", id.String()), zap.String("reason", reason))
	c.JSON(http.StatusOK, purchase)
}

func (s *Server) totalSupply(c *gin.Context) uint64 {
	supply, err := s.registry.TotalSupply(c.Request.Context())
	if err != nil {
		s.log.Warn("read total supply", zap.Error(err))
		return 0
	}
	return supply
}

func (s *Server) logAdminAction(c *gin.Context, msg string, fields ...zap.Field) {
	actor, _ := adminActor(c)
	fields = append(fields, zap.String("actor", actor.Subject), zap.String("role", actor.Role))
	s.log.Info(msg, fields...)
}
