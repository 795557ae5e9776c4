package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	purchasedomain "github.com/smallbiznis/impactledger/internal/purchase/domain"
)

type userPurchasesResponse struct {
	UserID    string                    `json:"user_id"`
	Purchases []purchasedomain.Purchase `json:"purchases"`
}

// ListUserPurchases returns the buyer's purchases, newest first.
func (s *Server) ListUserPurchases(c *gin.Context) {
	userID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a positive integer"))
			return
		}
	}

	purchases, err := s.purchaseSvc.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if purchases == nil {
		purchases = []purchasedomain.Purchase{}
	}

	c.JSON(http.StatusOK, userPurchasesResponse{
		UserID:    userID.String(),
		Purchases: purchases,
	})
}
