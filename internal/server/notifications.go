package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	notificationdomain "github.com/smallbiznis/impactledger/internal/notification/domain"
	"github.com/smallbiznis/impactledger/pkg/db/pagination"
)

func (s *Server) ListNotifications(c *gin.Context) {
	userID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	unread, err := parseOptionalBool(c.Query("unread"))
	if err != nil {
		AbortWithError(c, newValidationError("unread", "invalid_unread", "unread must be a boolean"))
		return
	}

	req := notificationdomain.ListRequest{
		UserID:     userID,
		Pagination: page,
	}
	if unread != nil {
		req.UnreadOnly = *unread
	}

	resp, err := s.notifications.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) MarkNotificationRead(c *gin.Context) {
	userID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	notificationID, err := parseSnowflakeID(c.Param("nid"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.notifications.MarkRead(c.Request.Context(), userID, notificationID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) MarkAllNotificationsRead(c *gin.Context) {
	userID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	updated, err := s.notifications.MarkAllRead(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"updated": updated})
}
