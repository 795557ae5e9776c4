package server

import (
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/impactledger/internal/authorization"
	obscontext "github.com/smallbiznis/impactledger/internal/observability/context"
)

const (
	HeaderAdminKey       = "X-Admin-Key"
	contextAdminActorKey = "admin_actor"
)

// AdminKeyRequired resolves X-Admin-Key to an actor and records it on the
// request context for logging.
func (s *Server) AdminKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := s.authzSvc.ResolveKey(c.GetHeader(HeaderAdminKey))
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextAdminActorKey, actor)
		c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), "admin_key", actor.Subject))
		c.Next()
	}
}

func (s *Server) authorizeAction(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := adminActor(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), actor, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func adminActor(c *gin.Context) (authorization.Actor, bool) {
	value, ok := c.Get(contextAdminActorKey)
	if !ok {
		return authorization.Actor{}, false
	}
	actor, ok := value.(authorization.Actor)
	return actor, ok
}
