package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	fulfillmentdomain "github.com/smallbiznis/impactledger/internal/fulfillment/domain"
	ingestdomain "github.com/smallbiznis/impactledger/internal/ingest/domain"
	obslogger "github.com/smallbiznis/impactledger/internal/observability/logger"
	"github.com/smallbiznis/impactledger/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

const (
	maxWebhookBody      = 1 << 20
	HeaderCorrelationID = "X-Correlation-ID"
)

// withDeliveryCorrelation tags the request with the sender's correlation id,
// or a fresh one, and echoes it back.
func withDeliveryCorrelation(c *gin.Context) {
	ctx := correlation.ContextWithCorrelationID(c.Request.Context(), strings.TrimSpace(c.GetHeader(HeaderCorrelationID)))
	ctx, cid := correlation.EnsureCorrelationID(ctx)
	c.Request = c.Request.WithContext(ctx)
	c.Header(HeaderCorrelationID, cid)
}

func readWebhookBody(c *gin.Context) ([]byte, error) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		return nil, invalidRequestError()
	}
	return payload, nil
}

// HandleOrderWebhook verifies, parses and fulfills one order delivery before
// acknowledging it.
func (s *Server) HandleOrderWebhook(c *gin.Context) {
	source := strings.ToLower(strings.TrimSpace(c.Param("source")))
	c.Set(obslogger.KeyOrderSource, source)
	withDeliveryCorrelation(c)

	payload, err := readWebhookBody(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	order, err := s.ingestSvc.ParseOrder(ctx, source, payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set(obslogger.KeyExternalOrderID, order.ExternalOrderID)

	result, err := s.pipeline.ProcessOrder(ctx, *order)
	if err != nil {
		AbortWithError(c, newPipelineError(err))
		return
	}
	if result.Outcome == fulfillmentdomain.OutcomeInFlight {
		AbortWithError(c, ErrInFlight)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	withDeliveryCorrelation(c)

	payload, err := readWebhookBody(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	event, err := s.ingestSvc.ParsePayment(ctx, provider, payload, c.Request.Header)
	if err != nil {
		if errors.Is(err, ingestdomain.ErrEventIgnored) {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		AbortWithError(c, err)
		return
	}
	if event.Ref.Source != "" {
		c.Set(obslogger.KeyOrderSource, event.Ref.Source)
		c.Set(obslogger.KeyExternalOrderID, event.Ref.ExternalOrderID)
	}

	result, err := s.pipeline.HandlePayment(ctx, *event)
	if err != nil {
		if errors.Is(err, ingestdomain.ErrEventIgnored) {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		s.log.Warn("payment event not applied",
			zap.String("provider", provider),
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
		AbortWithError(c, newPipelineError(err))
		return
	}
	if result.Order != nil && result.Order.Outcome == fulfillmentdomain.OutcomeInFlight {
		AbortWithError(c, ErrInFlight)
		return
	}

	c.JSON(http.StatusOK, result)
}
