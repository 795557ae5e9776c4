package memory_test

import (
	"testing"

	"github.com/smallbiznis/impactledger/internal/clock"
	"github.com/smallbiznis/impactledger/internal/registry/domain"
	"github.com/smallbiznis/impactledger/internal/registry/memory"
	"github.com/smallbiznis/impactledger/internal/registry/registrytest"
)

func TestMemoryRegistryConformance(t *testing.T) {
	registrytest.Run(t, func(t *testing.T, operator string, clk clock.Clock, sink domain.EventSink) domain.Registry {
		return memory.New(operator, clk, sink)
	})
}
