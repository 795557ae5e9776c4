package service

import (
	"testing"

	catalogdomain "github.com/smallbiznis/impactledger/internal/catalog/domain"
	"github.com/smallbiznis/impactledger/internal/config"
	"github.com/smallbiznis/impactledger/internal/purchase/domain"
)

func TestPolicies(t *testing.T) {
	candidates := []catalogdomain.Initiative{{ID: 30}, {ID: 10}, {ID: 20}}

	got, err := FirstPolicy{}.Choose(domain.Purchase{}, candidates)
	if err != nil || got.ID != 10 {
		t.Fatalf("first policy: %v %v", got.ID, err)
	}

	random := &RandomPolicy{intn: func(n int) int { return n - 1 }}
	got, err = random.Choose(domain.Purchase{}, candidates)
	if err != nil || got.ID != 20 {
		t.Fatalf("random policy: %v %v", got.ID, err)
	}

	if _, err := random.Choose(domain.Purchase{}, nil); err != domain.ErrNoEligibleInitiative {
		t.Fatalf("expected no eligible initiative, got %v", err)
	}

	if PolicyFor(config.AssignmentPolicyFirst).Name() != config.AssignmentPolicyFirst {
		t.Fatalf("expected first policy")
	}
	if PolicyFor("unknown").Name() != config.AssignmentPolicyRandom {
		t.Fatalf("expected random fallback")
	}
}
