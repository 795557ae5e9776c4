package service

import (
	"math/rand/v2"

	catalogdomain "github.com/smallbiznis/impactledger/internal/catalog/domain"
	"github.com/smallbiznis/impactledger/internal/config"
	"github.com/smallbiznis/impactledger/internal/purchase/domain"
)

// RandomPolicy picks uniformly among eligible initiatives.
type RandomPolicy struct {
	intn func(n int) int
}

func NewRandomPolicy() *RandomPolicy {
	return &RandomPolicy{intn: rand.IntN}
}

func (p *RandomPolicy) Name() string { return config.AssignmentPolicyRandom }

func (p *RandomPolicy) Choose(_ domain.Purchase, candidates []catalogdomain.Initiative) (catalogdomain.Initiative, error) {
	if len(candidates) == 0 {
		return catalogdomain.Initiative{}, domain.ErrNoEligibleInitiative
	}
	intn := p.intn
	if intn == nil {
		intn = rand.IntN
	}
	return candidates[intn(len(candidates))], nil
}

// FirstPolicy always picks the eligible initiative with the lowest id.
type FirstPolicy struct{}

func (FirstPolicy) Name() string { return config.AssignmentPolicyFirst }

func (FirstPolicy) Choose(_ domain.Purchase, candidates []catalogdomain.Initiative) (catalogdomain.Initiative, error) {
	if len(candidates) == 0 {
		return catalogdomain.Initiative{}, domain.ErrNoEligibleInitiative
	}
	best := candidates[0]
	for _, candidate := range candidates[1:] {
		if candidate.ID < best.ID {
			best = candidate
		}
	}
	return best, nil
}

// PolicyFor maps a configured policy name to its implementation.
func PolicyFor(name string) domain.Policy {
	switch name {
	case config.AssignmentPolicyFirst:
		return FirstPolicy{}
	default:
		return NewRandomPolicy()
	}
}
