package quota

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/meterline/meterline/pkg/accounts"
)

// Unlimited is the sentinel limit for tiers with no daily cap. It is
// distinct from every finite count and is carried through to API responses.
const Unlimited = -1

// Policy maps tiers to daily limits. It is loaded once at startup and never
// mutated at runtime.
type Policy struct {
	Limits map[accounts.Tier]int `yaml:"tiers"`
}

// DefaultPolicy returns the built-in tier limits.
func DefaultPolicy() *Policy {
	return &Policy{
		Limits: map[accounts.Tier]int{
			accounts.TierFree:       5,
			accounts.TierRegistered: 15,
			accounts.TierPro:        Unlimited,
		},
	}
}

// LoadPolicy reads a policy file. The file lists a daily limit per tier,
// with -1 meaning unlimited:
//
//	tiers:
//	  free: 5
//	  registered: 15
//	  pro: -1
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	policy := &Policy{}
	if err := yaml.Unmarshal(data, policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	return policy, nil
}

// Validate checks that every tier has a usable limit.
func (p *Policy) Validate() error {
	if len(p.Limits) == 0 {
		return fmt.Errorf("policy defines no tiers")
	}
	for tier, limit := range p.Limits {
		if limit < Unlimited {
			return fmt.Errorf("invalid limit %d for tier %s", limit, tier)
		}
	}
	for _, tier := range []accounts.Tier{accounts.TierFree, accounts.TierRegistered, accounts.TierPro} {
		if _, ok := p.Limits[tier]; !ok {
			return fmt.Errorf("policy is missing tier %s", tier)
		}
	}
	return nil
}

// LimitFor resolves the daily limit for a tier. Unknown tiers fall back to
// the free limit, failing safe rather than open.
func (p *Policy) LimitFor(tier accounts.Tier) int {
	if limit, ok := p.Limits[tier]; ok {
		return limit
	}
	return p.Limits[accounts.TierFree]
}
