package rules

import (
	"fmt"

	"github.com/formguard/formguard/internal/engine"
)

// Builtin returns the full built-in catalog. Order here fixes the
// registration sequence, which breaks priority ties during evaluation.
func Builtin() []engine.Rule {
	return []engine.Rule{
		newExfilCorrelatedPost(),
		newCardDataToRawIP(),
		newAbuseTLDDestination(),
		newPunycodeLookalikeHost(),
		newBeaconBurstAfterInput(),
		newDGASubdomainHost(),
		newEntropyExfilURL(),
		newInsecureCrossOriginPost(),
		newSameOriginRequest(),
		newKnownPaymentProcessor(),
		newKnownCDNStaticFetch(),
	}
}

// Register installs the built-in catalog into an engine.
func Register(e *engine.HeuristicEngine) error {
	for _, r := range Builtin() {
		if err := e.RegisterRule(r); err != nil {
			return fmt.Errorf("rules.Register: %w", err)
		}
	}
	return nil
}
