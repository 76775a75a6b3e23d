package rules

import (
	"fmt"
	"strings"

	"github.com/formguard/formguard/internal/engine"
)

// Built-in safe rule ids.
const (
	IDSameOriginRequest     = "same-origin-request"
	IDKnownPaymentProcessor = "known-payment-processor"
	IDKnownCDNStaticFetch   = "known-cdn-static-fetch"
)

// newSameOriginRequest marks traffic staying on the page's own site. The
// first-party origin receiving its own form data is the expected case.
func newSameOriginRequest() engine.Rule {
	return engine.Rule{
		ID:          IDSameOriginRequest,
		Name:        "Same-origin request",
		Description: "Request stays on the current page domain or one of its subdomains.",
		Category:    engine.CategorySafe,
		Priority:    90,
		Enabled:     true,
		Tags:        []string{"origin"},
		Check: func(c *engine.Context) engine.CheckResult {
			if !c.SameSite() {
				return engine.CheckResult{}
			}
			return engine.CheckResult{
				Match:      true,
				Confidence: 0.9,
				Details:    fmt.Sprintf("%s stays on %s", c.TargetHost(), c.CurrentDomain),
			}
		},
	}
}

// newKnownPaymentProcessor marks submissions to recognized payment
// providers, the destinations checkout card data is supposed to reach.
func newKnownPaymentProcessor() engine.Rule {
	return engine.Rule{
		ID:          IDKnownPaymentProcessor,
		Name:        "Known payment processor",
		Description: "Destination is a recognized payment provider domain.",
		Category:    engine.CategorySafe,
		Priority:    85,
		Enabled:     true,
		Tags:        []string{"reputation", "payments"},
		Check: func(c *engine.Context) engine.CheckResult {
			host := c.TargetHost()
			if !hostMatchesAny(host, knownPaymentProcessors) {
				return engine.CheckResult{}
			}
			return engine.CheckResult{
				Match:      true,
				Confidence: 0.95,
				Details:    fmt.Sprintf("%s is a known payment processor", host),
			}
		},
	}
}

// newKnownCDNStaticFetch marks bodyless GET traffic to well-known CDN and
// analytics hosts, provided no high-sensitivity input is in flight.
func newKnownCDNStaticFetch() engine.Rule {
	return engine.Rule{
		ID:          IDKnownCDNStaticFetch,
		Name:        "Known CDN static fetch",
		Description: "Bodyless GET to a well-known CDN or analytics host with no high-sensitivity input buffered.",
		Category:    engine.CategorySafe,
		Priority:    50,
		Enabled:     true,
		Tags:        []string{"reputation", "cdn"},
		Check: func(c *engine.Context) engine.CheckResult {
			method := strings.ToUpper(c.Request.Method)
			if method != "" && method != "GET" {
				return engine.CheckResult{}
			}
			if c.Request.PayloadSize > 0 || c.HighSensitivityInput() {
				return engine.CheckResult{}
			}
			host := c.TargetHost()
			if !hostMatchesAny(host, knownCDNs) {
				return engine.CheckResult{}
			}
			return engine.CheckResult{
				Match:      true,
				Confidence: 0.7,
				Details:    fmt.Sprintf("%s is a known static-asset host", host),
			}
		},
	}
}
