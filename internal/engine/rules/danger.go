package rules

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/formguard/formguard/internal/engine"
)

// Built-in danger rule ids.
const (
	IDExfilCorrelatedPost     = "exfil-correlated-post"
	IDCardDataToRawIP         = "card-data-to-raw-ip"
	IDAbuseTLDDestination     = "abuse-tld-destination"
	IDPunycodeLookalikeHost   = "punycode-lookalike-host"
	IDBeaconBurstAfterInput   = "beacon-burst-after-input"
	IDDGASubdomainHost        = "dga-subdomain-host"
	IDEntropyExfilURL         = "entropy-exfil-url"
	IDInsecureCrossOriginPost = "insecure-cross-origin-post"
)

// isSubmission reports whether the request can carry form data out:
// a POST/PUT, a beacon, or a form submission.
func isSubmission(req engine.NetworkRequest) bool {
	switch strings.ToUpper(req.Method) {
	case "POST", "PUT":
		return true
	}
	return req.Type == engine.RequestBeacon || req.Type == engine.RequestFormSubmit
}

// newExfilCorrelatedPost is the core formjacking signature: sensitive input
// observed within the correlation window, immediately followed by a
// submission to a cross-origin host that is neither a script origin already
// seen on the page nor a known payment processor.
func newExfilCorrelatedPost() engine.Rule {
	return engine.Rule{
		ID:          IDExfilCorrelatedPost,
		Name:        "Correlated cross-origin submission",
		Description: "Sensitive field input followed by a submission to an unrecognized cross-origin host within the correlation window.",
		Category:    engine.CategoryDanger,
		Priority:    95,
		Enabled:     true,
		Tags:        []string{"exfiltration", "correlation"},
		Check: func(c *engine.Context) engine.CheckResult {
			if !c.HasRecentInput() || !isSubmission(c.Request) || !c.CrossOrigin() {
				return engine.CheckResult{}
			}
			host := c.TargetHost()
			if c.KnownScriptOrigin() || hostMatchesAny(host, knownPaymentProcessors) {
				return engine.CheckResult{}
			}
			confidence := float32(0.7)
			if c.HighSensitivityInput() {
				confidence = 0.9
			}
			return engine.CheckResult{
				Match:      true,
				Confidence: confidence,
				Details:    fmt.Sprintf("%d recent input(s) followed by %s to %s", len(c.RecentInputs), describeRequest(c.Request), host),
			}
		},
	}
}

// newCardDataToRawIP flags card-grade input racing out to a literal IP
// destination. Legitimate processors never receive checkout traffic by IP.
func newCardDataToRawIP() engine.Rule {
	return engine.Rule{
		ID:          IDCardDataToRawIP,
		Name:        "High-sensitivity data to raw IP",
		Description: "High-sensitivity input followed by a request addressed to a literal IP.",
		Category:    engine.CategoryDanger,
		Priority:    90,
		Enabled:     true,
		Tags:        []string{"exfiltration", "infrastructure"},
		Check: func(c *engine.Context) engine.CheckResult {
			if !c.HighSensitivityInput() {
				return engine.CheckResult{}
			}
			host := c.TargetHost()
			if !isLiteralIP(host) {
				return engine.CheckResult{}
			}
			return engine.CheckResult{
				Match:      true,
				Confidence: 0.85,
				Details:    fmt.Sprintf("destination %s is a literal IP", host),
			}
		},
	}
}

// newAbuseTLDDestination flags submissions toward TLDs dominated by
// throwaway registrations while input is buffered.
func newAbuseTLDDestination() engine.Rule {
	return engine.Rule{
		ID:          IDAbuseTLDDestination,
		Name:        "Abused-TLD destination",
		Description: "Recent input followed by a request to a TLD commonly used for disposable exfil domains.",
		Category:    engine.CategoryDanger,
		Priority:    80,
		Enabled:     true,
		Tags:        []string{"reputation"},
		Check: func(c *engine.Context) engine.CheckResult {
			if !c.HasRecentInput() {
				return engine.CheckResult{}
			}
			host := c.TargetHost()
			tld := tldOf(host)
			if !abusedTLDs[tld] {
				return engine.CheckResult{}
			}
			return engine.CheckResult{
				Match:      true,
				Confidence: 0.75,
				Details:    fmt.Sprintf("destination %s uses abused TLD %s", host, tld),
			}
		},
	}
}

// newPunycodeLookalikeHost flags internationalized lookalike hosts.
// Punycode on a checkout flow is almost always a brand impersonation.
func newPunycodeLookalikeHost() engine.Rule {
	return engine.Rule{
		ID:          IDPunycodeLookalikeHost,
		Name:        "Punycode lookalike host",
		Description: "Recent input followed by a request to a punycode-encoded hostname.",
		Category:    engine.CategoryDanger,
		Priority:    75,
		Enabled:     true,
		Tags:        []string{"reputation", "lookalike"},
		Check: func(c *engine.Context) engine.CheckResult {
			if !c.HasRecentInput() {
				return engine.CheckResult{}
			}
			host := c.TargetHost()
			if !strings.Contains(host, "xn--") {
				return engine.CheckResult{}
			}
			return engine.CheckResult{
				Match:      true,
				Confidence: 0.7,
				Details:    fmt.Sprintf("punycode label in destination %s", host),
			}
		},
	}
}

// newBeaconBurstAfterInput flags sendBeacon with a payload racing out after
// high-sensitivity input. Beacons are fire-and-forget and survive page
// unload, which makes them a favorite exfil channel.
func newBeaconBurstAfterInput() engine.Rule {
	return engine.Rule{
		ID:          IDBeaconBurstAfterInput,
		Name:        "Beacon after sensitive input",
		Description: "sendBeacon with a non-empty payload to a cross-origin host right after high-sensitivity input.",
		Category:    engine.CategoryDanger,
		Priority:    70,
		Enabled:     true,
		Tags:        []string{"exfiltration", "beacon"},
		Check: func(c *engine.Context) engine.CheckResult {
			if c.Request.Type != engine.RequestBeacon || c.Request.PayloadSize <= 0 {
				return engine.CheckResult{}
			}
			if !c.HighSensitivityInput() || !c.CrossOrigin() {
				return engine.CheckResult{}
			}
			return engine.CheckResult{
				Match:      true,
				Confidence: 0.8,
				Details:    fmt.Sprintf("beacon of %d bytes to %s", c.Request.PayloadSize, c.TargetHost()),
			}
		},
	}
}

// newDGASubdomainHost flags algorithmically generated subdomains: a long
// high-entropy leading label on a cross-origin destination while input is
// buffered.
func newDGASubdomainHost() engine.Rule {
	return engine.Rule{
		ID:          IDDGASubdomainHost,
		Name:        "Generated subdomain destination",
		Description: "Recent input followed by a request to a host whose leading label looks machine-generated.",
		Category:    engine.CategoryDanger,
		Priority:    65,
		Enabled:     true,
		Tags:        []string{"reputation", "dga"},
		Check: func(c *engine.Context) engine.CheckResult {
			if !c.HasRecentInput() || !c.CrossOrigin() {
				return engine.CheckResult{}
			}
			host := c.TargetHost()
			label := firstLabel(host)
			if len(label) <= 8 || shannonEntropy(label) <= 3.5 {
				return engine.CheckResult{}
			}
			return engine.CheckResult{
				Match:      true,
				Confidence: 0.6,
				Details:    fmt.Sprintf("high-entropy subdomain %q on %s", label, host),
			}
		},
	}
}

const (
	entropyMinChars     = 48
	entropyMatchMinBits = 4.5
)

// newEntropyExfilURL flags cross-origin submissions whose path and query
// carry long high-entropy strings, the shape of encoded stolen data.
func newEntropyExfilURL() engine.Rule {
	return engine.Rule{
		ID:          IDEntropyExfilURL,
		Name:        "High-entropy submission URL",
		Description: "Cross-origin submission whose URL path/query looks like encoded data, with recent input buffered.",
		Category:    engine.CategoryDanger,
		Priority:    60,
		Enabled:     true,
		Tags:        []string{"exfiltration", "encoding"},
		Check: func(c *engine.Context) engine.CheckResult {
			if !c.HasRecentInput() || !isSubmission(c.Request) || !c.CrossOrigin() {
				return engine.CheckResult{}
			}
			payload := urlPathAndQuery(c.Request.URL)
			if len(payload) < entropyMinChars {
				return engine.CheckResult{}
			}
			entropy := shannonEntropy(payload)
			if entropy < entropyMatchMinBits {
				return engine.CheckResult{}
			}
			return engine.CheckResult{
				Match:      true,
				Confidence: 0.65,
				Details:    fmt.Sprintf("URL payload entropy %.2f bits over %d chars", entropy, len(payload)),
			}
		},
	}
}

// newInsecureCrossOriginPost flags plain-HTTP cross-origin submissions made
// while any input is buffered. No legitimate checkout posts over cleartext.
func newInsecureCrossOriginPost() engine.Rule {
	return engine.Rule{
		ID:          IDInsecureCrossOriginPost,
		Name:        "Cleartext cross-origin submission",
		Description: "Cross-origin submission over http while sensitive input is buffered.",
		Category:    engine.CategoryDanger,
		Priority:    55,
		Enabled:     true,
		Tags:        []string{"transport"},
		Check: func(c *engine.Context) engine.CheckResult {
			if !c.HasRecentInput() || !isSubmission(c.Request) || !c.CrossOrigin() {
				return engine.CheckResult{}
			}
			u, err := url.Parse(strings.TrimSpace(c.Request.URL))
			if err != nil || u.Scheme != "http" {
				return engine.CheckResult{}
			}
			return engine.CheckResult{
				Match:      true,
				Confidence: 0.6,
				Details:    fmt.Sprintf("cleartext submission to %s", c.TargetHost()),
			}
		},
	}
}

// urlPathAndQuery returns the path and query portion of a URL, or empty
// when the URL cannot be parsed.
func urlPathAndQuery(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	if u.RawQuery == "" {
		return u.Path
	}
	return u.Path + "?" + u.RawQuery
}

func describeRequest(req engine.NetworkRequest) string {
	method := strings.ToUpper(req.Method)
	if method == "" {
		return req.Type.String()
	}
	return fmt.Sprintf("%s %s", method, req.Type)
}
