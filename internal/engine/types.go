package engine

import (
	"net/url"
	"strings"
	"time"
)

// FieldType is the inferred classification of a monitored form field.
type FieldType int

const (
	FieldUnknown FieldType = iota
	FieldCardNumber
	FieldCVV
	FieldExpiryDate
	FieldPassword
	FieldEmail
	FieldPhone
	FieldSSN
)

// String returns the lowercase wire name.
func (f FieldType) String() string {
	switch f {
	case FieldCardNumber:
		return "card_number"
	case FieldCVV:
		return "cvv"
	case FieldExpiryDate:
		return "expiry_date"
	case FieldPassword:
		return "password"
	case FieldEmail:
		return "email"
	case FieldPhone:
		return "phone"
	case FieldSSN:
		return "ssn"
	default:
		return "unknown"
	}
}

// HighSensitivity reports whether a single observation of this field type
// warrants immediate alarm (card data, credentials, national ids).
func (f FieldType) HighSensitivity() bool {
	switch f {
	case FieldCardNumber, FieldCVV, FieldPassword, FieldSSN:
		return true
	}
	return false
}

// ParseFieldType maps a wire name to a FieldType. Unrecognized names
// degrade to FieldUnknown rather than failing: the input feed keeps
// flowing even when the extension ships a newer classification.
func ParseFieldType(s string) FieldType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "card_number":
		return FieldCardNumber
	case "cvv":
		return FieldCVV
	case "expiry_date":
		return FieldExpiryDate
	case "password":
		return FieldPassword
	case "email":
		return FieldEmail
	case "phone":
		return FieldPhone
	case "ssn":
		return FieldSSN
	default:
		return FieldUnknown
	}
}

// RequestType identifies the browser mechanism that produced a request.
type RequestType int

const (
	RequestUnknown RequestType = iota
	RequestFetch
	RequestXHR
	RequestBeacon
	RequestFormSubmit
)

// String returns the lowercase wire name.
func (t RequestType) String() string {
	switch t {
	case RequestFetch:
		return "fetch"
	case RequestXHR:
		return "xhr"
	case RequestBeacon:
		return "beacon"
	case RequestFormSubmit:
		return "form_submit"
	default:
		return "unknown"
	}
}

// ParseRequestType maps a wire name to a RequestType, degrading to
// RequestUnknown on unrecognized input.
func ParseRequestType(s string) RequestType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fetch":
		return RequestFetch
	case "xhr":
		return RequestXHR
	case "beacon":
		return RequestBeacon
	case "form_submit", "form-submit":
		return RequestFormSubmit
	default:
		return RequestUnknown
	}
}

// InputEvent records one observed interaction with a sensitive form field.
// Only the classification and the input length are captured, never the
// typed value.
type InputEvent struct {
	FieldID   string
	FieldType FieldType
	Length    int
	Timestamp time.Time
	DOMPath   string
}

// NetworkRequest describes one outbound request under analysis.
// PayloadSize is the body size in bytes; body content is never captured.
type NetworkRequest struct {
	Type        RequestType
	URL         string
	Method      string
	Headers     map[string]string
	PayloadSize int64
	Timestamp   time.Time
}

// Context carries everything a rule check may inspect during one analysis
// call. It is assembled per call and discarded afterwards.
type Context struct {
	Request         NetworkRequest
	RecentInputs    []InputEvent
	CurrentDomain   string
	ExternalScripts []string
}

// TargetHost returns the hostname of the request URL, degraded to the raw
// URL string when it cannot be parsed.
func (c *Context) TargetHost() string {
	return HostnameFromURL(c.Request.URL)
}

// HasRecentInput reports whether any sensitive input was observed within
// the correlation window for this call.
func (c *Context) HasRecentInput() bool {
	return len(c.RecentInputs) > 0
}

// HighSensitivityInput reports whether the recent inputs include a
// high-sensitivity field (card data, credentials, national ids).
func (c *Context) HighSensitivityInput() bool {
	for _, ev := range c.RecentInputs {
		if ev.FieldType.HighSensitivity() {
			return true
		}
	}
	return false
}

// SameSite reports whether the target host is the current page domain or a
// subdomain of it. An empty current domain is never same-site.
func (c *Context) SameSite() bool {
	host := c.TargetHost()
	domain := strings.ToLower(strings.TrimSpace(c.CurrentDomain))
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// CrossOrigin is the negation of SameSite.
func (c *Context) CrossOrigin() bool {
	return !c.SameSite()
}

// KnownScriptOrigin reports whether the target host matches one of the
// external script origins already observed on the page.
func (c *Context) KnownScriptOrigin() bool {
	host := c.TargetHost()
	for _, origin := range c.ExternalScripts {
		oh := HostnameFromURL(origin)
		if oh != "" && (host == oh || strings.HasSuffix(host, "."+oh)) {
			return true
		}
	}
	return false
}

// HostnameFromURL extracts the lowercase hostname from a raw URL. A URL
// that cannot be parsed, or that has no host component, degrades to the
// trimmed raw string itself so analysis proceeds instead of aborting.
func HostnameFromURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil || u.Hostname() == "" {
		return strings.ToLower(trimmed)
	}
	return strings.ToLower(u.Hostname())
}

// CheckResult is the outcome of one rule check.
type CheckResult struct {
	Match      bool
	Confidence float32
	Details    string
}

// RuleMatch pairs a matched rule's identity with its check result.
type RuleMatch struct {
	RuleID   string
	RuleName string
	Result   CheckResult
}

// Result is the heuristic engine's decision for one analysis call.
// MatchedRules is ordered by evaluation (priority) order.
type Result struct {
	Verdict      Verdict
	Confidence   float32
	MatchedRules []RuleMatch
	Reason       string
}

// FirstRuleID returns the id of the first matched rule, or empty.
func (r Result) FirstRuleID() string {
	if len(r.MatchedRules) == 0 {
		return ""
	}
	return r.MatchedRules[0].RuleID
}
