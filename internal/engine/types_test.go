package engine

import (
	"testing"
	"time"
)

func TestHostnameFromURL(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"https url", "https://evil.example/collect", "evil.example"},
		{"with port", "https://shop.example.com:8443/cart", "shop.example.com"},
		{"uppercase host", "https://PAY.Trusted.COM/charge", "pay.trusted.com"},
		{"with credentials", "https://user:pw@sketchy.tk/x", "sketchy.tk"},
		{"bare host no scheme", "not a url at all", "not a url at all"},
		{"empty string", "", ""},
		{"scheme only", "https://", "https://"},
		{"surrounding whitespace", "  https://a.example/  ", "a.example"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HostnameFromURL(tt.raw); got != tt.want {
				t.Errorf("HostnameFromURL(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestFieldTypeHighSensitivity(t *testing.T) {
	high := []FieldType{FieldCardNumber, FieldCVV, FieldPassword, FieldSSN}
	low := []FieldType{FieldExpiryDate, FieldEmail, FieldPhone, FieldUnknown}

	for _, f := range high {
		if !f.HighSensitivity() {
			t.Errorf("%v should be high sensitivity", f)
		}
	}
	for _, f := range low {
		if f.HighSensitivity() {
			t.Errorf("%v should not be high sensitivity", f)
		}
	}
}

func TestParseFieldTypeDegradesToUnknown(t *testing.T) {
	if got := ParseFieldType("card_number"); got != FieldCardNumber {
		t.Errorf("got %v, want card_number", got)
	}
	if got := ParseFieldType("iban"); got != FieldUnknown {
		t.Errorf("unrecognized type: got %v, want unknown", got)
	}
}

func TestParseRequestTypeAliases(t *testing.T) {
	if got := ParseRequestType("form-submit"); got != RequestFormSubmit {
		t.Errorf("hyphenated alias: got %v", got)
	}
	if got := ParseRequestType("FETCH"); got != RequestFetch {
		t.Errorf("case-insensitive: got %v", got)
	}
}

func TestContextSameSite(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		domain  string
		want    bool
	}{
		{"exact match", "https://shop.example.com/pay", "shop.example.com", true},
		{"subdomain of page", "https://cdn.shop.example.com/a.js", "shop.example.com", true},
		{"different site", "https://evil.example/collect", "shop.example.com", false},
		{"suffix but not subdomain", "https://notshop.example.com.evil.tk/x", "shop.example.com", false},
		{"empty page domain", "https://shop.example.com/pay", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Context{
				Request:       NetworkRequest{URL: tt.url},
				CurrentDomain: tt.domain,
			}
			if got := c.SameSite(); got != tt.want {
				t.Errorf("SameSite() = %v, want %v", got, tt.want)
			}
			if got := c.CrossOrigin(); got == tt.want {
				t.Errorf("CrossOrigin() should be the negation of SameSite()")
			}
		})
	}
}

func TestContextHighSensitivityInput(t *testing.T) {
	now := time.Now()
	c := &Context{
		RecentInputs: []InputEvent{
			{FieldID: "email", FieldType: FieldEmail, Length: 20, Timestamp: now},
		},
	}
	if c.HighSensitivityInput() {
		t.Error("email alone should not be high sensitivity")
	}
	c.RecentInputs = append(c.RecentInputs, InputEvent{
		FieldID: "cc", FieldType: FieldCardNumber, Length: 16, Timestamp: now,
	})
	if !c.HighSensitivityInput() {
		t.Error("card number should flip high sensitivity")
	}
}

func TestContextKnownScriptOrigin(t *testing.T) {
	c := &Context{
		Request:         NetworkRequest{URL: "https://js.stripe.com/v3/submit"},
		ExternalScripts: []string{"https://js.stripe.com/v3/", "https://cdn.other.com/lib.js"},
	}
	if !c.KnownScriptOrigin() {
		t.Error("target matching a page script origin should be known")
	}
	c.Request.URL = "https://collect.evil.tk/x"
	if c.KnownScriptOrigin() {
		t.Error("unseen origin should not be known")
	}
}

func TestResultFirstRuleID(t *testing.T) {
	r := Result{}
	if r.FirstRuleID() != "" {
		t.Error("empty result should have empty first rule id")
	}
	r.MatchedRules = []RuleMatch{{RuleID: "a"}, {RuleID: "b"}}
	if r.FirstRuleID() != "a" {
		t.Errorf("got %s, want a", r.FirstRuleID())
	}
}
