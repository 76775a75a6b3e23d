// Package rules holds the built-in formjacking rule catalog and the
// compiler for user-defined rules.
package rules

import (
	"math"
	"net"
	"strings"
)

// knownPaymentProcessors lists registrable domains of payment providers a
// checkout page legitimately posts card data to. Matched by host suffix.
var knownPaymentProcessors = []string{
	"stripe.com",
	"paypal.com",
	"paypalobjects.com",
	"braintreegateway.com",
	"braintree-api.com",
	"adyen.com",
	"checkout.com",
	"squareup.com",
	"authorize.net",
	"worldpay.com",
	"klarna.com",
	"recurly.com",
	"chargebee.com",
	"2checkout.com",
}

// knownCDNs lists hosts that serve static assets and are routine
// cross-origin destinations on shopping pages. Matched by host suffix.
var knownCDNs = []string{
	"cdn.jsdelivr.net",
	"cdnjs.cloudflare.com",
	"unpkg.com",
	"fonts.googleapis.com",
	"fonts.gstatic.com",
	"ajax.googleapis.com",
	"code.jquery.com",
	"maxcdn.bootstrapcdn.com",
	"stackpath.bootstrapcdn.com",
	"raw.githubusercontent.com",
	"github.githubassets.com",
	"cdn.tailwindcss.com",
	"esm.sh",
	"cdn.skypack.dev",
	"google-analytics.com",
	"googletagmanager.com",
}

// abusedTLDs are TLDs disproportionately used by throwaway exfil domains.
var abusedTLDs = map[string]bool{
	".xyz":     true,
	".top":     true,
	".click":   true,
	".loan":    true,
	".work":    true,
	".tk":      true,
	".ml":      true,
	".ga":      true,
	".cf":      true,
	".gq":      true,
	".buzz":    true,
	".monster": true,
	".link":    true,
	".icu":     true,
}

// hostMatchesAny reports whether host equals one of the domains or is a
// subdomain of one.
func hostMatchesAny(host string, domains []string) bool {
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// tldOf returns the final label of a hostname with a dot prefix, or empty
// for single-label hosts.
func tldOf(host string) string {
	parts := strings.Split(host, ".")
	if len(parts) < 2 {
		return ""
	}
	return "." + parts[len(parts)-1]
}

// firstLabel returns the leading subdomain label, or empty when the host
// has no subdomain.
func firstLabel(host string) string {
	parts := strings.Split(host, ".")
	if len(parts) <= 2 {
		return ""
	}
	return parts[0]
}

// isLiteralIP reports whether the host is a raw IPv4/IPv6 address.
func isLiteralIP(host string) bool {
	return net.ParseIP(strings.Trim(host, "[]")) != nil
}

// shannonEntropy computes Shannon entropy in bits per character.
func shannonEntropy(s string) float64 {
	freq := make(map[rune]float64)
	for _, c := range s {
		freq[c]++
	}
	length := float64(len([]rune(s)))
	entropy := 0.0
	for _, count := range freq {
		p := count / length
		if p > 0 {
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}
