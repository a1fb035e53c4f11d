// Package detect flags automation indicators in observed exchanges: the
// user agent string on the request path, and status codes plus server
// headers on the response path.
package detect

import (
	"strings"
)

// automationKeywords are UA substrings that identify scripted clients.
var automationKeywords = []string{
	"headless", "selenium", "webdriver", "puppeteer",
	"playwright", "phantom", "jsdom", "nightmare",
	"chrome-headless", "automated", "bot", "crawler",
	"curl", "wget", "python-requests", "go-http-client",
}

// AnalyzeUA returns the automation keywords present in the user agent,
// nil when none match.
func AnalyzeUA(userAgent string) []string {
	lower := strings.ToLower(userAgent)
	var hits []string
	for _, kw := range automationKeywords {
		if strings.Contains(lower, kw) {
			hits = append(hits, kw)
		}
	}
	return hits
}

// suspiciousStatusCodes are responses that rarely occur in organic
// browsing but show up when scripted clients trip server defenses.
var suspiciousStatusCodes = map[int]string{
	402: "payment_required",
	407: "proxy_auth_required",
	418: "teapot",
	429: "rate_limited",
	444: "connection_closed_no_response",
	451: "unavailable_for_legal_reasons",
	509: "bandwidth_exceeded",
}

// scriptedServerMarkers are Server-header substrings suggesting a synthetic
// or instrumented origin rather than a production web server.
var scriptedServerMarkers = []string{
	"mitmproxy", "basehttp", "simplehttp", "werkzeug",
	"twistedweb", "node-fetch", "http-server",
}

// ResponseIndicators returns the indicator names that fire for a response,
// nil when the response looks ordinary.
func ResponseIndicators(statusCode int, headers map[string]string) []string {
	var hits []string
	if name, ok := suspiciousStatusCodes[statusCode]; ok {
		hits = append(hits, "status_"+name)
	}
	for k, v := range headers {
		if !strings.EqualFold(k, "Server") {
			continue
		}
		lower := strings.ToLower(v)
		for _, marker := range scriptedServerMarkers {
			if strings.Contains(lower, marker) {
				hits = append(hits, "server_"+marker)
			}
		}
	}
	return hits
}
