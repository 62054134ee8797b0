// Package detect classifies page visits as human or automated agent by
// combining client-reported signals with server-observed ones (user-agent
// patterns, header heuristics). It is a ladder of independent heuristics:
// nothing here can lower confidence, only raise it.
package detect

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Classification labels, strongest first.
const (
	ClassConfirmedAgent = "confirmed_agent"
	ClassLikelyAgent    = "likely_agent"
	ClassSuspectedAgent = "suspected_agent"
	ClassHuman          = "human"
)

// uaPattern pairs a compiled user-agent regexp with the agent family it
// identifies. Order matters: first match wins.
type uaPattern struct {
	re     *regexp.Regexp
	family string
}

var agentUAPatterns = []uaPattern{
	{regexp.MustCompile(`(?i)GPTBot`), "openai"},
	{regexp.MustCompile(`(?i)ChatGPT-User`), "openai"},
	{regexp.MustCompile(`(?i)OAI-SearchBot`), "openai"},
	{regexp.MustCompile(`(?i)Claude-Web`), "anthropic"},
	{regexp.MustCompile(`(?i)ClaudeBot`), "anthropic"},
	{regexp.MustCompile(`(?i)anthropic-ai`), "anthropic"},
	{regexp.MustCompile(`(?i)Google-Extended`), "google"},
	{regexp.MustCompile(`(?i)Googlebot`), "google"},
	{regexp.MustCompile(`(?i)Bingbot`), "microsoft"},
	{regexp.MustCompile(`(?i)Perplexity`), "perplexity"},
	{regexp.MustCompile(`(?i)CCBot`), "commoncrawl"},
	{regexp.MustCompile(`(?i)cohere-ai`), "cohere"},
	{regexp.MustCompile(`(?i)Meta-ExternalAgent`), "meta"},
	{regexp.MustCompile(`(?i)Bytespider`), "bytedance"},
	{regexp.MustCompile(`(?i)PetalBot`), "huawei"},
	{regexp.MustCompile(`(?i)Applebot-Extended`), "apple"},
}

// suspiciousHeaders are request headers that only automated agent
// infrastructure sends.
var suspiciousHeaders = map[string]struct{}{
	"x-openai-gptbot":     {},
	"x-anthropic-request": {},
	"x-ai-crawler":        {},
}

// classificationThresholds is checked in descending order; confidence
// exactly at a threshold takes the higher label.
var classificationThresholds = []struct {
	label     string
	threshold float64
}{
	{ClassConfirmedAgent, 0.85},
	{ClassLikelyAgent, 0.70},
	{ClassSuspectedAgent, 0.50},
	{ClassHuman, 0.0},
}

// ClientDetection is the confidence/signal bundle reported by the canary
// script running in the visitor's context.
type ClientDetection struct {
	Confidence     float64                `json:"confidence"`
	Classification string                 `json:"classification"`
	AgentFamily    string                 `json:"agent_family,omitempty"`
	Signals        map[string]interface{} `json:"signals,omitempty"`
}

// HashIP returns a privacy-preserving 16-hex-char HMAC-SHA256 of an IP
// address. HMAC with the server secret rather than a plain hash: an IPv4
// space is small enough to brute-force a keyless digest.
func HashIP(ip, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ip))
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

// Fingerprint derives a cookie-less identity proxy from IP + user-agent +
// site. Agents don't retain cookies but present a stable IP/UA pair within
// one crawl session. Returns the first 16 hex chars of the SHA-256 digest.
func Fingerprint(ip, ua, siteID string) string {
	sum := sha256.Sum256([]byte(ip + ua + siteID))
	return hex.EncodeToString(sum[:])[:16]
}

// DetectFromUA checks a user-agent string against the known agent
// patterns. Returns (isAgent, family, confidence).
func DetectFromUA(userAgent string) (bool, string, float64) {
	if userAgent == "" {
		return false, "", 0.0
	}
	for _, p := range agentUAPatterns {
		if p.re.MatchString(userAgent) {
			return true, p.family, 0.95
		}
	}
	return false, "", 0.0
}

// DetectFromHeaders inspects request headers for agent indicators.
// Returns (isAgent, confidenceBoost). A suspicious header is a strong
// signal; missing both Accept-Language and Accept is a weak one, since
// browsers almost always send both.
func DetectFromHeaders(headers map[string]string) (bool, float64) {
	lower := make(map[string]struct{}, len(headers))
	for k := range headers {
		lower[strings.ToLower(k)] = struct{}{}
	}
	for h := range suspiciousHeaders {
		if _, ok := lower[h]; ok {
			return true, 0.3
		}
	}
	_, hasLang := lower["accept-language"]
	_, hasAccept := lower["accept"]
	if !hasLang && !hasAccept {
		return false, 0.1
	}
	return false, 0.0
}

// Classify combines client and server-side signals into a final
// classification. The client-supplied agent family always wins over a
// UA-derived one; nothing lowers the client-reported confidence.
func Classify(client ClientDetection, userAgent string, headers map[string]string) (classification, family string, confidence float64) {
	confidence = client.Confidence
	family = client.AgentFamily

	uaIsAgent, uaFamily, uaConfidence := DetectFromUA(userAgent)
	if uaIsAgent {
		if uaConfidence > confidence {
			confidence = uaConfidence
		}
		if family == "" {
			family = uaFamily
		}
	}

	if len(headers) > 0 {
		_, boost := DetectFromHeaders(headers)
		if boost > 0 {
			confidence += boost
			if confidence > 1.0 {
				confidence = 1.0
			}
		}
	}

	classification = ClassHuman
	for _, t := range classificationThresholds {
		if confidence >= t.threshold {
			classification = t.label
			break
		}
	}
	return classification, family, confidence
}
