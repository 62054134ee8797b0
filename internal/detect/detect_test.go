package detect

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"testing"
)

func TestHashIPMatchesManualHMAC(t *testing.T) {
	ip, secret := "203.0.113.42", "test-secret-key"
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ip))
	want := hex.EncodeToString(mac.Sum(nil))[:16]
	if got := HashIP(ip, secret); got != want {
		t.Fatalf("HashIP = %q, want %q", got, want)
	}
}

func TestHashIPProperties(t *testing.T) {
	if HashIP("10.0.0.1", "a") == HashIP("10.0.0.1", "b") {
		t.Error("different secrets should produce different hashes")
	}
	if HashIP("1.2.3.4", "s") == HashIP("4.3.2.1", "s") {
		t.Error("different IPs should produce different hashes")
	}
	if got := HashIP("2001:db8::1", "s"); len(got) != 16 {
		t.Errorf("hash length = %d, want 16", len(got))
	}
}

func TestFingerprintStableAndScoped(t *testing.T) {
	fp := Fingerprint("1.2.3.4", "GPTBot/1.0", "site-a")
	if fp != Fingerprint("1.2.3.4", "GPTBot/1.0", "site-a") {
		t.Error("fingerprint not deterministic")
	}
	if len(fp) != 16 {
		t.Errorf("fingerprint length = %d, want 16", len(fp))
	}
	if fp == Fingerprint("1.2.3.4", "GPTBot/1.0", "site-b") {
		t.Error("fingerprint should differ per site")
	}
}

func TestDetectFromUAKnownPatterns(t *testing.T) {
	cases := []struct {
		ua     string
		family string
	}{
		{"Mozilla/5.0 (compatible; GPTBot/1.0; +https://openai.com/gptbot)", "openai"},
		{"Mozilla/5.0 AppleWebKit/537.36 ChatGPT-User/1.0", "openai"},
		{"OAI-SearchBot/1.0", "openai"},
		{"Claude-Web/1.0", "anthropic"},
		{"Mozilla/5.0 (compatible; ClaudeBot/1.0; +https://www.anthropic.com)", "anthropic"},
		{"anthropic-ai/0.1 (crawler)", "anthropic"},
		{"Mozilla/5.0 (compatible; Google-Extended)", "google"},
		{"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)", "google"},
		{"Mozilla/5.0 (compatible; bingbot/2.0; +http://www.bing.com/bingbot.htm)", "microsoft"},
		{"Perplexity/1.0 (AI search)", "perplexity"},
		{"CCBot/2.0 (https://commoncrawl.org/faq/)", "commoncrawl"},
		{"cohere-ai/1.0", "cohere"},
		{"Meta-ExternalAgent/1.1", "meta"},
		{"Bytespider; spider-feedback@bytedance.com", "bytedance"},
		{"Mozilla/5.0 (Linux; Android 5.0) PetalBot", "huawei"},
		{"Applebot-Extended/0.1", "apple"},
	}
	for _, tc := range cases {
		isAgent, family, conf := DetectFromUA(tc.ua)
		if !isAgent {
			t.Errorf("DetectFromUA(%q): not detected", tc.ua)
			continue
		}
		if family != tc.family {
			t.Errorf("DetectFromUA(%q): family = %q, want %q", tc.ua, family, tc.family)
		}
		if conf != 0.95 {
			t.Errorf("DetectFromUA(%q): confidence = %v, want 0.95", tc.ua, conf)
		}
	}
}

func TestDetectFromUANoMatch(t *testing.T) {
	for _, ua := range []string{"", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0"} {
		if isAgent, _, _ := DetectFromUA(ua); isAgent {
			t.Errorf("DetectFromUA(%q): unexpectedly detected", ua)
		}
	}
}

func TestDetectFromHeaders(t *testing.T) {
	isAgent, boost := DetectFromHeaders(map[string]string{"X-AI-Crawler": "1", "Accept": "*/*"})
	if !isAgent || boost != 0.3 {
		t.Errorf("suspicious header: got (%v, %v), want (true, 0.3)", isAgent, boost)
	}
	isAgent, boost = DetectFromHeaders(map[string]string{"Host": "example.com"})
	if isAgent || boost != 0.1 {
		t.Errorf("missing accept headers: got (%v, %v), want (false, 0.1)", isAgent, boost)
	}
	isAgent, boost = DetectFromHeaders(map[string]string{"Accept": "*/*", "Accept-Language": "en-US"})
	if isAgent || boost != 0.0 {
		t.Errorf("browser headers: got (%v, %v), want (false, 0.0)", isAgent, boost)
	}
	// Only one of the two missing is not suspicious.
	isAgent, boost = DetectFromHeaders(map[string]string{"Accept": "*/*"})
	if isAgent || boost != 0.0 {
		t.Errorf("one header present: got (%v, %v), want (false, 0.0)", isAgent, boost)
	}
}

func TestClassifyThresholdBoundaries(t *testing.T) {
	browserHeaders := map[string]string{"Accept": "*/*", "Accept-Language": "en-US"}
	cases := []struct {
		confidence float64
		want       string
	}{
		{0.49, ClassHuman},
		{0.50, ClassSuspectedAgent},
		{0.69, ClassSuspectedAgent},
		{0.70, ClassLikelyAgent},
		{0.84, ClassLikelyAgent},
		{0.85, ClassConfirmedAgent},
		{1.0, ClassConfirmedAgent},
	}
	for _, tc := range cases {
		got, _, conf := Classify(ClientDetection{Confidence: tc.confidence}, "Mozilla/5.0 Chrome/120.0", browserHeaders)
		if got != tc.want {
			t.Errorf("confidence %v: classification = %q, want %q", tc.confidence, got, tc.want)
		}
		if conf != tc.confidence {
			t.Errorf("confidence %v: unexpectedly changed to %v", tc.confidence, conf)
		}
	}
}

func TestClassifyUAMatchRaisesButNeverLowers(t *testing.T) {
	browserHeaders := map[string]string{"Accept": "*/*", "Accept-Language": "en-US"}

	_, family, conf := Classify(ClientDetection{Confidence: 0.1}, "GPTBot/1.0", browserHeaders)
	if conf != 0.95 {
		t.Errorf("UA match: confidence = %v, want 0.95", conf)
	}
	if family != "openai" {
		t.Errorf("UA match: family = %q, want openai", family)
	}

	// Client already more confident than the UA signal.
	_, _, conf = Classify(ClientDetection{Confidence: 0.99}, "GPTBot/1.0", browserHeaders)
	if conf != 0.99 {
		t.Errorf("higher client confidence: got %v, want 0.99", conf)
	}
}

func TestClassifyClientFamilyWins(t *testing.T) {
	_, family, _ := Classify(ClientDetection{Confidence: 0.9, AgentFamily: "perplexity"}, "ClaudeBot/1.0", nil)
	if family != "perplexity" {
		t.Errorf("family = %q, want client-supplied perplexity", family)
	}
}

func TestClassifyHeaderBoostCapped(t *testing.T) {
	headers := map[string]string{"x-anthropic-request": "1"}
	cls, _, conf := Classify(ClientDetection{Confidence: 0.9}, "", headers)
	if conf != 1.0 {
		t.Errorf("confidence = %v, want capped at 1.0", conf)
	}
	if cls != ClassConfirmedAgent {
		t.Errorf("classification = %q, want confirmed_agent", cls)
	}
}

func TestClassifyMissingHeadersBoost(t *testing.T) {
	cls, _, conf := Classify(ClientDetection{Confidence: 0.45}, "Mozilla/5.0 Chrome/120.0", map[string]string{"Host": "x"})
	if math.Abs(conf-0.55) > 1e-9 {
		t.Errorf("confidence = %v, want 0.55", conf)
	}
	if cls != ClassSuspectedAgent {
		t.Errorf("classification = %q, want suspected_agent", cls)
	}
}
