package fraud

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Pattern is a detected abuse pattern.
type Pattern struct {
	Type    domain.AttemptType
	Details string
}

// PatternConfig holds the pattern thresholds.
type PatternConfig struct {
	// BotIPLimit is the hourly order count from one IP above which the
	// order counts as bot activity.
	BotIPLimit int64
}

const (
	cardTestingAmount = 10.0
	cardTestingBurst  = 3
)

// automationAgents are user agent fragments of scripted clients.
var automationAgents = []string{
	"curl", "wget", "python-requests", "python-urllib", "go-http-client",
	"okhttp", "httpclient", "postmanruntime", "headlesschrome", "phantomjs",
	"selenium", "puppeteer", "playwright", "scrapy", "bot", "spider", "crawler",
}

// DetectPatterns classifies the evaluation into attempt types. high_risk
// is reported for high and critical levels when nothing more specific
// matched. friendly_fraud is never detected here; it needs chargeback
// data.
func DetectPatterns(tx domain.TransactionContext, f domain.FeatureSet, level domain.RiskLevel, cfg PatternConfig) []Pattern {
	var patterns []Pattern

	amount, _ := f.Number(domain.FeatureAmount)
	orderCount, _ := f.Number(domain.FeatureOrderCount)
	lastHour, _ := f.Number(domain.FeatureOrdersLast1h)

	switch {
	case amount < cardTestingAmount && orderCount == 0:
		patterns = append(patterns, Pattern{
			Type:    domain.AttemptCardTesting,
			Details: fmt.Sprintf("first order with amount %.2f", amount),
		})
	case amount < cardTestingAmount && lastHour > cardTestingBurst:
		patterns = append(patterns, Pattern{
			Type:    domain.AttemptCardTesting,
			Details: fmt.Sprintf("%d small orders in the last hour", int(lastHour)+1),
		})
	}

	ipVelocity, hasIP := f.Number(domain.FeatureVelocityIP1h)
	switch {
	case hasIP && cfg.BotIPLimit > 0 && ipVelocity > float64(cfg.BotIPLimit):
		patterns = append(patterns, Pattern{
			Type:    domain.AttemptBotActivity,
			Details: fmt.Sprintf("%d orders from ip in the last hour", int64(ipVelocity)),
		})
	case isAutomationAgent(tx.UserAgent):
		patterns = append(patterns, Pattern{
			Type:    domain.AttemptBotActivity,
			Details: "automated or missing user agent",
		})
	}

	newDevice, _ := f.Bool(domain.FeatureIsNewDevice)
	newIP, _ := f.Bool(domain.FeatureIsNewIP)
	matches, ok := f.Bool(domain.FeatureShippingMatches)
	if newDevice && newIP && ok && !matches && orderCount > 0 {
		patterns = append(patterns, Pattern{
			Type:    domain.AttemptIdentityTheft,
			Details: "new device and ip with a different shipping address",
		})
	}

	if len(patterns) == 0 && level.AtLeast(domain.RiskHigh) {
		patterns = append(patterns, Pattern{
			Type:    domain.AttemptHighRisk,
			Details: "classified " + string(level),
		})
	}
	return patterns
}

func isAutomationAgent(ua string) bool {
	ua = strings.ToLower(strings.TrimSpace(ua))
	if ua == "" {
		return true
	}
	for _, marker := range automationAgents {
		if strings.Contains(ua, marker) {
			return true
		}
	}
	return false
}
