// Package safety gates outbound responses against unauthorized financial
// commitments.
package safety

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"github.com/pitabwire/dealjourney/model"
)

// Rule codes reported as violations. The blocked text itself is never part
// of a verdict.
const (
	RuleExcessiveDiscount     = "excessive_discount"
	RuleOffPlatformPayment    = "off_platform_payment"
	RuleUnauthorizedAuthority = "unauthorized_authority"
)

// DefaultFallbackMessage replaces any blocked response.
const DefaultFallbackMessage = "Thanks for your message. A member of our sales team will follow up with you shortly to confirm the details through the official platform."

// Verdict is the outcome of checking one candidate response.
type Verdict struct {
	Action     model.SafetyStatus
	Violations []string
}

// Blocked reports whether the candidate must not be delivered.
func (v Verdict) Blocked() bool { return v.Action == model.SafetyBlock }

// Options tune the discount caps. Zero values fall back to defaults.
type Options struct {
	MaxDiscountPercent float64
	MaxDiscountAmount  float64
	FallbackMessage    string
}

var (
	// 15%, 15 percent, 15 per cent
	percentPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:%|percent\b|per cent\b)`)
	// $2,000 off, discount of 2000, 2000 dollars off
	amountOffPattern = regexp.MustCompile(`(?:[$€£₦]|usd|ngn|ghs|kes)?\s?(\d[\d,]*(?:\.\d+)?)\s*(?:usd|dollars|naira|cedis)?\s+(?:off|discount|reduction)\b`)
	discountOfPattern = regexp.MustCompile(`(?:discount|reduction|knock)\w*\s+(?:of{1,2}\s+)?(?:[$€£₦]|usd\s|ngn\s)?\s?(\d[\d,]*(?:\.\d+)?)\b(?:\s*%|\s*percent)?`)

	// lower the price by $5,000, drop it by 20%, knock it down by 3000 dollars
	cutByPattern = regexp.MustCompile(`\b(?:lower|drop|reduc|cut|knock|bring|slash|shave|come down)\w*\b[^.!?\n]{0,40}?\bby\s+(?:[$€£₦]|usd\s|ngn\s)?\s?(\d[\d,]*(?:\.\d+)?)\s*(%|percent\b|per cent\b)?`)
	// 40% less than the listed price, 15 percent below asking
	percentLessPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:%|percent\b|per cent\b)\s+(?:less|lower|below|under|cheaper|beneath)\b`)
	// $2,000 less than asking, 3000 dollars below the list price
	amountLessPattern = regexp.MustCompile(`(?:[$€£₦]|usd|ngn)?\s?(\d[\d,]*(?:\.\d+)?)\s*(?:usd|dollars|naira|cedis)?\s+(?:less|lower|below|under|cheaper)\s+(?:than|the|asking|list)`)

	discountContext = regexp.MustCompile(`\b(?:discount\w*|off|reduc\w*|knock\w*|cheaper|slash\w*|markdown)\b`)

	fixedDiscountPhrases = []string{"half price", "half off", "free of charge", "for free", "at no cost", "at no charge"}

	offPlatformPhrases = []string{
		"wire money", "wire the money", "wire transfer", "wire the payment", "bank transfer",
		"western union", "moneygram", "pay directly", "pay me directly", "send the money directly",
		"outside the platform", "outside of the platform", "off the platform", "off-platform",
		"bitcoin", "crypto", "usdt", "gift card", "cash app", "my personal account",
	}

	authorityPhrases = []string{
		"i am authorized to", "i'm authorized to", "i am authorised to", "i'm authorised to",
		"i personally guarantee", "as the owner", "as the manager",
		"as the dealership owner", "i have approved", "i can approve", "on behalf of the management",
	}
)

// Filter is a pure, stateless rule set. The zero value is not usable; call
// New.
type Filter struct {
	maxPercent float64
	maxAmount  float64
	fallback   string
}

// New returns a Filter with the given caps.
func New(opts Options) *Filter {
	f := &Filter{
		maxPercent: opts.MaxDiscountPercent,
		maxAmount:  opts.MaxDiscountAmount,
		fallback:   opts.FallbackMessage,
	}
	if f.maxPercent <= 0 {
		f.maxPercent = 10
	}
	if f.maxAmount <= 0 {
		f.maxAmount = 500
	}
	if f.fallback == "" {
		f.fallback = DefaultFallbackMessage
	}
	return f
}

// Fallback returns the fixed message substituted for blocked responses.
func (f *Filter) Fallback() string { return f.fallback }

// Check scans candidate and returns an allow/block verdict. Violations are
// listed once each in rule order.
func (f *Filter) Check(candidate string) Verdict {
	text := cases.Fold().String(candidate)
	text = strings.ReplaceAll(text, "’", "'")

	var violations []string
	if f.excessiveDiscount(text) {
		violations = append(violations, RuleExcessiveDiscount)
	}
	if containsAny(text, offPlatformPhrases) {
		violations = append(violations, RuleOffPlatformPayment)
	}
	if containsAny(text, authorityPhrases) {
		violations = append(violations, RuleUnauthorizedAuthority)
	}

	if len(violations) == 0 {
		return Verdict{Action: model.SafetyAllow, Violations: []string{}}
	}
	return Verdict{Action: model.SafetyBlock, Violations: violations}
}

func (f *Filter) excessiveDiscount(text string) bool {
	if containsAny(text, fixedDiscountPhrases) {
		return true
	}

	if discountContext.MatchString(text) {
		for _, m := range percentPattern.FindAllStringSubmatch(text, -1) {
			if v, ok := parseNumber(m[1]); ok && v > f.maxPercent {
				return true
			}
		}
	}

	for _, m := range cutByPattern.FindAllStringSubmatch(text, -1) {
		limit := f.maxAmount
		if m[2] != "" {
			limit = f.maxPercent
		}
		if v, ok := parseNumber(m[1]); ok && v > limit {
			return true
		}
	}
	for _, m := range percentLessPattern.FindAllStringSubmatch(text, -1) {
		if v, ok := parseNumber(m[1]); ok && v > f.maxPercent {
			return true
		}
	}
	for _, m := range amountLessPattern.FindAllStringSubmatch(text, -1) {
		if v, ok := parseNumber(m[1]); ok && v > f.maxAmount {
			return true
		}
	}
	for _, m := range amountOffPattern.FindAllStringSubmatch(text, -1) {
		if v, ok := parseNumber(m[1]); ok && v > f.maxAmount {
			return true
		}
	}
	for _, m := range discountOfPattern.FindAllStringSubmatch(text, -1) {
		if strings.HasSuffix(strings.TrimSpace(m[0]), "%") || strings.HasSuffix(m[0], "percent") {
			continue
		}
		if v, ok := parseNumber(m[1]); ok && v > f.maxAmount {
			return true
		}
	}
	return false
}

func parseNumber(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	return v, err == nil
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
