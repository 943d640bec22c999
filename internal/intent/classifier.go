// Package intent maps inbound customer text onto a closed set of intents
// using an ordered keyword rule table.
package intent

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"

	"github.com/pitabwire/dealjourney/model"
)

// Rule matches one intent. Phrases must appear as whole words (multi-word
// phrases match consecutive words); Stems match the start of any word.
type Rule struct {
	Intent  model.Intent
	Phrases []string
	Stems   []string
}

// DefaultRules is the precedence-ordered rule table. The first matching rule
// wins, so a formal quote ask beats casual price talk.
var DefaultRules = []Rule{
	{
		Intent:  model.IntentQuoteRequest,
		Phrases: []string{"quote", "quotation", "proforma", "pro forma", "invoice", "formal offer"},
	},
	{
		Intent:  model.IntentNegotiation,
		Phrases: []string{"discount", "best price", "price", "cheaper", "deal", "offer", "last price", "reduce"},
		Stems:   []string{"negotia"},
	},
	{
		Intent:  model.IntentShipping,
		Phrases: []string{"port", "freight", "container", "customs", "clearing"},
		Stems:   []string{"ship", "deliver"},
	},
	{
		Intent:  model.IntentInquiry,
		Phrases: []string{"hi", "hello", "hey", "interested", "available", "details", "mileage", "condition"},
	},
}

// Classifier evaluates a rule table in order. It is immutable after
// construction and safe for concurrent use.
type Classifier struct {
	rules []compiledRule
}

type compiledRule struct {
	intent  model.Intent
	phrases [][]string
	stems   []string
}

// New returns a Classifier over rules. A nil slice uses DefaultRules.
func New(rules []Rule) *Classifier {
	if rules == nil {
		rules = DefaultRules
	}
	c := &Classifier{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		cr := compiledRule{intent: r.Intent}
		for _, p := range r.Phrases {
			if words := tokenize(p); len(words) > 0 {
				cr.phrases = append(cr.phrases, words)
			}
		}
		for _, s := range r.Stems {
			cr.stems = append(cr.stems, fold(s))
		}
		c.rules = append(c.rules, cr)
	}
	return c
}

// Classify returns the intent of message, or model.IntentGeneral when no
// rule matches.
func (c *Classifier) Classify(message string) model.Intent {
	words := tokenize(message)
	if len(words) == 0 {
		return model.IntentGeneral
	}
	for _, r := range c.rules {
		if r.matches(words) {
			return r.intent
		}
	}
	return model.IntentGeneral
}

func (r compiledRule) matches(words []string) bool {
	for _, phrase := range r.phrases {
		if containsPhrase(words, phrase) {
			return true
		}
	}
	for _, stem := range r.stems {
		for _, w := range words {
			if strings.HasPrefix(w, stem) {
				return true
			}
		}
	}
	return false
}

func containsPhrase(words, phrase []string) bool {
	if len(phrase) > len(words) {
		return false
	}
outer:
	for i := 0; i+len(phrase) <= len(words); i++ {
		for j, p := range phrase {
			if words[i+j] != p {
				continue outer
			}
		}
		return true
	}
	return false
}

func fold(s string) string {
	return cases.Fold().String(s)
}

// tokenize case-folds s and splits it into letter/digit runs, so
// "Quote?" and "QUOTE" both yield "quote". Apostrophes are dropped inside
// words ("I'd" becomes "id").
func tokenize(s string) []string {
	folded := fold(s)
	folded = strings.NewReplacer("'", "", "’", "").Replace(folded)
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
