package intent

import (
	"sync"
	"testing"

	"github.com/pitabwire/dealjourney/model"
)

func TestClassify(t *testing.T) {
	c := New(nil)

	tests := []struct {
		message string
		want    model.Intent
	}{
		{"I'd like a formal quote please", model.IntentQuoteRequest},
		{"hello, I'm interested in this car", model.IntentInquiry},
		{"can you ship to Lagos port", model.IntentShipping},
		{"hi, interested in a Sonata", model.IntentInquiry},
		{"can we negotiate the price?", model.IntentNegotiation},
		{"send me a formal quote", model.IntentQuoteRequest},
		{"What's your best price on the quote?", model.IntentQuoteRequest},
		{"Any DISCOUNT for cash?", model.IntentNegotiation},
		{"Can it be delivered to Tema?", model.IntentShipping},
		{"how much for shipping and a discount", model.IntentNegotiation},
		{"Please send a proforma invoice", model.IntentQuoteRequest},
		{"is it still available", model.IntentInquiry},
		{"thanks", model.IntentGeneral},
		{"", model.IntentGeneral},
		{"   ", model.IntentGeneral},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			if got := c.Classify(tt.message); got != tt.want {
				t.Errorf("Classify(%q) = %q, want %q", tt.message, got, tt.want)
			}
		})
	}
}

func TestClassify_wholeWords(t *testing.T) {
	c := New(nil)

	// "report" contains "port", "this" contains "hi"; neither is a word match.
	if got := c.Classify("please report this"); got != model.IntentGeneral {
		t.Errorf("Classify() = %q, want general", got)
	}
}

func TestClassify_unicodeFolding(t *testing.T) {
	c := New(nil)
	if got := c.Classify("HÉLLO? QUOTE!"); got != model.IntentQuoteRequest {
		t.Errorf("Classify() = %q, want quote_request", got)
	}
}

func TestClassify_customRules(t *testing.T) {
	c := New([]Rule{
		{Intent: model.IntentInquiry, Stems: []string{"insp"}},
	})
	if got := c.Classify("Can I inspect it Saturday?"); got != model.IntentInquiry {
		t.Errorf("Classify() = %q, want inquiry", got)
	}
	if got := c.Classify("quote"); got != model.IntentGeneral {
		t.Errorf("Classify() = %q, want general (custom table has no quote rule)", got)
	}
}

func TestClassify_concurrent(t *testing.T) {
	c := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if got := c.Classify("send me a formal quote"); got != model.IntentQuoteRequest {
					t.Errorf("Classify() = %q, want quote_request", got)
					return
				}
			}
		}()
	}
	wg.Wait()
}
