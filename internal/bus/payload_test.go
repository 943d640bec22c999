package bus

import (
	"errors"
	"testing"

	"github.com/pitabwire/dealjourney/model"
)

type customPayload struct {
	Note string `json:"note"`
}

func (customPayload) PayloadType() string { return "custom.note" }

func TestPayloadRegistry_builtins(t *testing.T) {
	r := NewPayloadRegistry()
	want := []string{
		model.TaskGenerateQuote,
		model.EventLeadCreated,
		model.EventSafetyViolation,
		model.TaskShippingEstimate,
	}

	got := r.Types()
	if len(got) != len(want) {
		t.Fatalf("Types() = %v, want %d entries", got, len(want))
	}
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Errorf("Types() not sorted: %v", got)
		}
	}
}

func TestPayloadRegistry_encodeDecode(t *testing.T) {
	r := NewPayloadRegistry()
	in := SafetyViolation{CustomerID: "cust-1", Intent: model.IntentNegotiation, Violations: []string{"excessive_discount"}}

	raw, err := r.Encode(model.EventSafetyViolation, in)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	out, err := r.Decode(model.EventSafetyViolation, raw)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	sv, ok := out.(SafetyViolation)
	if !ok {
		t.Fatalf("Decode type = %T, want SafetyViolation", out)
	}
	if sv.Violations[0] != "excessive_discount" {
		t.Errorf("Violations = %v", sv.Violations)
	}
}

func TestPayloadRegistry_mismatch(t *testing.T) {
	r := NewPayloadRegistry()

	_, err := r.Encode(model.EventLeadCreated, GenerateQuote{CustomerID: "cust-1"})
	if !errors.Is(err, ErrPayloadMismatch) {
		t.Errorf("error = %v, want ErrPayloadMismatch", err)
	}
	_, err = r.Encode(model.EventLeadCreated, nil)
	if !errors.Is(err, ErrPayloadMismatch) {
		t.Errorf("nil payload error = %v, want ErrPayloadMismatch", err)
	}
}

func TestPayloadRegistry_unknown(t *testing.T) {
	r := NewPayloadRegistry()

	_, err := r.Encode("custom.note", customPayload{Note: "x"})
	if !errors.Is(err, ErrUnknownPayload) {
		t.Errorf("Encode error = %v, want ErrUnknownPayload", err)
	}
	_, err = r.Decode("custom.note", []byte(`{}`))
	if !errors.Is(err, ErrUnknownPayload) {
		t.Errorf("Decode error = %v, want ErrUnknownPayload", err)
	}
}

func TestPayloadRegistry_register(t *testing.T) {
	r := NewPayloadRegistry()
	r.Register(customPayload{})

	raw, err := r.Encode("custom.note", customPayload{Note: "hello"})
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	if string(raw) != `{"note":"hello"}` {
		t.Errorf("raw = %s", raw)
	}
}

func TestPayloadRegistry_duplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for duplicate registration")
		}
	}()
	NewPayloadRegistry().Register(LeadCreated{})
}
