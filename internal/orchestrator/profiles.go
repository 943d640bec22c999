package orchestrator

import (
	"github.com/pitabwire/dealjourney/internal/responder"
	"github.com/pitabwire/dealjourney/model"
)

type profileKey struct {
	intent model.Intent
	stage  model.Stage // "" matches a message without a tracked journey
}

var (
	profileGeneral = responder.Profile{
		Name:         "general",
		Instructions: "You are a courteous vehicle sales assistant. Answer briefly and factually. Do not quote prices, discounts or payment arrangements.",
		Canned:       "Hi {name}, thanks for reaching out. How can I help you with this vehicle today?",
	}
	profileInquiry = responder.Profile{
		Name:         "inquiry",
		Instructions: "Welcome the customer, confirm the vehicle they are asking about and describe its condition and availability. Invite questions. Do not discuss price reductions.",
		Canned:       "Hi {name}, thanks for your interest! The vehicle is available. Would you like details on its condition, mileage or history?",
	}
	profileNegotiationOpen = responder.Profile{
		Name:         "negotiation.open",
		Instructions: "The customer wants to talk price. Acknowledge the request, explain the listed price and what it includes. You may mention that small adjustments are possible but never promise a discount above 10 percent, never name a final figure and never suggest payment outside the platform.",
		Canned:       "Happy to talk about the price, {name}. The listed price reflects the vehicle's condition and includes preparation. A sales specialist can review any offer you have in mind.",
	}
	profileNegotiation = responder.Profile{
		Name:         "negotiation",
		Instructions: "Continue the price discussion within policy. Any discount language must stay within 10 percent of the listed price. Only official platform payment channels may be mentioned. Do not claim authority to approve deals.",
		Canned:       "Thanks {name}. I've noted your offer and a sales specialist will review it against the listed price.",
	}
	profileQuote = responder.Profile{
		Name:         "quote",
		Instructions: "The customer asked for a formal quote. Explain that an itemized breakdown (vehicle price, fees, taxes, shipping if requested) is being prepared by the pricing team. Do not invent figures.",
		Canned:       "Thanks {name}, a formal quote with an itemized breakdown of price, fees and taxes is being prepared. We will send it to you shortly.",
	}
	profileQuoteEarly = responder.Profile{
		Name:         "quote.early",
		Instructions: "The customer asked for a quote before discussing terms. Explain what a formal quote will include and ask which options or delivery destination they want priced.",
		Canned:       "We can prepare a formal quote, {name}. Could you confirm any options and the delivery destination you would like included?",
	}
	profileShipping = responder.Profile{
		Name:         "shipping",
		Instructions: "The customer asked about shipping or delivery. Explain that the logistics team will provide an estimate for their destination. Do not promise dates or costs.",
		Canned:       "Thanks {name}, our logistics team will prepare a shipping estimate for your destination and get back to you.",
	}
	profileFollowUp = responder.Profile{
		Name:         "follow_up",
		Instructions: "A quote is already in progress for this customer. Answer the question and remind them the formal quote is the binding offer. Never change quoted terms.",
		Canned:       "Thanks {name}. Your formal quote is in progress and will be the binding offer; let me know if anything else should be included.",
	}
)

// profiles maps (intent, stage) to a brief. The stage is the one the journey
// will be in once this message's planned transition commits.
var profiles = map[profileKey]responder.Profile{
	{model.IntentInquiry, ""}:                         profileInquiry,
	{model.IntentInquiry, model.StageInquiry}:         profileInquiry,
	{model.IntentInquiry, model.StageNegotiation}:     profileNegotiation,
	{model.IntentInquiry, model.StageQuote}:           profileFollowUp,
	{model.IntentNegotiation, ""}:                     profileNegotiationOpen,
	{model.IntentNegotiation, model.StageInquiry}:     profileNegotiationOpen,
	{model.IntentNegotiation, model.StageNegotiation}: profileNegotiation,
	{model.IntentNegotiation, model.StageInspection}:  profileNegotiation,
	{model.IntentNegotiation, model.StageQuote}:       profileFollowUp,
	{model.IntentQuoteRequest, ""}:                    profileQuoteEarly,
	{model.IntentQuoteRequest, model.StageInquiry}:    profileQuoteEarly,
	{model.IntentQuoteRequest, model.StageQuote}:      profileQuote,
	{model.IntentShipping, ""}:                        profileShipping,
	{model.IntentGeneral, model.StageQuote}:           profileFollowUp,
}

// SelectProfile returns the brief for intent at stage. A nil stage means no
// journey is tracked. Unlisted combinations fall back to the stage-less
// brief for the intent, then to the general brief.
func SelectProfile(intent model.Intent, stage *model.Stage) responder.Profile {
	if stage != nil {
		if p, ok := profiles[profileKey{intent, *stage}]; ok {
			return p
		}
	}
	if p, ok := profiles[profileKey{intent, ""}]; ok {
		return p
	}
	return profileGeneral
}
