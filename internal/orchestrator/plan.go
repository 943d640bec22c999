package orchestrator

import "github.com/pitabwire/dealjourney/model"

// plannedTask is a task hand-off decided from (intent, stage).
type plannedTask struct {
	taskType string
	target   string
	// afterTransition means the task is only sent if the planned transition
	// commits.
	afterTransition bool
}

// plan is the progress step computed before the responder runs. Nothing in
// it is committed until the reply has passed the safety filter.
type plan struct {
	to          model.Stage // "" when no transition is planned
	actingAgent string
	task        *plannedTask
}

// stageAfter returns the stage the journey will be in if the plan commits.
func (p plan) stageAfter(current model.Stage) model.Stage {
	if p.to != "" {
		return p.to
	}
	return current
}

// planStep decides the optional transition and task for a tracked journey
// currently at stage.
func planStep(intent model.Intent, stage model.Stage) plan {
	switch intent {
	case model.IntentNegotiation:
		if stage == model.StageInquiry {
			return plan{to: model.StageNegotiation, actingAgent: model.AgentNegotiation}
		}
	case model.IntentQuoteRequest:
		if stage == model.StageNegotiation || stage == model.StageInspection {
			return plan{
				to:          model.StageQuote,
				actingAgent: model.AgentPricing,
				task: &plannedTask{
					taskType:        model.TaskGenerateQuote,
					target:          model.AgentPricing,
					afterTransition: true,
				},
			}
		}
	case model.IntentShipping:
		return plan{task: &plannedTask{
			taskType: model.TaskShippingEstimate,
			target:   model.AgentLogistics,
		}}
	}
	return plan{}
}
