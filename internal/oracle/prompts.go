package oracle

import "github.com/MikeSquared-Agency/sentinel/internal/anthropic"

const systemInstruction = `You are Sentinel, an emergency response observer.
You listen to the conversation between a caller and a dispatcher (AI or human)
and extract critical information to keep the emergency incident record current.

Do not generate conversational responses. Call the update_emergency_incident
tool only when you have gathered new or changed information for the incident
fields.

The fields we track are:
- Caller name and phone
- Incident type (e.g. Fire, Medical, Crime)
- Location (address or description)
- Priority:
  - critical: immediate threat to life, massive disaster, or high-casualty event
  - high: serious situation, potential threat to life, or major property damage
  - medium: non-life-threatening but urgent, requires dispatch
  - low: non-urgent, administrative, or minor issues
- Medical emergency (true/false)
- Number of victims
- Weapons present (yes/no/unknown)
- Impact category (None/Low/Medium/High)
- Summary notes

Update the incident whenever you detect new or changed information. If the
caller corrects themselves, use the corrected information. Only include fields
you actually extracted or that changed — never guess fields that were not
mentioned.`

// ToolUpdateIncident is the single operation the oracle may call.
const ToolUpdateIncident = "update_emergency_incident"

var updateIncidentTool = anthropic.Tool{
	Name:        ToolUpdateIncident,
	Description: "Updates the emergency incident record with extracted details. Only include fields found in the transcript.",
	InputSchema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"caller_name":  map[string]any{"type": "string", "description": "Name of the caller"},
			"caller_phone": map[string]any{"type": "string", "description": "Phone number of the caller"},
			"incident_type": map[string]any{
				"type":        "string",
				"description": "Type of emergency (Fire, Medical, etc.)",
			},
			"location_text": map[string]any{
				"type":        "string",
				"description": "Address or location description",
			},
			"priority": map[string]any{
				"type":        "string",
				"enum":        []string{"low", "medium", "high", "critical"},
				"description": "Urgency level. MUST be one of: low, medium, high, critical.",
			},
			"medical_emergency": map[string]any{
				"type":        "boolean",
				"description": "Is medical attention needed?",
			},
			"number_of_victims": map[string]any{
				"type":        "integer",
				"description": "Count of people injured or at risk",
			},
			"weapons_present": map[string]any{
				"type":        "string",
				"enum":        []string{"yes", "no", "unknown"},
				"description": "Are weapons involved?",
			},
			"impact_category": map[string]any{
				"type":        "string",
				"enum":        []string{"None", "Low", "Medium", "High"},
				"description": "Severity of impact",
			},
			"summary": map[string]any{"type": "string", "description": "Summary or extra details"},
		},
		"required": []string{},
	},
}
