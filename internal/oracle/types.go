package oracle

// PartialUpdate is the sparse field map proposed by one extraction round.
// Nil pointers mean "no new information this round", never "clear this
// field" — the merge applies present fields only.
type PartialUpdate struct {
	CallerName       *string `json:"caller_name,omitempty"`
	CallerPhone      *string `json:"caller_phone,omitempty"`
	IncidentType     *string `json:"incident_type,omitempty"`
	LocationText     *string `json:"location_text,omitempty"`
	Priority         *string `json:"priority,omitempty"`
	MedicalEmergency *bool   `json:"medical_emergency,omitempty"`
	NumberOfVictims  *int    `json:"number_of_victims,omitempty"`
	WeaponsPresent   *string `json:"weapons_present,omitempty"`
	ImpactCategory   *string `json:"impact_category,omitempty"`
	Summary          *string `json:"summary,omitempty"`
	Notes            *string `json:"notes,omitempty"`
}

// Empty reports whether the update carries no fields at all.
func (u *PartialUpdate) Empty() bool {
	if u == nil {
		return true
	}
	return u.CallerName == nil &&
		u.CallerPhone == nil &&
		u.IncidentType == nil &&
		u.LocationText == nil &&
		u.Priority == nil &&
		u.MedicalEmergency == nil &&
		u.NumberOfVictims == nil &&
		u.WeaponsPresent == nil &&
		u.ImpactCategory == nil &&
		u.Summary == nil &&
		u.Notes == nil
}
