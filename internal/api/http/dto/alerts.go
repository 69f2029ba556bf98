package dto

type CreateAlertRuleRequest struct {
	Name            string  `json:"name" binding:"required,max=255"`
	Metric          string  `json:"metric" binding:"required"`
	Operator        string  `json:"operator" binding:"required,oneof=gt gte lt lte eq"`
	Threshold       float64 `json:"threshold" binding:"required"`
	Severity        string  `json:"severity" binding:"required,oneof=info warning critical"`
	CooldownMinutes int     `json:"cooldownMinutes" binding:"min=0"`
}

type UpdateAlertRuleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type AlertRuleResponse struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Metric          string  `json:"metric"`
	Operator        string  `json:"operator"`
	Threshold       float64 `json:"threshold"`
	Severity        string  `json:"severity"`
	CooldownMinutes int     `json:"cooldownMinutes"`
	Enabled         bool    `json:"enabled"`
}
