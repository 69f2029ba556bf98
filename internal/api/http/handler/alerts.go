package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/overcast-hq/overcast/internal/alerts"
	"github.com/overcast-hq/overcast/internal/api/http/dto"
	"github.com/overcast-hq/overcast/internal/store"
)

const defaultAlertsLimit = 50

type AlertHandler struct {
	store *store.AlertStore
}

func NewAlertHandler(alertStore *store.AlertStore) *AlertHandler {
	return &AlertHandler{store: alertStore}
}

func (h *AlertHandler) CreateRule(c *gin.Context) {
	var req dto.CreateAlertRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule := alerts.Rule{
		Name:            req.Name,
		Metric:          req.Metric,
		Operator:        req.Operator,
		Threshold:       req.Threshold,
		Severity:        req.Severity,
		CooldownMinutes: req.CooldownMinutes,
		Enabled:         true,
	}
	rule, err := h.store.CreateRule(c.Request.Context(), rule)
	if err != nil {
		slog.Error("Failed to create alert rule", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusCreated, toRuleResponse(rule))
}

func (h *AlertHandler) ListRules(c *gin.Context) {
	rules, err := h.store.ListRules(c.Request.Context())
	if err != nil {
		slog.Error("Failed to list alert rules", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	out := make([]dto.AlertRuleResponse, 0, len(rules))
	for _, r := range rules {
		out = append(out, toRuleResponse(r))
	}
	c.JSON(http.StatusOK, out)
}

func (h *AlertHandler) UpdateRule(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule id"})
		return
	}

	var req dto.UpdateAlertRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.store.SetRuleEnabled(c.Request.Context(), id, *req.Enabled); err != nil {
		if errors.Is(err, store.ErrAlertRuleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
			return
		}
		slog.Error("Failed to update alert rule", "rule_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AlertHandler) DeleteRule(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule id"})
		return
	}

	if err := h.store.DeleteRule(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrAlertRuleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
			return
		}
		slog.Error("Failed to delete alert rule", "rule_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AlertHandler) ListAlerts(c *gin.Context) {
	var deviceID *uuid.UUID
	if raw := c.Query("device_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device id"})
			return
		}
		deviceID = &id
	}

	limit := defaultAlertsLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = parsed
	}

	list, err := h.store.ListAlerts(c.Request.Context(), deviceID, limit)
	if err != nil {
		slog.Error("Failed to list alerts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *AlertHandler) ResolveAlert(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
		return
	}

	if err := h.store.ResolveAlert(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrAlertNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
			return
		}
		slog.Error("Failed to resolve alert", "alert_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Status(http.StatusNoContent)
}

func toRuleResponse(r alerts.Rule) dto.AlertRuleResponse {
	return dto.AlertRuleResponse{
		ID:              r.ID.String(),
		Name:            r.Name,
		Metric:          r.Metric,
		Operator:        r.Operator,
		Threshold:       r.Threshold,
		Severity:        r.Severity,
		CooldownMinutes: r.CooldownMinutes,
		Enabled:         r.Enabled,
	}
}
