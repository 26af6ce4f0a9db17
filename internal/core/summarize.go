package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"triage-dispatcher/internal/llm"
	"triage-dispatcher/pkg"
)

// Summary is the structured assessment returned by the completion service.
type Summary struct {
	Overview         string `json:"overview"`
	KeyObservations  string `json:"key_observations"`
	Recommendations  string `json:"recommendations"`
	Medications      string `json:"medications"`
	MonitoringAdvice string `json:"monitoring_advice"`
	ShouldEscalate   *bool  `json:"should_escalate"`
	EscalationReason string `json:"escalation_reason"`
}

// Validate requires the fields the patient-facing reply is built from.
func (s Summary) Validate() error {
	if strings.TrimSpace(s.Overview) == "" {
		return errors.New("overview is required")
	}
	if strings.TrimSpace(s.Recommendations) == "" {
		return errors.New("recommendations is required")
	}
	if s.ShouldEscalate == nil {
		return errors.New("should_escalate is required")
	}
	return nil
}

func (s Summary) asMap() map[string]any {
	return map[string]any{
		"overview":          s.Overview,
		"key_observations":  s.KeyObservations,
		"recommendations":   s.Recommendations,
		"medications":       s.Medications,
		"monitoring_advice": s.MonitoringAdvice,
		"should_escalate":   *s.ShouldEscalate,
		"escalation_reason": s.EscalationReason,
	}
}

// summarize asks the service for the assessment and formats it for the
// patient.  On failure a templated summary is built from the chief
// complaint; either way the session moves on to the clinician decision.
func (c *Controller) summarize(ctx context.Context, s *pkg.Session, history []pkg.Message) TurnResult {
	conv := BuildHistory(s, history, "")
	conv = append(conv, llm.Message{Role: "user", Content: SummaryRequest})

	var sum Summary
	if err := c.complete(ctx, llm.Request{
		System:    SummaryPrompt,
		History:   conv,
		MaxTokens: c.cfg.SummaryMaxTokens,
		Summary:   true,
	}, &sum); err != nil {
		c.degraded(s.State, err)
		return fallbackSummary(s.Data.ChiefComplaint())
	}
	return TurnResult{
		Reply:            FormatSummary(sum),
		NextState:        pkg.StateAwaitingClinicianDecision,
		ShouldEscalate:   *sum.ShouldEscalate,
		EscalationReason: sum.EscalationReason,
		Data: pkg.TurnData{
			pkg.KeyOverview:        sum.Overview,
			pkg.KeyRecommendations: sum.Recommendations,
			pkg.KeyFullSummary:     sum.asMap(),
		},
	}
}

// FormatSummary renders the assessment as a chat message.
func FormatSummary(s Summary) string {
	var b strings.Builder
	section := func(title, body string) {
		if strings.TrimSpace(body) == "" {
			return
		}
		fmt.Fprintf(&b, "**%s**\n%s\n\n", title, strings.TrimSpace(body))
	}
	section("Your Assessment", s.Overview)
	section("Key Observations", s.KeyObservations)
	section("Recommendations", s.Recommendations)
	section("Medication Options", s.Medications)
	section("Monitoring Advice", s.MonitoringAdvice)
	b.WriteString("Would you like to speak with a clinician? (Yes/No)")
	return b.String()
}

func fallbackSummary(complaint string) TurnResult {
	if complaint == "" {
		complaint = "your symptoms"
	}
	reply := fmt.Sprintf(`**Your Assessment:**

Based on your description of %s, here are my recommendations:

**Recommendations:**
• Get adequate rest - aim for 7-8 hours of sleep
• Stay well hydrated - drink plenty of water
• Eat balanced, nutritious meals
• Monitor your symptoms closely

**Medication Options:**
Consider over-the-counter options like paracetamol for pain or fever (follow package directions).

**Important:**
If symptoms worsen, persist beyond 2-3 days, or you develop new concerning symptoms, please seek medical attention.

---

Would you like to speak with a clinician? (Reply 'Yes' or 'No')`, complaint)

	return TurnResult{
		Reply:     reply,
		NextState: pkg.StateAwaitingClinicianDecision,
		Data: pkg.TurnData{
			pkg.KeyOverview:     "Patient reported " + complaint,
			pkg.KeyUsedFallback: true,
		},
		Fallback: true,
	}
}
