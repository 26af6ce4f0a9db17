package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"triage-dispatcher/internal/config"
	"triage-dispatcher/internal/llm"
	"triage-dispatcher/internal/logging"
	"triage-dispatcher/pkg"
)

var (
	DefaultClinicianRequestKeywords = []string{"doctor", "clinician", "speak to doctor", "human"}
	DefaultAffirmativeKeywords      = []string{"yes", "yeah", "yep", "connect", "doctor"}
)

// ProfileUpdate carries profile fields extracted during a turn.
type ProfileUpdate struct {
	Age    *int
	Gender string
}

// TurnResult is the outcome of one dialogue step.  It is a decision only;
// applying it to the session is the caller's job.
type TurnResult struct {
	Reply            string
	NextState        pkg.State
	ShouldEscalate   bool
	EscalationReason string
	Profile          ProfileUpdate
	Data             pkg.TurnData
	// Fallback is set when the reply came from the deterministic path
	// because the completion service failed.
	Fallback bool
}

// ControllerConfig tunes the dialogue.
type ControllerConfig struct {
	Timeout              time.Duration
	MaxTokens            int
	SummaryMaxTokens     int
	MaxFollowupQuestions int
	Rules                config.Rules
}

// FallbackHook observes every degraded turn.
type FallbackHook func(state pkg.State, err error)

// Controller decides what happens next for a session given an inbound
// message.  Dispatch is a switch over the current state; the controller
// never mutates the session and never returns an error because every
// provider failure has a deterministic fallback.
type Controller struct {
	llm          llm.Client
	cfg          ControllerConfig
	clinicianKWs []string
	yesKWs       []string
	logger       *slog.Logger
	onFallback   FallbackHook
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithControllerLogger sets the logger.
func WithControllerLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) { c.logger = l }
}

// WithFallbackHook registers a callback for degraded turns.
func WithFallbackHook(h FallbackHook) ControllerOption {
	return func(c *Controller) { c.onFallback = h }
}

// NewController builds a Controller around a completion client.
func NewController(client llm.Client, cfg ControllerConfig, opts ...ControllerOption) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxFollowupQuestions <= 0 {
		cfg.MaxFollowupQuestions = 5
	}
	if cfg.SummaryMaxTokens == 0 {
		cfg.SummaryMaxTokens = 2000
	}
	c := &Controller{
		llm:          client,
		cfg:          cfg,
		clinicianKWs: lowerAll(orDefault(cfg.Rules.ClinicianRequestKeywords, DefaultClinicianRequestKeywords)),
		yesKWs:       lowerAll(orDefault(cfg.Rules.AffirmativeKeywords, DefaultAffirmativeKeywords)),
		logger:       logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsClinicianRequest reports whether the patient explicitly asked for a
// human.  It pre-empts normal dispatch in every state.
func (c *Controller) IsClinicianRequest(text string) bool {
	return matchesAny(text, c.clinicianKWs)
}

// Advance runs one dialogue step.  history is the transcript so far and may
// already end with inbound.
func (c *Controller) Advance(ctx context.Context, s *pkg.Session, history []pkg.Message, inbound string) TurnResult {
	switch s.State {
	case pkg.StateNew:
		return TurnResult{Reply: WelcomeMessage, NextState: pkg.StateCollectingProfile}
	case pkg.StateCollectingProfile:
		return c.collectProfile(s, inbound)
	case pkg.StateCollectingSymptoms:
		return c.collectSymptoms(ctx, s, inbound)
	case pkg.StateAIFollowup:
		return c.followup(ctx, s, history, inbound)
	case pkg.StateSummaryPending:
		return c.summarize(ctx, s, history)
	case pkg.StateAwaitingClinicianDecision:
		return c.clinicianDecision(inbound)
	case pkg.StateConnectingToClinician, pkg.StateClinicianActive, pkg.StateCompleted:
	}
	return TurnResult{Reply: GenericPrompt, NextState: pkg.StateCollectingSymptoms}
}

var ageRe = regexp.MustCompile(`\b(\d{1,3})\b`)

func (c *Controller) collectProfile(s *pkg.Session, inbound string) TurnResult {
	stay := pkg.StateCollectingProfile
	if s.Profile.Age == nil {
		if age, ok := ExtractAge(inbound); ok {
			return TurnResult{Reply: AskGender, NextState: stay, Profile: ProfileUpdate{Age: &age}}
		}
		return TurnResult{Reply: AskAge, NextState: stay}
	}
	if s.Profile.Gender == "" {
		return TurnResult{
			Reply:     AskComplaint,
			NextState: pkg.StateCollectingSymptoms,
			Profile:   ProfileUpdate{Gender: ExtractGender(inbound)},
		}
	}
	return TurnResult{Reply: AskComplaint, NextState: pkg.StateCollectingSymptoms}
}

// ExtractAge returns the first number in text if it lies in (0, 120).
func ExtractAge(text string) (int, bool) {
	m := ageRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	age, err := strconv.Atoi(m[1])
	if err != nil || age <= 0 || age >= 120 {
		return 0, false
	}
	return age, true
}

// ExtractGender classifies free text by whole-word keyword match, checking
// the female words first so "female" is never read as "male".
func ExtractGender(text string) string {
	words := tokenize(text)
	for _, w := range []string{"female", "woman", "girl", "f"} {
		if words[w] {
			return "Female"
		}
	}
	for _, w := range []string{"male", "man", "boy", "m"} {
		if words[w] {
			return "Male"
		}
	}
	return "Other"
}

type symptomReply struct {
	Question         *string `json:"question"`
	ShouldEscalate   *bool   `json:"should_escalate"`
	EscalationReason string  `json:"escalation_reason"`
}

func (r symptomReply) Validate() error {
	if r.Question == nil || strings.TrimSpace(*r.Question) == "" {
		return errors.New("question is required")
	}
	if r.ShouldEscalate == nil {
		return errors.New("should_escalate is required")
	}
	return nil
}

func (c *Controller) collectSymptoms(ctx context.Context, s *pkg.Session, inbound string) TurnResult {
	data := pkg.TurnData{pkg.KeyChiefComplaint: inbound, pkg.KeyQuestionCount: 1}
	history := []llm.Message{{
		Role:    "user",
		Content: fmt.Sprintf("Patient profile: Age %s, Gender %s. Symptoms: %s", ageText(s.Profile), genderText(s.Profile), inbound),
	}}

	var reply symptomReply
	if err := c.complete(ctx, llm.Request{System: SymptomPrompt, History: history, MaxTokens: c.cfg.MaxTokens}, &reply); err != nil {
		c.degraded(s.State, err)
		return TurnResult{Reply: FallbackSymptomQuestion, NextState: pkg.StateAIFollowup, Data: data, Fallback: true}
	}
	return TurnResult{
		Reply:            *reply.Question,
		NextState:        pkg.StateAIFollowup,
		ShouldEscalate:   *reply.ShouldEscalate,
		EscalationReason: reply.EscalationReason,
		Data:             data,
	}
}

type followupReply struct {
	Question         string `json:"question"`
	SufficientInfo   *bool  `json:"sufficient_info"`
	ShouldEscalate   bool   `json:"should_escalate"`
	EscalationReason string `json:"escalation_reason"`
}

func (r followupReply) Validate() error {
	if r.SufficientInfo == nil {
		return errors.New("sufficient_info is required")
	}
	if !*r.SufficientInfo && strings.TrimSpace(r.Question) == "" {
		return errors.New("question is required unless sufficient_info is set")
	}
	return nil
}

func (c *Controller) followup(ctx context.Context, s *pkg.Session, history []pkg.Message, inbound string) TurnResult {
	count := s.Data.QuestionCount()
	if count >= c.cfg.MaxFollowupQuestions {
		return assessmentReady(false, "")
	}

	var reply followupReply
	err := c.complete(ctx, llm.Request{
		System:    FollowupPrompt,
		History:   BuildHistory(s, history, inbound),
		MaxTokens: c.cfg.MaxTokens,
	}, &reply)
	if err != nil {
		c.degraded(s.State, err)
		return fallbackFollowup(count)
	}
	if *reply.SufficientInfo {
		return assessmentReady(reply.ShouldEscalate, reply.EscalationReason)
	}
	return TurnResult{
		Reply:            reply.Question,
		NextState:        pkg.StateAIFollowup,
		ShouldEscalate:   reply.ShouldEscalate,
		EscalationReason: reply.EscalationReason,
		Data:             pkg.TurnData{pkg.KeyQuestionCount: count + 1},
	}
}

func assessmentReady(escalate bool, reason string) TurnResult {
	return TurnResult{
		Reply:            PreparingAssessment,
		NextState:        pkg.StateSummaryPending,
		ShouldEscalate:   escalate,
		EscalationReason: reason,
		Data:             pkg.TurnData{pkg.KeyAssessmentComplete: true},
	}
}

func fallbackFollowup(count int) TurnResult {
	if count >= len(genericFollowups) {
		r := assessmentReady(false, "")
		r.Fallback = true
		return r
	}
	idx := count
	if idx < 0 {
		idx = 0
	}
	return TurnResult{
		Reply:     genericFollowups[idx],
		NextState: pkg.StateAIFollowup,
		Data:      pkg.TurnData{pkg.KeyQuestionCount: count + 1},
		Fallback:  true,
	}
}

func (c *Controller) clinicianDecision(inbound string) TurnResult {
	if matchesAny(inbound, c.yesKWs) {
		return TurnResult{
			Reply:            ConnectingNow,
			NextState:        pkg.StateConnectingToClinician,
			ShouldEscalate:   true,
			EscalationReason: PatientRequestedReason,
		}
	}
	return TurnResult{Reply: Goodbye, NextState: pkg.StateCompleted}
}

// complete calls the service with a bounded timeout and decodes the JSON
// reply into out.  Transport failures and schema mismatches come back as
// the same kind of error.
func (c *Controller) complete(ctx context.Context, req llm.Request, out any) error {
	if c.llm == nil {
		return llm.ErrServiceUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	text, err := c.llm.Complete(ctx, req)
	if err != nil {
		if !errors.Is(err, llm.ErrServiceUnavailable) {
			err = fmt.Errorf("%w: %v", llm.ErrServiceUnavailable, err)
		}
		return err
	}
	return llm.DecodeJSON(text, out)
}

func (c *Controller) degraded(state pkg.State, err error) {
	c.logger.Warn("completion failed, using fallback", "state", state, "err", err)
	if c.onFallback != nil {
		c.onFallback(state, err)
	}
}

// BuildHistory converts the transcript into role-tagged messages for the
// model, prefixed with the profile when the age is known.  inbound is
// appended unless the transcript already ends with it.
func BuildHistory(s *pkg.Session, transcript []pkg.Message, inbound string) []llm.Message {
	var out []llm.Message
	if s.Profile.Age != nil {
		out = append(out,
			llm.Message{Role: "user", Content: fmt.Sprintf("Patient Profile: Age %d, Gender %s", *s.Profile.Age, genderText(s.Profile))},
			llm.Message{Role: "assistant", Content: ProfileAck},
		)
	}
	for _, m := range transcript {
		role := "assistant"
		if m.Source == pkg.SourcePatient {
			role = "user"
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	if inbound != "" {
		n := len(transcript)
		if n == 0 || transcript[n-1].Source != pkg.SourcePatient || transcript[n-1].Content != inbound {
			out = append(out, llm.Message{Role: "user", Content: inbound})
		}
	}
	return out
}

func ageText(p pkg.Profile) string {
	if p.Age == nil {
		return "unknown"
	}
	return strconv.Itoa(*p.Age)
}

func genderText(p pkg.Profile) string {
	if p.Gender == "" {
		return "unknown"
	}
	return p.Gender
}

// matchesAny reports whether text contains a keyword.  Multi-word keywords
// match as substrings.  Single words must match a whole word, in plural or
// possessive form too ("doctors", "doctor's").
func matchesAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	words := tokenize(lower)
	for _, k := range keywords {
		if k == "" {
			continue
		}
		if strings.Contains(k, " ") {
			if strings.Contains(lower, k) {
				return true
			}
			continue
		}
		for _, form := range []string{k, k + "s", k + "'s", k + "s'", k + "es"} {
			if words[form] {
				return true
			}
		}
	}
	return false
}

func tokenize(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'')
	}) {
		words[w] = true
	}
	return words
}
