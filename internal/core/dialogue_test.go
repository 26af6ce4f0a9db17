package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triage-dispatcher/internal/config"
	"triage-dispatcher/internal/llm"
	"triage-dispatcher/pkg"
)

// scriptedLLM returns queued replies in order and records each request.
type scriptedLLM struct {
	mu       sync.Mutex
	replies  []string
	errs     []error
	requests []llm.Request
}

func (s *scriptedLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	i := len(s.requests) - 1
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i < len(s.replies) {
		return s.replies[i], nil
	}
	return "", errors.New("script exhausted")
}

// stallingLLM blocks until the context expires.
type stallingLLM struct{}

func (stallingLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func newController(client llm.Client) *Controller {
	return NewController(client, ControllerConfig{Timeout: 50 * time.Millisecond, Rules: config.Rules{}})
}

func session(state pkg.State) *pkg.Session {
	return &pkg.Session{Identifier: "+15550001", State: state, Data: pkg.TurnData{}}
}

func TestAdvance_New(t *testing.T) {
	r := newController(nil).Advance(context.Background(), session(pkg.StateNew), nil, "hi")
	assert.Equal(t, WelcomeMessage, r.Reply)
	assert.Equal(t, pkg.StateCollectingProfile, r.NextState)
	assert.False(t, r.ShouldEscalate)
}

func TestAdvance_CollectingProfile(t *testing.T) {
	c := newController(nil)
	ctx := context.Background()

	t.Run("age found", func(t *testing.T) {
		r := c.Advance(ctx, session(pkg.StateCollectingProfile), nil, "I am 34 years old")
		require.NotNil(t, r.Profile.Age)
		assert.Equal(t, 34, *r.Profile.Age)
		assert.Equal(t, AskGender, r.Reply)
		assert.Equal(t, pkg.StateCollectingProfile, r.NextState)
	})

	t.Run("age out of range", func(t *testing.T) {
		r := c.Advance(ctx, session(pkg.StateCollectingProfile), nil, "150")
		assert.Nil(t, r.Profile.Age)
		assert.Equal(t, AskAge, r.Reply)
		assert.Equal(t, pkg.StateCollectingProfile, r.NextState)
	})

	t.Run("no number", func(t *testing.T) {
		r := c.Advance(ctx, session(pkg.StateCollectingProfile), nil, "start")
		assert.Equal(t, AskAge, r.Reply)
	})

	t.Run("gender", func(t *testing.T) {
		s := session(pkg.StateCollectingProfile)
		age := 34
		s.Profile.Age = &age
		r := c.Advance(ctx, s, nil, "I'm a woman")
		assert.Equal(t, "Female", r.Profile.Gender)
		assert.Equal(t, pkg.StateCollectingSymptoms, r.NextState)
		assert.Equal(t, AskComplaint, r.Reply)
	})
}

func TestExtractGender(t *testing.T) {
	assert.Equal(t, "Female", ExtractGender("female"))
	assert.Equal(t, "Male", ExtractGender("Male"))
	assert.Equal(t, "Male", ExtractGender("M"))
	assert.Equal(t, "Female", ExtractGender("f"))
	assert.Equal(t, "Other", ExtractGender("prefer not to say"))
	assert.Equal(t, "Other", ExtractGender("nonbinary"))
}

func TestAdvance_CollectingSymptoms(t *testing.T) {
	ctx := context.Background()

	t.Run("service answers", func(t *testing.T) {
		client := &scriptedLLM{replies: []string{`{"question":"How long has it hurt?","should_escalate":false,"escalation_reason":""}`}}
		r := newController(client).Advance(ctx, session(pkg.StateCollectingSymptoms), nil, "my knee hurts")
		assert.Equal(t, "How long has it hurt?", r.Reply)
		assert.Equal(t, pkg.StateAIFollowup, r.NextState)
		assert.Equal(t, "my knee hurts", r.Data.ChiefComplaint())
		assert.Equal(t, 1, r.Data.QuestionCount())
		assert.False(t, r.Fallback)
		require.Len(t, client.requests, 1)
		assert.Equal(t, SymptomPrompt, client.requests[0].System)
		assert.Contains(t, client.requests[0].History[0].Content, "Age unknown")
	})

	t.Run("service escalates", func(t *testing.T) {
		client := &scriptedLLM{replies: []string{"```json\n{\"question\":\"Is the pain spreading?\",\"should_escalate\":true,\"escalation_reason\":\"possible cardiac\"}\n```"}}
		r := newController(client).Advance(ctx, session(pkg.StateCollectingSymptoms), nil, "tight chest")
		assert.True(t, r.ShouldEscalate)
		assert.Equal(t, "possible cardiac", r.EscalationReason)
	})

	t.Run("timeout falls back", func(t *testing.T) {
		r := newController(stallingLLM{}).Advance(ctx, session(pkg.StateCollectingSymptoms), nil, "headache")
		assert.Equal(t, FallbackSymptomQuestion, r.Reply)
		assert.Equal(t, pkg.StateAIFollowup, r.NextState)
		assert.Equal(t, 1, r.Data.QuestionCount())
		assert.True(t, r.Fallback)
	})

	t.Run("malformed falls back", func(t *testing.T) {
		client := &scriptedLLM{replies: []string{`{"q": "wrong schema"}`}}
		r := newController(client).Advance(ctx, session(pkg.StateCollectingSymptoms), nil, "headache")
		assert.Equal(t, FallbackSymptomQuestion, r.Reply)
		assert.True(t, r.Fallback)
	})
}

func TestAdvance_Followup(t *testing.T) {
	ctx := context.Background()

	t.Run("question limit short-circuits", func(t *testing.T) {
		client := &scriptedLLM{}
		s := session(pkg.StateAIFollowup)
		s.Data[pkg.KeyQuestionCount] = 5
		r := newController(client).Advance(ctx, s, nil, "ok")
		assert.Equal(t, pkg.StateSummaryPending, r.NextState)
		assert.Empty(t, client.requests)
	})

	t.Run("asks next question", func(t *testing.T) {
		client := &scriptedLLM{replies: []string{`{"question":"Any fever?","sufficient_info":false,"should_escalate":false}`}}
		s := session(pkg.StateAIFollowup)
		s.Data[pkg.KeyQuestionCount] = float64(2) // as decoded from JSON
		history := []pkg.Message{
			{Source: pkg.SourcePatient, Content: "sore throat"},
			{Source: pkg.SourceSystem, Content: "How long?"},
			{Source: pkg.SourcePatient, Content: "two days"},
		}
		r := newController(client).Advance(ctx, s, history, "two days")
		assert.Equal(t, "Any fever?", r.Reply)
		assert.Equal(t, pkg.StateAIFollowup, r.NextState)
		assert.Equal(t, 3, r.Data.QuestionCount())
		// inbound already ends the transcript, so it is not repeated
		require.Len(t, client.requests, 1)
		assert.Len(t, client.requests[0].History, 3)
		assert.Equal(t, "assistant", client.requests[0].History[1].Role)
	})

	t.Run("sufficient info", func(t *testing.T) {
		client := &scriptedLLM{replies: []string{`{"question":"","sufficient_info":true,"should_escalate":false}`}}
		s := session(pkg.StateAIFollowup)
		s.Data[pkg.KeyQuestionCount] = 2
		r := newController(client).Advance(ctx, s, nil, "no")
		assert.Equal(t, PreparingAssessment, r.Reply)
		assert.Equal(t, pkg.StateSummaryPending, r.NextState)
		assert.True(t, r.Data.Bool(pkg.KeyAssessmentComplete))
	})

	t.Run("fallback questions in order", func(t *testing.T) {
		for count := 0; count < 4; count++ {
			s := session(pkg.StateAIFollowup)
			s.Data[pkg.KeyQuestionCount] = count
			r := newController(&scriptedLLM{errs: []error{llm.ErrServiceUnavailable}}).Advance(ctx, s, nil, "x")
			assert.Equal(t, genericFollowups[count], r.Reply)
			assert.Equal(t, pkg.StateAIFollowup, r.NextState)
			assert.Equal(t, count+1, r.Data.QuestionCount())
		}
	})

	t.Run("fallback forces summary at four", func(t *testing.T) {
		s := session(pkg.StateAIFollowup)
		s.Data[pkg.KeyQuestionCount] = 4
		r := newController(&scriptedLLM{errs: []error{llm.ErrServiceUnavailable}}).Advance(ctx, s, nil, "x")
		assert.Equal(t, pkg.StateSummaryPending, r.NextState)
		assert.True(t, r.Fallback)
	})

	t.Run("missing sufficient_info is malformed", func(t *testing.T) {
		s := session(pkg.StateAIFollowup)
		s.Data[pkg.KeyQuestionCount] = 1
		r := newController(&scriptedLLM{replies: []string{`{"question":"Any fever?"}`}}).Advance(ctx, s, nil, "x")
		assert.True(t, r.Fallback)
		assert.Equal(t, genericFollowups[1], r.Reply)
	})
}

func TestAdvance_Summary(t *testing.T) {
	ctx := context.Background()

	t.Run("structured summary", func(t *testing.T) {
		client := &scriptedLLM{replies: []string{`{
			"overview": "Two days of sore throat.",
			"key_observations": "No fever.",
			"recommendations": "Rest and fluids.",
			"medications": "Paracetamol.",
			"monitoring_advice": "Watch for fever.",
			"should_escalate": false,
			"escalation_reason": ""
		}`}}
		s := session(pkg.StateSummaryPending)
		r := newController(client).Advance(ctx, s, nil, "")
		assert.Equal(t, pkg.StateAwaitingClinicianDecision, r.NextState)
		assert.Contains(t, r.Reply, "Two days of sore throat.")
		assert.Contains(t, r.Reply, "**Monitoring Advice**")
		assert.True(t, strings.HasSuffix(r.Reply, "(Yes/No)"))
		assert.Equal(t, "Two days of sore throat.", r.Data.String(pkg.KeyOverview))
		assert.NotNil(t, r.Data[pkg.KeyFullSummary])

		req := client.requests[0]
		assert.Equal(t, 2000, req.MaxTokens)
		assert.True(t, req.Summary)
		assert.Equal(t, SummaryRequest, req.History[len(req.History)-1].Content)
	})

	t.Run("fallback summary", func(t *testing.T) {
		s := session(pkg.StateSummaryPending)
		s.Data[pkg.KeyChiefComplaint] = "a sore throat"
		r := newController(&scriptedLLM{errs: []error{errors.New("boom")}}).Advance(ctx, s, nil, "")
		assert.Equal(t, pkg.StateAwaitingClinicianDecision, r.NextState)
		assert.Contains(t, r.Reply, "Based on your description of a sore throat")
		assert.True(t, r.Data.Bool(pkg.KeyUsedFallback))
		assert.Equal(t, "Patient reported a sore throat", r.Data.String(pkg.KeyOverview))
	})
}

func TestAdvance_ClinicianDecision(t *testing.T) {
	c := newController(nil)
	ctx := context.Background()

	r := c.Advance(ctx, session(pkg.StateAwaitingClinicianDecision), nil, "Yes please")
	assert.Equal(t, pkg.StateConnectingToClinician, r.NextState)
	assert.True(t, r.ShouldEscalate)
	assert.Equal(t, PatientRequestedReason, r.EscalationReason)

	r = c.Advance(ctx, session(pkg.StateAwaitingClinicianDecision), nil, "no thanks")
	assert.Equal(t, pkg.StateCompleted, r.NextState)
	assert.False(t, r.ShouldEscalate)
	assert.Equal(t, Goodbye, r.Reply)

	// "eyes" must not read as "yes"
	r = c.Advance(ctx, session(pkg.StateAwaitingClinicianDecision), nil, "my eyes are fine")
	assert.Equal(t, pkg.StateCompleted, r.NextState)
}

func TestAdvance_UnhandledStates(t *testing.T) {
	c := newController(nil)
	for _, st := range []pkg.State{pkg.StateConnectingToClinician, pkg.StateClinicianActive, pkg.StateCompleted} {
		r := c.Advance(context.Background(), session(st), nil, "hello")
		assert.Equal(t, GenericPrompt, r.Reply, st)
		assert.Equal(t, pkg.StateCollectingSymptoms, r.NextState, st)
	}
}

func TestIsClinicianRequest(t *testing.T) {
	c := newController(nil)
	assert.True(t, c.IsClinicianRequest("I want a DOCTOR"))
	assert.True(t, c.IsClinicianRequest("can I speak to doctor now"))
	assert.True(t, c.IsClinicianRequest("human please"))
	assert.False(t, c.IsClinicianRequest("I have a headache"))
	assert.False(t, c.IsClinicianRequest("humanity"))

	assert.True(t, c.IsClinicianRequest("can I talk to one of your doctors"))
	assert.True(t, c.IsClinicianRequest("I want the doctor's opinion"))
	assert.True(t, c.IsClinicianRequest("Doctor!"))
	assert.True(t, c.IsClinicianRequest("are there any humans there?"))
	assert.False(t, c.IsClinicianRequest("my doctorate thesis is stressing me"))
}

func TestAdvance_FallbackHook(t *testing.T) {
	var states []pkg.State
	c := NewController(&scriptedLLM{errs: []error{llm.ErrServiceUnavailable}}, ControllerConfig{},
		WithFallbackHook(func(st pkg.State, err error) {
			states = append(states, st)
			assert.ErrorIs(t, err, llm.ErrServiceUnavailable)
		}))
	c.Advance(context.Background(), session(pkg.StateCollectingSymptoms), nil, "cough")
	assert.Equal(t, []pkg.State{pkg.StateCollectingSymptoms}, states)
}

func TestBuildHistory_ProfilePreamble(t *testing.T) {
	age := 50
	s := &pkg.Session{Profile: pkg.Profile{Age: &age, Gender: "Male"}}
	h := BuildHistory(s, []pkg.Message{{Source: pkg.SourceClinician, Content: "hello"}}, "new text")
	require.Len(t, h, 4)
	assert.Equal(t, "Patient Profile: Age 50, Gender Male", h[0].Content)
	assert.Equal(t, ProfileAck, h[1].Content)
	assert.Equal(t, "assistant", h[2].Role)
	assert.Equal(t, llm.Message{Role: "user", Content: "new text"}, h[3])
}
