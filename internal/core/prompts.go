package core

// prompts.go defines the system prompts sent to the completion service and
// the fixed replies used by the dialogue.  Keeping them in one file makes
// them easy to tweak without touching the dispatch logic.

const (
	// SymptomPrompt asks for the first follow-up question after the patient
	// describes their complaint.
	SymptomPrompt = `You are a medical AI assistant conducting a patient triage interview.

Your role:
- Ask ONE clear, clinical follow-up question
- Be empathetic and professional
- Focus on onset, duration, severity, associated symptoms
- Respond ONLY with JSON in this format:

{
  "question": "Your follow-up question",
  "should_escalate": false,
  "escalation_reason": ""
}

Red flags requiring escalation:
- Chest pain
- Breathing difficulty
- Stroke signs
- Heavy bleeding
- Loss of consciousness`

	// FollowupPrompt continues the interview until the model has enough
	// information.
	FollowupPrompt = `You are continuing a medical triage interview.
Ask ONE additional follow-up question.

Respond ONLY with:

{
  "question": "Next question OR empty string",
  "sufficient_info": false,
  "should_escalate": false,
  "escalation_reason": ""
}`

	// SummaryPrompt produces the structured assessment shown to the patient.
	SummaryPrompt = `You are a medical AI assistant creating a patient summary.

Respond ONLY with JSON:

{
  "overview": "...",
  "key_observations": "...",
  "recommendations": "...",
  "medications": "...",
  "monitoring_advice": "...",
  "should_escalate": false,
  "escalation_reason": ""
}

Rules:
- No diagnoses
- Only OTC medication suggestions
- Clear practical language`

	// SummaryRequest is appended as the final user turn when asking for the
	// summary.
	SummaryRequest = "Generate full assessment summary."

	// ProfileAck is the assistant turn that follows the profile preamble in
	// the history sent to the model.
	ProfileAck = "Understood. I will use this information."
)

const (
	// WelcomeMessage is the first reply to a new identifier.
	WelcomeMessage = `Welcome to Lifegate! 👋

I'm your AI health assistant. I can help you:
• Understand your symptoms
• Provide health recommendations
• Connect you with a clinician if needed

Reply 'Start' to begin, or type 'doctor' anytime.`

	AskAge       = "To provide the best care, may I know your age?"
	AskGender    = "Thank you. What is your gender? (Male/Female/Other)"
	AskComplaint = "Thank you! Now, what brings you here today?"

	// FallbackSymptomQuestion is asked when the service fails on the first
	// symptom description.
	FallbackSymptomQuestion = "Thank you for sharing that. When did these symptoms start?"

	PreparingAssessment = "Thank you. Let me prepare your assessment..."

	ConnectingNow = "Connecting you with a clinician now..."
	Goodbye       = "Take care! Message us anytime if you need help. 🌟"

	// GenericPrompt is the reply for states the dialogue does not handle.
	GenericPrompt = "I'm here to help. What brings you here today?"

	// ApologyMessage is sent when a turn fails outright.  It points the
	// patient at the clinician keyword so the conversation never stalls.
	ApologyMessage = `I apologize, but I'm having trouble processing your request right now.

Please try again in a moment, or type 'Doctor' to speak with a clinician directly.`

	EscalationMessage = `I'll connect you with a clinician right away.

A doctor will join this chat shortly. Please wait a moment...`

	QueuedMessage = `All our clinicians are currently busy.

We've added you to the queue and a doctor will reach out as soon as possible.

You'll receive a message when a clinician is available.`

	StillQueuedMessage = "You're still in the queue. A clinician will join this chat as soon as one is free. Type your message and they will see it."

	ForwardedToClinician = "Your message has been sent to the doctor. They will respond shortly."

	SessionComplete = `Thank you for using Lifegate!

Take care and feel better soon. If you need assistance again, just send us a message anytime. 🌟`

	// PatientRequestedReason is recorded on escalations raised by keyword.
	PatientRequestedReason = "patient requested"
	// DefaultEscalationReason is used when the model flags a case without a
	// reason of its own.
	DefaultEscalationReason = "AI determined clinician review needed"
)

// genericFollowups are asked in order when the service is unavailable during
// follow-up questioning.
var genericFollowups = []string{
	"On a scale of 1-10, how would you rate the severity?",
	"Have you noticed what makes it better or worse?",
	"Do you have any other symptoms?",
	"Have you taken any medication?",
}

// ClinicianJoined tells the patient who picked up their case.
func ClinicianJoined(name string) string {
	if name == "" {
		name = "A clinician"
	} else {
		name = "Dr. " + name
	}
	return name + " has joined the chat. 👨‍⚕️\n\nYou can now discuss your concerns directly with the doctor."
}
