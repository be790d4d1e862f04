package domain

// Actor identifies who produced a message.
type Actor string

const (
	ActorHuman Actor = "HUMAN"
	ActorAI    Actor = "AI"
)

// Feedback is an optional rating attached to an AI message.
type Feedback string

const (
	FeedbackPositive Feedback = "positive"
	FeedbackNegative Feedback = "negative"
)

// Score maps feedback to the numeric score reported to the scoring
// collaborator: +1 positive, -1 negative, 0 cleared.
func (f *Feedback) Score() int {
	if f == nil {
		return 0
	}
	switch *f {
	case FeedbackPositive:
		return 1
	case FeedbackNegative:
		return -1
	}
	return 0
}

// Message is one entry in a session's append-only history. IDs are
// assigned by the store and increase monotonically within a session.
// Sources and Feedback are only ever set on AI messages.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Actor     Actor     `json:"actor"`
	Content   string    `json:"content"`
	Sources   []string  `json:"sources,omitempty"`
	Feedback  *Feedback `json:"feedback,omitempty"`
}

// Question is the human half of a QA pair.
type Question struct {
	Content string `json:"content"`
}

// Answer is the AI half of a QA pair, carrying attribution and feedback.
type Answer struct {
	ID       int64     `json:"id"`
	Content  string    `json:"content"`
	Feedback *Feedback `json:"feedback,omitempty"`
	Sources  []string  `json:"sources"`
}

// QA pairs one human question with its AI answer. Pairs are derived by
// grouping adjacent messages in id order; they are never stored.
type QA struct {
	Question Question `json:"question"`
	Answer   Answer   `json:"answer"`
}

// History is the paired view of a session's messages.
type History struct {
	Messages []QA `json:"messages"`
}
