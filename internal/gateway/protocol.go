package gateway

import (
	"encoding/json"

	"github.com/slooh/slooh/internal/domain"
)

// CommandType enumerates every inbound message a client may send.
// The set is closed: unknown types are rejected with an error event.
type CommandType string

const (
	CommandCreate          CommandType = "phien:create"
	CommandJoin            CommandType = "phien:join"
	CommandLeave           CommandType = "phien:leave"
	CommandEnd             CommandType = "phien:end"
	CommandNavigate        CommandType = "phien:navigate"
	CommandStartQuestion   CommandType = "phien:startQuestion"
	CommandSubmitAnswer    CommandType = "phien:submitAnswer"
	CommandShowLeaderboard CommandType = "phien:showLeaderboard"
)

// EventType enumerates every outbound message the engine emits.
type EventType string

const (
	EventStarted         EventType = "phien:started"
	EventJoined          EventType = "phien:joined"
	EventMemberJoined    EventType = "phien:memberJoined"
	EventMemberLeft      EventType = "phien:memberLeft"
	EventNavigated       EventType = "phien:navigated"
	EventQuestionStarted EventType = "phien:questionStarted"
	EventAnswerSubmitted EventType = "phien:answerSubmitted"
	EventAnswerResult    EventType = "phien:answerResult"
	EventLeaderboard     EventType = "phien:leaderboard"
	EventEnded           EventType = "phien:ended"
	EventError           EventType = "error"
)

// Command is the envelope for inbound messages.
type Command struct {
	Type CommandType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is the envelope for outbound messages.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
}

// Inbound payloads.

type CreatePayload struct {
	RoomID string `json:"roomId"`
}

type JoinPayload struct {
	PIN         string `json:"pin"`
	DisplayName string `json:"displayName,omitempty"`
}

type NavigatePayload struct {
	PageIndex int `json:"pageIndex"`
}

type StartQuestionPayload struct {
	PageIndex int `json:"pageIndex"`
}

type SubmitAnswerPayload struct {
	PageID   string `json:"pageId"`
	ChoiceID string `json:"choiceId"`
	// ClientElapsedMs is the client's own timing. Accepted for
	// diagnostics only; scoring uses the server clock.
	ClientElapsedMs int64 `json:"clientElapsedMs,omitempty"`
}

// Outbound payloads. EventJoined and EventAnswerResult go only to the
// issuing connection; EventAnswerSubmitted deliberately carries nothing
// but the member ID so in-flight choices never leak to other members.

type StartedPayload struct {
	SessionID string `json:"sessionId"`
	PIN       string `json:"pin"`
}

type JoinedPayload struct {
	SessionID   string `json:"sessionId"`
	MemberID    string `json:"memberId"`
	DisplayName string `json:"displayName"`
	Rejoined    bool   `json:"rejoined,omitempty"`
}

type MemberJoinedPayload struct {
	MemberID    string `json:"memberId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type MemberLeftPayload struct {
	MemberID string `json:"memberId"`
}

type NavigatedPayload struct {
	PageIndex int `json:"pageIndex"`
}

type QuestionStartedPayload struct {
	PageIndex int   `json:"pageIndex"`
	StartTime int64 `json:"startTime"` // server clock, unix millis
}

type AnswerSubmittedPayload struct {
	MemberID string `json:"memberId"`
}

type AnswerResultPayload struct {
	IsCorrect  bool  `json:"isCorrect"`
	Points     int64 `json:"points"`
	TotalScore int64 `json:"totalScore"`
}

type LeaderboardPayload struct {
	Entries []LeaderboardEntry `json:"entries"`
}

type LeaderboardEntry struct {
	Rank        int    `json:"rank"`
	MemberID    string `json:"memberId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Score       int64  `json:"score"`
}

type EndedPayload struct {
	FinalStandings []LeaderboardEntry `json:"finalStandings"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func leaderboardEntries(l domain.Leaderboard) []LeaderboardEntry {
	entries := make([]LeaderboardEntry, 0, len(l.Entries))
	for _, e := range l.Entries {
		entries = append(entries, LeaderboardEntry{
			Rank:        e.Rank,
			MemberID:    e.MemberID,
			DisplayName: e.DisplayName,
			AvatarURL:   e.AvatarURL,
			Score:       e.Score,
		})
	}
	return entries
}
