package domain

import "time"

// Role of a member within a presentation session.
type Role string

const (
	RoleHost        Role = "HOST"
	RoleParticipant Role = "PARTICIPANT"
)

// SessionState is the state-machine state of a live session.
type SessionState string

const (
	StateWaiting        SessionState = "WAITING"
	StatePresenting     SessionState = "PRESENTING"
	StateQuestionActive SessionState = "QUESTION_ACTIVE"
	StateEnded          SessionState = "ENDED"
)

// PageKind distinguishes plain content pages from question pages.
type PageKind string

const (
	PageContent  PageKind = "CONTENT"
	PageQuestion PageKind = "QUESTION"
)

// PointsTier scales the points awarded for a question page.
type PointsTier string

const (
	TierStandard PointsTier = "STANDARD"
	TierDouble   PointsTier = "DOUBLE"
	TierNone     PointsTier = "NONE"
)

// Multiplier returns the score multiplier for the tier.
func (t PointsTier) Multiplier() int64 {
	switch t {
	case TierDouble:
		return 2
	case TierNone:
		return 0
	default:
		return 1
	}
}

// AnswerKind is the answer format of a question page.
type AnswerKind string

const (
	AnswerSingleSelect AnswerKind = "SINGLE_SELECT"
	AnswerMultiSelect  AnswerKind = "MULTI_SELECT"
	AnswerTrueFalse    AnswerKind = "TRUE_FALSE"
)

// Identity is the resolved identity of a connecting user.
// A zero AccountID means the connection is anonymous.
type Identity struct {
	AccountID   string
	DisplayName string
	AvatarURL   string
}

// Anonymous reports whether the identity has no authenticated account.
func (id Identity) Anonymous() bool { return id.AccountID == "" }

// Room is the immutable deck snapshot a session presents.
// It is frozen at session creation; later edits to the underlying
// room do not affect a running session.
type Room struct {
	RoomID    string
	Name      string
	ChannelID string // empty for public rooms
	CreatedBy string
	Pages     []Page
}

// Public reports whether the room allows anonymous participants.
func (r *Room) Public() bool { return r.ChannelID == "" }

// Page is one slide of a room's deck.
type Page struct {
	PageID       string
	Kind         PageKind
	Title        string
	Content      string
	TimeLimitSec int
	Tier         PointsTier
	AnswerKind   AnswerKind
	Choices      []Choice
}

// Choice returns the choice with the given ID, or nil if the page has no such choice.
func (p *Page) Choice(choiceID string) *Choice {
	for i := range p.Choices {
		if p.Choices[i].ChoiceID == choiceID {
			return &p.Choices[i]
		}
	}
	return nil
}

// Choice is one selectable option of a question page.
type Choice struct {
	ChoiceID  string
	Text      string
	IsCorrect bool
}

// Member is one participant or host attached to a session.
type Member struct {
	MemberID    string
	AccountID   string // empty for anonymous guests
	DisplayName string
	AvatarURL   string
	Role        Role
	TotalScore  int64
	JoinedAt    time.Time
}

// AnswerKey identifies the single admitted answer per member per question page.
type AnswerKey struct {
	MemberID string
	PageID   string
}

// Answer is one immutable submission by one member to one question page.
type Answer struct {
	MemberID       string
	PageID         string
	ChoiceID       string
	ResponseTimeMs int64
	IsCorrect      bool
	Points         int64
	SubmittedAt    time.Time
}

// Session is the root aggregate of a live presentation run.
//
// All mutation happens under the store's per-session serialization,
// so the fields carry no locking of their own.
type Session struct {
	SessionID string
	PIN       string
	Room      *Room
	CreatedAt time.Time

	State             SessionState
	ActivePage        int // -1 until the host first navigates
	QuestionStartedAt time.Time
	LastActivity      time.Time

	Members []*Member // join order
	Answers map[AnswerKey]Answer
}

// Host returns the session's host member. Every live session has exactly one.
func (s *Session) Host() *Member {
	for _, m := range s.Members {
		if m.Role == RoleHost {
			return m
		}
	}
	return nil
}

// MemberByID looks a member up by member ID.
func (s *Session) MemberByID(memberID string) *Member {
	for _, m := range s.Members {
		if m.MemberID == memberID {
			return m
		}
	}
	return nil
}

// MemberByAccount looks a member up by account ID. Anonymous members never match.
func (s *Session) MemberByAccount(accountID string) *Member {
	if accountID == "" {
		return nil
	}
	for _, m := range s.Members {
		if m.AccountID == accountID {
			return m
		}
	}
	return nil
}

// Leaderboard represents the ranked participants of one session.
// Entries are sorted by score in descending order, ties broken by join order.
type Leaderboard struct {
	SessionID string
	Entries   []LeaderboardEntry
}

type LeaderboardEntry struct {
	Rank        int
	MemberID    string
	DisplayName string
	AvatarURL   string
	Score       int64
}
