package domain

import "time"

const (
	EventNameSessionStarted     = "session.started"
	EventNameSessionEnded       = "session.ended"
	EventNameScoreUpdated       = "score.updated"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

type EventSessionStarted struct {
	SessionID string
	PIN       string
	RoomID    string
}

func (EventSessionStarted) Name() string { return EventNameSessionStarted }

// EventSessionEnded fires on every teardown path: explicit end,
// host leave or disconnect, and janitor expiry.
type EventSessionEnded struct {
	SessionID string
	RoomID    string
	Standings Leaderboard
	Answers   []Answer
}

func (EventSessionEnded) Name() string { return EventNameSessionEnded }

type EventScoreUpdated struct {
	SessionID   string
	MemberID    string
	DisplayName string
	TotalScore  int64
	UpdateTime  time.Time
}

func (EventScoreUpdated) Name() string { return EventNameScoreUpdated }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
