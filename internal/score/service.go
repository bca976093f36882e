package score

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/slooh/slooh/internal/domain"
	"github.com/slooh/slooh/internal/errors"
	"github.com/slooh/slooh/internal/event"
	"github.com/slooh/slooh/internal/session"
)

// Scoring constants are policy, not protocol. They are part of the
// observable contract (leaderboard math), so they live in config rather
// than as literals:
//
//	points = (base + max(0, base - elapsedMs/1000 * decayPerSecond)) * tier
//
// for a correct answer, truncated to an integer; 0 for an incorrect one.
type ScoringConfig struct {
	BasePoints     int64
	DecayPerSecond int64
}

func DefaultScoring() ScoringConfig {
	return ScoringConfig{
		BasePoints:     1000,
		DecayPerSecond: 50,
	}
}

type Config struct {
	Store    *session.Store
	EventBus *event.Bus
	Clock    clockwork.Clock
	Scoring  ScoringConfig
}

// Service is the answer and scoring engine: it admits exactly one answer
// per member per question page and keeps the running totals.
type Service struct {
	store   *session.Store
	eb      *event.Bus
	clock   clockwork.Clock
	scoring ScoringConfig
}

func NewService(c Config) *Service {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Scoring == (ScoringConfig{}) {
		c.Scoring = DefaultScoring()
	}

	return &Service{
		store:   c.Store,
		eb:      c.EventBus,
		clock:   c.Clock,
		scoring: c.Scoring,
	}
}

type SubmitAnswerRequest struct {
	SessionID string
	MemberID  string
	PageID    string
	ChoiceID  string
}

type SubmitAnswerResponse struct {
	IsCorrect  bool
	Points     int64
	TotalScore int64
}

// SubmitAnswer validates, records and scores one submission. The whole
// check-and-insert runs under the session's serialization, so a retried
// or double-clicked submission can never slip in a second answer.
func (s *Service) SubmitAnswer(ctx context.Context, req SubmitAnswerRequest) (*SubmitAnswerResponse, error) {
	resp := &SubmitAnswerResponse{}
	var scored domain.EventScoreUpdated

	err := s.store.Update(req.SessionID, func(sess *domain.Session) error {
		m := sess.MemberByID(req.MemberID)
		if m == nil {
			return errors.New(errors.CodeNotFound,
				errors.WithMessagef("member %s not found in session %s", req.MemberID, req.SessionID))
		}
		if m.Role == domain.RoleHost {
			return errors.New(errors.CodePermissionDenied,
				errors.WithMessagef("the host does not answer questions"))
		}

		if sess.State != domain.StateQuestionActive {
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("no question is active"))
		}

		page := &sess.Room.Pages[sess.ActivePage]
		if page.PageID != req.PageID {
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("page %s is not the active question", req.PageID))
		}

		key := domain.AnswerKey{MemberID: req.MemberID, PageID: req.PageID}
		if _, dup := sess.Answers[key]; dup {
			return errors.New(errors.CodeAlreadyExists,
				errors.WithMessagef("answer already submitted: member=%s page=%s", req.MemberID, req.PageID))
		}

		choice := page.Choice(req.ChoiceID)
		if choice == nil {
			return errors.New(errors.CodeNotFound,
				errors.WithMessagef("choice %s does not belong to page %s", req.ChoiceID, req.PageID))
		}

		now := s.clock.Now()
		elapsed := now.Sub(sess.QuestionStartedAt).Milliseconds()
		if elapsed < 0 {
			elapsed = 0
		}

		var points int64
		if choice.IsCorrect {
			points = s.points(elapsed, page.Tier)
		}

		sess.Answers[key] = domain.Answer{
			MemberID:       req.MemberID,
			PageID:         req.PageID,
			ChoiceID:       req.ChoiceID,
			ResponseTimeMs: elapsed,
			IsCorrect:      choice.IsCorrect,
			Points:         points,
			SubmittedAt:    now,
		}
		m.TotalScore += points

		resp.IsCorrect = choice.IsCorrect
		resp.Points = points
		resp.TotalScore = m.TotalScore

		scored = domain.EventScoreUpdated{
			SessionID:   req.SessionID,
			MemberID:    req.MemberID,
			DisplayName: m.DisplayName,
			TotalScore:  m.TotalScore,
			UpdateTime:  now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.eb.Publish(ctx, scored)
	return resp, nil
}

// points computes the time-decayed award for a correct answer.
func (s *Service) points(elapsedMs int64, tier domain.PointsTier) int64 {
	base := decimal.NewFromInt(s.scoring.BasePoints)

	decay := decimal.NewFromInt(elapsedMs).
		Mul(decimal.NewFromInt(s.scoring.DecayPerSecond)).
		Div(decimal.NewFromInt(1000))

	bonus := base.Sub(decay)
	if bonus.IsNegative() {
		bonus = decimal.Zero
	}

	return base.Add(bonus).
		Mul(decimal.NewFromInt(tier.Multiplier())).
		IntPart()
}

type GetLeaderboardRequest struct {
	SessionID string
}

// GetLeaderboard returns the authoritative standings straight from the
// session store: score descending, ties broken by join order.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	var l domain.Leaderboard
	err := s.store.View(req.SessionID, func(sess *domain.Session) error {
		l = domain.ComputeStandings(sess)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &l, nil
}
