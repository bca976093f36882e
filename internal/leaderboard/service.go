package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/slooh/slooh/internal/domain"
	"github.com/slooh/slooh/internal/errors"
	"github.com/slooh/slooh/internal/event"
)

const (
	publishInterval = 200 * time.Millisecond
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
}

// Service mirrors the engine's running totals into a redis sorted set per
// session so out-of-process consumers (dashboards, projector views) can
// read rankings without hitting the coordinating process. The in-store
// standings remain authoritative; the mirror is eventually consistent.
type Service struct {
	eb     *event.Bus
	redis  redis.UniversalClient
	prefix string
}

func NewService(c Config) *Service {
	s := &Service{
		eb:     c.EventBus,
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	s.eb.Subscribe(domain.EventNameScoreUpdated, func(ctx context.Context, e event.Event) error {
		return s.UpdateLeaderboard(ctx, e.(domain.EventScoreUpdated))
	})
	s.eb.Subscribe(domain.EventNameSessionEnded, func(ctx context.Context, e event.Event) error {
		return s.DropLeaderboard(ctx, e.(domain.EventSessionEnded).SessionID)
	})

	return s
}

type GetLeaderboardRequest struct {
	SessionID string
}

// GetLeaderboard reads the mirrored rankings for a session.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.scoreKey(req.SessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("leaderboard not found: session=%s", req.SessionID))
	}

	names, err := s.redis.HGetAll(ctx, s.nameKey(req.SessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get member names: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for i, z := range res {
		memberID := z.Member.(string)
		entries = append(entries, domain.LeaderboardEntry{
			Rank:        i + 1,
			MemberID:    memberID,
			DisplayName: names[memberID],
			Score:       int64(z.Score),
		})
	}

	return &domain.Leaderboard{
		SessionID: req.SessionID,
		Entries:   entries,
	}, nil
}

// UpdateLeaderboard overwrites the member's mirrored score.
func (s *Service) UpdateLeaderboard(ctx context.Context, e domain.EventScoreUpdated) error {
	if err := s.redis.ZAdd(ctx, s.scoreKey(e.SessionID), redis.Z{
		Score:  float64(e.TotalScore),
		Member: e.MemberID,
	}).Err(); err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}

	if err := s.redis.HSet(ctx, s.nameKey(e.SessionID), e.MemberID, e.DisplayName).Err(); err != nil {
		return fmt.Errorf("update member name: %w", err)
	}

	return s.schedulePublishLeaderboard(ctx, e)
}

// DropLeaderboard removes a finished session's mirror keys.
func (s *Service) DropLeaderboard(ctx context.Context, sessionID string) error {
	return s.redis.Del(ctx,
		s.scoreKey(sessionID),
		s.nameKey(sessionID),
		s.timeKey(sessionID),
	).Err()
}

// schedulePublishLeaderboard coalesces bursts of score updates: many
// participants answer within milliseconds of each other, so instead of
// publishing on every update, at most one leaderboard.updated goes out
// per session per interval.
func (s *Service) schedulePublishLeaderboard(ctx context.Context, e domain.EventScoreUpdated) error {
	ok, err := s.redis.SetNX(ctx, s.timeKey(e.SessionID), e.UpdateTime.UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	return s.publishLeaderboard(ctx, e)
}

func (s *Service) publishLeaderboard(ctx context.Context, e domain.EventScoreUpdated) error {
	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{
		SessionID: e.SessionID,
	})
	if err != nil {
		return fmt.Errorf("get leaderboard failed: session=%s: %w", e.SessionID, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: *l,
	})

	return s.redis.Set(ctx, s.timeKey(e.SessionID), e.UpdateTime.UnixMilli(), publishInterval).Err()
}

func (s *Service) scoreKey(session string) string {
	return fmt.Sprintf("%s:%s:leaderboard", s.prefix, session)
}

func (s *Service) nameKey(session string) string {
	return fmt.Sprintf("%s:%s:members", s.prefix, session)
}

func (s *Service) timeKey(session string) string {
	return fmt.Sprintf("%s:%s:time", s.prefix, session)
}
