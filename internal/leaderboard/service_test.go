package leaderboard_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/slooh/slooh/internal/domain"
	"github.com/slooh/slooh/internal/errors"
	"github.com/slooh/slooh/internal/event"
	"github.com/slooh/slooh/internal/leaderboard"
)

func TestService_UpdateLeaderboard(t *testing.T) {
	s := makeService(t)

	for _, e := range []domain.EventScoreUpdated{
		{SessionID: "s1", MemberID: "m-lan", DisplayName: "Lan", TotalScore: 1900, UpdateTime: time.Now()},
		{SessionID: "s1", MemberID: "m-minh", DisplayName: "Minh", TotalScore: 950, UpdateTime: time.Now()},
	} {
		require.NoError(t, s.UpdateLeaderboard(context.Background(), e))
	}

	resp, err := s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{
		SessionID: "s1",
	})
	require.NoError(t, err)

	want := &domain.Leaderboard{
		SessionID: "s1",
		Entries: []domain.LeaderboardEntry{
			{Rank: 1, MemberID: "m-lan", DisplayName: "Lan", Score: 1900},
			{Rank: 2, MemberID: "m-minh", DisplayName: "Minh", Score: 950},
		},
	}
	require.Equal(t, want, resp)

	t.Run("a later update overwrites the member's score", func(t *testing.T) {
		err := s.UpdateLeaderboard(context.Background(), domain.EventScoreUpdated{
			SessionID: "s1", MemberID: "m-minh", DisplayName: "Minh", TotalScore: 2900, UpdateTime: time.Now(),
		})
		require.NoError(t, err)

		resp, err := s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{SessionID: "s1"})
		require.NoError(t, err)
		require.Equal(t, "m-minh", resp.Entries[0].MemberID)
		require.Equal(t, int64(2900), resp.Entries[0].Score)
	})
}

func TestService_DropLeaderboard(t *testing.T) {
	s := makeService(t)

	err := s.UpdateLeaderboard(context.Background(), domain.EventScoreUpdated{
		SessionID: "s1", MemberID: "m-lan", DisplayName: "Lan", TotalScore: 1000, UpdateTime: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, s.DropLeaderboard(context.Background(), "s1"))

	_, err = s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{SessionID: "s1"})
	require.Equal(t, errors.CodeNotFound, errors.Convert(err).Code)
}

func TestService_PublishLeaderboardUpdated(t *testing.T) {
	type (
		inputs struct {
			receivedEvents []domain.EventScoreUpdated
		}

		outputs struct {
			publishedEvents []domain.EventLeaderboardUpdated
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"publishes leaderboard.updated after a score.updated": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventScoreUpdated{
						{SessionID: "s1", MemberID: "m-lan", DisplayName: "Lan", TotalScore: 1900, UpdateTime: time.Now()},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
				require.Equal(t, domain.Leaderboard{
					SessionID: "s1",
					Entries: []domain.LeaderboardEntry{
						{Rank: 1, MemberID: "m-lan", DisplayName: "Lan", Score: 1900},
					},
				}, out.publishedEvents[0].Leaderboard)
			},
		},

		"updates for different sessions publish independently": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventScoreUpdated{
						{SessionID: "s1", MemberID: "m-lan", TotalScore: 1900, UpdateTime: time.Now()},
						{SessionID: "s2", MemberID: "m-minh", TotalScore: 950, UpdateTime: time.Now()},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 2, "should receive 2 leaderboard updated events")
			},
		},

		"a burst for one session coalesces into a single publish": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventScoreUpdated{
						{SessionID: "s1", MemberID: "m-lan", TotalScore: 1900, UpdateTime: time.Now()},
						{SessionID: "s1", MemberID: "m-minh", TotalScore: 950, UpdateTime: time.Now()},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in, out := tt.arrange(), outputs{}

			eb := event.NewBus()

			var mu sync.Mutex
			eb.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
				mu.Lock()
				out.publishedEvents = append(out.publishedEvents, e.(domain.EventLeaderboardUpdated))
				mu.Unlock()
				return nil
			})

			s := makeService(t,
				withEventBus(eb),
			)

			for _, e := range in.receivedEvents {
				err := s.UpdateLeaderboard(context.Background(), e)
				require.NoError(t, err)
			}

			eb.Stop()

			tt.assert(t, out)
		})
	}
}

func makeService(t *testing.T, opts ...options) *leaderboard.Service {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	c := leaderboard.Config{
		EventBus: event.NewBus(),
		Redis:    rc,
		Prefix:   "slooh",
	}

	for _, opt := range opts {
		opt(&c)
	}

	return leaderboard.NewService(c)
}

type options func(c *leaderboard.Config)

func withEventBus(eb *event.Bus) options {
	return func(c *leaderboard.Config) {
		c.EventBus = eb
	}
}
