package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/slooh/slooh/internal/domain"
)

func TestComputeStandings(t *testing.T) {
	session := &domain.Session{
		SessionID: "s1",
		Members: []*domain.Member{
			{MemberID: "m-host", DisplayName: "Hoang", Role: domain.RoleHost, TotalScore: 0},
			{MemberID: "m-lan", DisplayName: "Lan", Role: domain.RoleParticipant, TotalScore: 1900},
			{MemberID: "m-minh", DisplayName: "Minh", Role: domain.RoleParticipant, TotalScore: 950},
			{MemberID: "m-trang", DisplayName: "Trang", Role: domain.RoleParticipant, TotalScore: 1900},
		},
	}

	l := domain.ComputeStandings(session)

	assert.Equal(t, "s1", l.SessionID)
	assert.Equal(t, []domain.LeaderboardEntry{
		{Rank: 1, MemberID: "m-lan", DisplayName: "Lan", Score: 1900},
		{Rank: 2, MemberID: "m-trang", DisplayName: "Trang", Score: 1900},
		{Rank: 3, MemberID: "m-minh", DisplayName: "Minh", Score: 950},
	}, l.Entries, "equal scores rank by join order, the host never ranks")

	assert.Equal(t, l, domain.ComputeStandings(session), "recomputation is deterministic")
}

func TestComputeStandings_Empty(t *testing.T) {
	l := domain.ComputeStandings(&domain.Session{
		SessionID: "s1",
		Members: []*domain.Member{
			{MemberID: "m-host", Role: domain.RoleHost},
		},
	})

	assert.Empty(t, l.Entries)
}
