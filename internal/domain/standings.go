package domain

import "sort"

// ComputeStandings ranks the session's participants by total score in
// descending order. The sort is stable over join order, so repeated calls
// with no intervening answers return identical orderings. The host is
// excluded; hosts never score.
func ComputeStandings(s *Session) Leaderboard {
	entries := make([]LeaderboardEntry, 0, len(s.Members))
	for _, m := range s.Members {
		if m.Role != RoleParticipant {
			continue
		}

		entries = append(entries, LeaderboardEntry{
			MemberID:    m.MemberID,
			DisplayName: m.DisplayName,
			AvatarURL:   m.AvatarURL,
			Score:       m.TotalScore,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Score > entries[j].Score
	})

	for i := range entries {
		entries[i].Rank = i + 1
	}

	return Leaderboard{
		SessionID: s.SessionID,
		Entries:   entries,
	}
}
