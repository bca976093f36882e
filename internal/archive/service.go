package archive

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slooh/slooh/internal/domain"
	"github.com/slooh/slooh/internal/event"
)

type Config struct {
	EventBus *event.Bus
	DB       *pgxpool.Pool
}

// Service persists finished sessions. Live sessions are ephemeral and
// in-memory; this is the end-of-life hook that keeps the final standings
// and the admitted answers once a session is over, for reporting.
type Service struct {
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	s := &Service{db: c.DB}

	c.EventBus.Subscribe(domain.EventNameSessionEnded, func(ctx context.Context, e event.Event) error {
		return s.ArchiveSession(ctx, e.(domain.EventSessionEnded))
	})

	return s
}

// ArchiveSession writes one ended session: a session row, one standing
// row per participant and one row per admitted answer, in one transaction.
func (s *Service) ArchiveSession(ctx context.Context, e domain.EventSessionEnded) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const (
		insSessionStmt = `
INSERT INTO archived_sessions (session_id, room_id)
VALUES ($1, $2)
ON CONFLICT (session_id) DO NOTHING;`
		insStandingStmt = `
INSERT INTO archived_standings (session_id, member_id, rank, display_name, score)
VALUES ($1, $2, $3, $4, $5);`
		insAnswerStmt = `
INSERT INTO archived_answers (session_id, member_id, page_id, choice_id, response_time_ms, is_correct, points)
VALUES ($1, $2, $3, $4, $5, $6, $7);`
	)

	if _, err = tx.Exec(ctx, insSessionStmt, e.SessionID, e.RoomID); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	for _, entry := range e.Standings.Entries {
		_, err = tx.Exec(ctx, insStandingStmt,
			e.SessionID, entry.MemberID, entry.Rank, entry.DisplayName, entry.Score)
		if err != nil {
			return fmt.Errorf("insert standing: %w", err)
		}
	}

	for _, a := range e.Answers {
		_, err = tx.Exec(ctx, insAnswerStmt,
			e.SessionID, a.MemberID, a.PageID, a.ChoiceID, a.ResponseTimeMs, a.IsCorrect, a.Points)
		if err != nil {
			return fmt.Errorf("insert answer: %w", err)
		}
	}

	return tx.Commit(ctx)
}
