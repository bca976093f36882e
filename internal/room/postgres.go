package room

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slooh/slooh/internal/domain"
	"github.com/slooh/slooh/internal/errors"
)

// Postgres serves deck snapshots and channel membership out of the room
// management schema. Read mostly: the only write is the room activity
// flag. The engine treats everything it reads here as frozen.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// RoomSnapshot loads the full deck for a room: pages in presentation
// order, each question page with its ordered choice set.
func (p *Postgres) RoomSnapshot(ctx context.Context, roomID string) (*domain.Room, error) {
	const roomStmt = `
SELECT room_id, name, COALESCE(channel_id, ''), created_by
FROM rooms
WHERE room_id = $1;`

	r := &domain.Room{}
	err := p.db.QueryRow(ctx, roomStmt, roomID).
		Scan(&r.RoomID, &r.Name, &r.ChannelID, &r.CreatedBy)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("room %s not found", roomID))
	}
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}

	if r.Pages, err = p.loadPages(ctx, roomID); err != nil {
		return nil, fmt.Errorf("load pages for room %s: %w", roomID, err)
	}

	return r, nil
}

func (p *Postgres) loadPages(ctx context.Context, roomID string) ([]domain.Page, error) {
	const pagesStmt = `
SELECT page_id, kind, COALESCE(title, ''), COALESCE(content, ''),
       COALESCE(time_limit_sec, 0), COALESCE(points_tier, 'STANDARD'), COALESCE(answer_kind, '')
FROM pages
WHERE room_id = $1
ORDER BY position;`

	rows, err := p.db.Query(ctx, pagesStmt, roomID)
	if err != nil {
		return nil, err
	}

	pages, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Page, error) {
		var pg domain.Page
		err := r.Scan(&pg.PageID, &pg.Kind, &pg.Title, &pg.Content,
			&pg.TimeLimitSec, &pg.Tier, &pg.AnswerKind)
		return pg, err
	})
	if err != nil {
		return nil, err
	}

	choices, err := p.loadChoices(ctx, roomID)
	if err != nil {
		return nil, err
	}

	for i := range pages {
		pages[i].Choices = choices[pages[i].PageID]
	}

	return pages, nil
}

func (p *Postgres) loadChoices(ctx context.Context, roomID string) (map[string][]domain.Choice, error) {
	const choicesStmt = `
SELECT c.page_id, c.choice_id, c.text, c.is_correct
FROM choices c
JOIN pages p ON p.page_id = c.page_id
WHERE p.room_id = $1
ORDER BY c.page_id, c.position;`

	rows, err := p.db.Query(ctx, choicesStmt, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	choices := make(map[string][]domain.Choice)
	for rows.Next() {
		var (
			pageID string
			c      domain.Choice
		)
		if err := rows.Scan(&pageID, &c.ChoiceID, &c.Text, &c.IsCorrect); err != nil {
			return nil, err
		}
		choices[pageID] = append(choices[pageID], c)
	}

	return choices, rows.Err()
}

// IsChannelMember reports whether the account has joined the channel.
func (p *Postgres) IsChannelMember(ctx context.Context, accountID, channelID string) (bool, error) {
	const stmt = `
SELECT EXISTS (
	SELECT 1 FROM channel_members
	WHERE account_id = $1 AND channel_id = $2 AND status = 'JOINED'
);`

	var ok bool
	if err := p.db.QueryRow(ctx, stmt, accountID, channelID).Scan(&ok); err != nil {
		return false, fmt.Errorf("check channel membership: %w", err)
	}

	return ok, nil
}

// SetPresenting flips the room's activity flag so room listings can show
// which rooms are live.
func (p *Postgres) SetPresenting(ctx context.Context, roomID string, presenting bool) error {
	const stmt = `UPDATE rooms SET activity = $2 WHERE room_id = $1;`

	activity := "OFFLINE"
	if presenting {
		activity = "PRESENTING"
	}

	if _, err := p.db.Exec(ctx, stmt, roomID, activity); err != nil {
		return fmt.Errorf("set room activity: %w", err)
	}

	return nil
}
