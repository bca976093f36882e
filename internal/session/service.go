package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/slooh/slooh/internal/domain"
	"github.com/slooh/slooh/internal/errors"
	"github.com/slooh/slooh/internal/event"
)

// RoomProvider loads the immutable deck snapshot a session presents.
// Implemented by the room package; the engine never writes through it.
type RoomProvider interface {
	RoomSnapshot(ctx context.Context, roomID string) (*domain.Room, error)
}

// ChannelMembership gates creation of and joining to non-public rooms.
type ChannelMembership interface {
	IsChannelMember(ctx context.Context, accountID, channelID string) (bool, error)
}

// RoomActivity reflects the live state of a room back to room management.
// Optional; failures are logged, never fatal to the session.
type RoomActivity interface {
	SetPresenting(ctx context.Context, roomID string, presenting bool) error
}

type Config struct {
	Store        *Store
	EventBus     *event.Bus
	Rooms        RoomProvider
	Channels     ChannelMembership
	RoomActivity RoomActivity
	Clock        clockwork.Clock
}

// Service owns session membership and the per-session state machine.
type Service struct {
	store        *Store
	eb           *event.Bus
	rooms        RoomProvider
	channels     ChannelMembership
	roomActivity RoomActivity
	clock        clockwork.Clock
}

func NewService(c Config) *Service {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}

	return &Service{
		store:        c.Store,
		eb:           c.EventBus,
		rooms:        c.Rooms,
		channels:     c.Channels,
		roomActivity: c.RoomActivity,
		clock:        c.Clock,
	}
}

type CreateSessionRequest struct {
	RoomID string
	Host   domain.Identity
}

type CreateSessionResponse struct {
	Session *domain.Session
}

// CreateSession starts a live run of a room: freezes the deck snapshot,
// allocates a PIN and seats the caller as host. A prior live session for
// the same room is torn down first.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResponse, error) {
	if req.Host.Anonymous() {
		return nil, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("creating a session requires an authenticated host"))
	}

	room, err := s.rooms.RoomSnapshot(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}

	if err := s.checkCreatePermission(ctx, room, req.Host); err != nil {
		return nil, err
	}

	created, replaced, err := s.store.Create(room, req.Host)
	if err != nil {
		return nil, err
	}

	if replaced != nil {
		slog.InfoContext(ctx, "session: replaced live session for room",
			"room_id", req.RoomID,
			"old_session_id", replaced.SessionID,
			"new_session_id", created.SessionID,
		)
		s.publishEnded(ctx, replaced)
	}

	s.setPresenting(ctx, req.RoomID, true)

	s.eb.Publish(ctx, domain.EventSessionStarted{
		SessionID: created.SessionID,
		PIN:       created.PIN,
		RoomID:    req.RoomID,
	})

	return &CreateSessionResponse{Session: snapshot(created)}, nil
}

func (s *Service) checkCreatePermission(ctx context.Context, room *domain.Room, host domain.Identity) error {
	if room.Public() {
		if room.CreatedBy != host.AccountID {
			return errors.New(errors.CodePermissionDenied,
				errors.WithMessagef("only the room creator may present room %s", room.RoomID))
		}
		return nil
	}

	ok, err := s.channels.IsChannelMember(ctx, host.AccountID, room.ChannelID)
	if err != nil {
		return errors.Internal(err)
	}
	if !ok {
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("only channel members may present room %s", room.RoomID))
	}

	return nil
}

type JoinRequest struct {
	PIN         string
	DisplayName string
	Identity    domain.Identity
}

type JoinResponse struct {
	SessionID string
	Member    domain.Member
	Rejoined  bool
}

// Join adds a participant to the session holding the PIN. Joining again
// with the same account returns the existing member unchanged.
func (s *Service) Join(ctx context.Context, req JoinRequest) (*JoinResponse, error) {
	sessionID, err := s.store.ResolvePIN(req.PIN)
	if err != nil {
		return nil, err
	}

	resp := &JoinResponse{SessionID: sessionID}
	err = s.store.Update(sessionID, func(sess *domain.Session) error {
		if sess.State == domain.StateEnded {
			return errors.New(errors.CodeNotFound, errors.WithMessagef("session %s has ended", sessionID))
		}

		if !sess.Room.Public() {
			if req.Identity.Anonymous() {
				return errors.New(errors.CodePermissionDenied,
					errors.WithMessagef("room %s does not allow anonymous participants", sess.Room.RoomID))
			}

			ok, err := s.channels.IsChannelMember(ctx, req.Identity.AccountID, sess.Room.ChannelID)
			if err != nil {
				return errors.Internal(err)
			}
			if !ok {
				return errors.New(errors.CodePermissionDenied,
					errors.WithMessagef("joining this session requires channel membership"))
			}
		}

		if existing := sess.MemberByAccount(req.Identity.AccountID); existing != nil {
			resp.Member = *existing
			resp.Rejoined = true
			return nil
		}

		memberID, err := uuid.NewV7()
		if err != nil {
			return errors.Internal(err)
		}

		m := &domain.Member{
			MemberID:    memberID.String(),
			AccountID:   req.Identity.AccountID,
			DisplayName: displayName(req),
			AvatarURL:   req.Identity.AvatarURL,
			Role:        domain.RoleParticipant,
			JoinedAt:    s.clock.Now(),
		}
		sess.Members = append(sess.Members, m)
		resp.Member = *m
		return nil
	})
	if err != nil {
		return nil, err
	}

	return resp, nil
}

func displayName(req JoinRequest) string {
	switch {
	case req.DisplayName != "":
		return req.DisplayName
	case req.Identity.DisplayName != "":
		return req.Identity.DisplayName
	default:
		return "Guest"
	}
}

type LeaveRequest struct {
	SessionID string
	MemberID  string
}

type LeaveResponse struct {
	// Ended is set when the leaving member was the host: a session cannot
	// continue without its host, so the whole session is torn down.
	Ended     bool
	Standings domain.Leaderboard
}

// Leave removes a member. A host leaving cascades into full session
// teardown; the caller broadcasts the final standings to the survivors.
func (s *Service) Leave(ctx context.Context, req LeaveRequest) (*LeaveResponse, error) {
	resp := &LeaveResponse{}
	var ended *domain.Session

	err := s.store.Update(req.SessionID, func(sess *domain.Session) error {
		m := sess.MemberByID(req.MemberID)
		if m == nil {
			return errors.New(errors.CodeNotFound,
				errors.WithMessagef("member %s not found in session %s", req.MemberID, req.SessionID))
		}

		if m.Role == domain.RoleHost {
			sess.State = domain.StateEnded
			resp.Ended = true
			resp.Standings = domain.ComputeStandings(sess)
			ended = snapshot(sess)
			return nil
		}

		for i, member := range sess.Members {
			if member.MemberID == req.MemberID {
				sess.Members = append(sess.Members[:i], sess.Members[i+1:]...)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if ended != nil {
		s.teardown(ctx, ended)
	}

	return resp, nil
}

type NavigateRequest struct {
	SessionID string
	Identity  domain.Identity
	PageIndex int
}

type NavigateResponse struct {
	PageIndex int
}

// Navigate moves the presentation to a page. Host only.
func (s *Service) Navigate(ctx context.Context, req NavigateRequest) (*NavigateResponse, error) {
	err := s.store.Update(req.SessionID, func(sess *domain.Session) error {
		if err := requireHost(sess, req.Identity); err != nil {
			return err
		}

		if req.PageIndex < 0 || req.PageIndex >= len(sess.Room.Pages) {
			return errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("page index %d out of range, deck has %d pages", req.PageIndex, len(sess.Room.Pages)))
		}

		sess.State = domain.StatePresenting
		sess.ActivePage = req.PageIndex
		sess.QuestionStartedAt = time.Time{}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &NavigateResponse{PageIndex: req.PageIndex}, nil
}

type StartQuestionRequest struct {
	SessionID string
	Identity  domain.Identity
	PageIndex int
}

type StartQuestionResponse struct {
	PageIndex int
	StartedAt time.Time
}

// StartQuestion opens the answer window for a question page. The recorded
// server timestamp is the authoritative zero-point for scoring; client
// clocks are never trusted.
func (s *Service) StartQuestion(ctx context.Context, req StartQuestionRequest) (*StartQuestionResponse, error) {
	resp := &StartQuestionResponse{PageIndex: req.PageIndex}

	err := s.store.Update(req.SessionID, func(sess *domain.Session) error {
		if err := requireHost(sess, req.Identity); err != nil {
			return err
		}

		if req.PageIndex < 0 || req.PageIndex >= len(sess.Room.Pages) {
			return errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("page index %d out of range, deck has %d pages", req.PageIndex, len(sess.Room.Pages)))
		}

		page := sess.Room.Pages[req.PageIndex]
		if page.Kind != domain.PageQuestion {
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("page %d is not a question page", req.PageIndex))
		}

		sess.State = domain.StateQuestionActive
		sess.ActivePage = req.PageIndex
		sess.QuestionStartedAt = s.clock.Now()
		resp.StartedAt = sess.QuestionStartedAt
		return nil
	})
	if err != nil {
		return nil, err
	}

	return resp, nil
}

type ShowLeaderboardRequest struct {
	SessionID string
	Identity  domain.Identity
}

type ShowLeaderboardResponse struct {
	Leaderboard domain.Leaderboard
}

// ShowLeaderboard computes the current standings for broadcast. Host only.
// It is a side view: it does not gate or change question answerability.
func (s *Service) ShowLeaderboard(ctx context.Context, req ShowLeaderboardRequest) (*ShowLeaderboardResponse, error) {
	resp := &ShowLeaderboardResponse{}

	err := s.store.View(req.SessionID, func(sess *domain.Session) error {
		if err := requireHost(sess, req.Identity); err != nil {
			return err
		}

		resp.Leaderboard = domain.ComputeStandings(sess)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return resp, nil
}

type EndSessionRequest struct {
	SessionID string
	Identity  domain.Identity
}

type EndSessionResponse struct {
	Standings domain.Leaderboard
}

// EndSession terminates the session and removes it from the store.
// A second call fails with NotFound: after teardown the session is gone.
func (s *Service) EndSession(ctx context.Context, req EndSessionRequest) (*EndSessionResponse, error) {
	resp := &EndSessionResponse{}
	var ended *domain.Session

	err := s.store.Update(req.SessionID, func(sess *domain.Session) error {
		if err := requireHost(sess, req.Identity); err != nil {
			return err
		}

		sess.State = domain.StateEnded
		resp.Standings = domain.ComputeStandings(sess)
		ended = snapshot(sess)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.teardown(ctx, ended)
	return resp, nil
}

// teardown removes the session from the store and announces the end.
// Expected control flow, not an error: participants get a clean ended
// signal on every teardown path.
func (s *Service) teardown(ctx context.Context, ended *domain.Session) {
	s.store.Destroy(ended.SessionID)
	s.setPresenting(ctx, ended.Room.RoomID, false)
	s.publishEnded(ctx, ended)
}

func (s *Service) publishEnded(ctx context.Context, sess *domain.Session) {
	answers := make([]domain.Answer, 0, len(sess.Answers))
	for _, a := range sess.Answers {
		answers = append(answers, a)
	}

	s.eb.Publish(ctx, domain.EventSessionEnded{
		SessionID: sess.SessionID,
		RoomID:    sess.Room.RoomID,
		Standings: domain.ComputeStandings(sess),
		Answers:   answers,
	})
}

func (s *Service) setPresenting(ctx context.Context, roomID string, presenting bool) {
	if s.roomActivity == nil {
		return
	}

	if err := s.roomActivity.SetPresenting(ctx, roomID, presenting); err != nil {
		slog.ErrorContext(ctx, "session: update room activity failed",
			"room_id", roomID,
			"presenting", presenting,
			"error", err,
		)
	}
}

// requireHost guards every host-only operation.
func requireHost(sess *domain.Session, id domain.Identity) error {
	m := sess.MemberByAccount(id.AccountID)
	if m == nil || m.Role != domain.RoleHost {
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("only the session host may perform this action"))
	}

	return nil
}

// RunJanitor ends sessions idle longer than maxAge. Blocks until ctx is done.
func (s *Service) RunJanitor(ctx context.Context, interval, maxAge time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.reapExpired(ctx, maxAge)
		}
	}
}

func (s *Service) reapExpired(ctx context.Context, maxAge time.Duration) {
	for _, id := range s.store.ExpiredSessions(maxAge) {
		var ended *domain.Session
		err := s.store.Update(id, func(sess *domain.Session) error {
			sess.State = domain.StateEnded
			ended = snapshot(sess)
			return nil
		})
		if err != nil {
			continue // already gone
		}

		slog.InfoContext(ctx, "session: expiring idle session",
			"session_id", id,
			"max_age", maxAge,
		)
		s.teardown(ctx, ended)
	}
}
