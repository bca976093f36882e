package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/slooh/slooh/internal/domain"
	"github.com/slooh/slooh/internal/errors"
	"github.com/slooh/slooh/internal/event"
	"github.com/slooh/slooh/internal/score"
	"github.com/slooh/slooh/internal/session"
)

// TokenVerifier resolves a transport-layer credential to an identity
// before the connection may touch any session.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (domain.Identity, error)
}

type Config struct {
	EventBus   *event.Bus
	Store      *session.Store
	Session    *session.Service
	Score      *score.Service
	Verifier   TokenVerifier
	Mirror     EventPublisher // optional redis mirror of session broadcasts
	Connection ConnectionConfig
}

// Gateway is the realtime transport adapter: it binds websocket
// connections to identities, maps the wire protocol onto the engine and
// realizes every "notify members" side effect as an ordered broadcast to
// the session's group.
type Gateway struct {
	eb       *event.Bus
	store    *session.Store
	sessions *session.Service
	scores   *score.Service
	verifier TokenVerifier
	mirror   EventPublisher
	manager  *manager
}

func New(c Config) *Gateway {
	g := &Gateway{
		eb:       c.EventBus,
		store:    c.Store,
		sessions: c.Session,
		scores:   c.Score,
		verifier: c.Verifier,
		mirror:   c.Mirror,
	}

	g.manager = newManager(c.Connection, c.Mirror)
	g.manager.handle = g.handleMessage
	g.manager.closed = g.handleClosed

	// Teardown paths that do not pass through a command (janitor expiry,
	// session replaced by a new run of the same room) still have to give
	// the group a clean ended signal.
	c.EventBus.Subscribe(domain.EventNameSessionEnded, func(ctx context.Context, e event.Event) error {
		g.onSessionEnded(e.(domain.EventSessionEnded))
		return nil
	})

	c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		g.onLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
		return nil
	})

	return g
}

// Run drains the broadcast queue until ctx is done.
func (g *Gateway) Run(ctx context.Context) {
	g.manager.Run(ctx)
}

// RegisterRoutes mounts the websocket endpoint and the public session
// preview endpoint.
func (g *Gateway) RegisterRoutes(e *gin.Engine) {
	e.GET("/ws", g.handleWS)
	e.GET("/api/phien/:pin", g.handlePreview)
}

func (g *Gateway) handleWS(c *gin.Context) {
	identity := domain.Identity{}

	if token := c.Query("token"); token != "" {
		id, err := g.verifier.Verify(c.Request.Context(), token)
		if err != nil {
			e := errors.Convert(err)
			c.JSON(e.HTTPStatusCode(), e)
			return
		}
		identity = id
	}

	if err := g.manager.Upgrade(c.Writer, c.Request, identity); err != nil {
		c.JSON(http.StatusInternalServerError, errors.Convert(err))
	}
}

// PreviewResponse is the public view of a live session: enough for a
// join screen, nothing that leaks member identities or deck content.
type PreviewResponse struct {
	SessionID   string `json:"sessionId"`
	RoomName    string `json:"roomName"`
	Public      bool   `json:"public"`
	MemberCount int    `json:"memberCount"`
	PageCount   int    `json:"pageCount"`
}

func (g *Gateway) handlePreview(c *gin.Context) {
	sess, err := g.store.GetByPin(c.Param("pin"))
	if err != nil {
		e := errors.Convert(err)
		c.JSON(e.HTTPStatusCode(), e)
		return
	}

	c.JSON(http.StatusOK, PreviewResponse{
		SessionID:   sess.SessionID,
		RoomName:    sess.Room.Name,
		Public:      sess.Room.Public(),
		MemberCount: len(sess.Members),
		PageCount:   len(sess.Room.Pages),
	})
}

func (g *Gateway) handleMessage(ctx context.Context, c *Conn, msg []byte) {
	var cmd Command
	if err := json.Unmarshal(msg, &cmd); err != nil {
		g.sendError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("malformed command")))
		return
	}

	switch cmd.Type {
	case CommandCreate:
		g.handleCreate(ctx, c, cmd.Data)
	case CommandJoin:
		g.handleJoin(ctx, c, cmd.Data)
	case CommandNavigate:
		g.handleNavigate(ctx, c, cmd.Data)
	case CommandStartQuestion:
		g.handleStartQuestion(ctx, c, cmd.Data)
	case CommandSubmitAnswer:
		g.handleSubmitAnswer(ctx, c, cmd.Data)
	case CommandShowLeaderboard:
		g.handleShowLeaderboard(ctx, c)
	case CommandEnd:
		g.handleEnd(ctx, c)
	case CommandLeave:
		g.handleLeave(ctx, c)
	default:
		g.sendError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown command type %q", cmd.Type)))
	}
}

func (g *Gateway) handleCreate(ctx context.Context, c *Conn, data json.RawMessage) {
	var p CreatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		g.sendError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("malformed %s payload", CommandCreate)))
		return
	}

	if _, _, bound := c.binding(); bound {
		g.sendError(c, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("connection is already bound to a session, leave it first")))
		return
	}

	resp, err := g.sessions.CreateSession(ctx, session.CreateSessionRequest{
		RoomID: p.RoomID,
		Host:   c.Identity(),
	})
	if err != nil {
		g.sendError(c, err)
		return
	}

	sess := resp.Session
	c.bind(sess.SessionID, sess.Host().MemberID, true)
	g.manager.register(c, sess.SessionID)

	g.reply(c, sess.SessionID, Event{Type: EventStarted, Data: StartedPayload{
		SessionID: sess.SessionID,
		PIN:       sess.PIN,
	}})
}

func (g *Gateway) handleJoin(ctx context.Context, c *Conn, data json.RawMessage) {
	var p JoinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		g.sendError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("malformed %s payload", CommandJoin)))
		return
	}

	if _, _, bound := c.binding(); bound {
		g.sendError(c, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("connection is already bound to a session, leave it first")))
		return
	}

	resp, err := g.sessions.Join(ctx, session.JoinRequest{
		PIN:         p.PIN,
		DisplayName: p.DisplayName,
		Identity:    c.Identity(),
	})
	if err != nil {
		g.sendError(c, err)
		return
	}

	c.bind(resp.SessionID, resp.Member.MemberID, false)
	g.manager.register(c, resp.SessionID)

	g.reply(c, resp.SessionID, Event{Type: EventJoined, Data: JoinedPayload{
		SessionID:   resp.SessionID,
		MemberID:    resp.Member.MemberID,
		DisplayName: resp.Member.DisplayName,
		Rejoined:    resp.Rejoined,
	}})

	if !resp.Rejoined {
		g.broadcastExcept(c, resp.SessionID, Event{Type: EventMemberJoined, Data: MemberJoinedPayload{
			MemberID:    resp.Member.MemberID,
			DisplayName: resp.Member.DisplayName,
			AvatarURL:   resp.Member.AvatarURL,
		}})
	}
}

func (g *Gateway) handleNavigate(ctx context.Context, c *Conn, data json.RawMessage) {
	var p NavigatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		g.sendError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("malformed %s payload", CommandNavigate)))
		return
	}

	sessionID, _, bound := c.binding()
	if !bound {
		g.sendError(c, errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("connection is not in a session")))
		return
	}

	resp, err := g.sessions.Navigate(ctx, session.NavigateRequest{
		SessionID: sessionID,
		Identity:  c.Identity(),
		PageIndex: p.PageIndex,
	})
	if err != nil {
		g.sendError(c, err)
		return
	}

	g.broadcastAll(sessionID, Event{Type: EventNavigated, Data: NavigatedPayload{
		PageIndex: resp.PageIndex,
	}})
}

func (g *Gateway) handleStartQuestion(ctx context.Context, c *Conn, data json.RawMessage) {
	var p StartQuestionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		g.sendError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("malformed %s payload", CommandStartQuestion)))
		return
	}

	sessionID, _, bound := c.binding()
	if !bound {
		g.sendError(c, errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("connection is not in a session")))
		return
	}

	resp, err := g.sessions.StartQuestion(ctx, session.StartQuestionRequest{
		SessionID: sessionID,
		Identity:  c.Identity(),
		PageIndex: p.PageIndex,
	})
	if err != nil {
		g.sendError(c, err)
		return
	}

	g.broadcastAll(sessionID, Event{Type: EventQuestionStarted, Data: QuestionStartedPayload{
		PageIndex: resp.PageIndex,
		StartTime: resp.StartedAt.UnixMilli(),
	}})
}

func (g *Gateway) handleSubmitAnswer(ctx context.Context, c *Conn, data json.RawMessage) {
	var p SubmitAnswerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		g.sendError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("malformed %s payload", CommandSubmitAnswer)))
		return
	}

	sessionID, memberID, bound := c.binding()
	if !bound {
		g.sendError(c, errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("connection is not in a session")))
		return
	}

	resp, err := g.scores.SubmitAnswer(ctx, score.SubmitAnswerRequest{
		SessionID: sessionID,
		MemberID:  memberID,
		PageID:    p.PageID,
		ChoiceID:  p.ChoiceID,
	})
	if err != nil {
		g.sendError(c, err)
		return
	}

	g.reply(c, sessionID, Event{Type: EventAnswerResult, Data: AnswerResultPayload{
		IsCorrect:  resp.IsCorrect,
		Points:     resp.Points,
		TotalScore: resp.TotalScore,
	}})

	g.broadcastExcept(c, sessionID, Event{Type: EventAnswerSubmitted, Data: AnswerSubmittedPayload{
		MemberID: memberID,
	}})
}

func (g *Gateway) handleShowLeaderboard(ctx context.Context, c *Conn) {
	sessionID, _, bound := c.binding()
	if !bound {
		g.sendError(c, errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("connection is not in a session")))
		return
	}

	resp, err := g.sessions.ShowLeaderboard(ctx, session.ShowLeaderboardRequest{
		SessionID: sessionID,
		Identity:  c.Identity(),
	})
	if err != nil {
		g.sendError(c, err)
		return
	}

	g.broadcastAll(sessionID, Event{Type: EventLeaderboard, Data: LeaderboardPayload{
		Entries: leaderboardEntries(resp.Leaderboard),
	}})
}

func (g *Gateway) handleEnd(ctx context.Context, c *Conn) {
	sessionID, _, bound := c.binding()
	if !bound {
		g.sendError(c, errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("connection is not in a session")))
		return
	}

	// The ended broadcast and group eviction ride the session.ended bus
	// event, the single teardown announcement path.
	if _, err := g.sessions.EndSession(ctx, session.EndSessionRequest{
		SessionID: sessionID,
		Identity:  c.Identity(),
	}); err != nil {
		g.sendError(c, err)
	}
}

func (g *Gateway) handleLeave(ctx context.Context, c *Conn) {
	sessionID, memberID, bound := c.binding()
	if !bound {
		g.sendError(c, errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("connection is not in a session")))
		return
	}

	resp, err := g.sessions.Leave(ctx, session.LeaveRequest{
		SessionID: sessionID,
		MemberID:  memberID,
	})
	if err != nil {
		g.sendError(c, err)
		return
	}

	if !resp.Ended {
		g.manager.unregister(c)
		c.clearBinding()
		g.broadcastAll(sessionID, Event{Type: EventMemberLeft, Data: MemberLeftPayload{
			MemberID: memberID,
		}})
	}
}

// handleClosed runs when a connection drops without an explicit leave.
func (g *Gateway) handleClosed(ctx context.Context, c *Conn) {
	sessionID, memberID, bound := c.binding()
	if !bound {
		return
	}

	resp, err := g.sessions.Leave(ctx, session.LeaveRequest{
		SessionID: sessionID,
		MemberID:  memberID,
	})
	if err != nil {
		// Session already torn down elsewhere; nothing to announce.
		return
	}

	if !resp.Ended {
		g.broadcastAll(sessionID, Event{Type: EventMemberLeft, Data: MemberLeftPayload{
			MemberID: memberID,
		}})
	}
}

func (g *Gateway) onSessionEnded(e domain.EventSessionEnded) {
	g.manager.send(broadcast{
		sessionID: e.SessionID,
		event: Event{Type: EventEnded, Data: EndedPayload{
			FinalStandings: leaderboardEntries(e.Standings),
		}},
		evict: true,
	})
}

func (g *Gateway) onLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) {
	if g.mirror == nil {
		return
	}

	g.mirror.PublishSessionEvent(ctx, e.Leaderboard.SessionID, Event{
		Type: EventLeaderboard,
		Data: LeaderboardPayload{Entries: leaderboardEntries(e.Leaderboard)},
	})
}

func (g *Gateway) reply(c *Conn, sessionID string, e Event) {
	g.manager.send(broadcast{sessionID: sessionID, event: e, target: c})
}

func (g *Gateway) broadcastAll(sessionID string, e Event) {
	g.manager.send(broadcast{sessionID: sessionID, event: e})
}

func (g *Gateway) broadcastExcept(c *Conn, sessionID string, e Event) {
	g.manager.send(broadcast{sessionID: sessionID, event: e, exclude: c})
}

func (g *Gateway) sendError(c *Conn, err error) {
	e := errors.Convert(err)
	g.manager.send(broadcast{
		target: c,
		event: Event{Type: EventError, Data: ErrorPayload{
			Code:    e.Code.String(),
			Message: e.Message,
		}},
	})
}
