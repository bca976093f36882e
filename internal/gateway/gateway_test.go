package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slooh/slooh/internal/domain"
	"github.com/slooh/slooh/internal/errors"
	"github.com/slooh/slooh/internal/event"
	"github.com/slooh/slooh/internal/gateway"
	"github.com/slooh/slooh/internal/score"
	"github.com/slooh/slooh/internal/session"
)

func presentationRoom() *domain.Room {
	return &domain.Room{
		RoomID:    "r1",
		Name:      "All hands quiz",
		CreatedBy: "acc-host",
		Pages: []domain.Page{
			{PageID: "p-intro", Kind: domain.PageContent},
			{
				PageID:     "p-q1",
				Kind:       domain.PageQuestion,
				AnswerKind: domain.AnswerSingleSelect,
				Tier:       domain.TierStandard,
				Choices: []domain.Choice{
					{ChoiceID: "c-right", Text: "Go", IsCorrect: true},
					{ChoiceID: "c-wrong", Text: "Stop"},
				},
			},
		},
	}
}

type stubRooms struct {
	rooms map[string]*domain.Room
}

func (s stubRooms) RoomSnapshot(_ context.Context, roomID string) (*domain.Room, error) {
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("room %s not found", roomID))
	}
	return r, nil
}

func (s stubRooms) IsChannelMember(context.Context, string, string) (bool, error) {
	return false, nil
}

type stubVerifier struct {
	tokens map[string]domain.Identity
}

func (v stubVerifier) Verify(_ context.Context, token string) (domain.Identity, error) {
	id, ok := v.tokens[token]
	if !ok {
		return domain.Identity{}, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("invalid connection token"))
	}
	return id, nil
}

type fixture struct {
	srv   *httptest.Server
	store *session.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	eb := event.NewBus()
	store := session.NewStore(session.StoreConfig{})
	rooms := stubRooms{rooms: map[string]*domain.Room{"r1": presentationRoom()}}

	sessions := session.NewService(session.Config{
		Store:    store,
		EventBus: eb,
		Rooms:    rooms,
		Channels: rooms,
	})

	// Decay disabled so point totals do not depend on test timing.
	scores := score.NewService(score.Config{
		Store:    store,
		EventBus: eb,
		Scoring:  score.ScoringConfig{BasePoints: 1000},
	})

	g := gateway.New(gateway.Config{
		EventBus: eb,
		Store:    store,
		Session:  sessions,
		Score:    scores,
		Verifier: stubVerifier{tokens: map[string]domain.Identity{
			"host-token": {AccountID: "acc-host", DisplayName: "Hoang"},
			"lan-token":  {AccountID: "acc-lan", DisplayName: "Lan"},
		}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go g.Run(ctx)

	gin.SetMode(gin.TestMode)
	e := gin.New()
	g.RegisterRoutes(e)

	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		eb.Stop()
	})

	return &fixture{srv: srv, store: store}
}

type wsClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func (f *fixture) dial(t *testing.T, token string) *wsClient {
	t.Helper()

	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}

	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	return &wsClient{t: t, ws: ws}
}

func (c *wsClient) send(cmd gateway.CommandType, payload any) {
	c.t.Helper()

	msg := struct {
		Type gateway.CommandType `json:"type"`
		Data any                 `json:"data,omitempty"`
	}{Type: cmd, Data: payload}

	require.NoError(c.t, c.ws.WriteJSON(msg))
}

type received struct {
	Type gateway.EventType `json:"type"`
	Data json.RawMessage   `json:"data"`
}

// expect reads the next event and requires it to be of the given type.
// Per-connection delivery order is part of the contract under test, so
// out-of-order events fail instead of being skipped.
func (c *wsClient) expect(eventType gateway.EventType) json.RawMessage {
	c.t.Helper()

	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))

	var ev received
	require.NoError(c.t, c.ws.ReadJSON(&ev))
	require.Equal(c.t, eventType, ev.Type)
	return ev.Data
}

func (c *wsClient) expectError(code string) {
	c.t.Helper()

	var p gateway.ErrorPayload
	data := c.expect(gateway.EventError)
	require.NoError(c.t, json.Unmarshal(data, &p))
	require.Equal(c.t, code, p.Code)
}

func decode[T any](t *testing.T, data json.RawMessage) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func TestGateway_CreateAndJoin(t *testing.T) {
	f := newFixture(t)

	host := f.dial(t, "host-token")
	host.send(gateway.CommandCreate, gateway.CreatePayload{RoomID: "r1"})

	started := decode[gateway.StartedPayload](t, host.expect(gateway.EventStarted))
	assert.Regexp(t, `^[1-9][0-9]{5}$`, started.PIN)

	lan := f.dial(t, "")
	lan.send(gateway.CommandJoin, gateway.JoinPayload{PIN: started.PIN, DisplayName: "Lan"})

	joined := decode[gateway.JoinedPayload](t, lan.expect(gateway.EventJoined))
	assert.Equal(t, started.SessionID, joined.SessionID)
	assert.Equal(t, "Lan", joined.DisplayName)
	assert.False(t, joined.Rejoined)

	memberJoined := decode[gateway.MemberJoinedPayload](t, host.expect(gateway.EventMemberJoined))
	assert.Equal(t, joined.MemberID, memberJoined.MemberID)

	t.Run("joining with a wrong PIN fails", func(t *testing.T) {
		stray := f.dial(t, "")
		stray.send(gateway.CommandJoin, gateway.JoinPayload{PIN: "000000"})
		stray.expectError("NotFound")
	})

	t.Run("a bound connection cannot create another session", func(t *testing.T) {
		host.send(gateway.CommandCreate, gateway.CreatePayload{RoomID: "r1"})
		host.expectError("FailedPrecondition")
	})

	t.Run("navigation reaches every member in order", func(t *testing.T) {
		host.send(gateway.CommandNavigate, gateway.NavigatePayload{PageIndex: 0})
		host.send(gateway.CommandNavigate, gateway.NavigatePayload{PageIndex: 1})

		for _, c := range []*wsClient{host, lan} {
			first := decode[gateway.NavigatedPayload](t, c.expect(gateway.EventNavigated))
			assert.Equal(t, 0, first.PageIndex)
			second := decode[gateway.NavigatedPayload](t, c.expect(gateway.EventNavigated))
			assert.Equal(t, 1, second.PageIndex)
		}
	})

	t.Run("participants cannot navigate", func(t *testing.T) {
		lan.send(gateway.CommandNavigate, gateway.NavigatePayload{PageIndex: 0})
		lan.expectError("PermissionDenied")
	})
}

func TestGateway_AnswerFlow(t *testing.T) {
	f := newFixture(t)

	host := f.dial(t, "host-token")
	host.send(gateway.CommandCreate, gateway.CreatePayload{RoomID: "r1"})
	started := decode[gateway.StartedPayload](t, host.expect(gateway.EventStarted))

	lan := f.dial(t, "lan-token")
	lan.send(gateway.CommandJoin, gateway.JoinPayload{PIN: started.PIN})
	joined := decode[gateway.JoinedPayload](t, lan.expect(gateway.EventJoined))
	host.expect(gateway.EventMemberJoined)

	host.send(gateway.CommandStartQuestion, gateway.StartQuestionPayload{PageIndex: 1})

	for _, c := range []*wsClient{host, lan} {
		q := decode[gateway.QuestionStartedPayload](t, c.expect(gateway.EventQuestionStarted))
		assert.Equal(t, 1, q.PageIndex)
		assert.NotZero(t, q.StartTime)
	}

	lan.send(gateway.CommandSubmitAnswer, gateway.SubmitAnswerPayload{PageID: "p-q1", ChoiceID: "c-right"})

	result := decode[gateway.AnswerResultPayload](t, lan.expect(gateway.EventAnswerResult))
	assert.True(t, result.IsCorrect)
	assert.Equal(t, int64(2000), result.Points)
	assert.Equal(t, int64(2000), result.TotalScore)

	// Other members learn that Lan answered, not what she picked.
	submitted := decode[gateway.AnswerSubmittedPayload](t, host.expect(gateway.EventAnswerSubmitted))
	assert.Equal(t, joined.MemberID, submitted.MemberID)

	t.Run("a second answer for the same question is rejected", func(t *testing.T) {
		lan.send(gateway.CommandSubmitAnswer, gateway.SubmitAnswerPayload{PageID: "p-q1", ChoiceID: "c-wrong"})
		lan.expectError("AlreadyExists")
	})

	t.Run("the leaderboard goes out to everyone", func(t *testing.T) {
		host.send(gateway.CommandShowLeaderboard, nil)

		for _, c := range []*wsClient{host, lan} {
			l := decode[gateway.LeaderboardPayload](t, c.expect(gateway.EventLeaderboard))
			require.Len(t, l.Entries, 1, "the host does not rank")
			assert.Equal(t, joined.MemberID, l.Entries[0].MemberID)
			assert.Equal(t, int64(2000), l.Entries[0].Score)
			assert.Equal(t, 1, l.Entries[0].Rank)
		}
	})
}

func TestGateway_EndSession(t *testing.T) {
	f := newFixture(t)

	host := f.dial(t, "host-token")
	host.send(gateway.CommandCreate, gateway.CreatePayload{RoomID: "r1"})
	started := decode[gateway.StartedPayload](t, host.expect(gateway.EventStarted))

	lan := f.dial(t, "")
	lan.send(gateway.CommandJoin, gateway.JoinPayload{PIN: started.PIN, DisplayName: "Lan"})
	lan.expect(gateway.EventJoined)
	host.expect(gateway.EventMemberJoined)

	host.send(gateway.CommandEnd, nil)

	for _, c := range []*wsClient{host, lan} {
		ended := decode[gateway.EndedPayload](t, c.expect(gateway.EventEnded))
		require.Len(t, ended.FinalStandings, 1)
		assert.Equal(t, "Lan", ended.FinalStandings[0].DisplayName)
	}

	t.Run("the PIN is dead after the end", func(t *testing.T) {
		stray := f.dial(t, "")
		stray.send(gateway.CommandJoin, gateway.JoinPayload{PIN: started.PIN})
		stray.expectError("NotFound")
	})
}

func TestGateway_HostDisconnectEndsSession(t *testing.T) {
	f := newFixture(t)

	host := f.dial(t, "host-token")
	host.send(gateway.CommandCreate, gateway.CreatePayload{RoomID: "r1"})
	started := decode[gateway.StartedPayload](t, host.expect(gateway.EventStarted))

	lan := f.dial(t, "")
	lan.send(gateway.CommandJoin, gateway.JoinPayload{PIN: started.PIN, DisplayName: "Lan"})
	lan.expect(gateway.EventJoined)

	host.ws.Close()

	lan.expect(gateway.EventEnded)

	require.Eventually(t, func() bool {
		return f.store.Len() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestGateway_ParticipantLeave(t *testing.T) {
	f := newFixture(t)

	host := f.dial(t, "host-token")
	host.send(gateway.CommandCreate, gateway.CreatePayload{RoomID: "r1"})
	started := decode[gateway.StartedPayload](t, host.expect(gateway.EventStarted))

	lan := f.dial(t, "")
	lan.send(gateway.CommandJoin, gateway.JoinPayload{PIN: started.PIN, DisplayName: "Lan"})
	joined := decode[gateway.JoinedPayload](t, lan.expect(gateway.EventJoined))
	host.expect(gateway.EventMemberJoined)

	lan.send(gateway.CommandLeave, nil)

	left := decode[gateway.MemberLeftPayload](t, host.expect(gateway.EventMemberLeft))
	assert.Equal(t, joined.MemberID, left.MemberID)

	// The session survives a participant leaving.
	assert.Equal(t, 1, f.store.Len())
}

func TestGateway_Preview(t *testing.T) {
	f := newFixture(t)

	host := f.dial(t, "host-token")
	host.send(gateway.CommandCreate, gateway.CreatePayload{RoomID: "r1"})
	started := decode[gateway.StartedPayload](t, host.expect(gateway.EventStarted))

	resp, err := http.Get(f.srv.URL + "/api/phien/" + started.PIN)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var preview gateway.PreviewResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&preview))
	assert.Equal(t, started.SessionID, preview.SessionID)
	assert.Equal(t, "All hands quiz", preview.RoomName)
	assert.True(t, preview.Public)
	assert.Equal(t, 1, preview.MemberCount)
	assert.Equal(t, 2, preview.PageCount)

	t.Run("unknown PIN previews as not found", func(t *testing.T) {
		resp, err := http.Get(f.srv.URL + "/api/phien/000000")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestGateway_RejectsBadToken(t *testing.T) {
	f := newFixture(t)

	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?token=forged"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_AnonymousCannotCreate(t *testing.T) {
	f := newFixture(t)

	anon := f.dial(t, "")
	anon.send(gateway.CommandCreate, gateway.CreatePayload{RoomID: "r1"})
	anon.expectError("Unauthenticated")
}
