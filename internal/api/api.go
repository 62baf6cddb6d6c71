package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/mutely/internal/domain"
	"github.com/victornm/mutely/internal/errors"
	"github.com/victornm/mutely/internal/event"
	"github.com/victornm/mutely/internal/session"
	"github.com/victornm/mutely/internal/violation"
)

type Sessions interface {
	CreateSession(ctx context.Context, req session.CreateSessionRequest) (*session.CreateSessionResponse, error)
	JoinSession(ctx context.Context, req session.JoinSessionRequest) (*session.JoinSessionResponse, error)
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error)
	StartSession(ctx context.Context, sessionID string) (*domain.Session, error)
	EndSession(ctx context.Context, sessionID string) (*domain.Session, error)
	LeaveSession(ctx context.Context, participantID string) (*domain.Participant, error)
	Summary(ctx context.Context, sessionID string) (*session.Summary, error)
	WallOfShame(ctx context.Context, sessionID string) ([]session.ShameEntry, error)
}

type Violations interface {
	LogViolation(ctx context.Context, req violation.LogViolationRequest) violation.Result
}

type StandingsService interface {
	GetStandings(ctx context.Context, sessionID string) (*domain.Standings, error)
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type Config struct {
	Router       gin.IRouter
	EventBus     *event.Bus
	Session      Sessions
	Violation    Violations
	Standings    StandingsService
	JoinLimiter  *RateLimiter
	Redis        Redis
	PubsubPrefix string
}

type API struct {
	ss Sessions
	vs Violations
	st StandingsService

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		ss:     c.Session,
		vs:     c.Violation,
		st:     c.Standings,
		redis:  c.Redis,
		prefix: c.PubsubPrefix,
	}

	// HTTP APIs
	v1 := c.Router.Group("/v1")
	v1.POST("/sessions", a.CreateSession)
	if c.JoinLimiter != nil {
		v1.POST("/sessions/join", c.JoinLimiter.Middleware(), a.JoinSession)
	} else {
		v1.POST("/sessions/join", a.JoinSession)
	}
	v1.GET("/sessions/:id", a.GetSession)
	v1.POST("/sessions/:id/start", a.StartSession)
	v1.POST("/sessions/:id/end", a.EndSession)
	v1.POST("/sessions/:id/violations", a.LogViolation)
	v1.GET("/sessions/:id/summary", a.Summary)
	v1.GET("/sessions/:id/wall", a.WallOfShame)
	v1.GET("/sessions/:id/standings", a.GetStandings)
	v1.POST("/participants/:id/leave", a.LeaveSession)

	// Register event handlers
	if c.EventBus != nil && c.Redis != nil {
		c.EventBus.Subscribe(domain.EventNameStandingsUpdated, func(ctx context.Context, e event.Event) error {
			return a.PublishStandingsUpdated(ctx, e.(domain.EventStandingsUpdated))
		})
		c.EventBus.Subscribe(domain.EventNameSessionNotification, func(ctx context.Context, e event.Event) error {
			return a.PublishSessionNotification(ctx, e.(domain.EventSessionNotification))
		})
	}

	return a
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SessionResponse struct {
	Session      domain.Session       `json:"session"`
	Participants []domain.Participant `json:"participants"`
}

type LogViolationRequest struct {
	ParticipantID string           `json:"participant_id"`
	EventType     domain.EventType `json:"event_type"`
}

func (a *API) CreateSession(c *gin.Context) {
	var req session.CreateSessionRequest
	if !bind(c, &req) {
		return
	}

	resp, err := a.ss.CreateSession(c.Request.Context(), req)
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (a *API) JoinSession(c *gin.Context) {
	var req session.JoinSessionRequest
	if !bind(c, &req) {
		return
	}

	resp, err := a.ss.JoinSession(c.Request.Context(), req)
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a *API) GetSession(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	ss, err := a.ss.GetSession(ctx, id)
	if err != nil {
		renderError(c, err)
		return
	}

	ps, err := a.ss.ListParticipants(ctx, id)
	if err != nil {
		renderError(c, err)
		return
	}
	if ps == nil {
		ps = []domain.Participant{}
	}

	c.JSON(http.StatusOK, SessionResponse{Session: *ss, Participants: ps})
}

func (a *API) StartSession(c *gin.Context) {
	ss, err := a.ss.StartSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, ss)
}

func (a *API) EndSession(c *gin.Context) {
	ss, err := a.ss.EndSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, ss)
}

func (a *API) LeaveSession(c *gin.Context) {
	p, err := a.ss.LeaveSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, p)
}

// LogViolation always answers 200 once the request is well-formed, the outcome is in the
// result body.
func (a *API) LogViolation(c *gin.Context) {
	var req LogViolationRequest
	if !bind(c, &req) {
		return
	}

	res := a.vs.LogViolation(c.Request.Context(), violation.LogViolationRequest{
		SessionID:     c.Param("id"),
		ParticipantID: req.ParticipantID,
		Type:          req.EventType,
	})

	c.JSON(http.StatusOK, res)
}

func (a *API) Summary(c *gin.Context) {
	sum, err := a.ss.Summary(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, sum)
}

func (a *API) WallOfShame(c *gin.Context) {
	wall, err := a.ss.WallOfShame(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	if wall == nil {
		wall = []session.ShameEntry{}
	}

	c.JSON(http.StatusOK, gin.H{"events": wall})
}

func (a *API) GetStandings(c *gin.Context) {
	st, err := a.st.GetStandings(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, newStandings(*st))
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		renderError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid request body: %v", err),
			errors.WithCause(err),
		))
		return false
	}
	return true
}

func renderError(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		_ = c.Error(err)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), ErrorResponse{
		Code:    e.Code.String(),
		Message: e.Message,
	})
}
