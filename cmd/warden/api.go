package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bluesky-social/warden/automod/cachestore"
	"github.com/bluesky-social/warden/automod/classifier"
	"github.com/bluesky-social/warden/automod/countstore"
	"github.com/bluesky-social/warden/automod/decay"
	"github.com/bluesky-social/warden/automod/engine"
	"github.com/bluesky-social/warden/automod/ledger"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

// registers collectors on the default registry, so only once per process
var httpMetrics = echoprometheus.NewMiddleware("warden")

type GenericError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

type OutcomeResponse struct {
	*engine.Outcome
	Error string `json:"error,omitempty"`
}

type BoostRequest struct {
	Multiplier float64 `json:"multiplier"`
}

type ClassifyRequest struct {
	Text string `json:"text"`
}

type ClassifyResponse struct {
	PolicyVersion string             `json:"policy_version"`
	Matches       []classifier.Match `json:"matches"`
}

func (srv *Server) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(srv.logger))
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("warden"))
	e.Use(httpMetrics)
	e.Use(middleware.BodyLimit("1M"))
	e.HTTPErrorHandler = srv.errorHandler

	e.GET("/_health", srv.HandleHealthCheck)
	e.POST("/v1/messages", srv.HandleMessage)
	e.POST("/v1/events", srv.HandleEvent)
	e.POST("/v1/classify", srv.HandleClassify)
	e.GET("/v1/ledgers/:community/:user", srv.HandleGetLedger)
	e.POST("/v1/ledgers/:community/:user/boost", srv.HandleBoost)
	e.GET("/v1/communities/:community/stats", srv.HandleStats)
	return e
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	errorMessage := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		errorMessage = fmt.Sprintf("%s", he.Message)
	}
	if code >= 500 {
		srv.logger.Warn("warden-http-internal-error", "err", err)
	}
	if !c.Response().Committed {
		c.JSON(code, GenericError{Error: http.StatusText(code), Message: errorMessage}) // nolint:errcheck
	}
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(200, GenericStatus{Status: "ok", Daemon: "warden"})
}

// status code for an outcome; the outcome body is always returned so callers can see what happened
func outcomeCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, engine.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrShuttingDown), errors.Is(err, ledger.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func respondOutcome(c echo.Context, out *engine.Outcome, err error) error {
	resp := OutcomeResponse{Outcome: out}
	if out != nil && out.Err != nil {
		resp.Error = out.Err.Error()
	}
	return c.JSON(outcomeCode(err), resp)
}

func (srv *Server) HandleMessage(c echo.Context) error {
	var msg engine.Message
	if err := c.Bind(&msg); err != nil {
		return c.JSON(400, GenericError{Error: "BadRequest", Message: err.Error()})
	}
	if msg.CommunityID == "" || msg.UserID == "" {
		return c.JSON(400, GenericError{Error: "BadRequest", Message: "community_id and user_id are required"})
	}
	out, err := srv.engine.OnMessage(c.Request().Context(), msg)
	return respondOutcome(c, out, err)
}

func (srv *Server) HandleEvent(c echo.Context) error {
	var evt ledger.ViolationEvent
	if err := c.Bind(&evt); err != nil {
		return c.JSON(400, GenericError{Error: "BadRequest", Message: err.Error()})
	}
	out, err := srv.engine.HandleEvent(c.Request().Context(), &evt)
	return respondOutcome(c, out, err)
}

func (srv *Server) HandleClassify(c echo.Context) error {
	var req ClassifyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, GenericError{Error: "BadRequest", Message: err.Error()})
	}
	p := srv.engine.Policy.Get()
	matches, err := p.Classifier().Classify(req.Text)
	if errors.Is(err, classifier.ErrMalformedText) {
		return c.JSON(400, GenericError{Error: "MalformedText", Message: err.Error()})
	} else if err != nil {
		return err
	}
	if matches == nil {
		matches = []classifier.Match{}
	}
	return c.JSON(200, ClassifyResponse{PolicyVersion: p.Version, Matches: matches})
}

func paramKey(c echo.Context) ledger.Key {
	return ledger.Key{CommunityID: c.Param("community"), UserID: c.Param("user")}
}

func (srv *Server) HandleGetLedger(c echo.Context) error {
	l, err := srv.engine.GetLedger(c.Request().Context(), paramKey(c))
	if errors.Is(err, ledger.ErrLedgerNotFound) {
		return c.JSON(404, GenericError{Error: "LedgerNotFound", Message: err.Error()})
	} else if err != nil {
		return err
	}
	return c.JSON(200, l)
}

func (srv *Server) HandleBoost(c echo.Context) error {
	var req BoostRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, GenericError{Error: "BadRequest", Message: err.Error()})
	}
	key := paramKey(c)
	if err := srv.decay.SubmitBoost(key, req.Multiplier); errors.Is(err, decay.ErrInvalidBoost) {
		return c.JSON(400, GenericError{Error: "InvalidBoost", Message: err.Error()})
	} else if err != nil {
		return err
	}
	srv.logger.Info("decay boost queued", "community", key.CommunityID, "user", key.UserID, "multiplier", req.Multiplier)
	return c.JSON(202, GenericStatus{Status: "queued", Daemon: "warden"})
}

const statsCacheName = "community-stats"

func (srv *Server) HandleStats(c echo.Context) error {
	ctx := c.Request().Context()
	community := c.Param("community")

	cached, err := cachestore.GetJSON[countstore.Summary](ctx, srv.stores.cache, statsCacheName, community)
	if err != nil {
		srv.logger.Warn("failed to read cached community stats", "err", err, "community", community)
	} else if cached != nil {
		return c.JSON(200, cached)
	}

	summary, err := countstore.Summarize(ctx, srv.engine.Counters, community)
	if err != nil {
		srv.logger.Error("failed to read community stats", "err", err, "community", community)
		return err
	}
	if err := cachestore.SetJSON(ctx, srv.stores.cache, statsCacheName, community, summary); err != nil {
		srv.logger.Warn("failed to cache community stats", "err", err, "community", community)
	}
	return c.JSON(200, summary)
}
