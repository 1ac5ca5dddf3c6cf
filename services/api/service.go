// Package api exposes the watch store and the award search client over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"awardwatch-backend/lib/keychain"
	"awardwatch-backend/lib/scrapers/cathay"
	"awardwatch-backend/services/watches"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("services/api")

// Searcher is the slice of the award client the API consumes.
type Searcher interface {
	Search(ctx context.Context, req cathay.SearchRequest) (cathay.SearchResult, error)
	SessionState() cathay.SessionState
	ReloginWithCredentials(ctx context.Context, member, password string) bool
	OpenLoginWindow(ctx context.Context) error
}

// ClientSource yields the searcher bound to a user's browsing profile.
type ClientSource func(profileKey string) Searcher

type Options struct {
	// SearchCacheMaxAge is how fresh a cached result must be to answer an
	// on-demand search without a live query.
	SearchCacheMaxAge time.Duration
}

type Service struct {
	store   watches.Service
	clients ClientSource
	keys    *keychain.Keychain
	options Options
}

func NewService(store watches.Service, clients ClientSource, keys *keychain.Keychain, options Options) Service {
	if options.SearchCacheMaxAge <= 0 {
		options.SearchCacheMaxAge = 30 * time.Minute
	}
	return Service{
		store:   store,
		clients: clients,
		keys:    keys,
		options: options,
	}
}

// Register attaches every route to the echo instance.
func (s Service) Register(e *echo.Echo) {
	e.GET("/healthz", s.health)

	api := e.Group("/api")
	api.GET("/watch", s.listWatches)
	api.POST("/watch", s.addWatch)
	api.DELETE("/watch/:id", s.deleteWatch)
	api.GET("/search", s.search)
	api.GET("/session", s.session)
	api.POST("/open-login", s.openLogin)
	api.POST("/relogin", s.relogin)
}

type errorResponse struct {
	Error string `json:"error"`
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: msg})
}

func (s Service) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s Service) listWatches(c echo.Context) error {
	list, err := s.store.ListWatches(c.Request().Context(), c.QueryParam("user"))
	if err != nil {
		return err
	}
	if list == nil {
		list = []watches.Watch{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s Service) addWatch(c echo.Context) error {
	var w watches.Watch
	err := c.Bind(&w)
	if err != nil {
		return badRequest(c, "failed to parse request body: "+err.Error())
	}
	if w.UserEmail == "" {
		return badRequest(c, "userEmail is required")
	}

	added, err := s.store.AddWatch(c.Request().Context(), w)
	if err != nil {
		return badRequest(c, err.Error())
	}
	return c.JSON(http.StatusCreated, added)
}

func (s Service) deleteWatch(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return badRequest(c, "watch id must be an integer")
	}

	err = s.store.DeleteWatch(c.Request().Context(), id)
	if errors.Is(err, watches.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "no such watch"})
	}
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// search answers one-day availability queries, cache-first.
func (s Service) search(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "search")
	defer span.End()

	user := c.QueryParam("user")
	if user == "" {
		return badRequest(c, "user is required")
	}

	dateYMD, err := cathay.ToYMD(c.QueryParam("date"))
	if err != nil {
		return badRequest(c, "date must be YYYY-MM-DD")
	}

	req := cathay.SearchRequest{
		From:    c.QueryParam("from"),
		To:      c.QueryParam("to"),
		DateYMD: dateYMD,
		Adults:  1,
	}
	if len(req.From) != 3 || len(req.To) != 3 {
		return badRequest(c, "from and to must be 3-letter codes")
	}
	if v := c.QueryParam("adults"); v != "" {
		req.Adults, err = strconv.Atoi(v)
		if err != nil || req.Adults < 1 || req.Adults > 9 {
			return badRequest(c, "adults must be 1..9")
		}
	}
	if v := c.QueryParam("children"); v != "" {
		req.Children, err = strconv.Atoi(v)
		if err != nil || req.Children < 0 || req.Children > 9 {
			return badRequest(c, "children must be 0..9")
		}
	}
	if v := c.QueryParam("cabin"); v != "" {
		req.Cabin = cathay.Cabin(v)
		if !req.Cabin.Valid() {
			return badRequest(c, "cabin must be one of Y, W, C, F")
		}
	}

	cached, ok, err := s.store.CachedResult(ctx, req, s.options.SearchCacheMaxAge)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if ok {
		return c.JSON(http.StatusOK, cached)
	}

	result, err := s.clients(user).Search(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search context unavailable")
		return err
	}

	if result.Error == "" {
		err = s.store.CacheResult(ctx, req, result)
		if err != nil {
			span.RecordError(err)
			return err
		}
	}
	return c.JSON(http.StatusOK, result)
}

func (s Service) session(c echo.Context) error {
	user := c.QueryParam("user")
	if user == "" {
		return badRequest(c, "user is required")
	}
	return c.JSON(http.StatusOK, s.clients(user).SessionState())
}

type openLoginRequest struct {
	User string `json:"user"`
}

// openLogin relaunches the user's browsing context visibly on the sign-in
// page for interactive authentication.
func (s Service) openLogin(c echo.Context) error {
	var req openLoginRequest
	err := c.Bind(&req)
	if err != nil || req.User == "" {
		return badRequest(c, "user is required")
	}

	err = s.clients(req.User).OpenLoginWindow(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "login window opened"})
}

type reloginRequest struct {
	User     string `json:"user"`
	Member   string `json:"member"`
	Password string `json:"password"`
}

type reloginResponse struct {
	Ok bool `json:"ok"`
}

// relogin runs the automated sign-in and, on success, keeps the sealed
// credentials on file for the poller's own recovery.
func (s Service) relogin(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "relogin")
	defer span.End()

	var req reloginRequest
	err := c.Bind(&req)
	if err != nil {
		return badRequest(c, "failed to parse request body: "+err.Error())
	}
	if req.User == "" || req.Member == "" || req.Password == "" {
		return badRequest(c, "user, member and password are required")
	}

	sealed, err := s.keys.Seal(req.Password)
	if err != nil {
		span.RecordError(err)
		return err
	}
	err = s.store.UpsertUser(ctx, watches.User{
		Email:          req.User,
		MemberID:       req.Member,
		SealedPassword: sealed,
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	ok := s.clients(req.User).ReloginWithCredentials(ctx, req.Member, req.Password)
	if !ok {
		span.SetStatus(codes.Error, "automated sign-in failed")
	}
	return c.JSON(http.StatusOK, reloginResponse{Ok: ok})
}
