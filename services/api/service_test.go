package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"awardwatch-backend/lib/keychain"
	"awardwatch-backend/lib/scrapers/cathay"
	"awardwatch-backend/lib/testutil"
	"awardwatch-backend/services/watches"
	"awardwatch-backend/services/watches/db"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeSearcher struct {
	searchCalls   int
	lastRequest   cathay.SearchRequest
	result        cathay.SearchResult
	state         cathay.SessionState
	reloginCalls  int
	reloginMember string
	reloginPass   string
	reloginOK     bool
	loginWindows  int
}

func (s *fakeSearcher) Search(ctx context.Context, req cathay.SearchRequest) (cathay.SearchResult, error) {
	s.searchCalls++
	s.lastRequest = req
	result := s.result
	result.DateYMD = req.DateYMD
	result.From = req.From
	result.To = req.To
	return result, nil
}

func (s *fakeSearcher) SessionState() cathay.SessionState { return s.state }

func (s *fakeSearcher) ReloginWithCredentials(ctx context.Context, member, password string) bool {
	s.reloginCalls++
	s.reloginMember = member
	s.reloginPass = password
	return s.reloginOK
}

func (s *fakeSearcher) OpenLoginWindow(ctx context.Context) error {
	s.loginWindows++
	return nil
}

type fixture struct {
	e        *echo.Echo
	store    watches.Service
	searcher *fakeSearcher
	keys     *keychain.Keychain
}

func setup(t *testing.T) fixture {
	result, cleanup := testutil.SetupService(t, testutil.ServiceParams{
		Name:     "services/api",
		DbSchema: db.Schema,
	})
	t.Cleanup(cleanup)

	keys, err := keychain.New(testSecret)
	require.NoError(t, err)

	store := watches.NewService(result.DB)
	searcher := &fakeSearcher{}
	service := NewService(store, func(profileKey string) Searcher { return searcher }, keys, Options{})

	e := echo.New()
	service.Register(e)

	return fixture{e: e, store: store, searcher: searcher, keys: keys}
}

func (f fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := setup(t)
	rec := f.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWatchRoutes(t *testing.T) {
	f := setup(t)

	rec := f.do(http.MethodGet, "/api/watch", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, "[]", rec.Body.String())

	rec = f.do(http.MethodPost, "/api/watch", `{
		"userEmail": "traveler@example.com",
		"from": "JFK", "to": "HKG",
		"startDate": "2025-03-01", "endDate": "2025-03-07",
		"adults": 1, "minCabin": "C", "nonstopOnly": true
	}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created watches.Watch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotZero(t, created.ID)
	require.Equal(t, "HKG", created.To)

	rec = f.do(http.MethodGet, "/api/watch?user=traveler@example.com", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []watches.Watch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = f.do(http.MethodGet, "/api/watch?user=other@example.com", "")
	require.JSONEq(t, "[]", rec.Body.String())

	rec = f.do(http.MethodDelete, fmt.Sprintf("/api/watch/%d", created.ID), "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(http.MethodDelete, fmt.Sprintf("/api/watch/%d", created.ID), "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(http.MethodDelete, "/api/watch/abc", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddWatchRejectsInvalid(t *testing.T) {
	f := setup(t)

	rec := f.do(http.MethodPost, "/api/watch", `{"from": "JFK"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/watch", `{
		"userEmail": "traveler@example.com",
		"from": "NEWYORK", "to": "HKG",
		"startDate": "2025-03-01", "endDate": "2025-03-07",
		"adults": 1, "minCabin": "C"
	}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchRoute(t *testing.T) {
	f := setup(t)
	f.searcher.result = cathay.SearchResult{
		Flights: []cathay.FlightOption{{
			Direct:        true,
			FlightNumbers: []string{"CX845"},
			Availability:  cathay.CabinAvailability{Business: 2},
		}},
	}

	const target = "/api/search?user=traveler@example.com&from=JFK&to=HKG&date=2025-03-01&adults=2&cabin=C"
	rec := f.do(http.MethodGet, target, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, f.searcher.searchCalls)
	require.Equal(t, "20250301", f.searcher.lastRequest.DateYMD)
	require.Equal(t, 2, f.searcher.lastRequest.Adults)
	require.Equal(t, cathay.CabinBusiness, f.searcher.lastRequest.Cabin)

	var result cathay.SearchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.Flights, 1)

	// a repeat inside the cache window never reaches the client
	rec = f.do(http.MethodGet, target, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, f.searcher.searchCalls)
}

func TestSearchRouteDoesNotCacheFailures(t *testing.T) {
	f := setup(t)
	f.searcher.result = cathay.SearchResult{Error: "no availability response"}

	const target = "/api/search?user=traveler@example.com&from=JFK&to=HKG&date=2025-03-01"
	rec := f.do(http.MethodGet, target, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(http.MethodGet, target, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, f.searcher.searchCalls)
}

func TestSearchRouteValidation(t *testing.T) {
	f := setup(t)

	cases := []string{
		"/api/search?from=JFK&to=HKG&date=2025-03-01",
		"/api/search?user=u@example.com&from=NEWYORK&to=HKG&date=2025-03-01",
		"/api/search?user=u@example.com&from=JFK&to=HKG&date=03/01/2025",
		"/api/search?user=u@example.com&from=JFK&to=HKG&date=2025-03-01&adults=0",
		"/api/search?user=u@example.com&from=JFK&to=HKG&date=2025-03-01&children=-1",
		"/api/search?user=u@example.com&from=JFK&to=HKG&date=2025-03-01&cabin=Z",
	}
	for _, target := range cases {
		rec := f.do(http.MethodGet, target, "")
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
	require.Zero(t, f.searcher.searchCalls)
}

func TestSessionRoute(t *testing.T) {
	f := setup(t)
	f.searcher.state = cathay.SessionState{NeedsLogin: true, LastError: "direct replay rejected: session required"}

	rec := f.do(http.MethodGet, "/api/session?user=traveler@example.com", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var state cathay.SessionState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.True(t, state.NeedsLogin)

	rec = f.do(http.MethodGet, "/api/session", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOpenLoginRoute(t *testing.T) {
	f := setup(t)

	rec := f.do(http.MethodPost, "/api/open-login", `{"user": "traveler@example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, f.searcher.loginWindows)

	rec = f.do(http.MethodPost, "/api/open-login", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReloginRouteStoresSealedCredentials(t *testing.T) {
	f := setup(t)
	f.searcher.reloginOK = true

	rec := f.do(http.MethodPost, "/api/relogin", `{
		"user": "traveler@example.com",
		"member": "123456789",
		"password": "hunter2"
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var res reloginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.True(t, res.Ok)
	require.Equal(t, "123456789", f.searcher.reloginMember)
	require.Equal(t, "hunter2", f.searcher.reloginPass)

	user, err := f.store.GetUser(context.Background(), "traveler@example.com")
	require.NoError(t, err)
	require.NotEqual(t, "hunter2", user.SealedPassword)
	plain, err := f.keys.Open(user.SealedPassword)
	require.NoError(t, err)
	require.Equal(t, "hunter2", plain)

	rec = f.do(http.MethodPost, "/api/relogin", `{"user": "traveler@example.com"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
