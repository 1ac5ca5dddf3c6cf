package monitor

import (
	"context"
	"strings"
	"testing"

	"awardwatch-backend/lib/keychain"
	"awardwatch-backend/lib/scrapers/cathay"
	"awardwatch-backend/lib/testutil"
	"awardwatch-backend/services/watches"
	"awardwatch-backend/services/watches/db"

	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeSearcher struct {
	results     map[string]cathay.SearchResult
	state       cathay.SessionState
	searchDates []string

	reloginCalls  int
	reloginMember string
	reloginPass   string
	reloginOK     bool
	warmupCalls   int

	// onSearch lets a test flip session state mid-sweep
	onSearch func(s *fakeSearcher, req cathay.SearchRequest)
}

func (s *fakeSearcher) Search(ctx context.Context, req cathay.SearchRequest) (cathay.SearchResult, error) {
	s.searchDates = append(s.searchDates, req.DateYMD)
	if s.onSearch != nil {
		s.onSearch(s, req)
	}
	result, ok := s.results[req.DateYMD]
	if !ok {
		return cathay.SearchResult{DateYMD: req.DateYMD, From: req.From, To: req.To}, nil
	}
	return result, nil
}

func (s *fakeSearcher) SessionState() cathay.SessionState { return s.state }

func (s *fakeSearcher) Warmup(ctx context.Context) error {
	s.warmupCalls++
	return nil
}

func (s *fakeSearcher) ReloginWithCredentials(ctx context.Context, member, password string) bool {
	s.reloginCalls++
	s.reloginMember = member
	s.reloginPass = password
	if s.reloginOK {
		s.state.NeedsLogin = false
	}
	return s.reloginOK
}

type fakeSender struct {
	to       []string
	subjects []string
	bodies   []string
}

func (s *fakeSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	s.to = append(s.to, to)
	s.subjects = append(s.subjects, subject)
	s.bodies = append(s.bodies, htmlBody)
	return nil
}

type fixture struct {
	store    watches.Service
	searcher *fakeSearcher
	sender   *fakeSender
	daemon   *Daemon
}

func setup(t *testing.T, searcher *fakeSearcher) fixture {
	result, cleanup := testutil.SetupService(t, testutil.ServiceParams{
		Name:     "services/monitor",
		DbSchema: db.Schema,
	})
	t.Cleanup(cleanup)

	keys, err := keychain.New(testSecret)
	require.NoError(t, err)

	store := watches.NewService(result.DB)
	sender := &fakeSender{}
	daemon, err := NewDaemon(
		store,
		func(profileKey string) Searcher { return searcher },
		keys,
		sender,
		Options{SearchesPerMinute: 6000},
	)
	require.NoError(t, err)

	return fixture{store: store, searcher: searcher, sender: sender, daemon: daemon}
}

func addWatch(t *testing.T, f fixture, mutate func(*watches.Watch)) watches.Watch {
	t.Helper()
	w := watches.Watch{
		UserEmail:   "traveler@example.com",
		From:        "JFK",
		To:          "HKG",
		StartDate:   "2025-03-01",
		EndDate:     "2025-03-02",
		Adults:      1,
		MinCabin:    cathay.CabinBusiness,
		NonstopOnly: true,
	}
	if mutate != nil {
		mutate(&w)
	}
	added, err := f.store.AddWatch(context.Background(), w)
	require.NoError(t, err)
	return added
}

func directBusiness(date string) cathay.SearchResult {
	return cathay.SearchResult{
		DateYMD: date, From: "JFK", To: "HKG",
		Flights: []cathay.FlightOption{{
			Direct:           true,
			MarketingAirline: "CX",
			FlightNumbers:    []string{"CX845"},
			Origin:           "JFK",
			Destination:      "HKG",
			DurationMinutes:  965,
			Availability:     cathay.CabinAvailability{Business: 2},
		}},
	}
}

func TestPollNotifiesOnMatch(t *testing.T) {
	f := setup(t, &fakeSearcher{
		results: map[string]cathay.SearchResult{
			"20250301": directBusiness("20250301"),
		},
	})
	addWatch(t, f, nil)

	f.daemon.PollOnce(context.Background())

	require.Equal(t, []string{"20250301", "20250302"}, f.searcher.searchDates)
	require.Equal(t, []string{"traveler@example.com"}, f.sender.to)
	require.Contains(t, f.sender.subjects[0], "JFK to HKG")
	require.Contains(t, f.sender.bodies[0], "CX845")
	require.Contains(t, f.sender.bodies[0], "business 2")

	// the sweep populated the cache; a fresh sweep issues no live searches
	f.daemon.PollOnce(context.Background())
	require.Equal(t, []string{"20250301", "20250302"}, f.searcher.searchDates)
	require.Len(t, f.sender.to, 2)
}

func TestPollWarmsEachUserOncePerSweep(t *testing.T) {
	f := setup(t, &fakeSearcher{})
	addWatch(t, f, nil)
	addWatch(t, f, func(w *watches.Watch) { w.To = "NRT" })

	f.daemon.PollOnce(context.Background())
	require.Equal(t, 1, f.searcher.warmupCalls)

	f.daemon.PollOnce(context.Background())
	require.Equal(t, 2, f.searcher.warmupCalls)
}

func TestPollDoesNotWarmWithoutWatches(t *testing.T) {
	f := setup(t, &fakeSearcher{})

	f.daemon.PollOnce(context.Background())
	require.Zero(t, f.searcher.warmupCalls)
}

func TestPollFilters(t *testing.T) {
	connecting := directBusiness("20250301")
	connecting.Flights[0].Direct = false
	connecting.Flights[0].StopCity = "YVR"

	economyOnly := directBusiness("20250302")
	economyOnly.Flights[0].Availability = cathay.CabinAvailability{Economy: 5}

	f := setup(t, &fakeSearcher{
		results: map[string]cathay.SearchResult{
			"20250301": connecting,
			"20250302": economyOnly,
		},
	})
	addWatch(t, f, nil)

	f.daemon.PollOnce(context.Background())
	require.Empty(t, f.sender.to)
}

func TestPollAcceptsHigherCabinThanFloor(t *testing.T) {
	firstOnly := directBusiness("20250301")
	firstOnly.Flights[0].Availability = cathay.CabinAvailability{First: 1}

	f := setup(t, &fakeSearcher{
		results: map[string]cathay.SearchResult{"20250301": firstOnly},
	})
	addWatch(t, f, func(w *watches.Watch) { w.EndDate = w.StartDate })

	f.daemon.PollOnce(context.Background())
	require.Len(t, f.sender.to, 1)
	require.Contains(t, f.sender.bodies[0], "first 1")
}

func TestPollReloginWithStoredCredentials(t *testing.T) {
	f := setup(t, &fakeSearcher{
		results: map[string]cathay.SearchResult{
			"20250301": directBusiness("20250301"),
		},
		state:     cathay.SessionState{NeedsLogin: true},
		reloginOK: true,
	})
	addWatch(t, f, func(w *watches.Watch) { w.EndDate = w.StartDate })

	keys, err := keychain.New(testSecret)
	require.NoError(t, err)
	sealed, err := keys.Seal("hunter2")
	require.NoError(t, err)
	err = f.store.UpsertUser(context.Background(), watches.User{
		Email:          "traveler@example.com",
		MemberID:       "123456789",
		SealedPassword: sealed,
	})
	require.NoError(t, err)

	f.daemon.PollOnce(context.Background())

	require.Equal(t, 1, f.searcher.reloginCalls)
	require.Equal(t, "123456789", f.searcher.reloginMember)
	require.Equal(t, "hunter2", f.searcher.reloginPass)
	require.Len(t, f.sender.to, 1)
}

func TestPollSkipsWatchWhenReloginFails(t *testing.T) {
	f := setup(t, &fakeSearcher{
		state:     cathay.SessionState{NeedsLogin: true},
		reloginOK: false,
	})
	addWatch(t, f, nil)

	f.daemon.PollOnce(context.Background())

	require.Equal(t, 1, f.searcher.reloginCalls)
	require.Empty(t, f.searcher.searchDates)
	require.Empty(t, f.sender.to)
}

func TestPollSkipsWatchWithoutStoredCredentials(t *testing.T) {
	f := setup(t, &fakeSearcher{
		state: cathay.SessionState{NeedsLogin: true},
	})
	addWatch(t, f, nil)

	f.daemon.PollOnce(context.Background())
	require.Zero(t, f.searcher.reloginCalls)
	require.Empty(t, f.searcher.searchDates)
}

func TestPollRetriesOnceWhenSessionExpiresMidSweep(t *testing.T) {
	searcher := &fakeSearcher{
		results:   map[string]cathay.SearchResult{},
		reloginOK: true,
	}
	expired := false
	searcher.onSearch = func(s *fakeSearcher, req cathay.SearchRequest) {
		if !expired {
			expired = true
			s.state.NeedsLogin = true
			s.results[req.DateYMD] = cathay.SearchResult{
				DateYMD: req.DateYMD, From: req.From, To: req.To,
				Error: "direct replay rejected: session required",
			}
			return
		}
		s.results[req.DateYMD] = directBusiness(req.DateYMD)
	}

	f := setup(t, searcher)
	addWatch(t, f, func(w *watches.Watch) { w.EndDate = w.StartDate })

	keys, err := keychain.New(testSecret)
	require.NoError(t, err)
	sealed, err := keys.Seal("hunter2")
	require.NoError(t, err)
	err = f.store.UpsertUser(context.Background(), watches.User{
		Email:          "traveler@example.com",
		MemberID:       "123456789",
		SealedPassword: sealed,
	})
	require.NoError(t, err)

	f.daemon.PollOnce(context.Background())

	require.Equal(t, 1, f.searcher.reloginCalls)
	require.Equal(t, []string{"20250301", "20250301"}, f.searcher.searchDates)
	require.Len(t, f.sender.to, 1)
}

func TestRenderMatchEmailEscapes(t *testing.T) {
	w := watches.Watch{From: "JFK", To: "HKG", StartDate: "2025-03-01", EndDate: "2025-03-02"}
	body := renderMatchEmail(w, []cathay.SearchResult{directBusiness("20250301")})
	require.Contains(t, body, "Sat, Mar 1 2025")
	require.Contains(t, body, "CX845")
	require.Contains(t, body, "16h05m")
	require.False(t, strings.Contains(body, "<script"))
}
