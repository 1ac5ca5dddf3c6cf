// Package monitor polls watch rules against the award search client and
// notifies users when seats show up.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"awardwatch-backend/lib/keychain"
	"awardwatch-backend/lib/scrapers/cathay"
	"awardwatch-backend/services/watches"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("services/monitor")
var meter = otel.Meter("services/monitor")

// Searcher is the slice of the award client the daemon consumes.
type Searcher interface {
	Search(ctx context.Context, req cathay.SearchRequest) (cathay.SearchResult, error)
	SessionState() cathay.SessionState
	ReloginWithCredentials(ctx context.Context, member, password string) bool
	Warmup(ctx context.Context) error
}

// ClientSource yields the searcher bound to a user's browsing profile.
type ClientSource func(profileKey string) Searcher

// Sender delivers one notification message.
type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

type Options struct {
	// PollInterval is the cadence of full watch sweeps.
	PollInterval time.Duration
	// CacheMaxAge is how fresh a cached day result must be to skip a live
	// search during a sweep.
	CacheMaxAge time.Duration
	// SearchesPerMinute paces live searches across all watches.
	SearchesPerMinute int
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Hour
	}
	if o.CacheMaxAge <= 0 {
		o.CacheMaxAge = 55 * time.Minute
	}
	if o.SearchesPerMinute <= 0 {
		o.SearchesPerMinute = 6
	}
	return o
}

type Daemon struct {
	store    watches.Service
	clients  ClientSource
	keys     *keychain.Keychain
	sender   Sender
	limiter  *rate.Limiter
	options  Options
	searches metric.Int64Counter
	notices  metric.Int64Counter
}

func NewDaemon(
	store watches.Service,
	clients ClientSource,
	keys *keychain.Keychain,
	sender Sender,
	options Options,
) (*Daemon, error) {
	options = options.withDefaults()

	searches, err := meter.Int64Counter(
		"monitor_live_searches_total",
		metric.WithDescription("The total amount of live availability searches issued by the poller."),
	)
	if err != nil {
		return nil, err
	}
	notices, err := meter.Int64Counter(
		"monitor_notifications_total",
		metric.WithDescription("The total amount of notification emails sent."),
	)
	if err != nil {
		return nil, err
	}

	return &Daemon{
		store:    store,
		clients:  clients,
		keys:     keys,
		sender:   sender,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(options.SearchesPerMinute)), 1),
		options:  options,
		searches: searches,
		notices:  notices,
	}, nil
}

func (d *Daemon) Start(ctx context.Context) {
	go d.loop(ctx)
}

func (d *Daemon) loop(ctx context.Context) {
	slog.InfoContext(ctx, "started award watch poller",
		"interval", d.options.PollInterval.String())

	ticker := time.NewTicker(d.options.PollInterval)
	d.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			ticker.Stop()
			return
		case <-ticker.C:
			d.PollOnce(ctx)
		}
	}
}

// PollOnce sweeps every watch. Failures are logged and skipped; one broken
// watch never stalls the rest of the sweep.
func (d *Daemon) PollOnce(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "PollOnce")
	defer span.End()

	sweep := uuid.NewString()
	span.SetAttributes(attribute.String("sweep", sweep))

	all, err := d.store.ListWatches(ctx, "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list watches")
		return
	}

	// one relogin attempt and one session warmup per user per sweep
	reloginTried := map[string]bool{}
	warmed := map[string]bool{}

	for _, w := range all {
		if !warmed[w.UserEmail] {
			warmed[w.UserEmail] = true
			err := d.clients(w.UserEmail).Warmup(ctx)
			if err != nil {
				slog.WarnContext(ctx, "session warmup failed",
					"sweep", sweep, "user", w.UserEmail, "err", err)
			}
		}

		err := d.pollWatch(ctx, w, reloginTried)
		if err != nil {
			slog.WarnContext(ctx, "watch sweep failed",
				"sweep", sweep, "watch", w.ID, "user", w.UserEmail, "err", err)
		}
	}
}

// ensureSession tries a stored-credential relogin when the session is
// flagged. Returns false when the session is unusable for this sweep.
func (d *Daemon) ensureSession(ctx context.Context, client Searcher, email string, tried map[string]bool) bool {
	if !client.SessionState().NeedsLogin {
		return true
	}
	if tried[email] {
		return false
	}
	tried[email] = true

	user, err := d.store.GetUser(ctx, email)
	if err != nil {
		slog.WarnContext(ctx, "session needs login but no credentials on file", "user", email)
		return false
	}
	password, err := d.keys.Open(user.SealedPassword)
	if err != nil {
		slog.WarnContext(ctx, "failed to unseal stored credentials", "user", email, "err", err)
		return false
	}
	return client.ReloginWithCredentials(ctx, user.MemberID, password)
}

func (d *Daemon) pollWatch(ctx context.Context, w watches.Watch, reloginTried map[string]bool) error {
	ctx, span := tracer.Start(ctx, "pollWatch")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("watch", w.ID),
		attribute.String("from", w.From),
		attribute.String("to", w.To),
	)

	client := d.clients(w.UserEmail)
	if !d.ensureSession(ctx, client, w.UserEmail, reloginTried) {
		span.SetStatus(codes.Error, "session requires login")
		return fmt.Errorf("session for %s requires login", w.UserEmail)
	}

	dates, err := w.Dates()
	if err != nil {
		span.RecordError(err)
		return err
	}

	var found []cathay.SearchResult
	for _, date := range dates {
		req := cathay.SearchRequest{
			From:     w.From,
			To:       w.To,
			DateYMD:  date,
			Adults:   w.Adults,
			Children: w.Children,
			Cabin:    w.MinCabin,
		}

		result, err := d.search(ctx, client, req)
		if err != nil {
			return err
		}
		if result.Error != "" {
			if client.SessionState().NeedsLogin {
				if !d.ensureSession(ctx, client, w.UserEmail, reloginTried) {
					return fmt.Errorf("session for %s requires login", w.UserEmail)
				}
				result, err = d.search(ctx, client, req)
				if err != nil {
					return err
				}
			}
			if result.Error != "" {
				slog.WarnContext(ctx, "day search failed",
					"watch", w.ID, "date", date, "err", result.Error)
				continue
			}
		}

		matches := matchingFlights(result.Flights, w)
		if len(matches) > 0 {
			result.Flights = matches
			found = append(found, result)
		}
	}

	if len(found) == 0 {
		return nil
	}
	return d.notify(ctx, w, found)
}

// search consults the shared cache first and paces live requests.
func (d *Daemon) search(ctx context.Context, client Searcher, req cathay.SearchRequest) (cathay.SearchResult, error) {
	cached, ok, err := d.store.CachedResult(ctx, req, d.options.CacheMaxAge)
	if err != nil {
		return cathay.SearchResult{}, err
	}
	if ok {
		return cached, nil
	}

	err = d.limiter.Wait(ctx)
	if err != nil {
		return cathay.SearchResult{}, err
	}

	result, err := client.Search(ctx, req)
	if err != nil {
		return cathay.SearchResult{}, err
	}
	d.searches.Add(ctx, 1)

	// failed days are not cached so a recovered session can retry them
	if result.Error == "" {
		err = d.store.CacheResult(ctx, req, result)
		if err != nil {
			return cathay.SearchResult{}, err
		}
	}
	return result, nil
}

// matchingFlights applies the watch's nonstop and cabin-floor filters.
func matchingFlights(flights []cathay.FlightOption, w watches.Watch) []cathay.FlightOption {
	var matches []cathay.FlightOption
	for _, f := range flights {
		if w.NonstopOnly && !f.Direct {
			continue
		}
		if !f.Availability.AtLeast(w.MinCabin) {
			continue
		}
		matches = append(matches, f)
	}
	return matches
}

func (d *Daemon) notify(ctx context.Context, w watches.Watch, found []cathay.SearchResult) error {
	ctx, span := tracer.Start(ctx, "notify")
	defer span.End()

	subject := fmt.Sprintf("Award seats found: %s to %s", w.From, w.To)
	err := d.sender.Send(ctx, w.UserEmail, subject, renderMatchEmail(w, found))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send notification")
		return err
	}

	d.notices.Add(ctx, 1)
	slog.InfoContext(ctx, "sent availability notification",
		"watch", w.ID, "user", w.UserEmail, "days", len(found))
	return nil
}
