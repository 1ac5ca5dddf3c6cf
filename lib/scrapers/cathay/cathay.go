// Package cathay implements the award-availability search client. A logical
// query either replays the captured availability request directly over the
// profile's cookies, or falls back to rendering the booking flow in the
// profile's browser and observing the availability response.
package cathay

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"awardwatch-backend/lib/browser"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/cathay")

// Bound wait for the availability response during the browser flow.
const responseTimeout = 45 * time.Second

const (
	msgNoResponse  = "no availability response (possible bot check or session required)"
	msgInvalidJSON = "invalid JSON from availability endpoint"
)

// Client is the search client for one browsing profile. Collaborators get
// one per user identity through the Registry; there is no ambient global
// client.
type Client struct {
	profile *browser.Profile

	// seams for the executors; tests swap these to avoid a live browser
	browserSearch func(ctx context.Context, req SearchRequest) (SearchResult, error)
	cookies       func() ([]*proto.NetworkCookie, error)

	mu    sync.Mutex
	state SessionState
	tpl   *requestTemplate
}

func newClient(profile *browser.Profile) *Client {
	c := &Client{profile: profile}
	c.browserSearch = c.searchViaBrowser
	c.cookies = profile.Cookies
	return c
}

// Registry hands out the client associated with a profile key.
type Registry struct {
	browsers *browser.Manager
	mu       sync.Mutex
	clients  map[string]*Client
}

func NewRegistry(browsers *browser.Manager) *Registry {
	return &Registry{
		browsers: browsers,
		clients:  make(map[string]*Client),
	}
}

func (r *Registry) Client(profileKey string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[profileKey]; ok {
		return c
	}
	c := newClient(r.browsers.Profile(profileKey))
	r.clients[profileKey] = c
	return c
}

// SessionState snapshots the re-authentication signal for this profile.
func (c *Client) SessionState() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) template() (requestTemplate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tpl == nil {
		return requestTemplate{}, false
	}
	return *c.tpl, true
}

// setTemplate overwrites the profile's template. Captures racing on the
// same profile are last-write-wins: a stale template only costs a replay
// miss, never a wrong result.
func (c *Client) setTemplate(tpl requestTemplate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tpl = &tpl
}

// recordAttempt folds one search or login attempt into the session state.
// Auth rejections latch needsLogin; a clean attempt clears it; other
// failures leave it untouched.
func (c *Client) recordAttempt(lastErr string, authRequired bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.LastCheckAt = time.Now()
	c.state.LastError = lastErr
	if authRequired {
		c.state.NeedsLogin = true
	} else if lastErr == "" {
		c.state.NeedsLogin = false
	}
}

func containsAuthIndicator(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range []string{"session required", "sign in", "log in", "bot check", "unauthorized"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Search runs one single-day availability query. Ordinary failures (auth,
// timeout, parse) surface inside the result and session state; the returned
// error is reserved for unrecoverable setup failures such as being unable
// to launch the browsing context.
func (c *Client) Search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	ctx, span := tracer.Start(ctx, "client:Search")
	defer span.End()

	if tpl, ok := c.template(); ok {
		result, outcome := c.directReplay(ctx, tpl, req)
		switch outcome {
		case replayOK:
			c.recordAttempt("", false)
			return result, nil
		case replayAuthRequired:
			c.recordAttempt("direct replay rejected: session required", true)
		}
		slog.DebugContext(ctx, "direct replay failed over to browser flow",
			"profile", c.profile.Key(),
			"from", req.From, "to", req.To, "date", req.DateYMD,
		)
	}

	result, err := c.browserSearch(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "browsing context unavailable")
		c.recordAttempt(err.Error(), false)
		return SearchResult{}, err
	}

	c.recordAttempt(result.Error, containsAuthIndicator(result.Error))
	return result, nil
}

type capturedExchange struct {
	method   string
	url      string
	reqBody  string
	respBody string
	loadErr  error
}

// searchViaBrowser renders the deep link and waits for the availability
// POST. The matching exchange also feeds template capture. The page is
// released on every exit path.
func (c *Client) searchViaBrowser(ctx context.Context, req SearchRequest) (SearchResult, error) {
	ctx, span := tracer.Start(ctx, "client:searchViaBrowser")
	defer span.End()

	c.profile.Lock()
	defer c.profile.Unlock()

	result := SearchResult{DateYMD: req.DateYMD, From: req.From, To: req.To}

	_, err := c.profile.Ensure(ctx, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to ensure browsing context")
		return result, err
	}

	page, err := c.profile.Page(ctx, "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open page")
		return result, err
	}
	defer page.Close()

	captured := make(chan capturedExchange, 1)

	router := page.HijackRequests()
	err = router.Add("*"+availabilityPath+"*", "", func(h *rod.Hijack) {
		if h.Request.Method() != http.MethodPost {
			h.ContinueRequest(&proto.FetchContinueRequest{})
			return
		}
		exchange := capturedExchange{
			method:  h.Request.Method(),
			url:     h.Request.URL().String(),
			reqBody: h.Request.Body(),
		}
		exchange.loadErr = h.LoadResponse(http.DefaultClient, true)
		if exchange.loadErr == nil {
			exchange.respBody = h.Response.Body()
		}
		select {
		case captured <- exchange:
		default:
		}
	})
	if err != nil {
		span.RecordError(err)
		return result, err
	}
	go router.Run()
	defer router.Stop()

	err = page.Context(ctx).Navigate(SearchURL(req))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "navigation failed")
		result.Error = msgNoResponse
		return result, nil
	}

	return c.awaitAvailability(ctx, req, captured, responseTimeout), nil
}

// awaitAvailability blocks until the hijacked availability exchange arrives,
// the timeout fires or the context is cancelled, and folds the outcome into
// a well-formed result. Template capture is a side effect of a matched
// exchange, even when its body turns out unparseable.
func (c *Client) awaitAvailability(ctx context.Context, req SearchRequest, captured <-chan capturedExchange, wait time.Duration) SearchResult {
	ctx, span := tracer.Start(ctx, "client:awaitAvailability")
	defer span.End()

	result := SearchResult{DateYMD: req.DateYMD, From: req.From, To: req.To}

	timeout := time.NewTimer(wait)
	defer timeout.Stop()

	select {
	case exchange := <-captured:
		if exchange.loadErr != nil {
			span.RecordError(exchange.loadErr)
			span.SetStatus(codes.Error, "availability response unavailable")
			result.Error = msgNoResponse
			return result
		}

		if tpl, ok := templateFromCapture(exchange.method, exchange.url, exchange.reqBody); ok {
			c.setTemplate(tpl)
			slog.DebugContext(ctx, "captured availability request template",
				"profile", c.profile.Key(), "url", tpl.URL)
		}

		flights, err := parseFlights([]byte(exchange.respBody))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "availability body was not parseable")
			result.Error = msgInvalidJSON
			return result
		}
		result.Flights = flights
		return result

	case <-timeout.C:
		span.SetStatus(codes.Error, "timed out waiting for availability response")
		result.Error = msgNoResponse
		return result

	case <-ctx.Done():
		span.SetStatus(codes.Error, "cancelled waiting for availability response")
		result.Error = msgNoResponse
		return result
	}
}

// Warmup primes the profile's session by rendering the redeem entry page.
func (c *Client) Warmup(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "client:Warmup")
	defer span.End()

	c.profile.Lock()
	defer c.profile.Unlock()

	_, err := c.profile.Ensure(ctx, false)
	if err != nil {
		span.RecordError(err)
		return err
	}

	page, err := c.profile.Page(ctx, redeemPageURL)
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer page.Close()

	time.Sleep(1500 * time.Millisecond)
	return nil
}

// OpenLoginWindow tears down the profile's context and relaunches it
// visibly on the sign-in page. It does not determine sign-in success; that
// is the human operator's job (or ReloginWithCredentials when driven
// programmatically). Cookies persist in the profile directory.
func (c *Client) OpenLoginWindow(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "client:OpenLoginWindow")
	defer span.End()

	c.profile.Lock()
	defer c.profile.Unlock()

	_, err := c.profile.Relaunch(ctx, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to relaunch visibly")
		return err
	}

	// the page stays open for the operator to authenticate
	_, err = c.profile.Page(ctx, signInURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open sign-in page")
		return err
	}
	return nil
}
