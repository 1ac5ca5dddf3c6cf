package cathay

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"time"

	"awardwatch-backend/lib/browser"
	"awardwatch-backend/lib/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/go-rod/rod/lib/proto"
	"go.opentelemetry.io/otel/codes"
)

// replayOutcome classifies a direct-replay attempt. Every failure mode
// resolves to "try the browser-driven path"; only auth rejections
// additionally flag the session.
type replayOutcome int

const (
	replayOK replayOutcome = iota
	replayAuthRequired
	replayFailed
)

func newReplayClient(cookies []*proto.NetworkCookie) *resty.Client {
	client := resty.New()
	client.SetHeader("user-agent", browser.UserAgent())
	client.SetTimeout(time.Second * 30)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	for _, c := range cookies {
		client.SetCookie(&http.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
		})
	}

	telemetry.InstrumentResty(client, "scrapers/cathay/replay")
	return client
}

// directReplay reissues the captured availability request over the
// profile's existing cookie state, skipping page rendering entirely.
// It never raises outward: the outcome tells the orchestrator whether to
// fall back.
func (c *Client) directReplay(ctx context.Context, tpl requestTemplate, req SearchRequest) (SearchResult, replayOutcome) {
	ctx, span := tracer.Start(ctx, "client:directReplay")
	defer span.End()

	result := SearchResult{DateYMD: req.DateYMD, From: req.From, To: req.To}

	cookies, err := c.cookies()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "no cookie state for replay")
		return result, replayFailed
	}

	res, err := newReplayClient(cookies).R().
		SetContext(ctx).
		SetHeader("content-type", "application/x-www-form-urlencoded").
		SetFormDataFromValues(tpl.bind(req)).
		Execute(tpl.Method, tpl.URL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "replay transport failure")
		return result, replayFailed
	}

	switch res.StatusCode() {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		span.SetStatus(codes.Error, "replay rejected: session required")
		return result, replayAuthRequired
	default:
		span.SetStatus(codes.Error, "replay rejected: unexpected status")
		return result, replayFailed
	}

	flights, err := parseFlights(res.Body())
	if err != nil {
		if looksLikeAuthChallenge(res.Body()) {
			span.SetStatus(codes.Error, "replay answered with a sign-in page")
			return result, replayAuthRequired
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "replay body was not parseable")
		return result, replayFailed
	}

	result.Flights = flights
	return result, replayOK
}

// looksLikeAuthChallenge heuristically detects a sign-in page or bot
// interstitial served in place of the availability JSON.
func looksLikeAuthChallenge(body []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	if doc.Find("input[type=password]").Length() > 0 {
		return true
	}
	title := strings.ToLower(doc.Find("title").Text())
	for _, marker := range []string{"sign in", "log in", "access denied", "verification"} {
		if strings.Contains(title, marker) {
			return true
		}
	}
	return false
}
