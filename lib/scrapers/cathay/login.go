package cathay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.opentelemetry.io/otel/codes"
)

// locator is one candidate strategy for finding a control on the sign-in
// page. The page is not under this system's control, so each control gets
// an ordered list of fallbacks to tolerate markup drift.
type locator struct {
	name     string
	selector string
}

var memberInputLocators = []locator{
	{"membership id field", "#membershipNumber"},
	{"membership name field", `input[name="membershipNumber"]`},
	{"username autocomplete field", `input[autocomplete="username"]`},
	{"first visible text field", `form input[type="text"]`},
}

var passwordInputLocators = []locator{
	{"password id field", "#password"},
	{"password name field", `input[name="password"]`},
	{"password type field", `input[type="password"]`},
}

var submitLocators = []locator{
	{"sign-in button", `button[type="submit"]`},
	{"sign-in input", `input[type="submit"]`},
	{"sign-in data hook", `[data-testid="signInButton"]`},
}

const probeTimeout = 3 * time.Second

// probe tries each locator in order and returns the first match, or a
// "not found" error naming every strategy tried.
func probe(page *rod.Page, locators []locator) (*rod.Element, error) {
	for _, l := range locators {
		el, err := page.Timeout(probeTimeout).Element(l.selector)
		if err != nil {
			continue
		}
		return el, nil
	}

	names := make([]string, len(locators))
	for i, l := range locators {
		names[i] = l.name
	}
	return nil, fmt.Errorf("no control matched %v", names)
}

// ReloginWithCredentials drives the airline's sign-in flow. The boolean is
// the sole outcome: any failure along the way is absorbed into false plus a
// session-state update, never a panic or error.
func (c *Client) ReloginWithCredentials(ctx context.Context, member, password string) bool {
	ctx, span := tracer.Start(ctx, "client:ReloginWithCredentials")
	defer span.End()

	c.profile.Lock()
	defer c.profile.Unlock()

	err := c.login(ctx, member, password)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "login flow failed")
		c.recordAttempt(err.Error(), true)
		return false
	}

	c.recordAttempt("", false)
	return true
}

func (c *Client) login(ctx context.Context, member, password string) error {
	_, err := c.profile.Ensure(ctx, false)
	if err != nil {
		return fmt.Errorf("ensure browsing context: %w", err)
	}

	page, err := c.profile.Page(ctx, signInURL)
	if err != nil {
		return fmt.Errorf("open sign-in page: %w", err)
	}
	defer page.Close()

	memberInput, err := probe(page, memberInputLocators)
	if err != nil {
		return fmt.Errorf("membership control: %w", err)
	}
	err = memberInput.Input(member)
	if err != nil {
		return fmt.Errorf("enter membership number: %w", err)
	}

	// the flow may ask for the member number and password on one screen
	// or across two; submitting between the fields covers both
	submit, err := probe(page, submitLocators)
	if err != nil {
		return fmt.Errorf("sign-in control: %w", err)
	}
	err = submit.Click(proto.InputMouseButtonLeft, 1)
	if err != nil {
		return fmt.Errorf("submit membership number: %w", err)
	}

	passwordInput, err := probe(page, passwordInputLocators)
	if err != nil {
		return fmt.Errorf("password control: %w", err)
	}
	err = passwordInput.Input(password)
	if err != nil {
		return fmt.Errorf("enter password: %w", err)
	}

	submit, err = probe(page, submitLocators)
	if err != nil {
		return fmt.Errorf("sign-in control: %w", err)
	}
	err = submit.Click(proto.InputMouseButtonLeft, 1)
	if err != nil {
		return fmt.Errorf("submit sign-in: %w", err)
	}

	err = page.Timeout(15 * time.Second).WaitLoad()
	if err != nil {
		return fmt.Errorf("wait for sign-in result: %w", err)
	}

	ok, err := verifyLogin(ctx, page)
	if err != nil {
		return fmt.Errorf("verify sign-in: %w", err)
	}
	if !ok {
		return fmt.Errorf("profile lookup returned no membership identifier")
	}
	return nil
}

// verifyLogin calls the airline's own profile-lookup endpoint inside the
// live browsing context. A membership identifier in the response is the
// sole success signal.
func verifyLogin(ctx context.Context, page *rod.Page) (bool, error) {
	res, err := page.Context(ctx).Eval(`async (url) => {
		const res = await fetch(url, { credentials: 'include' });
		return await res.text();
	}`, profileLookupURL)
	if err != nil {
		return false, err
	}

	var profile struct {
		MemberID string `json:"memberId"`
	}
	err = json.Unmarshal([]byte(res.Value.Str()), &profile)
	if err != nil {
		return false, nil
	}
	return profile.MemberID != "", nil
}
