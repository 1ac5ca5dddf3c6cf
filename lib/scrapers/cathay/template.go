package cathay

import (
	"net/url"
)

// availabilityPath identifies the one meaningful backend request the booking
// flow issues; everything else on the page is rendering noise.
const availabilityPath = "/CathayPacificAwardV3/dyn/air/booking/availability"

// Form fields that key an availability request. Replay substitutes exactly
// these three and leaves every other captured field untouched.
const (
	fieldDepartureDate = "B_DATE_1"
	fieldOrigin        = "B_LOCATION_1"
	fieldDestination   = "E_LOCATION_1"
)

// requestTemplate is the captured shape of the availability request. It is
// scoped to the browsing profile that produced it and lives only for the
// process lifetime of the owning client.
type requestTemplate struct {
	Method string
	URL    string
	Fields url.Values
}

// templateFromCapture builds a template from an observed request. The form
// body must carry the three keying fields or the capture is discarded.
func templateFromCapture(method, reqURL, body string) (requestTemplate, bool) {
	fields, err := url.ParseQuery(body)
	if err != nil {
		return requestTemplate{}, false
	}
	for _, required := range []string{fieldDepartureDate, fieldOrigin, fieldDestination} {
		if !fields.Has(required) {
			return requestTemplate{}, false
		}
	}
	return requestTemplate{
		Method: method,
		URL:    reqURL,
		Fields: fields,
	}, true
}

// bind produces the replay form for a request, substituting only the
// date/origin/destination keying fields.
func (t requestTemplate) bind(req SearchRequest) url.Values {
	fields := url.Values{}
	for k, vs := range t.Fields {
		for _, v := range vs {
			fields.Add(k, v)
		}
	}
	// the engine's date field carries a YYYYMMDD0000 timestamp
	fields.Set(fieldDepartureDate, req.DateYMD+"0000")
	fields.Set(fieldOrigin, req.From)
	fields.Set(fieldDestination, req.To)
	return fields
}
