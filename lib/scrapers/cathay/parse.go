package cathay

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// The availability payload either carries the itinerary model directly in
// modelObject, or as a JSON-encoded string nested in pageBom.
type rawPayload struct {
	ModelObject json.RawMessage `json:"modelObject"`
	PageBom     string          `json:"pageBom"`
}

type rawModel struct {
	Availabilities struct {
		Upsell struct {
			Bounds []rawBound `json:"bounds"`
		} `json:"upsell"`
	} `json:"availabilities"`
}

type rawBound struct {
	Flights []rawFlight `json:"flights"`
}

type rawFlight struct {
	FlightIDString string       `json:"flightIdString"`
	Duration       float64      `json:"duration"`
	Segments       []rawSegment `json:"segments"`
}

type rawSegment struct {
	FlightIdentifier struct {
		MarketingAirline string      `json:"marketingAirline"`
		FlightNumber     json.Number `json:"flightNumber"`
		OriginDate       int64       `json:"originDate"`
	} `json:"flightIdentifier"`
	OriginLocation      string `json:"originLocation"`
	DestinationLocation string `json:"destinationLocation"`
	DestinationDate     int64  `json:"destinationDate"`
	Cabins              map[string]struct {
		Status json.Number `json:"status"`
	} `json:"cabins"`
}

// status returns the seat count for one booking-class bucket; anything
// missing or malformed counts as zero availability, never as absent.
func (s rawSegment) status(code string) int {
	cabin, ok := s.Cabins[code]
	if !ok {
		return 0
	}
	n, err := cabin.Status.Int64()
	if err != nil {
		f, ferr := cabin.Status.Float64()
		if ferr != nil {
			return 0
		}
		n = int64(f)
	}
	if n < 0 {
		return 0
	}
	return int(n)
}

// availability maps the segment's booking-class statuses onto the four
// cabin buckets. Economy sums the E and R statuses before any
// cross-segment aggregation.
func (s rawSegment) availability() CabinAvailability {
	return CabinAvailability{
		First:    s.status("F"),
		Business: s.status("B"),
		Premium:  s.status("N"),
		Economy:  s.status("E") + s.status("R"),
	}
}

func minAvailability(a, b CabinAvailability) CabinAvailability {
	return CabinAvailability{
		First:    min(a.First, b.First),
		Business: min(a.Business, b.Business),
		Premium:  min(a.Premium, b.Premium),
		Economy:  min(a.Economy, b.Economy),
	}
}

// locationCode extracts the 3-letter code from the model's prefixed
// location identifiers.
func locationCode(loc string) string {
	if len(loc) < 3 {
		return loc
	}
	return loc[len(loc)-3:]
}

var stopCityPattern = regexp.MustCompile(`^[A-Z]{3}:([A-Z:]{3,7}):[A-Z]{3}_`)

func stopCityLabel(flightID string) string {
	groups := stopCityPattern.FindStringSubmatch(flightID)
	if len(groups) < 2 {
		return ""
	}
	return strings.ReplaceAll(groups[1], ":", " / ")
}

// parseFlights normalizes the raw availability payload into flight options.
// One pass over the first bound; the result is derived fresh on every call.
func parseFlights(payload []byte) ([]FlightOption, error) {
	var outer rawPayload
	err := json.Unmarshal(payload, &outer)
	if err != nil {
		return nil, fmt.Errorf("decode availability payload: %w", err)
	}

	var model rawModel
	switch {
	case len(outer.ModelObject) > 0 && string(outer.ModelObject) != "null":
		err = json.Unmarshal(outer.ModelObject, &model)
	case outer.PageBom != "":
		err = json.Unmarshal([]byte(outer.PageBom), &model)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode itinerary model: %w", err)
	}

	bounds := model.Availabilities.Upsell.Bounds
	if len(bounds) == 0 {
		return nil, nil
	}

	var flights []FlightOption
	for _, f := range bounds[0].Flights {
		segs := f.Segments
		if len(segs) == 0 {
			continue
		}

		first := segs[0]
		last := segs[len(segs)-1]

		carriers := make([]string, len(segs))
		numbers := make([]string, len(segs))
		avail := first.availability()
		for i, seg := range segs {
			carriers[i] = seg.FlightIdentifier.MarketingAirline
			numbers[i] = seg.FlightIdentifier.MarketingAirline + seg.FlightIdentifier.FlightNumber.String()
			if i > 0 {
				// a connection is only bookable end-to-end if every
				// segment has room
				avail = minAvailability(avail, seg.availability())
			}
		}

		direct := len(segs) == 1
		stopCity := ""
		if !direct {
			stopCity = stopCityLabel(f.FlightIDString)
		}

		flights = append(flights, FlightOption{
			Direct:           direct,
			MarketingAirline: strings.Join(carriers, "/"),
			FlightNumbers:    numbers,
			Origin:           locationCode(first.OriginLocation),
			Destination:      locationCode(last.DestinationLocation),
			StopCity:         stopCity,
			DepartureUTC:     time.UnixMilli(first.FlightIdentifier.OriginDate).UTC(),
			ArrivalUTC:       time.UnixMilli(last.DestinationDate).UTC(),
			DurationMinutes:  int(math.Round(f.Duration / 60000)),
			Availability:     avail,
		})
	}
	return flights, nil
}
