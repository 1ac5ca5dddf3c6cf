package cathay

import "time"

// Cabin is the booking-engine cabin class selector.
type Cabin string

const (
	CabinEconomy  Cabin = "Y"
	CabinPremium  Cabin = "W"
	CabinBusiness Cabin = "C"
	CabinFirst    Cabin = "F"
)

// Rank orders cabins from economy upward, for "at least this cabin" checks.
func (c Cabin) Rank() int {
	switch c {
	case CabinEconomy:
		return 0
	case CabinPremium:
		return 1
	case CabinBusiness:
		return 2
	case CabinFirst:
		return 3
	}
	return -1
}

func (c Cabin) Valid() bool { return c.Rank() >= 0 }

// SearchRequest is one logical single-day award search. Immutable per call.
type SearchRequest struct {
	// 3-letter IATA location codes.
	From string `json:"from"`
	To   string `json:"to"`
	// DateYMD is the airline's YYYYMMDD travel-date format.
	DateYMD  string `json:"date"`
	Adults   int    `json:"adults"`
	Children int    `json:"children"`
	// Cabin is the cabin floor passed to the booking engine; empty
	// defaults to economy.
	Cabin Cabin `json:"cabin,omitempty"`
}

// CabinAvailability is the four-bucket seat count for one itinerary.
type CabinAvailability struct {
	First    int `json:"first"`
	Business int `json:"business"`
	Premium  int `json:"premium"`
	Economy  int `json:"economy"`
}

// AtLeast reports whether any cabin at or above the floor has seats.
func (a CabinAvailability) AtLeast(floor Cabin) bool {
	buckets := []struct {
		cabin Cabin
		seats int
	}{
		{CabinEconomy, a.Economy},
		{CabinPremium, a.Premium},
		{CabinBusiness, a.Business},
		{CabinFirst, a.First},
	}
	threshold := floor.Rank()
	for _, b := range buckets {
		if b.cabin.Rank() >= threshold && b.seats > 0 {
			return true
		}
	}
	return false
}

// FlightOption is one bookable itinerary out of a single day's search.
type FlightOption struct {
	Direct           bool     `json:"direct"`
	MarketingAirline string   `json:"marketingAirline"`
	// FlightNumbers has one entry per physical segment, in order.
	FlightNumbers []string `json:"flightNumbers"`
	Origin        string   `json:"origin"`
	Destination   string   `json:"destination"`
	// StopCity labels intermediate stops for connecting itineraries.
	StopCity        string            `json:"stopCity,omitempty"`
	DepartureUTC    time.Time         `json:"departureUtc"`
	ArrivalUTC      time.Time         `json:"arrivalUtc"`
	DurationMinutes int               `json:"durationMinutes"`
	Availability    CabinAvailability `json:"availability"`
}

// SearchResult echoes the query and carries the flights found. Failure modes
// surface in Error, never as a panic or returned Go error.
type SearchResult struct {
	DateYMD string         `json:"date"`
	From    string         `json:"from"`
	To      string         `json:"to"`
	Flights []FlightOption `json:"flights"`
	Error   string         `json:"error,omitempty"`
}

// SessionState is the re-authentication signal collaborators poll. Updated
// by every search attempt and by the login automator.
type SessionState struct {
	NeedsLogin  bool      `json:"needsLogin"`
	LastError   string    `json:"lastError,omitempty"`
	LastCheckAt time.Time `json:"lastCheckAt"`
}
