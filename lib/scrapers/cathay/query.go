package cathay

import (
	"fmt"
	"net/url"
	"time"
)

const (
	entryLanguage = "en"
	entryCountry  = "HK"

	facadeURL = "https://api.cathaypacific.com/redibe/IBEFacade"

	redeemPageURL = "https://www.cathaypacific.com/cx/" + entryLanguage + "_" + entryCountry +
		"/book-a-trip/redeem-flights/redeem-flight-awards.html"
	campaignLoginURL = "https://www.cathaypacific.com/cx/" + entryLanguage + "_" + entryCountry +
		"/sign-in/campaigns/miles-flight.html"
	signInURL = "https://www.cathaypacific.com/content/cx/" + entryLanguage + "_" + entryCountry +
		"/sign-in.html"

	profileLookupURL = "https://api.cathaypacific.com/redibe/login/getProfile"
)

// SearchURL encodes a logical search into the booking engine's deep link.
// Pure: no network or state access, same request always yields the same URL.
func SearchURL(req SearchRequest) string {
	adults := req.Adults
	if adults < 1 {
		adults = 1
	}
	children := req.Children
	if children < 0 {
		children = 0
	}
	cabin := req.Cabin
	if cabin == "" {
		cabin = CabinEconomy
	}

	params := url.Values{}
	params.Set("ACTION", "RED_AWARD_SEARCH")
	params.Set("ENTRYPOINT", redeemPageURL)
	params.Set("ENTRYLANGUAGE", entryLanguage)
	params.Set("ENTRYCOUNTRY", entryCountry)
	params.Set("RETURNURL", redeemPageURL+"?recent_search=ow")
	params.Set("ERRORURL", redeemPageURL+"?recent_search=ow")
	params.Set("CABINCLASS", string(cabin))
	params.Set("BRAND", "CX")
	params.Set("ADULT", fmt.Sprint(adults))
	params.Set("CHILD", fmt.Sprint(children))
	params.Set("FLEXIBLEDATE", "false")
	params.Set("ORIGIN[1]", req.From)
	params.Set("DESTINATION[1]", req.To)
	params.Set("DEPARTUREDATE[1]", req.DateYMD)
	params.Set("LOGINURL", campaignLoginURL)

	return facadeURL + "?" + params.Encode()
}

// ToYMD converts an ISO date (YYYY-MM-DD) into the airline's YYYYMMDD form.
func ToYMD(isoDate string) (string, error) {
	d, err := time.Parse("2006-01-02", isoDate)
	if err != nil {
		return "", fmt.Errorf("invalid date %q: %w", isoDate, err)
	}
	return d.Format("20060102"), nil
}
