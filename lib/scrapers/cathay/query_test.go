package cathay

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSearchURLEncodesRequest(t *testing.T) {
	raw := SearchURL(SearchRequest{
		From:     "JFK",
		To:       "HKG",
		DateYMD:  "20250301",
		Adults:   2,
		Children: 1,
		Cabin:    CabinBusiness,
	})

	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "api.cathaypacific.com", u.Host)
	require.Equal(t, "/redibe/IBEFacade", u.Path)

	q := u.Query()
	require.Equal(t, "RED_AWARD_SEARCH", q.Get("ACTION"))
	require.Equal(t, "CX", q.Get("BRAND"))
	require.Equal(t, "JFK", q.Get("ORIGIN[1]"))
	require.Equal(t, "HKG", q.Get("DESTINATION[1]"))
	require.Equal(t, "20250301", q.Get("DEPARTUREDATE[1]"))
	require.Equal(t, "C", q.Get("CABINCLASS"))
	require.Equal(t, "2", q.Get("ADULT"))
	require.Equal(t, "1", q.Get("CHILD"))
	require.Equal(t, "false", q.Get("FLEXIBLEDATE"))
	require.NotEmpty(t, q.Get("ENTRYPOINT"))
	require.NotEmpty(t, q.Get("LOGINURL"))
}

func TestSearchURLDefaults(t *testing.T) {
	raw := SearchURL(SearchRequest{From: "JFK", To: "HKG", DateYMD: "20250301"})

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, "1", q.Get("ADULT"))
	require.Equal(t, "0", q.Get("CHILD"))
	require.Equal(t, "Y", q.Get("CABINCLASS"))
}

func TestSearchURLIsDeterministic(t *testing.T) {
	req := SearchRequest{From: "JFK", To: "HKG", DateYMD: "20250301", Adults: 1}
	require.Equal(t, SearchURL(req), SearchURL(req))
}

func TestToYMD(t *testing.T) {
	ymd, err := ToYMD("2025-03-01")
	require.NoError(t, err)
	require.Equal(t, "20250301", ymd)

	_, err = ToYMD("03/01/2025")
	require.Error(t, err)
	_, err = ToYMD("2025-13-40")
	require.Error(t, err)
}
