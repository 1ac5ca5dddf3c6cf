package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"awardwatch-backend/lib/osutil"
	"awardwatch-backend/lib/scrapers/cathay"

	"github.com/spf13/cobra"
)

var searchFlags struct {
	profile  string
	from     string
	to       string
	date     string
	adults   int
	children int
	cabin    string
}

func init() {
	searchCmd.Flags().StringVar(&searchFlags.profile, "profile", "default", "browsing profile to search with")
	searchCmd.Flags().StringVar(&searchFlags.from, "from", "", "origin airport code")
	searchCmd.Flags().StringVar(&searchFlags.to, "to", "", "destination airport code")
	searchCmd.Flags().StringVar(&searchFlags.date, "date", "", "travel date (YYYY-MM-DD)")
	searchCmd.Flags().IntVar(&searchFlags.adults, "adults", 1, "adult passengers")
	searchCmd.Flags().IntVar(&searchFlags.children, "children", 0, "child passengers")
	searchCmd.Flags().StringVar(&searchFlags.cabin, "cabin", "Y", "cabin class (Y, W, C, F)")
	searchCmd.MarkFlagRequired("from")
	searchCmd.MarkFlagRequired("to")
	searchCmd.MarkFlagRequired("date")
	rootCmd.AddCommand(searchCmd)
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Run a one-off availability search and print the result as json.",
	Run: func(cmd *cobra.Command, args []string) {
		config, err := readConfig()
		if err != nil {
			osutil.Fatal("failed to read config", err)
		}

		dateYMD, err := cathay.ToYMD(searchFlags.date)
		if err != nil {
			osutil.Fatal("invalid date", err)
		}
		cabin := cathay.Cabin(searchFlags.cabin)
		if !cabin.Valid() {
			osutil.Fatal("invalid cabin", fmt.Errorf("%q is not one of Y, W, C, F", searchFlags.cabin))
		}

		browsers, registry := newRegistry(config)
		defer browsers.Shutdown()

		result, err := registry.Client(searchFlags.profile).Search(cmd.Context(), cathay.SearchRequest{
			From:     searchFlags.from,
			To:       searchFlags.to,
			DateYMD:  dateYMD,
			Adults:   searchFlags.adults,
			Children: searchFlags.children,
			Cabin:    cabin,
		})
		if err != nil {
			osutil.Fatal("search failed", err)
		}

		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			osutil.Fatal("failed to encode result", err)
		}
		fmt.Fprintln(os.Stdout, string(out))
	},
}
