package commands

import (
	"fmt"
	"log/slog"
	"os"

	"awardwatch-backend/lib/osutil"

	"github.com/spf13/cobra"
)

var loginFlags struct {
	profile string
	member  string
}

func init() {
	loginCmd.Flags().StringVar(&loginFlags.profile, "profile", "default", "browsing profile to sign in")
	loginCmd.Flags().StringVar(&loginFlags.member, "member", "", "membership number for automated sign-in")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in a browsing profile, interactively or with credentials.",
	Long: `Without --member, opens a visible browser window on the sign-in page and
waits until interrupted; cookies persist in the profile directory. With
--member, reads the password from stdin and runs the automated sign-in.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := osutil.SignalContext()

		config, err := readConfig()
		if err != nil {
			osutil.Fatal("failed to read config", err)
		}

		browsers, registry := newRegistry(config)
		defer browsers.Shutdown()
		client := registry.Client(loginFlags.profile)

		if loginFlags.member != "" {
			fmt.Fprint(os.Stderr, "password: ")
			var password string
			_, err := fmt.Scanln(&password)
			if err != nil {
				osutil.Fatal("failed to read password", err)
			}

			if !client.ReloginWithCredentials(ctx, loginFlags.member, password) {
				osutil.Fatal("sign-in failed", fmt.Errorf("state: %+v", client.SessionState()))
			}
			slog.Info("signed in", "profile", loginFlags.profile)
			return
		}

		err = client.OpenLoginWindow(ctx)
		if err != nil {
			osutil.Fatal("failed to open login window", err)
		}
		slog.Info("login window open, press ctrl-c when done", "profile", loginFlags.profile)
		<-ctx.Done()
	},
}
