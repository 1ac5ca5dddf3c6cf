package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"awardwatch-backend/lib/osutil"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sealCmd)
}

var sealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Encrypt a password from stdin for out-of-band provisioning.",
	Run: func(cmd *cobra.Command, args []string) {
		config, err := readConfig()
		if err != nil {
			osutil.Fatal("failed to read config", err)
		}
		keys, err := openKeychain(config)
		if err != nil {
			osutil.Fatal("failed to initialize keychain", err)
		}

		fmt.Fprint(os.Stderr, "password: ")
		plain, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			osutil.Fatal("failed to read password", err)
		}
		plain = strings.TrimRight(plain, "\r\n")
		if plain == "" {
			osutil.Fatal("empty password", fmt.Errorf("nothing to seal"))
		}

		sealed, err := keys.Seal(plain)
		if err != nil {
			osutil.Fatal("failed to seal password", err)
		}
		fmt.Fprintln(os.Stdout, sealed)
	},
}
