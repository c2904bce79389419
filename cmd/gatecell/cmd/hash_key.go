package cmd

import (
	"fmt"

	"github.com/alexedwards/argon2id"
	"github.com/spf13/cobra"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [admin-key]",
	Short: "Generate an Argon2id hash for the admin API key",
	Long: `Generate an Argon2id hash of an admin API key for use in config.

The output is a PHC-format string ("$argon2id$...") which goes in the
admin.key_hash config field. Clients then authenticate to the admin API
with "Authorization: Bearer <key>".

Example:
  gatecell hash-key "my-secret-admin-key"
  # Output: $argon2id$v=19$m=65536,t=1,p=...

Security note: The key will appear in shell history.
Consider clearing history after use or using an environment variable:
  gatecell hash-key "$GATECELL_ADMIN_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := argon2id.CreateHash(args[0], argon2id.DefaultParams)
		if err != nil {
			return fmt.Errorf("failed to hash key: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
