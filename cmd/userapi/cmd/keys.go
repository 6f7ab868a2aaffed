package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/keys"
)

// keyNames are the pairs the server loads: one per trusted signer.
var keyNames = []string{"cognito", "webhook", "session"}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Key management commands",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate RSA key pairs for local development",
	Long: `Writes cognito, webhook and session key pairs as <name>.key and <name>.pub
into --dir. Point the keys.* settings at the generated files.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		force, _ := cmd.Flags().GetBool("force")
		bits, _ := cmd.Flags().GetInt("bits")

		out := cmd.OutOrStdout()
		for _, name := range keyNames {
			key, err := keys.GenerateRSAKey(bits)
			if err != nil {
				return fmt.Errorf("generate %s key: %w", name, err)
			}
			privPath, pubPath, err := keys.WriteKeyPair(dir, name, key, force)
			if err != nil {
				return fmt.Errorf("write %s key: %w", name, err)
			}
			fmt.Fprintf(out, "%s\t%s\t%s\n", name, privPath, pubPath)
		}
		return nil
	},
}

func init() {
	keysGenerateCmd.Flags().String("dir", "keys", "Directory to write key pairs into")
	keysGenerateCmd.Flags().Bool("force", false, "Overwrite existing key files")
	keysGenerateCmd.Flags().Int("bits", 2048, "RSA modulus size")

	keysCmd.AddCommand(keysGenerateCmd)
	rootCmd.AddCommand(keysCmd)
}
