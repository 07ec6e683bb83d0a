package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rotateKeyCmd = &cobra.Command{
	Use:   "rotate-key <name>",
	Short: "Rotate an encryption key",
	Long: `Rotate the named encryption key. A new key version is generated and
activated; the prior version stays available for decrypting existing data.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result struct {
			Name    string `json:"name"`
			Version int    `json:"version"`
		}
		if err := postJSON("/api/v1/keys/rotate", map[string]string{"name": args[0]}, &result); err != nil {
			return err
		}
		fmt.Printf("rotated %s to version %d\n", result.Name, result.Version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rotateKeyCmd)
}
