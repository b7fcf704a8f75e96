package commands

import (
	"github.com/spf13/cobra"
)

// NewKeysCommand creates the API key command
func NewKeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "reload",
		Short: "Reload the API key file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Status    string `json:"status"`
				KeysCount int    `json:"keys_count"`
			}
			if err := APIRequest("POST", "/admin/reload-keys", nil, &resp); err != nil {
				return err
			}
			if outputJSON {
				OutputJSON(resp)
				return nil
			}
			printf("Reloaded %d API keys\n", resp.KeysCount)
			return nil
		},
	})

	return cmd
}
