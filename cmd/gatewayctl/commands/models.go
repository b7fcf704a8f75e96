package commands

import (
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/amerfu/infergate/internal/services/routing"
)

// NewModelsCommand creates the model routing command
func NewModelsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect and manage model routing",
	}

	cmd.AddCommand(newModelsListCommand())
	cmd.AddCommand(newModelsRefreshCommand())
	cmd.AddCommand(newModelsPinCommand())
	cmd.AddCommand(newModelsUnpinCommand())

	return cmd
}

func newModelsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List routable models",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Data []struct {
					ID      string `json:"id"`
					OwnedBy string `json:"owned_by"`
				} `json:"data"`
			}
			if err := APIRequest("GET", "/v1/models", nil, &resp); err != nil {
				return err
			}

			rows := make([][]string, 0, len(resp.Data))
			for _, m := range resp.Data {
				rows = append(rows, []string{m.ID, m.OwnedBy})
			}
			OutputTable([]string{"MODEL", "ENGINE"}, rows)
			return nil
		},
	}
}

func newModelsRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Re-run model discovery on every instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			var res routing.RefreshResult
			if err := APIRequest("POST", "/admin/models/refresh", nil, &res); err != nil {
				return err
			}
			if outputJSON {
				OutputJSON(res)
				return nil
			}

			models := make([]string, 0, len(res.Discovered))
			for m := range res.Discovered {
				models = append(models, m)
			}
			sort.Strings(models)
			rows := make([][]string, 0, len(models))
			for _, m := range models {
				t := res.Discovered[m]
				rows = append(rows, []string{m, string(t.Engine), t.BaseURL})
			}
			OutputTable([]string{"MODEL", "ENGINE", "URL"}, rows)

			for _, c := range res.Conflicts {
				printf("\nConflict: %s served by %s (not routed)\n", c.Model, strings.Join(c.Instances, ", "))
			}
			for _, u := range res.Failed {
				printf("\nUnreachable: %s\n", u)
			}
			return nil
		},
	}
}

func newModelsPinCommand() *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "pin <model> <engine>",
		Short: "Pin a model to an engine, overriding discovery",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"engine": args[1]}
			if baseURL != "" {
				body["url"] = baseURL
			}
			if err := APIRequest("PUT", "/admin/models/"+args[0], body, nil); err != nil {
				return err
			}
			printf("Pinned %s to %s\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "specific instance URL")
	return cmd
}

func newModelsUnpinCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unpin <model>",
		Short: "Remove a manual model mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := APIRequest("DELETE", "/admin/models/"+args[0], nil, nil); err != nil {
				return err
			}
			printf("Unpinned %s\n", args[0])
			return nil
		},
	}
}
