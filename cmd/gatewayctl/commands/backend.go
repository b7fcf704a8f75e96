package commands

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/amerfu/infergate/internal/services/routing"
	"github.com/amerfu/infergate/internal/services/supervisor"
)

// NewBackendCommand creates the backend management command
func NewBackendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Manage backend engines",
		Long:  "Start, stop and inspect locally supervised engines and the registered instances",
	}

	cmd.AddCommand(newBackendStartCommand())
	cmd.AddCommand(newBackendStopCommand())
	cmd.AddCommand(newBackendRestartCommand())
	cmd.AddCommand(newBackendStatusCommand())
	cmd.AddCommand(newBackendListCommand())
	cmd.AddCommand(newBackendRegisterCommand())
	cmd.AddCommand(newBackendUnregisterCommand())

	return cmd
}

type startOptions struct {
	command string
	wait    bool
	timeout time.Duration
}

type startResponse struct {
	PID    int               `json:"pid"`
	Ready  *bool             `json:"ready,omitempty"`
	Status supervisor.Status `json:"status"`
}

func (o *startOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.command, "command", "", "launch command overriding the configured one")
	cmd.Flags().BoolVar(&o.wait, "wait", false, "wait until the engine serves requests")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 0, "readiness wait (default from gateway config)")
}

func (o startOptions) body() map[string]interface{} {
	body := map[string]interface{}{"command": o.command, "wait": o.wait}
	if o.timeout > 0 {
		body["timeout"] = int(o.timeout.Seconds())
	}
	return body
}

func startBackend(engine string, o startOptions) error {
	return launchBackend(engine, "start", "started", o.body())
}

func restartBackend(engine string, o startOptions, force bool) error {
	body := o.body()
	body["force"] = force
	return launchBackend(engine, "restart", "restarted", body)
}

func launchBackend(engine, action, done string, body map[string]interface{}) error {
	var resp startResponse
	if err := APIRequest("POST", "/admin/backends/"+url.PathEscape(engine)+"/"+action, body, &resp); err != nil {
		return err
	}
	if outputJSON {
		OutputJSON(resp)
		return nil
	}

	printf("%s %s (PID %d)\n", engine, done, resp.PID)
	if resp.Ready != nil {
		if *resp.Ready {
			printf("%s is ready\n", engine)
		} else {
			return fmt.Errorf("%s did not become ready, check %s", engine, resp.Status.LogFile)
		}
	}
	return nil
}

func stopBackend(engine string, force bool) error {
	var resp struct {
		Status supervisor.Status `json:"status"`
	}
	if err := APIRequest("POST", "/admin/backends/"+url.PathEscape(engine)+"/stop", map[string]bool{"force": force}, &resp); err != nil {
		return err
	}
	if outputJSON {
		OutputJSON(resp)
		return nil
	}
	printf("%s stopped\n", engine)
	return nil
}

func newBackendStartCommand() *cobra.Command {
	var o startOptions
	cmd := &cobra.Command{
		Use:   "start <engine>",
		Short: "Start a supervised engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return startBackend(args[0], o)
		},
	}
	o.bind(cmd)
	return cmd
}

func newBackendStopCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop <engine>",
		Short: "Stop a supervised engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return stopBackend(args[0], force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "kill after a short wait instead of the full stop timeout")
	return cmd
}

func newBackendRestartCommand() *cobra.Command {
	var o startOptions
	var force bool
	cmd := &cobra.Command{
		Use:   "restart <engine>",
		Short: "Stop then start a supervised engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return restartBackend(args[0], o, force)
		},
	}
	o.bind(cmd)
	cmd.Flags().BoolVar(&force, "force", false, "kill after a short wait instead of the full stop timeout")
	return cmd
}

func newBackendStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <engine>",
		Short: "Show a supervised engine's process status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st supervisor.Status
			if err := APIRequest("GET", "/admin/backends/"+url.PathEscape(args[0])+"/status", nil, &st); err != nil {
				return err
			}
			if outputJSON {
				OutputJSON(st)
				return nil
			}

			pid := "-"
			if st.PID > 0 {
				pid = strconv.Itoa(st.PID)
			}
			started := "-"
			if st.StartedAt != nil {
				started = st.StartedAt.Format(time.RFC3339)
			}
			OutputTable(
				[]string{"ENGINE", "STATE", "PID", "OWNED", "STARTED", "LOG"},
				[][]string{{st.Engine, string(st.State), pid, strconv.FormatBool(st.Owned), started, st.LogFile}},
			)
			if st.LastError != "" {
				printf("\nLast error: %s\n", st.LastError)
			}
			return nil
		},
	}
}

func newBackendListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Instances []routing.Instance             `json:"instances"`
				Conflicts []routing.Conflict             `json:"conflicts"`
				Manual    map[string]routing.ManualEntry `json:"manual"`
			}
			if err := APIRequest("GET", "/admin/backends", nil, &resp); err != nil {
				return err
			}
			if outputJSON {
				OutputJSON(resp)
				return nil
			}

			rows := make([][]string, 0, len(resp.Instances))
			for _, inst := range resp.Instances {
				rows = append(rows, []string{inst.ID, string(inst.Engine), inst.BaseURL})
			}
			OutputTable([]string{"ID", "ENGINE", "URL"}, rows)
			for _, c := range resp.Conflicts {
				printf("\nConflict: %s served by %v (not routed)\n", c.Model, c.Instances)
			}
			return nil
		},
	}
}

func newBackendRegisterCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "register <engine> <url>",
		Short: "Register an engine instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]string
			if err := APIRequest("POST", "/admin/backends", map[string]string{"engine": args[0], "url": args[1]}, &resp); err != nil {
				return err
			}
			if outputJSON {
				OutputJSON(resp)
				return nil
			}
			printf("Registered %s as %s\n", args[1], resp["id"])
			return nil
		},
	}
}

func newBackendUnregisterCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <url>",
		Short: "Unregister an engine instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := APIRequest("DELETE", "/admin/backends?url="+url.QueryEscape(args[0]), nil, nil); err != nil {
				return err
			}
			printf("Unregistered %s\n", args[0])
			return nil
		},
	}
}
