package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	apiURL     string
	apiKey     string
	outputJSON bool
	verbose    bool

	// stdout is swapped in tests.
	stdout io.Writer = os.Stdout
)

// SetAPIConfig sets the gateway address and the admin key.
func SetAPIConfig(url, key string) {
	apiURL = strings.TrimRight(url, "/")
	apiKey = key
}

// SetOutputJSON sets the output format preference
func SetOutputJSON(json bool) {
	outputJSON = json
}

// SetVerbose sets verbose output
func SetVerbose(v bool) {
	verbose = v
}

// HTTPClient is a configured HTTP client for API calls. Starting an engine
// with --wait can take minutes, so the timeout is generous.
var HTTPClient = &http.Client{
	Timeout: 15 * time.Minute,
}

// APIError is a non-2xx reply from the gateway.
type APIError struct {
	StatusCode int
	Message    string
	Hints      []string
	Summary    []string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "gateway returned %d: %s", e.StatusCode, e.Message)
	for _, h := range e.Hints {
		fmt.Fprintf(&b, "\n  hint: %s", h)
	}
	if len(e.Summary) > 0 {
		b.WriteString("\n  recent errors:")
		for _, l := range e.Summary {
			fmt.Fprintf(&b, "\n    %s", l)
		}
	}
	return b.String()
}

// APIRequest makes a request to the gateway admin API and decodes the reply
// into out when it is not nil.
func APIRequest(method, endpoint string, body, out interface{}) error {
	if apiURL == "" {
		return fmt.Errorf("gateway URL required")
	}

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequest(method, apiURL+endpoint, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	if verbose {
		fmt.Fprintf(os.Stderr, "Making %s request to: %s\n", method, apiURL+endpoint)
	}

	resp, err := HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, raw []byte) error {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Hints   []string `json:"hints"`
		Summary []string `json:"summary"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Error.Message == "" {
		return &APIError{StatusCode: status, Message: strings.TrimSpace(string(raw))}
	}
	return &APIError{StatusCode: status, Message: body.Error.Message, Hints: body.Hints, Summary: body.Summary}
}

// OutputTable outputs data in table format
func OutputTable(headers []string, rows [][]string) {
	if outputJSON {
		// Convert table to JSON structure
		jsonRows := make([]map[string]string, 0, len(rows))
		for _, row := range rows {
			jsonRow := make(map[string]string)
			for i, cell := range row {
				if i < len(headers) {
					jsonRow[headers[i]] = cell
				}
			}
			jsonRows = append(jsonRows, jsonRow)
		}
		OutputJSON(jsonRows)
		return
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, strings.Join(headers, "\t"))
	sep := make([]string, len(headers))
	for i := range sep {
		sep[i] = "---"
	}
	_, _ = fmt.Fprintln(w, strings.Join(sep, "\t"))
	for _, row := range rows {
		_, _ = fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
}

// OutputJSON outputs data in JSON format
func OutputJSON(data interface{}) {
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
	}
}

func printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(stdout, format, args...)
}

// NewConfigCommand shows the CLI's effective settings.
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if outputJSON {
				OutputJSON(map[string]interface{}{
					"api_url":     apiURL,
					"api_key_set": apiKey != "",
					"output_json": outputJSON,
					"verbose":     verbose,
				})
				return nil
			}
			printf("API URL: %s\n", apiURL)
			printf("API Key Set: %v\n", apiKey != "")
			printf("Verbose: %v\n", verbose)
			return nil
		},
	})

	return cmd
}
