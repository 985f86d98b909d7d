package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arclight-labs/arclight/core"
)

var (
	callMethod string
	callBody   string
	callQuery  []string
	callRaw    bool
)

var callCmd = &cobra.Command{
	Use:   "call <path>",
	Short: "Execute a unary API call",
	Long: `Execute a unary API call and print the response body.

Examples:
  arclight call /characters
  arclight call /chat --method POST --body '{"message":"hi"}'
  arclight call /image/img_1 --raw > image.png`,
	Args: cobra.ExactArgs(1),
	RunE: runCall,
}

func init() {
	rootCmd.AddCommand(callCmd)

	callCmd.Flags().StringVarP(&callMethod, "method", "X", http.MethodGet, "HTTP method")
	callCmd.Flags().StringVarP(&callBody, "body", "d", "", "JSON request body")
	callCmd.Flags().StringArrayVarP(&callQuery, "query", "q", nil, "query parameter key=value (repeatable)")
	callCmd.Flags().BoolVar(&callRaw, "raw", false, "print raw response bytes without JSON formatting")
}

func runCall(cmd *cobra.Command, args []string) error {
	client, err := buildClient()
	if err != nil {
		return err
	}
	defer client.Close()

	req, err := buildRequest(callMethod, args[0], callBody, callQuery)
	if err != nil {
		return err
	}

	if callRaw {
		body, err := client.DoBytes(cmd.Context(), req)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(body)
		return err
	}

	var out json.RawMessage
	if err := client.Do(cmd.Context(), req, &out); err != nil {
		return err
	}
	return printJSON(out)
}

// buildRequest assembles a core.Request from flag values.
func buildRequest(method, path, body string, query []string) (*core.Request, error) {
	req := &core.Request{
		Method: strings.ToUpper(method),
		Path:   path,
	}

	if body != "" {
		var payload json.RawMessage
		if err := json.Unmarshal([]byte(body), &payload); err != nil {
			return nil, fmt.Errorf("invalid --body JSON: %w", err)
		}
		req.JSON = payload
	}

	if len(query) > 0 {
		req.Query = url.Values{}
		for _, pair := range query {
			key, value, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, fmt.Errorf("invalid --query %q, want key=value", pair)
			}
			req.Query.Add(key, value)
		}
	}

	return req, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
