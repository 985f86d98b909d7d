package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arclight-labs/arclight/core"
)

var (
	uploadFields []string
	uploadFiles  []string
)

var uploadCmd = &cobra.Command{
	Use:   "upload <path>",
	Short: "Execute a multipart upload",
	Long: `Execute a multipart upload and print the JSON response.

Examples:
  arclight upload /images --file image=portrait.png --field purpose=avatar
  arclight upload /audio/transcribe --file audio=sample.wav`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	uploadCmd.Flags().StringArrayVar(&uploadFields, "field", nil, "scalar field key=value (repeatable)")
	uploadCmd.Flags().StringArrayVar(&uploadFiles, "file", nil, "file part field=path (repeatable)")
}

func runUpload(cmd *cobra.Command, args []string) error {
	if len(uploadFiles) == 0 {
		return fmt.Errorf("at least one --file is required")
	}

	client, err := buildClient()
	if err != nil {
		return err
	}
	defer client.Close()

	form := core.NewForm()
	for _, pair := range uploadFields {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("invalid --field %q, want key=value", pair)
		}
		form.AddField(key, value)
	}
	for _, pair := range uploadFiles {
		field, path, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("invalid --file %q, want field=path", pair)
		}
		form.AddFile(field, core.FilePath(path))
	}

	var out json.RawMessage
	err = client.DoForm(cmd.Context(), &core.Request{
		Method: http.MethodPost,
		Path:   args[0],
	}, form, &out)
	if err != nil {
		return err
	}
	return printJSON(out)
}
