package commands

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var (
	streamMethod string
	streamBody   string
	streamQuery  []string
	streamRaw    bool
)

var streamCmd = &cobra.Command{
	Use:   "stream <path>",
	Short: "Execute a streaming API call",
	Long: `Execute a streaming API call, printing each chunk as it arrives.

By default the endpoint is treated as server-sent events and each JSON
chunk is printed on its own line. With --raw, response bytes are relayed
verbatim to stdout.

Examples:
  arclight stream /chat/streaming --body '{"message":"tell me a story"}'
  arclight stream /audio/voice/v_1 --raw > voice.wav`,
	Args: cobra.ExactArgs(1),
	RunE: runStream,
}

func init() {
	rootCmd.AddCommand(streamCmd)

	streamCmd.Flags().StringVarP(&streamMethod, "method", "X", http.MethodPost, "HTTP method")
	streamCmd.Flags().StringVarP(&streamBody, "body", "d", "", "JSON request body")
	streamCmd.Flags().StringArrayVarP(&streamQuery, "query", "q", nil, "query parameter key=value (repeatable)")
	streamCmd.Flags().BoolVar(&streamRaw, "raw", false, "relay raw bytes instead of decoding SSE")
}

func runStream(cmd *cobra.Command, args []string) error {
	client, err := buildClient()
	if err != nil {
		return err
	}
	defer client.Close()

	req, err := buildRequest(streamMethod, args[0], streamBody, streamQuery)
	if err != nil {
		return err
	}

	if streamRaw {
		stream, err := client.StreamRaw(cmd.Context(), req)
		if err != nil {
			return err
		}
		defer stream.Close()

		for stream.Next() {
			if _, err := os.Stdout.Write(stream.Bytes()); err != nil {
				return err
			}
		}
		return stream.Err()
	}

	stream, err := client.Stream(cmd.Context(), req)
	if err != nil {
		return err
	}
	defer stream.Close()

	for stream.Next() {
		fmt.Println(string(stream.Current()))
	}
	return stream.Err()
}
