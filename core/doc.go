// Package core provides the HTTP transport and streaming-protocol engine
// for the Arclight API client.
//
// Resource wrappers (chat, images, audio, embeddings, characters, API
// keys) are thin layers over this package: they only need the four call
// shapes exposed by [Client].
//
// # Client
//
// The entry point is [New], which validates the credential once at
// construction:
//
//	client, err := core.New(os.Getenv("ARCLIGHT_API_KEY"),
//	    core.WithTimeout(30*time.Second),
//	    core.WithMaxRetries(3),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
// # Call shapes
//
// Unary JSON:
//
//	var out chatTurn
//	err := client.Do(ctx, &core.Request{
//	    Method: http.MethodPost,
//	    Path:   "/chat",
//	    JSON:   payload,
//	}, &out)
//
// SSE streaming:
//
//	stream, err := client.Stream(ctx, &core.Request{Method: http.MethodPost, Path: "/chat/streaming", JSON: payload})
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//	for stream.Next() {
//	    var chunk chatChunk
//	    if err := stream.Decode(&chunk); err != nil { ... }
//	}
//	if err := stream.Err(); err != nil { ... }
//
// Raw byte streaming uses [Client.StreamRaw]; multipart uploads use
// [Client.DoForm] with a [Form] built from [FilePath], [FileBytes], or
// [FileReader] sources.
//
// # Errors
//
// Every failure surfaces as an [*APIError] carrying the attempted method
// and URL, the HTTP status when one was received, and a [Kind]. Match
// classes with errors.Is against the package sentinels:
//
//	if errors.Is(err, core.ErrRateLimited) { ... }
//
// Retryable failures (429, 5xx, timeouts, connection faults) are retried
// with exponential backoff before surfacing; server Retry-After hints
// override the computed delay.
package core
