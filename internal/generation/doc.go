// Package generation abstracts the text-generation backend.
//
// A Client turns a Request (system prompt, history window and sampling
// settings) into a stream of Events. Fragments arrive as Events with Text set;
// the stream ends with exactly one terminal Event (Done or Err) and is then
// closed. Cancelling the context passed to Generate stops the stream: the
// client releases its connection and closes the channel without reporting an
// error to the caller that cancelled.
//
// Two clients are provided:
//
//   - Echo reflects the request back as a single fragment. It needs no
//     network and is used for local runs and tests.
//   - HTTPBackend talks to any OpenAI-compatible chat completions endpoint,
//     either streamed (Server-Sent Events) or as a single JSON body.
//
// # Errors
//
// Failures are delivered as the terminal Event's Err:
//
//   - ErrNetwork (wrapped) when the endpoint is unreachable or the connection
//     drops mid-stream.
//   - *APIError when the endpoint answers with a non-2xx status.
//   - ErrMalformedResponse (wrapped) when a body or chunk cannot be parsed.
//
// None of them are fatal to the caller; the channel actor reports them and
// keeps whatever text already arrived.
package generation
