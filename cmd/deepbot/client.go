// ABOUTME: Operations API client behind the say and tail subcommands
// ABOUTME: Posts injected messages and follows a channel's server-sent event stream

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/deepbot/internal/conversation"
	"github.com/2389/deepbot/internal/gateway"
)

// TokenEnvVar holds a bearer token for the operations API.
const TokenEnvVar = "DEEPBOT_TOKEN"

// errStreamDone stops a stream after the awaited generation finished.
var errStreamDone = errors.New("stream done")

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	Name string
	Data string
}

// opsClient talks to a running bot's operations API.
type opsClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func newOpsClient(baseURL, token string) *opsClient {
	return &opsClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
	}
}

func (c *opsClient) channelURL(channelID, suffix string) string {
	return c.baseURL + "/api/channels/" + url.PathEscape(channelID) + suffix
}

func (c *opsClient) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// Inject posts a message to a channel.
func (c *opsClient) Inject(ctx context.Context, channelID string, in gateway.InjectRequest) (*gateway.InjectResponse, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.channelURL(channelID, "/messages"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, handleErrorResponse(resp)
	}
	var out gateway.InjectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &out, nil
}

// Stream follows a channel's events until ctx ends, the server closes the
// stream, or onEvent returns an error. errStreamDone from onEvent ends the
// stream without error.
func (c *opsClient) Stream(ctx context.Context, channelID string, onEvent func(sseEvent) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.channelURL(channelID, "/stream"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return handleErrorResponse(resp)
	}

	err = parseSSEStream(resp.Body, onEvent)
	if errors.Is(err, errStreamDone) || ctx.Err() != nil {
		return nil
	}
	return err
}

// handleErrorResponse extracts error message from non-2xx responses.
func handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("api error (%d): %s", resp.StatusCode, errResp.Error)
		}
	}
	return fmt.Errorf("api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// parseSSEStream reads SSE events from body. Comment lines are skipped.
func parseSSEStream(body io.Reader, onEvent func(sseEvent) error) error {
	scanner := bufio.NewScanner(body)

	var name string
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if name != "" && len(dataLines) > 0 {
				if err := onEvent(sseEvent{Name: name, Data: strings.Join(dataLines, "\n")}); err != nil {
					return err
				}
			}
			name = ""
			dataLines = nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading SSE stream: %w", err)
	}
	return nil
}

// printEvent writes a stream event for a terminal. It reports whether the
// event ended a generation.
func printEvent(w io.Writer, ev sseEvent) (bool, error) {
	if ev.Name == "ready" {
		return false, nil
	}
	var data conversation.Event
	if err := json.Unmarshal([]byte(ev.Data), &data); err != nil {
		return false, fmt.Errorf("decoding %s event: %w", ev.Name, err)
	}

	switch conversation.EventKind(ev.Name) {
	case conversation.EventLine:
		fmt.Fprintln(w, data.Text)
	case conversation.EventDone:
		suffix := ""
		if data.Truncated {
			suffix = ", truncated"
		}
		color.New(color.FgGreen).Fprintf(w, "  [%s, %d lines%s]\n", data.Outcome, data.Lines, suffix)
		return true, nil
	case conversation.EventError:
		color.New(color.FgRed).Fprintf(w, "  [%s: %s]\n", data.Outcome, data.Text)
		return true, nil
	case conversation.EventCommand:
		color.New(color.FgYellow).Fprintf(w, "  [%s %s]\n", data.Text, data.Outcome)
	}
	return false, nil
}

type apiFlags struct {
	url   string
	token string
}

func (f *apiFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "api", "", "operations API base URL (default http://<server.http_addr>)")
	cmd.Flags().StringVar(&f.token, "token", "", "bearer token (default $"+TokenEnvVar+")")
}

func (f *apiFlags) client(flags *globalFlags) (*opsClient, error) {
	base := f.url
	if base == "" {
		cfg, _, err := flags.loadConfig()
		if err != nil {
			return nil, err
		}
		if cfg.Server.HTTPAddr == "" {
			return nil, errors.New("server.http_addr is not set; pass --api")
		}
		base = "http://" + cfg.Server.HTTPAddr
	}
	token := f.token
	if token == "" {
		token = os.Getenv(TokenEnvVar)
	}
	return newOpsClient(base, token), nil
}

func newTailCmd(flags *globalFlags) *cobra.Command {
	var api apiFlags
	cmd := &cobra.Command{
		Use:   "tail <channel>",
		Short: "Follow a channel's output through the operations API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := api.client(flags)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return client.Stream(cmd.Context(), args[0], func(ev sseEvent) error {
				_, err := printEvent(out, ev)
				return err
			})
		},
	}
	api.register(cmd)
	return cmd
}

func newSayCmd(flags *globalFlags) *cobra.Command {
	var (
		api      apiFlags
		author   string
		directed bool
		follow   bool
	)
	cmd := &cobra.Command{
		Use:   "say <channel> <text>",
		Short: "Inject a message into a channel through the operations API",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := api.client(flags)
			if err != nil {
				return err
			}
			channelID := args[0]
			in := gateway.InjectRequest{
				Author:   author,
				Content:  strings.Join(args[1:], " "),
				Directed: directed,
			}
			out := cmd.OutOrStdout()

			if !follow {
				resp, err := client.Inject(cmd.Context(), channelID, in)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "queued %s\n", resp.ID)
				return nil
			}

			// Subscribe first so no output is missed, then inject on "ready".
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			var injectErr error
			err = client.Stream(ctx, channelID, func(ev sseEvent) error {
				if ev.Name == "ready" {
					if _, injectErr = client.Inject(ctx, channelID, in); injectErr != nil {
						return injectErr
					}
					return nil
				}
				done, err := printEvent(out, ev)
				if err != nil {
					return err
				}
				if done {
					return errStreamDone
				}
				return nil
			})
			if injectErr != nil {
				return injectErr
			}
			return err
		},
	}
	api.register(cmd)
	cmd.Flags().StringVar(&author, "as", "", "author name (default the token subject)")
	cmd.Flags().BoolVarP(&directed, "directed", "d", true, "treat the message as addressed to the bot")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "print the reply as it streams")
	return cmd
}
