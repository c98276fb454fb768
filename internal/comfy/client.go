package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Client talks to a ComfyUI server over HTTP. The websocket progress
// channel lives in protocol.go; this client covers submission, history
// lookup, artifact download, and discovery endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the ComfyUI server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// BaseURL returns the configured server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type submitRequest struct {
	Prompt   Graph  `json:"prompt"`
	ClientID string `json:"client_id"`
}

type submitResponse struct {
	PromptID   string                     `json:"prompt_id"`
	NodeErrors map[string]json.RawMessage `json:"node_errors"`
}

// SubmitPrompt posts a graph for execution, scoped to the given client
// session token, and returns the backend-assigned prompt id. Non-empty
// node_errors in the response fail immediately with a validation error
// naming the offending nodes.
func (c *Client) SubmitPrompt(ctx context.Context, clientID string, g Graph) (string, error) {
	body, err := json.Marshal(submitRequest{Prompt: g, ClientID: clientID})
	if err != nil {
		return "", wrapErr(KindConnect, err, "encode prompt")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", wrapErr(KindConnect, err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", wrapErr(KindConnect, err, "submit prompt")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", wrapErr(KindConnect, err, "read submit response")
	}

	var sub submitResponse
	if err := json.Unmarshal(data, &sub); err != nil {
		return "", wrapErr(KindConnect, err, "decode submit response: %s", truncate(data, 200))
	}

	if len(sub.NodeErrors) > 0 {
		return "", jobErr(KindValidation, "graph rejected: %s", formatNodeErrors(sub.NodeErrors))
	}
	if resp.StatusCode != http.StatusOK {
		return "", jobErr(KindValidation, "graph rejected: %s - %s", resp.Status, truncate(data, 200))
	}
	if sub.PromptID == "" {
		return "", jobErr(KindConnect, "submit response missing prompt id")
	}
	return sub.PromptID, nil
}

// formatNodeErrors flattens backend node diagnostics into one message,
// node ids in stable order.
func formatNodeErrors(nodeErrors map[string]json.RawMessage) string {
	ids := make([]string, 0, len(nodeErrors))
	for id := range nodeErrors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("node %s: %s", id, truncate(nodeErrors[id], 200)))
	}
	return strings.Join(parts, "; ")
}

// FileRef names one artifact in the server's output store.
type FileRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput holds the named outputs of one executed node. Different
// save-node types expose artifacts under different slots; Gifs takes
// priority over Images when both are present.
type NodeOutput struct {
	Gifs   []FileRef `json:"gifs"`
	Images []FileRef `json:"images"`
}

// Artifact returns the node's primary artifact, checking the gifs slot
// first and then images.
func (o NodeOutput) Artifact() (FileRef, bool) {
	if len(o.Gifs) > 0 {
		return o.Gifs[0], true
	}
	if len(o.Images) > 0 {
		return o.Images[0], true
	}
	return FileRef{}, false
}

// History fetches the recorded outputs of a completed prompt, keyed by
// node id.
func (c *Client) History(ctx context.Context, promptID string) (map[string]NodeOutput, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, wrapErr(KindFetch, err, "create history request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapErr(KindFetch, err, "fetch history")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, jobErr(KindFetch, "history request failed: %s", resp.Status)
	}

	// The response is keyed by prompt id: {"<id>": {"outputs": {...}}}
	var envelope map[string]struct {
		Outputs map[string]NodeOutput `json:"outputs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, wrapErr(KindFetch, err, "decode history")
	}

	entry, ok := envelope[promptID]
	if !ok {
		return nil, jobErr(KindFetch, "history has no entry for prompt %s", promptID)
	}
	return entry.Outputs, nil
}

// Download retrieves an artifact's bytes from the output store.
func (c *Client) Download(ctx context.Context, ref FileRef) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, wrapErr(KindDownload, err, "create download request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapErr(KindDownload, err, "download %s", ref.Filename)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, jobErr(KindDownload, "download %s failed: %s", ref.Filename, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapErr(KindDownload, err, "read artifact %s", ref.Filename)
	}
	return data, nil
}

// CheckpointNames enumerates the checkpoint files the server can load,
// from the CheckpointLoaderSimple node's input choices.
func (c *Client) CheckpointNames(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/object_info/CheckpointLoaderSimple", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("object_info request failed: %s", resp.Status)
	}

	// input.required.ckpt_name is [[...names], {...meta}].
	var envelope map[string]struct {
		Input struct {
			Required map[string][]json.RawMessage `json:"required"`
		} `json:"input"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode object_info: %w", err)
	}

	info, ok := envelope["CheckpointLoaderSimple"]
	if !ok {
		return nil, fmt.Errorf("object_info missing CheckpointLoaderSimple")
	}
	choices, ok := info.Input.Required["ckpt_name"]
	if !ok || len(choices) == 0 {
		return nil, fmt.Errorf("object_info missing ckpt_name choices")
	}

	var names []string
	if err := json.Unmarshal(choices[0], &names); err != nil {
		return nil, fmt.Errorf("decode ckpt_name choices: %w", err)
	}
	return names, nil
}

// Ping probes server liveness with a bounded timeout.
func (c *Client) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func truncate(data []byte, n int) string {
	s := string(data)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
