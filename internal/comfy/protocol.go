package comfy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/conduit/internal/models"
)

// Event is one message from the progress channel. The channel is shared
// by every prompt submitted under the same client id, so events carry
// the backend prompt id for correlation.
type Event struct {
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// EventData is the union of the fields the tracked event types carry.
type EventData struct {
	PromptID         string  `json:"prompt_id"`
	Node             *string `json:"node"`
	NodeID           string  `json:"node_id"`
	NodeType         string  `json:"node_type"`
	Value            int     `json:"value"`
	Max              int     `json:"max"`
	ExceptionMessage string  `json:"exception_message"`
}

// EventSource is one job's progress channel. It is owned exclusively by
// the job that opened it and must not be reused after Close.
type EventSource interface {
	Next() (Event, error)
	Close() error
}

// DialFunc opens a progress channel scoped to the given client session
// token. Tests inject fakes; production uses the websocket dialer.
type DialFunc func(ctx context.Context, clientID string) (EventSource, error)

// ProgressFunc receives forwarded progress events. Events for one job
// arrive in backend emission order; this layer does not rate-limit.
type ProgressFunc func(models.ProgressEvent)

// Protocol drives one asynchronously-executed generation job end to
// end: build, connect, submit, track, fetch, download.
type Protocol struct {
	client  *Client
	dial    DialFunc
	timeout time.Duration
	logger  *slog.Logger
}

// ProtocolOptions configures a Protocol.
type ProtocolOptions struct {
	// Timeout bounds the whole tracking phase. Zero means 30 minutes.
	Timeout time.Duration
	// Dial overrides the progress channel transport (tests).
	Dial DialFunc
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// NewProtocol creates a protocol runner over the given client.
func NewProtocol(client *Client, opts ProtocolOptions) *Protocol {
	p := &Protocol{
		client:  client,
		dial:    opts.Dial,
		timeout: opts.Timeout,
		logger:  opts.Logger,
	}
	if p.timeout <= 0 {
		p.timeout = 30 * time.Minute
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.dial == nil {
		p.dial = func(ctx context.Context, clientID string) (EventSource, error) {
			return dialWebsocket(ctx, client.BaseURL(), clientID)
		}
	}
	return p
}

// phase enumerates the protocol states. Each phase either advances to
// the next or fails terminally; there are no internal retries.
type phase int

const (
	phaseBuild phase = iota
	phaseConnect
	phaseSubmit
	phaseTrack
	phaseFetch
	phaseDownload
	phaseDone
)

// execution is the per-job state threaded through the phases.
type execution struct {
	p          *Protocol
	onProgress ProgressFunc

	params     Params
	template   *Template
	clientID   string
	graph      Graph
	outputNode string
	promptID   string
	events     EventSource
	artifact   FileRef
	data       []byte
}

// Run executes one generation job. The returned JobResult is only valid
// when err is nil; any error is a *JobError carrying the failure kind.
func (p *Protocol) Run(ctx context.Context, modelID string, params Params, onProgress ProgressFunc) (models.JobResult, error) {
	e := &execution{p: p, onProgress: onProgress, params: params}
	e.params.ModelID = modelID

	defer func() {
		if e.events != nil {
			e.events.Close()
		}
	}()

	for st := phaseBuild; st != phaseDone; {
		var err error
		st, err = e.step(ctx, st)
		if err != nil {
			return models.JobResult{}, err
		}
	}

	return models.JobResult{
		ArtifactB64:     base64.StdEncoding.EncodeToString(e.data),
		MimeType:        mimeFromFilename(e.artifact.Filename),
		Seed:            e.params.Seed,
		DurationSeconds: e.params.DurationSeconds(),
	}, nil
}

func (e *execution) step(ctx context.Context, st phase) (phase, error) {
	switch st {
	case phaseBuild:
		return e.build()
	case phaseConnect:
		return e.connect(ctx)
	case phaseSubmit:
		return e.submit(ctx)
	case phaseTrack:
		return e.track(ctx)
	case phaseFetch:
		return e.fetch(ctx)
	case phaseDownload:
		return e.download(ctx)
	default:
		return phaseDone, fmt.Errorf("unknown protocol phase %d", st)
	}
}

// build resolves the template, merges params, and constructs the graph.
// The seed is resolved here, before submission, so progress reporting
// and the final result agree on it.
func (e *execution) build() (phase, error) {
	tpl, ok := FindTemplate(e.params.ModelID)
	if !ok {
		return phaseDone, jobErr(KindNoTemplate, "no template for model %q", e.params.ModelID)
	}
	e.template = tpl
	e.params = ResolveParams(tpl, e.params)
	e.graph, e.outputNode = tpl.Build(e.params)
	e.clientID = uuid.New().String()
	return phaseConnect, nil
}

// connect opens the progress channel before submitting so early events
// cannot be missed.
func (e *execution) connect(ctx context.Context) (phase, error) {
	es, err := e.p.dial(ctx, e.clientID)
	if err != nil {
		return phaseDone, wrapErr(KindConnect, err, "open progress channel")
	}
	e.events = es
	return phaseSubmit, nil
}

func (e *execution) submit(ctx context.Context) (phase, error) {
	promptID, err := e.p.client.SubmitPrompt(ctx, e.clientID, e.graph)
	if err != nil {
		// Validation failures skip tracking entirely.
		return phaseDone, err
	}
	e.promptID = promptID
	e.p.logger.Debug("prompt submitted",
		"prompt_id", promptID, "model", e.params.ModelID, "seed", e.params.Seed)
	return phaseTrack, nil
}

// track consumes the progress channel until the backend reports success
// or error for this prompt, or the wall-clock timeout expires. Events
// for other prompts sharing the channel are ignored.
func (e *execution) track(ctx context.Context) (phase, error) {
	events := make(chan Event)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			ev, err := e.events.Next()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case events <- ev:
			case <-done:
				return
			}
		}
	}()

	timer := time.NewTimer(e.p.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.events.Close()
			return phaseDone, wrapErr(KindExecution, ctx.Err(), "tracking aborted")

		case <-timer.C:
			e.events.Close()
			return phaseDone, jobErr(KindTimeout, "job timed out after %s", e.p.timeout)

		case err := <-readErr:
			return phaseDone, wrapErr(KindConnect, err, "progress channel closed")

		case ev := <-events:
			if ev.Data.PromptID != e.promptID {
				continue
			}
			switch ev.Type {
			case "progress":
				if e.onProgress != nil {
					stage := ""
					if ev.Data.Node != nil {
						stage = *ev.Data.Node
					}
					e.onProgress(models.ProgressEvent{
						Step:       ev.Data.Value,
						TotalSteps: ev.Data.Max,
						Stage:      stage,
					})
				}

			case "execution_error":
				msg := ev.Data.ExceptionMessage
				if msg == "" {
					msg = "backend reported an execution error"
				}
				if ev.Data.NodeType != "" {
					return phaseDone, jobErr(KindExecution, "%s (node %s)", msg, ev.Data.NodeType)
				}
				return phaseDone, jobErr(KindExecution, "%s", msg)

			case "execution_success":
				return phaseFetch, nil

			case "executing":
				// A nil node means the prompt finished executing.
				if ev.Data.Node == nil {
					return phaseFetch, nil
				}
			}
		}
	}
}

func (e *execution) fetch(ctx context.Context) (phase, error) {
	outputs, err := e.p.client.History(ctx, e.promptID)
	if err != nil {
		return phaseDone, err
	}
	out, ok := outputs[e.outputNode]
	if !ok {
		return phaseDone, jobErr(KindNoOutput, "output node %s produced nothing", e.outputNode)
	}
	ref, ok := out.Artifact()
	if !ok {
		return phaseDone, jobErr(KindNoOutput, "output node %s has no artifact slot", e.outputNode)
	}
	e.artifact = ref
	return phaseDownload, nil
}

func (e *execution) download(ctx context.Context) (phase, error) {
	data, err := e.p.client.Download(ctx, e.artifact)
	if err != nil {
		return phaseDone, err
	}
	e.data = data
	return phaseDone, nil
}

// mimeTypes maps artifact file extensions to media types. Unrecognized
// extensions fall back to video/mp4 rather than failing the job.
var mimeTypes = map[string]string{
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".webp": "image/webp",
	".gif":  "image/gif",
	".png":  "image/png",
	".apng": "image/apng",
}

func mimeFromFilename(filename string) string {
	if mime, ok := mimeTypes[strings.ToLower(path.Ext(filename))]; ok {
		return mime
	}
	return "video/mp4"
}

// wsEventSource adapts a websocket connection to EventSource.
type wsEventSource struct {
	conn *websocket.Conn
}

func dialWebsocket(ctx context.Context, baseURL, clientID string) (EventSource, error) {
	wsURL := strings.Replace(baseURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	u.Path = "/ws"
	u.RawQuery = url.Values{"clientId": {clientID}}.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket connect: %w", err)
	}
	return &wsEventSource{conn: conn}, nil
}

// Next returns the next JSON event, skipping binary frames (the server
// streams preview images on the same connection).
func (s *wsEventSource) Next() (Event, error) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return Event{}, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			// Unknown shapes on the shared channel are not fatal.
			continue
		}
		return ev, nil
	}
}

func (s *wsEventSource) Close() error {
	return s.conn.Close()
}
