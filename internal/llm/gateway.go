package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/skald-agent/skald/internal/config"
	"github.com/skald-agent/skald/internal/httpkit"
)

// provider is one vendor integration: request construction plus a
// stream decoder for that vendor's partial-frame convention. The set is
// closed; adding a vendor means adding one implementation here and one
// entry in the providers table.
type provider interface {
	// chatPath returns the proxy-relative chat endpoint for a model.
	chatPath(model string) string

	// buildChatRequest translates neutral messages and tool schemas
	// into the vendor's request body.
	buildChatRequest(model string, messages []Message, tools []ToolSchema) (any, error)

	// framing reports how the response body is split into chunks
	// before decoding.
	framing() framing

	// newDecoder returns a fresh decoder for one streaming response.
	newDecoder() chunkDecoder

	// embedRequest returns the embedding endpoint and body, or an
	// error if the vendor has no embedding capability.
	embedRequest(model, input string) (path string, body any, err error)

	// parseEmbedResponse extracts the vector from an embedding reply.
	parseEmbedResponse(data []byte) ([]float32, error)
}

// framing selects how a response body is chunked for the decoder.
type framing int

const (
	// framingLines feeds the decoder one line at a time. Used by
	// vendors with newline-delimited JSON or SSE framing.
	framingLines framing = iota

	// framingRaw feeds the decoder each network read as-is. Used by
	// vendors that stream JSON array elements.
	framingRaw
)

// chunkDecoder incrementally decodes one streaming response. Decoders
// may keep in-flight assembly state (e.g. a tool call spread across
// deltas); flush returns whatever is still pending at end of stream.
// A chunk the decoder cannot parse degrades to an empty text delta —
// it never fails the stream.
type chunkDecoder interface {
	decode(chunk []byte) []StreamEvent
	flush() []StreamEvent
}

// providers is the closed dispatch table, keyed by the provider half of
// a "provider/model" identifier.
var providers = map[string]provider{
	"ollama": ollamaProvider{},
	"xai":    xaiProvider{},
	"gemini": geminiProvider{},
}

// SplitModelID splits "provider/model" and validates both halves are
// non-empty. The model half may itself contain slashes.
func SplitModelID(modelID string) (providerName, model string, err error) {
	providerName, model, ok := strings.Cut(modelID, "/")
	if !ok || providerName == "" || model == "" {
		return "", "", fmt.Errorf("invalid model id %q: expected \"provider/model\"", modelID)
	}
	return providerName, model, nil
}

// Gateway issues chat and embedding calls to the shared LLM proxy. It
// is stateless per call and safe for concurrent use.
type Gateway struct {
	baseURL string
	logger  *slog.Logger

	// streamClient has no overall timeout: a streaming body stays open
	// for the duration of the generation.
	streamClient *http.Client
	embedClient  *http.Client
}

// NewGateway creates a gateway that reaches every provider through
// baseURL.
func NewGateway(baseURL string, logger *slog.Logger) *Gateway {
	return &Gateway{
		baseURL:      strings.TrimRight(baseURL, "/"),
		logger:       logger,
		streamClient: httpkit.NewClient(httpkit.WithTimeout(0)),
		embedClient:  httpkit.NewClient(httpkit.WithTimeout(30 * time.Second)),
	}
}

// Embed returns the embedding vector for input under the identified
// model. Providers without an embedding endpoint fail with a
// provider-specific error.
func (g *Gateway) Embed(ctx context.Context, modelID, input string) ([]float32, error) {
	providerName, model, err := SplitModelID(modelID)
	if err != nil {
		return nil, err
	}
	p, ok := providers[providerName]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", providerName)
	}

	path, body, err := p.embedRequest(model, input)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.embedClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("embed request returned status %d: %s", resp.StatusCode, errBody)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	return p.parseEmbedResponse(data)
}

// ChatStream issues a streaming chat call and feeds every decoded event
// to callback in order. A malformed model id or unknown provider fails
// before any network activity. A non-success response surfaces as an
// error carrying the response body; a mid-stream transport error
// terminates the stream with an error. Malformed chunks never do — they
// degrade to empty text deltas.
func (g *Gateway) ChatStream(ctx context.Context, modelID string, messages []Message, tools []ToolSchema, callback StreamCallback) error {
	providerName, model, err := SplitModelID(modelID)
	if err != nil {
		return err
	}
	p, ok := providers[providerName]
	if !ok {
		return fmt.Errorf("unknown provider: %s", providerName)
	}

	body, err := p.buildChatRequest(model, messages, tools)
	if err != nil {
		return fmt.Errorf("build %s request: %w", providerName, err)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", providerName, err)
	}

	url := g.baseURL + p.chatPath(model)
	g.logger.Log(ctx, config.LevelTrace, "chat request", "url", url, "payload", string(payload))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.streamClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 2048)
		return fmt.Errorf("chat request returned status %d: %s", resp.StatusCode, errBody)
	}

	dec := p.newDecoder()

	emit := func(evts []StreamEvent) {
		for _, e := range evts {
			callback(e)
		}
	}

	switch p.framing() {
	case framingLines:
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			g.logger.Log(ctx, config.LevelTrace, "chat chunk", "provider", providerName, "chunk", string(line))
			emit(dec.decode(line))
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read %s stream: %w", providerName, err)
		}
	case framingRaw:
		buf := make([]byte, 64*1024)
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				g.logger.Log(ctx, config.LevelTrace, "chat chunk", "provider", providerName, "chunk", string(chunk))
				emit(dec.decode(chunk))
			}
			if rerr != nil {
				if errors.Is(rerr, io.EOF) {
					break
				}
				return fmt.Errorf("read %s stream: %w", providerName, rerr)
			}
		}
	}

	emit(dec.flush())
	return nil
}
