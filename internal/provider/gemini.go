package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// GeminiProvider speaks Gemini's streamGenerateContent SSE endpoint
// directly, including the thoughtSignature round-trip Gemini requires on
// tool-call turns to keep its internal reasoning state consistent.
type GeminiProvider struct {
	name        string
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	model       string
	temperature float64
}

func NewGemini(endpoint, model, apiKey string) *GeminiProvider {
	return NewGeminiWithTemp("gemini", endpoint, model, apiKey, 1.0)
}

func NewGeminiWithTemp(name, endpoint, model, apiKey string, temperature float64) *GeminiProvider {
	baseURL := endpoint
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &GeminiProvider{
		name:        name,
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		httpClient:  &http.Client{},
		model:       model,
		temperature: temperature,
	}
}

func (p *GeminiProvider) Name() string { return p.name }

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Tools             []geminiToolDecl       `json:"tools,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiGenerationConfig struct {
	Temperature float64 `json:"temperature,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFuncResponse `json:"functionResponse,omitempty"`
	ThoughtSignature string              `json:"thoughtSignature,omitempty"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiFuncResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type geminiToolDecl struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// toGeminiContents converts provider-agnostic messages to Gemini's
// contents array, hoisting system messages into systemInstruction and
// echoing each tool call's ThoughtSignature back on its functionCall part
// (Gemini requires this round trip once a turn has produced one).
func toGeminiContents(messages []Message) (*geminiContent, []geminiContent) {
	var system *geminiContent
	var result []geminiContent

	for _, m := range messages {
		switch m.Role {
		case roleSystem:
			if system == nil {
				system = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
			} else {
				system.Parts = append(system.Parts, geminiPart{Text: m.Content})
			}
		case "tool":
			respBody := json.RawMessage(`{}`)
			if m.Content != "" {
				respBody = json.RawMessage(fmt.Sprintf(`{"result":%q}`, m.Content))
			}
			result = append(result, geminiContent{
				Role: "function",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFuncResponse{Name: m.FunctionName, Response: respBody},
				}},
			})
		case "assistant":
			var parts []geminiPart
			if m.Content != "" {
				parts = append(parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				parts = append(parts, geminiPart{
					FunctionCall:     &geminiFunctionCall{Name: tc.Name, Args: args},
					ThoughtSignature: tc.ThoughtSignature,
				})
			}
			result = append(result, geminiContent{Role: "model", Parts: parts})
		default:
			result = append(result, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	return system, result
}

func toGeminiTools(tools []Tool) []geminiToolDecl {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]geminiFunctionDecl, len(tools))
	emptyParams := json.RawMessage(`{"type":"object","properties":{}}`)
	for i, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = emptyParams
		}
		decls[i] = geminiFunctionDecl{Name: t.Name, Description: t.Description, Parameters: params}
	}
	return []geminiToolDecl{{FunctionDeclarations: decls}}
}

func (p *GeminiProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	system, contents := toGeminiContents(messages)
	req := geminiRequest{
		Contents:          contents,
		SystemInstruction: system,
		Tools:             toGeminiTools(tools),
		GenerationConfig:  geminiGenerationConfig{Temperature: p.temperature},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", p.baseURL, p.model, p.apiKey)

	reader, err := httpDoSSE(ctx, httpRequestConfig{
		client:   p.httpClient,
		url:      url,
		body:     body,
		provider: p.name,
		model:    p.model,
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer reader.Close()
		parseGeminiSSEStream(ctx, reader, ch)
	}()

	return ch, nil
}

type geminiStreamChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text             string              `json:"text,omitempty"`
				FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
				ThoughtSignature string              `json:"thoughtSignature,omitempty"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata,omitempty"`
}

func parseGeminiSSEStream(ctx context.Context, reader io.Reader, ch chan<- StreamEvent) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)

	toolIdx := 0
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var chunk geminiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Warn().Err(err).Str("data", data).Msg("provider: failed to parse gemini SSE chunk")
			continue
		}

		if chunk.UsageMetadata != nil {
			if !trySend(ctx, ch, StreamEvent{
				Type:         EventUsage,
				InputTokens:  chunk.UsageMetadata.PromptTokenCount,
				OutputTokens: chunk.UsageMetadata.CandidatesTokenCount,
			}) {
				return
			}
		}

		if len(chunk.Candidates) == 0 {
			continue
		}
		for _, part := range chunk.Candidates[0].Content.Parts {
			if part.Text != "" {
				if !trySend(ctx, ch, StreamEvent{Type: EventContentDelta, Content: part.Text}) {
					return
				}
			}
			if part.FunctionCall != nil {
				idx := toolIdx
				toolIdx++
				argsJSON, _ := json.Marshal(part.FunctionCall.Args)
				if !trySend(ctx, ch, StreamEvent{
					Type:              EventToolCallBegin,
					ToolCallIndex:     idx,
					ToolCallName:      part.FunctionCall.Name,
					ToolCallSignature: part.ThoughtSignature,
				}) {
					return
				}
				if !trySend(ctx, ch, StreamEvent{Type: EventToolCallDelta, ToolCallIndex: idx, ToolCallArgs: string(argsJSON)}) {
					return
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		trySend(ctx, ch, StreamEvent{Type: EventError, Err: err})
		return
	}
	trySend(ctx, ch, StreamEvent{Type: EventDone})
}

func (p *GeminiProvider) ListModels(ctx context.Context) ([]Model, error) {
	url := fmt.Sprintf("%s/models?key=%s", p.baseURL, p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("list models status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var listResp struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, err
	}

	models := make([]Model, len(listResp.Models))
	for i, m := range listResp.Models {
		models[i] = Model{Name: strings.TrimPrefix(m.Name, "models/")}
	}
	return models, nil
}

func (p *GeminiProvider) Close() error {
	if p.httpClient != nil {
		p.httpClient.CloseIdleConnections()
	}
	return nil
}
