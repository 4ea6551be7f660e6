package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"
const defaultOpenAIModel = "gpt-4o-mini"

// extractEvidenceCap bounds what we hand the extraction backend per round.
const extractEvidenceCap = 15000

// extractionTemperature keeps the backend deterministic-leaning.
const extractionTemperature = 0.1

// CompletionClient is the language-understanding backend. Responses carry no
// JSON-validity guarantee; parsing is the extractor's problem.
type CompletionClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

func NewCompletionClient(cfg Config) CompletionClient {
	switch cfg.LLMProvider {
	case "openai":
		model := cfg.LLMModel
		if model == "" {
			model = defaultOpenAIModel
		}
		return &openAIClient{apiKey: cfg.OpenAIAPIKey, model: model}
	default:
		model := cfg.LLMModel
		if model == "" {
			model = defaultAnthropicModel
		}
		return &anthropicClient{apiKey: cfg.AnthropicAPIKey, model: model}
	}
}

// ExtractVerdict turns accumulated free-text evidence into a Verdict. Any
// failure — backend error, unparseable response, empty evidence — degrades to
// a safe default verdict flagged for manual review; it never fails the caller.
func ExtractVerdict(ctx context.Context, llm CompletionClient, caseName, searchSummary, evidence string, asOf time.Time) Verdict {
	if strings.TrimSpace(evidence) == "" && strings.TrimSpace(searchSummary) == "" {
		return failureVerdict("No data available to analyze.")
	}

	if len(evidence) > extractEvidenceCap {
		evidence = evidence[:extractEvidenceCap]
	}

	systemPrompt, userPrompt := buildExtractionPrompts(caseName, searchSummary, evidence, asOf)

	responseText, err := llm.Complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		log.Printf("extract backend error case=%q err=%v", caseName, err)
		return failureVerdict(fmt.Sprintf("Analysis failed: %v", err))
	}

	verdict, err := parseVerdictResponse(responseText)
	if err != nil {
		log.Printf("extract parse error case=%q err=%v", caseName, err)
		return failureVerdict(fmt.Sprintf("Analysis failed: %v", err))
	}

	// Raw backend vocabulary never leaks past this point.
	verdict.CaseStatus = normalizeCaseStatus(verdict.CaseStatus)
	return verdict
}

func buildExtractionPrompts(caseName, searchSummary, evidence string, asOf time.Time) (string, string) {
	currentDate := asOf.Format("2006-01-02")

	systemPrompt := fmt.Sprintf(`You are a legal research assistant. Analyze the following text regarding the case '%s'.
Current Date: %s

Your goal: extract the timeline of the case.

1. Next Hearing Date: find any scheduled court date happening AFTER %s. If none, return "Unknown".
2. Last Hearing Date: find the most recent court date that happened BEFORE %s. If the case is closed, this is the date it was closed or the verdict was read.
3. Status: "Open", "Closed", or "Verdict Reached".

Return STRICT JSON:
{
    "next_hearing_date": "YYYY-MM-DD" or "Unknown",
    "last_hearing_date": "YYYY-MM-DD" or "Unknown",
    "case_status": "Open/Closed/Verdict Reached",
    "victim_name": "Name or Unknown",
    "suspect_name": "Name or Unknown",
    "confidence": "high/medium/low",
    "notes": "A professional 2-sentence summary of the latest updates.",
    "requires_manual_review": true/false
}

Respond ONLY with the JSON object.`, caseName, currentDate, currentDate, currentDate)

	userPrompt := fmt.Sprintf(`Analyze the following content for the legal case: "%s"

=== SEARCH RESULTS ===
%s

=== GATHERED EVIDENCE ===
%s
`, caseName, searchSummary, evidence)

	return systemPrompt, userPrompt
}

var (
	fencedBlockRe = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)\\s*```")
	jsonObjectRe  = regexp.MustCompile(`\{[\s\S]*\}`)
)

// parseVerdictResponse parses a backend response in tiers: the whole response
// as JSON, then the inside of a fenced block, then the outermost {...} span.
func parseVerdictResponse(responseText string) (Verdict, error) {
	trimmed := strings.TrimSpace(responseText)

	candidates := []string{trimmed}
	if m := fencedBlockRe.FindStringSubmatch(trimmed); m != nil {
		candidates = append(candidates, m[1])
	}
	if m := jsonObjectRe.FindString(trimmed); m != "" {
		candidates = append(candidates, m)
	}

	for _, candidate := range candidates {
		if v, err := decodeVerdictObject(candidate); err == nil {
			return v, nil
		}
	}

	preview := trimmed
	if len(preview) > 256 {
		preview = preview[:256] + "..."
	}
	return Verdict{}, fmt.Errorf("no JSON object in extraction response (response: %s)", preview)
}

func decodeVerdictObject(text string) (Verdict, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return Verdict{}, err
	}

	// Every missing field gets a defensive default.
	return Verdict{
		NextHearingDate:      stringField(raw, "next_hearing_date", Unknown),
		LastHearingDate:      stringField(raw, "last_hearing_date", Unknown),
		CaseStatus:           stringField(raw, "case_status", Unknown),
		VictimName:           stringField(raw, "victim_name", Unknown),
		SuspectName:          stringField(raw, "suspect_name", Unknown),
		Confidence:           stringField(raw, "confidence", "low"),
		Notes:                stringField(raw, "notes", ""),
		RequiresManualReview: boolField(raw, "requires_manual_review"),
	}, nil
}

func stringField(m map[string]any, key, fallback string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return fallback
	}
	s, ok := v.(string)
	if !ok {
		return fallback
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	return s
}

func boolField(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	default:
		return false
	}
}

// failureVerdict is the safe default returned on any extraction failure.
func failureVerdict(note string) Verdict {
	return Verdict{
		NextHearingDate:      Unknown,
		LastHearingDate:      Unknown,
		CaseStatus:           Unknown,
		VictimName:           Unknown,
		SuspectName:          Unknown,
		Confidence:           "low",
		Notes:                note,
		RequiresManualReview: true,
	}
}

// --- Anthropic ---

type anthropicClient struct {
	apiKey string
	model  string
}

func (c *anthropicClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	client := anthropic.NewClient(option.WithAPIKey(c.apiKey))

	message, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   4096,
		Temperature: anthropic.Float(extractionTemperature),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		log.Printf("llm anthropic error: %v", err)
		return "", fmt.Errorf("Anthropic API error: %w", err)
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			log.Printf("llm anthropic response size=%d tokens_in=%d tokens_out=%d", len(block.Text), message.Usage.InputTokens, message.Usage.OutputTokens)
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in Anthropic response")
}

// --- OpenAI ---

type openAIClient struct {
	apiKey  string
	model   string
	baseURL string
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Temperature float64         `json:"temperature"`
	Messages    []openAIMessage `json:"messages"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *openAIClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	reqBody := openAIRequest{
		Model:       c.model,
		Temperature: extractionTemperature,
		Messages: []openAIMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := c.baseURL
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1/chat/completions"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := externalHTTPClient.Do(req)
	if err != nil {
		log.Printf("llm openai error: %v", err)
		return "", fmt.Errorf("OpenAI API error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	var openAIResp openAIResponse
	if err := json.Unmarshal(respBody, &openAIResp); err != nil {
		return "", fmt.Errorf("parsing OpenAI response: %w", err)
	}
	if openAIResp.Error != nil {
		return "", fmt.Errorf("OpenAI API error: %s", openAIResp.Error.Message)
	}
	if len(openAIResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in OpenAI response")
	}

	log.Printf("llm openai response size=%d", len(openAIResp.Choices[0].Message.Content))
	return openAIResp.Choices[0].Message.Content, nil
}
