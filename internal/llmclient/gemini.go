package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/formguard/formguard/internal/detector"
	"github.com/formguard/formguard/internal/engine"
)

const defaultModel = "gemini-2.0-flash"

// systemPrompt frames the model as the second analysis tier. The response
// contract mirrors parseClassification below.
const systemPrompt = `You are the secondary analysis tier of a browser form-skimming detector.
You receive one outgoing network request from a page where the user recently typed into sensitive form fields, described by field type and character count only.
Decide whether the request exfiltrates form data to an attacker-controlled destination.
Respond with a single JSON object and nothing else:
{"verdict": "...", "confidence": 0.0, "reason": "...", "recommendation": "...", "details": "..."}
verdict must be one of: safe, unknown, suspicious, dangerous.
confidence is a number between 0 and 1.
recommendation must be one of: proceed, warn, block.
Keep reason to one sentence; put longer evidence in details.`

// Config holds the settings for the Gemini-backed classifier.
type Config struct {
	APIKey            string
	Model             string
	Endpoint          string
	Timeout           time.Duration
	MaxOutputTokens   int
	Temperature       float64
	RequestsPerMinute float64
	Burst             int
}

// GeminiClassifier implements detector.SecondaryClassifier against the
// Gemini generateContent API. A local token bucket caps the request rate;
// IsAvailable reports false while the bucket is empty so the orchestrator
// falls back to the heuristic verdict instead of queueing.
type GeminiClassifier struct {
	apiKey          string
	endpoint        string
	httpClient      *http.Client
	limiter         *rate.Limiter
	logger          *zap.Logger
	maxOutputTokens int
	temperature     float64

	// backoffFactory builds the retry schedule per call; tests swap in a
	// faster one.
	backoffFactory func() backoff.BackOff
}

// Gemini wire structures, scoped to this package.

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiSystemInstruction struct {
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"response_mime_type,omitempty"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequestPayload struct {
	Contents          []geminiContent          `json:"contents"`
	SystemInstruction *geminiSystemInstruction `json:"system_instruction,omitempty"`
	GenerationConfig  geminiGenerationConfig   `json:"generationConfig,omitempty"`
}

type geminiResponsePayload struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// verdictPayload is the JSON object the model is instructed to return.
type verdictPayload struct {
	Verdict        string  `json:"verdict"`
	Confidence     float64 `json:"confidence"`
	Reason         string  `json:"reason"`
	Recommendation string  `json:"recommendation"`
	Details        string  `json:"details"`
}

// NewGeminiClassifier initializes the classifier.
func NewGeminiClassifier(cfg Config, logger *zap.Logger) (*GeminiClassifier, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", model)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 30
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	maxTokens := cfg.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}

	return &GeminiClassifier{
		apiKey:          cfg.APIKey,
		endpoint:        endpoint,
		httpClient:      &http.Client{Timeout: timeout},
		limiter:         rate.NewLimiter(rate.Limit(rpm/60.0), burst),
		logger:          logger.Named("llmclient.gemini"),
		maxOutputTokens: maxTokens,
		temperature:     cfg.Temperature,
		backoffFactory: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 8 * time.Second
			return b
		},
	}, nil
}

// IsAvailable reports whether a classification attempt is worth making.
// It does not consume a rate token; Analyze does.
func (c *GeminiClassifier) IsAvailable(context.Context) bool {
	return c.apiKey != "" && c.limiter.Tokens() >= 1
}

// Analyze asks the model for a verdict on one request, with retries on
// transient API errors.
func (c *GeminiClassifier) Analyze(ctx context.Context, req detector.ClassifyRequest) (detector.Classification, error) {
	if !c.limiter.Allow() {
		return detector.Classification{}, fmt.Errorf("gemini classifier is rate limited")
	}

	body, err := json.Marshal(c.buildRequestPayload(req))
	if err != nil {
		return detector.Classification{}, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	b := c.backoffFactory()
	var responseText string

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", c.apiKey)

		start := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		duration := time.Since(start)
		if err != nil {
			c.logger.Warn("network error during classification request, retrying", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return c.handleAPIError(resp.StatusCode, respBody)
		}

		var payload geminiResponsePayload
		if err := json.Unmarshal(respBody, &payload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}
		if len(payload.Candidates) == 0 {
			return backoff.Permanent(fmt.Errorf("gemini API returned no candidates"))
		}

		candidate := payload.Candidates[0]
		if len(candidate.Content.Parts) == 0 {
			if candidate.FinishReason == "SAFETY" || candidate.FinishReason == "BLOCKLIST" {
				return backoff.Permanent(fmt.Errorf("gemini API blocked the request (reason: %s)", candidate.FinishReason))
			}
			return fmt.Errorf("gemini API returned empty content parts (reason: %s)", candidate.FinishReason)
		}

		c.logger.Debug("classification round trip complete",
			zap.Duration("duration", duration),
			zap.Int("prompt_tokens", payload.UsageMetadata.PromptTokenCount),
			zap.Int("completion_tokens", payload.UsageMetadata.CandidatesTokenCount),
		)

		responseText = candidate.Content.Parts[0].Text
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return detector.Classification{}, err
	}

	return c.parseClassification(responseText)
}

func (c *GeminiClassifier) buildRequestPayload(req detector.ClassifyRequest) geminiRequestPayload {
	return geminiRequestPayload{
		Contents: []geminiContent{
			{
				Role:  "user",
				Parts: []geminiPart{{Text: buildUserPrompt(req)}},
			},
		},
		SystemInstruction: &geminiSystemInstruction{
			Parts: []geminiPart{{Text: systemPrompt}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:      c.temperature,
			ResponseMimeType: "application/json",
			MaxOutputTokens:  c.maxOutputTokens,
		},
	}
}

// buildUserPrompt renders the classification context as text. Input events
// carry field types and lengths only; no typed value ever reaches the
// prompt.
func buildUserPrompt(req detector.ClassifyRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Page domain: %s\n", req.CurrentDomain)
	fmt.Fprintf(&sb, "Request: %s %s (type %s, payload %d bytes)\n",
		req.Request.Method, req.Request.URL, req.Request.Type, req.Request.PayloadSize)
	if len(req.ExternalScripts) > 0 {
		fmt.Fprintf(&sb, "External scripts on page: %s\n", strings.Join(req.ExternalScripts, ", "))
	}
	if len(req.RecentInputs) == 0 {
		sb.WriteString("Recently typed sensitive fields: none\n")
	} else {
		sb.WriteString("Recently typed sensitive fields (type and length only):\n")
		for _, in := range req.RecentInputs {
			fmt.Fprintf(&sb, "- %s, %d characters\n", in.FieldType, in.Length)
		}
	}
	fmt.Fprintf(&sb, "Heuristic verdict so far: %s (confidence %.2f)\n",
		req.HeuristicVerdict, req.HeuristicConfidence)
	return sb.String()
}

func (c *GeminiClassifier) parseClassification(text string) (detector.Classification, error) {
	var vp verdictPayload
	if err := json.Unmarshal([]byte(stripFences(text)), &vp); err != nil {
		return detector.Classification{}, fmt.Errorf("failed to decode classifier verdict: %w", err)
	}

	verdict, err := engine.ParseVerdict(vp.Verdict)
	if err != nil {
		return detector.Classification{}, fmt.Errorf("classifier returned unrecognized verdict %q", vp.Verdict)
	}

	conf := vp.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}

	rec, err := engine.ParseRecommendation(vp.Recommendation)
	if err != nil {
		rec = engine.RecommendationFor(verdict)
	}

	reason := strings.TrimSpace(vp.Reason)
	if reason == "" {
		reason = fmt.Sprintf("secondary classifier verdict: %s", verdict)
	}

	return detector.Classification{
		Verdict:        verdict,
		Confidence:     float32(conf),
		Reason:         reason,
		Recommendation: rec,
		Details:        vp.Details,
	}, nil
}

func (c *GeminiClassifier) handleAPIError(statusCode int, body []byte) error {
	c.logger.Error("gemini API returned error status",
		zap.Int("status", statusCode),
		zap.String("response", string(body)),
	)
	err := fmt.Errorf("gemini API error: status %d, body: %s", statusCode, string(body))

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
		return err // transient, retry
	default:
		return backoff.Permanent(err)
	}
}

// stripFences removes a markdown code fence around a JSON body. Models
// occasionally wrap output despite the JSON response mime type.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
