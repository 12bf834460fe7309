package gcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
)

// --- Page Extraction Model Prompts ---
const PageExtractionSystemPrompt = "You are a document page parser. You receive a rendered image of a single page and transcribe its full content. Accuracy, detail, and information preservation are of utmost importance."
const PageExtractionUserPrompt = `You will be provided with an image of one page of a document.

Follow these instructions to transcribe the page:

Text: Transcribe all text content in reading order. Preserve headings, paragraphs and lists.
Tables: Transcribe all tables as markdown tables. If a table contains merged cells, copy the parent cell's content into each normalized child cell.
Images: Replace each figure or diagram with a short description of its content.
Headers and Footers: Ignore running headers, footers and page numbers.
Return ONLY the transcribed content, without preambles or backtick fences.`

// ErrRefusal is returned when the model declines to transcribe a page.
var ErrRefusal = errors.New("model response indicates refusal")

var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"as a large language model",
}

// VertexClient holds the pre-configured vision model used for page extraction.
type VertexClient struct {
	VisionModel *genai.GenerativeModel
	baseClient  *genai.Client
}

// NewVertexClient creates a new client holding the page extraction model.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	visionModel := baseClient.GenerativeModel(modelName)
	visionModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(PageExtractionSystemPrompt)},
	}
	visionModel.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "text/plain",
		Temperature:      genai.Ptr[float32](0.0), // Deterministic transcription
	}
	visionModel.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}

	return &VertexClient{
		VisionModel: visionModel,
		baseClient:  baseClient,
	}, nil
}

// ExtractPage sends a rendered page with the extraction prompt and returns
// the transcribed text.
func (c *VertexClient) ExtractPage(ctx context.Context, png []byte, prompt string) (string, error) {
	resp, err := c.VisionModel.GenerateContent(ctx, genai.ImageData("png", png), genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("failed to generate content from gemini: %w", err)
	}
	text := ExtractText(resp)
	if IsRefusal(text) {
		return "", ErrRefusal
	}
	return text, nil
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}

// ExtractText concatenates the text parts of the first candidate and
// strips surrounding markdown fences.
func ExtractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return ""
	}

	var content strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			content.WriteString(string(txt))
		}
	}

	contentStr := strings.TrimSpace(content.String())
	contentStr = strings.TrimPrefix(contentStr, "```markdown")
	contentStr = strings.TrimPrefix(contentStr, "```")
	contentStr = strings.TrimSuffix(contentStr, "```")
	return strings.TrimSpace(contentStr)
}

// IsRefusal reports whether text reads like a model refusal.
func IsRefusal(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
