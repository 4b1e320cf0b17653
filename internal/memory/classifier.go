package memory

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/conarylabs/mira/internal/observability"
	"github.com/conarylabs/mira/pkg/models"
)

// CompletionFunc asks the LLM for a single non-streaming completion. The
// classifier uses it for salience scoring; any provider can supply one.
type CompletionFunc func(ctx context.Context, system, prompt string) (string, error)

// ClassifierConfig holds the routing thresholds.
type ClassifierConfig struct {
	// MinSalienceForEmbed is the floor below which nothing is embedded.
	MinSalienceForEmbed float64

	// SemanticSalience is the floor for routing to the semantic head.
	SemanticSalience float64
}

// Classifier scores a message's salience and code-ness and chooses target
// embedding heads. The LLM path is primary; a deterministic heuristic runs
// when no LLM is configured, and a failed LLM call yields the conservative
// default (salience 0.5), so classification is never fatal.
type Classifier struct {
	complete CompletionFunc
	heads    *HeadRegistry
	config   ClassifierConfig
	logger   *observability.Logger
}

// NewClassifier creates a classifier. complete may be nil, in which case
// only the heuristic runs.
func NewClassifier(complete CompletionFunc, heads *HeadRegistry, config ClassifierConfig, logger *observability.Logger) *Classifier {
	if config.MinSalienceForEmbed <= 0 {
		config.MinSalienceForEmbed = 0.2
	}
	if config.SemanticSalience <= 0 {
		config.SemanticSalience = 0.3
	}
	return &Classifier{
		complete: complete,
		heads:    heads,
		config:   config,
		logger:   logger,
	}
}

const classifySystem = `You score chat messages for a coding assistant's memory.
Respond with only a JSON object: {"salience": <0..1>, "is_code": <bool>, "language": <string>, "topics": [<string>...]}.
Salience measures whether the message is worth retrieving later.`

// Classify scores the text and derives the suggested head set for the
// given role and tags. A failed LLM call degrades to the conservative
// default (salience 0.5, no code, no topics) before head routing.
func (c *Classifier) Classify(ctx context.Context, text string, role models.Role, tags []string) models.Classification {
	classification, ok := c.classifyLLM(ctx, text)
	if !ok {
		classification = c.classifyHeuristic(text)
	}
	classification.SuggestedHeads = c.routeHeads(classification, role, tags)
	return classification
}

func (c *Classifier) classifyLLM(ctx context.Context, text string) (models.Classification, bool) {
	if c.complete == nil {
		return models.Classification{}, false
	}
	raw, err := c.complete(ctx, classifySystem, text)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn(ctx, "classification call failed, using defaults", "error", err)
		}
		return models.Classification{Salience: 0.5}, true
	}
	var parsed struct {
		Salience float64  `json:"salience"`
		IsCode   bool     `json:"is_code"`
		Language string   `json:"language"`
		Topics   []string `json:"topics"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		if c.logger != nil {
			c.logger.Warn(ctx, "classification response unparsable, using defaults", "error", err)
		}
		return models.Classification{Salience: 0.5}, true
	}
	return models.Classification{
		Salience: clamp01(parsed.Salience),
		IsCode:   parsed.IsCode,
		Language: parsed.Language,
		Topics:   parsed.Topics,
	}, true
}

var (
	codeFence   = regexp.MustCompile("```")
	codeKeyword = regexp.MustCompile(`(?m)^\s*(func|def|class|import|package|fn|pub fn|const|let|var)\b`)
)

// classifyHeuristic is the deterministic offline scorer. Longer messages
// and code-looking messages score higher; trivial greetings score low.
func (c *Classifier) classifyHeuristic(text string) models.Classification {
	trimmed := strings.TrimSpace(text)
	isCode := codeFence.MatchString(trimmed) || codeKeyword.MatchString(trimmed)

	var salience float64
	switch {
	case len(trimmed) < 8:
		salience = 0.1
	case len(trimmed) < 40:
		salience = 0.3
	case len(trimmed) < 200:
		salience = 0.5
	default:
		salience = 0.7
	}
	if isCode {
		salience += 0.2
	}

	language := ""
	if isCode {
		language = detectLanguage(trimmed)
	}

	return models.Classification{
		Salience: clamp01(salience),
		IsCode:   isCode,
		Language: language,
	}
}

// routeHeads applies the head routing rules to a scored classification.
func (c *Classifier) routeHeads(classification models.Classification, role models.Role, tags []string) []string {
	if classification.Salience < c.config.MinSalienceForEmbed {
		return nil
	}

	var heads []string
	if classification.Salience >= c.config.SemanticSalience && c.heads.Enabled(HeadSemantic) {
		heads = append(heads, HeadSemantic)
	}
	if classification.IsCode && c.heads.Enabled(HeadCode) {
		heads = append(heads, HeadCode)
	}
	if role == models.RoleSystem && hasTag(tags, "summary") && c.heads.Enabled(HeadSummary) {
		heads = append(heads, HeadSummary)
	}

	// High-salience content always lands somewhere retrievable.
	if len(heads) == 0 && classification.Salience >= 0.5 && c.heads.Enabled(HeadSemantic) {
		heads = append(heads, HeadSemantic)
	}
	return heads
}

func detectLanguage(text string) string {
	switch {
	case strings.Contains(text, "package ") && strings.Contains(text, "func "):
		return "go"
	case strings.Contains(text, "def ") || strings.Contains(text, "import "):
		return "python"
	case strings.Contains(text, "fn ") && strings.Contains(text, "let "):
		return "rust"
	case strings.Contains(text, "function ") || strings.Contains(text, "const "):
		return "javascript"
	}
	return ""
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}

// extractJSON pulls the first {...} object out of an LLM reply that may
// wrap it in prose or a code fence.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
