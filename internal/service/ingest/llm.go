package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
	"google.golang.org/genai"

	"taxflow/internal/config"
	"taxflow/internal/models"
)

const maxDocumentChars = 24000

const extractionSchema = `{
	"type": "object",
	"required": ["income"],
	"properties": {
		"form_type": {"type": "string"},
		"employer": {"type": "string"},
		"income": {"type": "number", "minimum": 0},
		"withheld": {"type": ["number", "null"], "minimum": 0},
		"deductions": {"type": ["number", "null"], "minimum": 0}
	}
}`

const extractionPrompt = `You read U.S. tax documents (W-2, 1099 and similar).
Reply with a single JSON object and nothing else:
{"form_type": string, "employer": string, "income": number, "withheld": number|null, "deductions": number|null}
income is the total taxable wages or income on the document, withheld the federal income tax withheld.
Use plain numbers without currency symbols or thousands separators.`

// NewChatModel builds the chat model for a configured provider.
func NewChatModel(ctx context.Context, provider string, cfg config.ProviderConfig, maxTokens int) (model.BaseChatModel, error) {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	switch provider {
	case "openai":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: cfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURLPtr = &cfg.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: maxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}

// LLMExtractor reads the document text with the eino file loader and asks a chat model
// for the tax fields. The reply is validated against a JSON schema before use.
type LLMExtractor struct {
	model  model.BaseChatModel
	loader document.Loader
	schema *jsonschema.Schema
}

func NewLLMExtractor(ctx context.Context, chatModel model.BaseChatModel) (*LLMExtractor, error) {
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("init parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		return nil, fmt.Errorf("init file loader: %w", err)
	}
	return newLLMExtractor(chatModel, loader)
}

func newLLMExtractor(chatModel model.BaseChatModel, loader document.Loader) (*LLMExtractor, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("extraction.json", strings.NewReader(extractionSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	sch, err := compiler.Compile("extraction.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &LLMExtractor{model: chatModel, loader: loader, schema: sch}, nil
}

func (l *LLMExtractor) Extract(ctx context.Context, doc *models.Document, path string) (*Extraction, error) {
	docs, err := l.loader.Load(ctx, document.Source{URI: path})
	if err != nil {
		return nil, fmt.Errorf("load file: %w", err)
	}
	var builder strings.Builder
	for _, d := range docs {
		content := strings.TrimSpace(d.Content)
		if content == "" {
			continue
		}
		builder.WriteString(content)
		builder.WriteString("\n")
	}
	text := builder.String()
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("document has no readable text")
	}
	if len(text) > maxDocumentChars {
		text = text[:maxDocumentChars]
	}

	reply, err := l.model.Generate(ctx, []*schema.Message{
		{Role: schema.System, Content: extractionPrompt},
		{Role: schema.User, Content: fmt.Sprintf("File: %s\n\n%s", doc.FileName, text)},
	})
	if err != nil {
		return nil, fmt.Errorf("generate extraction: %w", err)
	}
	return l.parseReply(reply.Content)
}

func (l *LLMExtractor) parseReply(content string) (*Extraction, error) {
	raw := []byte(stripFence(content))

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode extraction: %w", err)
	}
	if err := l.schema.Validate(v); err != nil {
		return nil, fmt.Errorf("extraction does not match schema: %w", err)
	}

	var fields struct {
		Income   *decimal.Decimal `json:"income"`
		Withheld *decimal.Decimal `json:"withheld"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode tax fields: %w", err)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return nil, err
	}
	return &Extraction{
		Data:   compact.Bytes(),
		Fields: models.TaxFields{Income: fields.Income, Withheld: fields.Withheld},
	}, nil
}

// stripFence removes a surrounding markdown code fence, which chat models often add.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
