package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"go.uber.org/zap"

	"aegis-gw/internal/models"
)

const bedrockModelPrefix = "bedrock/"

// BedrockClient invokes models through the AWS Bedrock runtime. Credentials
// come from the standard AWS chain (env, shared config, IAM role).
type BedrockClient struct {
	client *bedrockruntime.Client
	logger *zap.Logger
}

func NewBedrockClient(region, endpointOverride string, logger *zap.Logger) (*BedrockClient, error) {
	if region == "" {
		return nil, fmt.Errorf("bedrock region is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*bedrockruntime.Options){}
	if endpointOverride != "" {
		clientOpts = append(clientOpts, func(o *bedrockruntime.Options) {
			o.BaseEndpoint = aws.String(endpointOverride)
		})
	}

	return &BedrockClient{
		client: bedrockruntime.NewFromConfig(awsCfg, clientOpts...),
		logger: logger,
	}, nil
}

// Chat invokes the model named by req.Model (with its "bedrock/" routing
// prefix stripped) and returns a canonical response.
func (b *BedrockClient) Chat(ctx context.Context, req *models.ChatRequest) (*models.ChatResponse, error) {
	modelID := strings.TrimPrefix(req.Model, bedrockModelPrefix)

	body, err := buildBedrockBody(modelID, req)
	if err != nil {
		return nil, fmt.Errorf("failed to build bedrock request body: %w", err)
	}

	b.logger.Debug("invoking bedrock model", zap.String("model", modelID))

	output, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock invoke failed: %w", err)
	}

	content, err := parseBedrockBody(modelID, output.Body)
	if err != nil {
		return nil, err
	}

	return &models.ChatResponse{
		ID:      fmt.Sprintf("bedrock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []models.ChatChoice{{
			Index:        0,
			Message:      models.ChatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
	}, nil
}

// bedrockFamily determines the request/response shape from the model ID.
func bedrockFamily(modelID string) string {
	id := strings.ToLower(modelID)
	switch {
	case strings.Contains(id, "anthropic") || strings.Contains(id, "claude"):
		return "anthropic"
	case strings.Contains(id, "amazon") || strings.Contains(id, "titan"):
		return "amazon"
	case strings.Contains(id, "meta") || strings.Contains(id, "llama"):
		return "meta"
	default:
		// Anthropic format is the most common; use it when in doubt.
		return "anthropic"
	}
}

func buildBedrockBody(modelID string, req *models.ChatRequest) ([]byte, error) {
	switch bedrockFamily(modelID) {
	case "amazon":
		return buildTitanBody(req)
	case "meta":
		return buildLlamaBody(req)
	default:
		return buildAnthropicBody(req)
	}
}

func buildAnthropicBody(req *models.ChatRequest) ([]byte, error) {
	messages := make([]map[string]interface{}, 0, len(req.Messages))
	var system string

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			if system == "" {
				system = msg.Content
			}
			continue
		}
		role := "user"
		if msg.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, map[string]interface{}{
			"role": role,
			"content": []map[string]interface{}{
				{"type": "text", "text": msg.Content},
			},
		})
	}

	body := map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"messages":          messages,
		"max_tokens":        4096,
	}
	if system != "" {
		body["system"] = system
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if req.TopP > 0 {
		body["top_p"] = req.TopP
	}

	return json.Marshal(body)
}

func buildTitanBody(req *models.ChatRequest) ([]byte, error) {
	var prompt strings.Builder
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			prompt.WriteString(msg.Content)
			prompt.WriteString("\n\n")
		case "user":
			prompt.WriteString("User: ")
			prompt.WriteString(msg.Content)
			prompt.WriteString("\n\n")
		case "assistant":
			prompt.WriteString("Assistant: ")
			prompt.WriteString(msg.Content)
			prompt.WriteString("\n\n")
		}
	}
	prompt.WriteString("Assistant: ")

	textGenConfig := map[string]interface{}{"maxTokenCount": 4096}
	if req.MaxTokens > 0 {
		textGenConfig["maxTokenCount"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		textGenConfig["temperature"] = req.Temperature
	}
	if req.TopP > 0 {
		textGenConfig["topP"] = req.TopP
	}

	return json.Marshal(map[string]interface{}{
		"inputText":            prompt.String(),
		"textGenerationConfig": textGenConfig,
	})
}

func buildLlamaBody(req *models.ChatRequest) ([]byte, error) {
	var prompt strings.Builder
	prompt.WriteString("<|begin_of_text|>")
	for _, msg := range req.Messages {
		prompt.WriteString(fmt.Sprintf("<|start_header_id|>%s<|end_header_id|>\n\n%s<|eot_id|>", msg.Role, msg.Content))
	}
	prompt.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")

	body := map[string]interface{}{
		"prompt":      prompt.String(),
		"max_gen_len": 2048,
	}
	if req.MaxTokens > 0 {
		body["max_gen_len"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if req.TopP > 0 {
		body["top_p"] = req.TopP
	}

	return json.Marshal(body)
}

func parseBedrockBody(modelID string, body []byte) (string, error) {
	switch bedrockFamily(modelID) {
	case "amazon":
		var resp struct {
			Results []struct {
				OutputText string `json:"outputText"`
			} `json:"results"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("failed to parse titan response: %w", err)
		}
		if len(resp.Results) == 0 {
			return "", fmt.Errorf("no results in titan response")
		}
		return resp.Results[0].OutputText, nil

	case "meta":
		var resp struct {
			Generation string `json:"generation"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("failed to parse llama response: %w", err)
		}
		return resp.Generation, nil

	default:
		var resp struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("failed to parse anthropic response: %w", err)
		}
		var content strings.Builder
		for _, c := range resp.Content {
			if c.Type == "text" {
				content.WriteString(c.Text)
			}
		}
		return content.String(), nil
	}
}
