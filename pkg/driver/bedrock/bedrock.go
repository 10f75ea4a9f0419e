// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bedrock implements a remote-endpoint driver runtime over Amazon
// Bedrock's InvokeModel API. Requests use the messages body shape Bedrock's
// chat models accept; responses are decoded by probing the handful of text
// field layouts the model families return.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/laulauland/mill/pkg/driver"
)

const defaultMaxTokens = 2048

// Config parameterizes a Driver instance.
type Config struct {
	// Region is the AWS region hosting the Bedrock endpoint.
	Region string
	// ModelID is invoked when a spawn does not name a model of its own.
	ModelID string
	// AssumeRoleARN, if set, is assumed via STS before invoking Bedrock.
	AssumeRoleARN string
	// MaxTokens caps each completion; defaults to 2048.
	MaxTokens int
}

// Driver is a driver.Runtime backed by Amazon Bedrock.
type Driver struct {
	cfg    Config
	client *bedrockruntime.Client
}

// New resolves AWS credentials via the default chain, optionally assuming
// AssumeRoleARN through STS, and returns a ready Driver.
func New(ctx context.Context, cfg Config) (*Driver, error) {
	loaded, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.AssumeRoleARN != "" {
		stsClient := sts.NewFromConfig(loaded)
		loaded.Credentials = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(stsClient, cfg.AssumeRoleARN))
	}
	return &Driver{cfg: cfg, client: bedrockruntime.NewFromConfig(loaded)}, nil
}

type requestMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type requestBody struct {
	// AnthropicVersion is required by anthropic.* model ids and ignored by
	// families that do not know the field.
	AnthropicVersion string           `json:"anthropic_version,omitempty"`
	System           string           `json:"system,omitempty"`
	Messages         []requestMessage `json:"messages"`
	MaxTokens        int              `json:"max_tokens"`
}

func buildRequestBody(req driver.Request, modelID string, maxTokens int) ([]byte, error) {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	body := requestBody{
		System:    req.SystemPrompt,
		Messages:  []requestMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens: maxTokens,
	}
	if strings.HasPrefix(modelID, "anthropic.") || strings.Contains(modelID, ".anthropic.") {
		body.AnthropicVersion = "bedrock-2023-05-31"
	}
	return json.Marshal(body)
}

// decodeResponseBody extracts the completion text and stop reason from the
// layouts Bedrock's model families return: a content block list, a bare
// output_text, or a legacy completion string.
func decodeResponseBody(raw []byte) (text, stopReason string, err error) {
	var parsed struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		OutputText string `json:"output_text"`
		Completion string `json:"completion"`
		StopReason string `json:"stop_reason"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", "", fmt.Errorf("decode response body: %w", err)
	}

	var blocks []string
	for _, block := range parsed.Content {
		if block.Text != "" {
			blocks = append(blocks, block.Text)
		}
	}
	switch {
	case len(blocks) > 0:
		text = strings.Join(blocks, "\n")
	case parsed.OutputText != "":
		text = parsed.OutputText
	case parsed.Completion != "":
		text = parsed.Completion
	default:
		return "", "", fmt.Errorf("response body carries no recognizable text field")
	}
	return text, parsed.StopReason, nil
}

// Spawn invokes the configured model and returns its completion as the
// spawn's result. The session ref points back at this invocation; Bedrock
// holds no conversation state, so resuming means replaying the transcript
// the caller kept.
func (d *Driver) Spawn(ctx context.Context, req driver.Request) (driver.Result, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = d.cfg.ModelID
	}
	if modelID == "" {
		return driver.Result{}, fmt.Errorf("bedrock driver: no model configured for spawn %s", req.SpawnID)
	}

	body, err := buildRequestBody(req, modelID, d.cfg.MaxTokens)
	if err != nil {
		return driver.Result{}, fmt.Errorf("bedrock driver: encode request: %w", err)
	}

	out, err := d.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return driver.Result{}, fmt.Errorf("bedrock driver: invoke %s: %w", modelID, err)
	}

	text, stopReason, err := decodeResponseBody(out.Body)
	if err != nil {
		return driver.Result{}, fmt.Errorf("bedrock driver: %w", err)
	}

	return driver.Result{
		Text:       text,
		SessionRef: "bedrock/" + modelID + "/" + req.RunID + "/" + req.SpawnID,
		Agent:      req.Agent,
		Model:      modelID,
		DriverName: "bedrock",
		ExitCode:   0,
		StopReason: stopReason,
		Raw:        []string{string(out.Body)},
	}, nil
}
