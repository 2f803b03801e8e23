// Copyright 2023 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package anthropicgen is the llm.Generator backed by the Anthropic
// messages API, requesting a tool-call-shaped response so the patch can be
// decoded directly instead of parsed out of free text.
package anthropicgen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/caspianflow/remedyci/pkg/errs"
	"github.com/caspianflow/remedyci/pkg/llm"
)

const patchToolName = "propose_patch"

// Generator wraps an anthropic.Client configured for a single model.
type Generator struct {
	client  anthropic.Client
	model   string
	timeout time.Duration
}

// New constructs a Generator. apiKey and model are required; timeout
// bounds each individual model call.
func New(apiKey, model string, timeout time.Duration) *Generator {
	return &Generator{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		timeout: timeout,
	}
}

// GeneratePatch implements llm.Generator.
func (g *Generator) GeneratePatch(ctx context.Context, req llm.Request) (*llm.Patch, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	prompt := buildPrompt(req)

	msg, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.F(g.model),
		MaxTokens: anthropic.F(int64(4096)),
		Messages: anthropic.F([]anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		}),
		Tools: anthropic.F([]anthropic.ToolParam{
			{
				Name:        anthropic.F(patchToolName),
				Description: anthropic.F("Propose a line-level patch for the file under review."),
				InputSchema: anthropic.F[interface{}](patchToolSchema),
			},
		}),
		ToolChoice: anthropic.F[anthropic.ToolChoiceUnionParam](anthropic.ToolChoiceToolParam{
			Type: anthropic.F(anthropic.ToolChoiceToolTypeTool),
			Name: anthropic.F(patchToolName),
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: anthropic messages.New failed: %v", errs.ErrModelFailure, err)
	}

	for _, block := range msg.Content {
		if block.Type != anthropic.ContentBlockTypeToolUse {
			continue
		}
		var patch llm.Patch
		if err := json.Unmarshal(block.Input, &patch); err != nil {
			return nil, fmt.Errorf("%w: failed to decode tool input: %v", errs.ErrModelFailure, err)
		}
		if err := llm.ValidatePatch(&patch, req.FileLines); err != nil {
			return nil, err
		}
		return &patch, nil
	}

	return nil, fmt.Errorf("%w: model response contained no tool_use block", errs.ErrModelFailure)
}

func buildPrompt(req llm.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s\nWorkflow: %s\nFile: %s\n\n", req.Repository, req.WorkflowName, req.FilePath)
	b.WriteString("Errors observed in this file:\n")
	for _, e := range req.ErrorBlocks {
		fmt.Fprintf(&b, "- [%s/%s] line %d: %s\n", e.ErrorType, e.Severity, e.Line, e.Message)
	}
	b.WriteString("\nCurrent file content:\n")
	b.WriteString(req.FileContent)
	b.WriteString("\n\nPropose the minimal set of line-level changes that fix these errors.")
	return b.String()
}

// patchToolSchema is the JSON Schema the model must conform its structured
// response to, mirroring llm.Patch.
var patchToolSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"changes": map[string]any{
			"type":     "array",
			"minItems": 1,
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"line_number": map[string]any{"type": "integer", "minimum": 1},
					"fixed_line":  map[string]any{"type": "string"},
					"explanation": map[string]any{"type": "string"},
				},
				"required": []string{"line_number", "fixed_line", "explanation"},
			},
		},
	},
	"required": []string{"changes"},
}
