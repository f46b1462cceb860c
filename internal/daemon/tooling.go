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

package daemon

import (
	"context"

	"github.com/tombarlow/orchestrator/internal/agentbackend"
	"github.com/tombarlow/orchestrator/pkg/tools"
	"github.com/tombarlow/orchestrator/pkg/tools/builtin"
	"github.com/tombarlow/orchestrator/pkg/workflow"
)

// newToolRegistry builds the built-in tool set workflow "action" steps can
// call (http, file, shell), grounded on pkg/tools/builtin's constructors.
// Registration failures are logged and skipped rather than fatal: a
// workflow that never references the failed tool should still run.
func (d *Daemon) newToolRegistry() *tools.Registry {
	reg := tools.NewRegistry()
	for _, t := range []tools.Tool{builtin.NewHTTPTool(), builtin.NewFileTool(), builtin.NewShellTool()} {
		if err := reg.Register(t); err != nil {
			d.logger.Warn("failed to register builtin tool", "tool", t.Name(), "error", err)
		}
	}
	return reg
}

// toolRegistryAdapter adapts *tools.Registry (pkg/tools) to
// pkg/workflow.ToolRegistry: same method shapes, different Tool interface
// types, so each returned tools.Tool is wrapped rather than passed through.
type toolRegistryAdapter struct {
	reg *tools.Registry
}

func (a toolRegistryAdapter) Get(name string) (workflow.Tool, error) {
	t, err := a.reg.Get(name)
	if err != nil {
		return nil, err
	}
	return toolAdapter{t}, nil
}

func (a toolRegistryAdapter) Execute(ctx context.Context, name string, inputs map[string]interface{}) (map[string]interface{}, error) {
	return a.reg.Execute(ctx, name, inputs)
}

func (a toolRegistryAdapter) ListTools() []workflow.Tool {
	ts := a.reg.ListTools()
	out := make([]workflow.Tool, len(ts))
	for i, t := range ts {
		out[i] = toolAdapter{t}
	}
	return out
}

type toolAdapter struct {
	t tools.Tool
}

func (a toolAdapter) Name() string        { return a.t.Name() }
func (a toolAdapter) Description() string { return a.t.Description() }

func (a toolAdapter) Execute(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	return a.t.Execute(ctx, inputs)
}

// llmProviderAdapter adapts an agentbackend.Backend into
// pkg/workflow.LLMProvider, so "llm" workflow steps drive the same CLI or
// DSL agent backends job submission does, instead of needing a separate
// LLM client.
type llmProviderAdapter struct {
	daemon      *Daemon
	backendKind agentbackend.Kind
}

func (a llmProviderAdapter) Complete(ctx context.Context, prompt string, options map[string]interface{}) (*workflow.CompletionResult, error) {
	responder := a.daemon.respondViaBackend(string(a.backendKind))
	content, err := responder.Respond(ctx, "", prompt)
	if err != nil {
		return nil, err
	}
	return &workflow.CompletionResult{Content: content}, nil
}
