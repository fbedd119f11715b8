package ai

import (
	"context"
	"encoding/json"
	"fmt"

	"reviewroom/api/internal/room"
)

const impactSystemPrompt = `你是一个资深系统架构师。请分析产品需求文档(PRD)，构建一个"功能-系统模块"的影响面依赖图谱。

返回格式必须是严格的JSON对象，不包含Markdown标记，结构如下：
{
  "nodes": [
    { "id": "功能或模块名", "group": 1(功能)或2(服务)或3(数据库), "val": 权重(5-20) }
  ],
  "links": [
    { "source": "节点ID", "target": "节点ID" }
  ]
}
请提取至少5-8个关键节点和对应的依赖关系。`

// ImpactAnalyzer derives the dependency graph between features and system
// modules mentioned in the document.
type ImpactAnalyzer struct {
	chain *Chain
}

func NewImpactAnalyzer(chain *Chain) *ImpactAnalyzer {
	return &ImpactAnalyzer{chain: chain}
}

// Generate returns the graph or an error. Unlike review, a failed graph is
// worth surfacing: the client keeps its previous graph on error.
func (a *ImpactAnalyzer) Generate(ctx context.Context, content string) (room.ImpactGraph, error) {
	messages := []Message{
		{Role: "system", Content: impactSystemPrompt},
		{Role: "user", Content: "分析此PRD内容并生成图谱:\n" + content},
	}

	text, _, err := a.chain.Complete(ctx, messages)
	if err != nil {
		return room.ImpactGraph{}, fmt.Errorf("impact graph generation: %w", err)
	}

	var graph room.ImpactGraph
	if err := json.Unmarshal([]byte(StripFences(text)), &graph); err != nil {
		return room.ImpactGraph{}, fmt.Errorf("parse impact graph: %w", err)
	}
	if graph.Nodes == nil {
		graph.Nodes = []room.ImpactNode{}
	}
	if graph.Links == nil {
		graph.Links = []room.ImpactLink{}
	}
	return graph, nil
}
