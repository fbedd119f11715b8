package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"reviewroom/api/internal/room"
	"reviewroom/api/internal/util"
)

// kbSnippetLimit caps per-document context to keep the prompt inside the
// model's token budget.
const kbSnippetLimit = 1000

const reviewSystemPrompt = `你是一位来自顶尖科技公司的首席产品架构师。深度审查PRD文档。%s

核心原则：
1. 逻辑完备性：检查是否缺失成功指标、异常流程。
2. 技术一致性：检查是否符合通常的技术架构标准或知识库中的规范。
3. 风险识别：识别安全、性能、合规风险。

输出格式为严格的JSON数组，不包含Markdown格式标记，每个对象包含：
{
  "type": "LOGIC" | "TECH" | "RISK" | "LANGUAGE",
  "severity": "BLOCKER" | "WARNING" | "SUGGESTION",
  "position": "章节号或相关文本",
  "originalText": "引用的原文",
  "comment": "具体的修改建议"
}`

// Reviewer produces structured review findings for a PRD document.
type Reviewer struct {
	chain *Chain
}

func NewReviewer(chain *Chain) *Reviewer {
	return &Reviewer{chain: chain}
}

type finding struct {
	Type         string `json:"type"`
	Severity     string `json:"severity"`
	Position     string `json:"position"`
	OriginalText string `json:"originalText"`
	Comment      string `json:"comment"`
}

// Review returns AI findings for the document. The call never fails: provider
// errors and unparseable output degrade to a single synthetic comment so the
// caller can always show something, mirroring how the review surface treats
// the AI as advisory rather than load-bearing.
func (r *Reviewer) Review(ctx context.Context, content string, kbFiles []room.KBFile) []room.Comment {
	system := fmt.Sprintf(reviewSystemPrompt, kbContext(kbFiles))
	messages := []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: "请审查以下PRD片段:\n" + content},
	}

	text, _, err := r.chain.Complete(ctx, messages)
	if err != nil {
		return []room.Comment{failureComment(err)}
	}

	text = StripFences(text)
	var findings []finding
	if err := json.Unmarshal([]byte(text), &findings); err != nil {
		// The model ignored the JSON contract; surface its prose as-is.
		return []room.Comment{{
			ID:        util.NewID("c"),
			Type:      "LANGUAGE",
			Severity:  "INFO",
			Position:  "AI 建议 (格式解析失败)",
			Comment:   text,
			Timestamp: time.Now().UnixMilli(),
		}}
	}

	comments := make([]room.Comment, 0, len(findings))
	for _, f := range findings {
		comments = append(comments, room.Comment{
			ID:           util.NewID("c"),
			Type:         f.Type,
			Severity:     f.Severity,
			Position:     f.Position,
			OriginalText: f.OriginalText,
			Comment:      f.Comment,
			Timestamp:    time.Now().UnixMilli(),
		})
	}
	return comments
}

func kbContext(kbFiles []room.KBFile) string {
	if len(kbFiles) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\n【已加载的企业知识库】：\n")
	for _, f := range kbFiles {
		snippet := []rune(f.Content)
		if len(snippet) > kbSnippetLimit {
			snippet = snippet[:kbSnippetLimit]
		}
		fmt.Fprintf(&b, "\n--- 文档: %s ---\n%s\n----------------\n", f.Name, string(snippet))
	}
	return b.String()
}

func failureComment(err error) room.Comment {
	msg := err.Error()
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401:
			msg = "API Key 无效或过期"
		case 404:
			msg = "模型名称错误"
		}
	}
	return room.Comment{
		ID:        util.NewID("c"),
		Type:      "RISK",
		Severity:  "WARNING",
		Position:  "系统错误",
		Comment:   "AI 服务调用失败: " + msg,
		Timestamp: time.Now().UnixMilli(),
	}
}
