// Package textgen — Gemini 文本生成适配器
// file: internal/adapter/textgen/gemini.go
package textgen

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"DataAegis/internal/core/port"
)

const defaultModel = "gemini-2.0-flash"

// Gemini 基于 Google GenAI SDK 实现 port.TextGenerator。
type Gemini struct {
	client *genai.Client
	model  string
}

var _ port.TextGenerator = (*Gemini)(nil)

// NewGemini 创建 Gemini 适配器。model 为空时使用默认模型。
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key 不能为空")
	}
	if model == "" {
		model = defaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 GenAI 客户端失败: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

// Generate 执行一次单轮生成并返回纯文本。
func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("Gemini 生成请求失败: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("Gemini 返回空响应")
	}
	return text, nil
}
