// Package insight — AI 数据洞察服务 (Insights Adapter)
// file: internal/service/insight/insight.go
//
// 无状态服务：把查询结果降采样后喂给 port.TextGenerator，要求模型返回
// 严格 JSON，再解析为结构化洞察。模型原始文本绝不作为结构化数据透传。
package insight

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"DataAegis/internal/core/domain"
	"DataAegis/internal/core/port"
)

// DefaultSampleLimit 是送入模型的最大行数，超出部分被截断。
const DefaultSampleLimit = 100

// Service 依赖一个黑盒文本生成器，prompt 与响应约定由本包独占。
type Service struct {
	gen         port.TextGenerator
	sampleLimit int
}

// New 创建洞察服务。sampleLimit <= 0 时使用 DefaultSampleLimit。
func New(gen port.TextGenerator, sampleLimit int) *Service {
	if sampleLimit <= 0 {
		sampleLimit = DefaultSampleLimit
	}
	return &Service{gen: gen, sampleLimit: sampleLimit}
}

// analyzePayload 是模型被要求返回的 JSON 形状。
type analyzePayload struct {
	Summary         string                  `json:"summary"`
	Insights        []string                `json:"insights"`
	Recommendations []domain.Recommendation `json:"recommendations"`
}

// Analyze 对一批行数据做总结分析。rows 超过采样上限时只送入前 N 行，
// 响应中的 SampledRows/TotalRows 如实反映截断。
func (s *Service) Analyze(ctx context.Context, rs *domain.RowSet, userContext string) (*domain.Insight, error) {
	total := len(rs.Rows)
	sampled := rs
	if total > s.sampleLimit {
		sampled = &domain.RowSet{Columns: rs.Columns, Rows: rs.Rows[:s.sampleLimit]}
	}

	data, err := json.Marshal(sampled.NativeRows())
	if err != nil {
		return nil, fmt.Errorf("序列化采样数据失败: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("You are a data analyst. Analyze the dataset below and respond with ONLY a JSON object,\n")
	sb.WriteString("no markdown fences, matching exactly this shape:\n")
	sb.WriteString(`{"summary": "...", "insights": ["..."], "recommendations": [{"action": "...", "rationale": "...", "priority": "high|medium|low"}]}`)
	sb.WriteString("\n\n")
	if userContext != "" {
		sb.WriteString("Business context: ")
		sb.WriteString(userContext)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "Dataset (%d of %d rows):\n", len(sampled.Rows), total)
	sb.Write(data)

	raw, err := s.gen.Generate(ctx, sb.String())
	if err != nil {
		return nil, fmt.Errorf("调用文本生成后端失败: %w", err)
	}

	payload, err := parsePayload(raw)
	if err != nil {
		slog.Warn("洞察服务: 模型输出无法解析为预期 JSON", "error", err, "output_bytes", len(raw))
		return nil, err
	}

	return &domain.Insight{
		Summary:         payload.Summary,
		Insights:        payload.Insights,
		Recommendations: normalizePriorities(payload.Recommendations),
		SampledRows:     len(sampled.Rows),
		TotalRows:       total,
	}, nil
}

// Recommend 针对给定目标生成行动建议。
func (s *Service) Recommend(ctx context.Context, rs *domain.RowSet, goal, userContext string) ([]domain.Recommendation, error) {
	total := len(rs.Rows)
	sampled := rs
	if total > s.sampleLimit {
		sampled = &domain.RowSet{Columns: rs.Columns, Rows: rs.Rows[:s.sampleLimit]}
	}

	data, err := json.Marshal(sampled.NativeRows())
	if err != nil {
		return nil, fmt.Errorf("序列化采样数据失败: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("You are a data analyst. Given the dataset and goal below, respond with ONLY a JSON object,\n")
	sb.WriteString("no markdown fences, matching exactly this shape:\n")
	sb.WriteString(`{"recommendations": [{"action": "...", "rationale": "...", "priority": "high|medium|low"}]}`)
	sb.WriteString("\n\nGoal: ")
	sb.WriteString(goal)
	sb.WriteString("\n")
	if userContext != "" {
		sb.WriteString("Business context: ")
		sb.WriteString(userContext)
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\nDataset (%d of %d rows):\n", len(sampled.Rows), total)
	sb.Write(data)

	raw, err := s.gen.Generate(ctx, sb.String())
	if err != nil {
		return nil, fmt.Errorf("调用文本生成后端失败: %w", err)
	}

	payload, err := parsePayload(raw)
	if err != nil {
		slog.Warn("洞察服务: 模型输出无法解析为预期 JSON", "error", err, "output_bytes", len(raw))
		return nil, err
	}
	return normalizePriorities(payload.Recommendations), nil
}

// parsePayload 解析模型输出。模型偶尔会无视指令包上 ```json 围栏，
// 剥掉围栏后再解析；仍失败则整体判为 ErrMalformedInsight。
func parsePayload(raw string) (*analyzePayload, error) {
	text := strings.TrimSpace(raw)
	if after, found := strings.CutPrefix(text, "```json"); found {
		text = after
	} else if after, found := strings.CutPrefix(text, "```"); found {
		text = after
	}
	text = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "```"))

	var payload analyzePayload
	dec := json.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", port.ErrMalformedInsight, err)
	}
	return &payload, nil
}

// normalizePriorities 把未知优先级归一到 medium，保证枚举封闭。
func normalizePriorities(recs []domain.Recommendation) []domain.Recommendation {
	out := make([]domain.Recommendation, 0, len(recs))
	for _, r := range recs {
		switch strings.ToLower(r.Priority) {
		case "high", "medium", "low":
			r.Priority = strings.ToLower(r.Priority)
		default:
			r.Priority = "medium"
		}
		out = append(out, r)
	}
	return out
}
