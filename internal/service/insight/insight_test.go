// file: internal/service/insight/insight_test.go
package insight

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"DataAegis/internal/core/domain"
	"DataAegis/internal/core/port"
)

type mockGenerator struct {
	GenerateFunc func(ctx context.Context, prompt string) (string, error)
	lastPrompt   string
}

func (m *mockGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	m.lastPrompt = prompt
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, prompt)
	}
	return `{"summary":"ok","insights":[],"recommendations":[]}`, nil
}

func rowSetOfSize(n int) *domain.RowSet {
	rs := &domain.RowSet{Columns: []domain.Column{{Name: "amount", Type: "integer"}}}
	for i := 0; i < n; i++ {
		rs.Rows = append(rs.Rows, domain.Row{domain.IntegerValue(int64(i))})
	}
	return rs
}

func TestAnalyzeSamplesLargeResult(t *testing.T) {
	gen := &mockGenerator{
		GenerateFunc: func(ctx context.Context, prompt string) (string, error) {
			return `{"summary":"销量集中在少数大单","insights":["top 1% 订单贡献 40% 金额"],"recommendations":[]}`, nil
		},
	}
	svc := New(gen, 0)

	got, err := svc.Analyze(context.Background(), rowSetOfSize(10000), "电商订单")
	if err != nil {
		t.Fatalf("Analyze 失败: %v", err)
	}
	if got.SampledRows != DefaultSampleLimit || got.TotalRows != 10000 {
		t.Fatalf("采样记账不符: sampled=%d total=%d", got.SampledRows, got.TotalRows)
	}
	if got.Summary == "" || len(got.Insights) != 1 {
		t.Fatalf("洞察内容不符: %+v", got)
	}
	if !strings.Contains(gen.lastPrompt, fmt.Sprintf("(%d of 10000 rows)", DefaultSampleLimit)) {
		t.Fatal("prompt 未如实标注采样规模")
	}
}

func TestAnalyzeSmallResultNotTruncated(t *testing.T) {
	svc := New(&mockGenerator{}, 0)
	got, err := svc.Analyze(context.Background(), rowSetOfSize(7), "")
	if err != nil {
		t.Fatalf("Analyze 失败: %v", err)
	}
	if got.SampledRows != 7 || got.TotalRows != 7 {
		t.Fatalf("小结果集不应截断: %+v", got)
	}
}

func TestAnalyzeMalformedOutput(t *testing.T) {
	cases := []struct {
		name   string
		output string
	}{
		{"纯文本", "Sure! Here is my analysis of your data..."},
		{"残缺 JSON", `{"summary": "truncated`},
		{"类型不符", `{"summary": 42}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gen := &mockGenerator{
				GenerateFunc: func(ctx context.Context, prompt string) (string, error) {
					return tc.output, nil
				},
			}
			svc := New(gen, 0)
			_, err := svc.Analyze(context.Background(), rowSetOfSize(3), "")
			if !errors.Is(err, port.ErrMalformedInsight) {
				t.Fatalf("期望 ErrMalformedInsight，实际 %v", err)
			}
		})
	}
}

func TestAnalyzeStripsCodeFence(t *testing.T) {
	gen := &mockGenerator{
		GenerateFunc: func(ctx context.Context, prompt string) (string, error) {
			return "```json\n{\"summary\":\"fenced\",\"insights\":[],\"recommendations\":[]}\n```", nil
		},
	}
	svc := New(gen, 0)
	got, err := svc.Analyze(context.Background(), rowSetOfSize(1), "")
	if err != nil {
		t.Fatalf("带围栏输出应能解析: %v", err)
	}
	if got.Summary != "fenced" {
		t.Fatalf("解析结果不符: %+v", got)
	}
}

func TestRecommendNormalizesPriority(t *testing.T) {
	gen := &mockGenerator{
		GenerateFunc: func(ctx context.Context, prompt string) (string, error) {
			return `{"recommendations":[
				{"action":"加索引","rationale":"全表扫描","priority":"HIGH"},
				{"action":"归档旧数据","rationale":"表过大","priority":"urgent"},
				{"action":"无需改动","rationale":"指标正常","priority":"low"}
			]}`, nil
		},
	}
	svc := New(gen, 0)
	recs, err := svc.Recommend(context.Background(), rowSetOfSize(5), "降低查询延迟", "")
	if err != nil {
		t.Fatalf("Recommend 失败: %v", err)
	}
	want := []string{"high", "medium", "low"}
	if len(recs) != 3 {
		t.Fatalf("期望 3 条建议，实际 %d", len(recs))
	}
	for i, r := range recs {
		if r.Priority != want[i] {
			t.Fatalf("第 %d 条优先级归一失败: 期望 %s 实际 %s", i, want[i], r.Priority)
		}
	}
	if !strings.Contains(gen.lastPrompt, "降低查询延迟") {
		t.Fatal("prompt 未包含调用方目标")
	}
}

func TestGeneratorFailurePropagates(t *testing.T) {
	backendErr := errors.New("quota exceeded")
	gen := &mockGenerator{
		GenerateFunc: func(ctx context.Context, prompt string) (string, error) {
			return "", backendErr
		},
	}
	svc := New(gen, 0)
	_, err := svc.Analyze(context.Background(), rowSetOfSize(1), "")
	if !errors.Is(err, backendErr) {
		t.Fatalf("期望透传后端错误，实际 %v", err)
	}
	if errors.Is(err, port.ErrMalformedInsight) {
		t.Fatal("后端错误不应被归为 ErrMalformedInsight")
	}
}
