package feed

import "context"

// Opportunity 是上游评分子系统输出的候选机会，进入周期后不可变。
type Opportunity struct {
	Symbol     string
	Score      float64
	Confidence float64
	Signals    map[string]float64
}

// Feed 抽象外部机会来源，每个周期拉取一次排序后的候选列表。
type Feed interface {
	Fetch(ctx context.Context) ([]Opportunity, error)
}

// Static 返回固定机会列表，用于测试与回放。
type Static struct {
	Opportunities []Opportunity
}

// Fetch 实现 Feed。
func (s *Static) Fetch(_ context.Context) ([]Opportunity, error) {
	out := make([]Opportunity, len(s.Opportunities))
	copy(out, s.Opportunities)
	return out, nil
}

var _ Feed = (*Static)(nil)
