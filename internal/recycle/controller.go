package recycle

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/config"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/feed"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/position"
)

// ExecQuality 汇总用于准入排序的执行质量观测值。
type ExecQuality struct {
	FeeRate         float64
	AvgFillSeconds  float64
	PendingBuyRatio float64
	Spread          map[string]float64
}

// Ranked 是附加了执行质量边际分的候选机会。
type Ranked struct {
	feed.Opportunity
	Edge     float64
	Override bool
}

// Controller 负责资金稀缺时的持仓腾退选择与新机会准入排序。
type Controller struct {
	cfg      config.RecycleConfig
	guard    *Guard
	logger   *zap.Logger
	minTrade float64
	friction float64
	maxHold  time.Duration
}

// NewController 创建回收与准入控制器。
func NewController(cfg config.RecycleConfig, trading config.TradingConfig, guard *Guard, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:      cfg,
		guard:    guard,
		logger:   logger,
		minTrade: trading.MinTradeSize,
		friction: trading.FrictionRate,
		maxHold:  trading.MaxHold,
	}
}

// RankEntries 计算每个候选机会的边际分并按其降序排列。
// 边际分低于下限的候选被丢弃，除非原始分超过覆盖阈值（极强信号
// 绕过执行质量过滤）。同分时按原始分排序。
func (c *Controller) RankEntries(opps []feed.Opportunity, quality ExecQuality) []Ranked {
	ranked := make([]Ranked, 0, len(opps))

	for _, opp := range opps {
		feePenalty := c.cfg.FeePenaltyWeight * quality.FeeRate
		latencyPenalty := c.cfg.LatencyPenaltyWeight * quality.AvgFillSeconds
		queuePenalty := c.cfg.QueuePenaltyWeight * quality.PendingBuyRatio
		spreadPenalty := c.cfg.SpreadPenaltyWeight * quality.Spread[opp.Symbol]

		edge := opp.Score - feePenalty - latencyPenalty - queuePenalty - spreadPenalty

		if edge < c.cfg.MinEdge {
			if opp.Score < c.cfg.OverrideScore {
				c.logger.Debug("候选机会边际分不足被丢弃",
					zap.String("symbol", opp.Symbol),
					zap.Float64("score", opp.Score),
					zap.Float64("edge", edge),
				)
				continue
			}
			ranked = append(ranked, Ranked{Opportunity: opp, Edge: edge, Override: true})
			continue
		}

		ranked = append(ranked, Ranked{Opportunity: opp, Edge: edge})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Edge != ranked[j].Edge {
			return ranked[i].Edge > ranked[j].Edge
		}
		return ranked[i].Score > ranked[j].Score
	})

	return ranked
}

// SelectEvictions 在资金稀缺且存在高质量机会时，挑选应被回收的持仓。
// 返回按预期净利降序的标的列表，受最小利润、最小收益率、最短持有、
// 每标的冷却与每周期上限约束。
func (c *Controller) SelectEvictions(positions []position.Position, deployable float64, opps []feed.Opportunity, now time.Time) []string {
	if deployable >= c.minTrade {
		return nil
	}
	if !c.hasHighQualityOpportunity(opps) {
		return nil
	}

	budget := c.cfg.MaxPerCycle - c.guard.CycleCloses()
	if budget <= 0 {
		return nil
	}

	type candidate struct {
		symbol string
		profit float64
	}

	var candidates []candidate
	for _, p := range positions {
		if p.Age(now) < c.cfg.MinHold {
			continue
		}
		if !c.guard.CanRecycle(p.Symbol, now) {
			continue
		}
		profit := p.ProjectedNetProfit(c.friction)
		if profit < c.cfg.MinNetProfit {
			continue
		}
		if !c.cfg.AllowLossEviction && p.PnlPercent() < c.cfg.MinReturnPercent {
			continue
		}
		candidates = append(candidates, candidate{symbol: p.Symbol, profit: profit})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].profit > candidates[j].profit
	})

	if len(candidates) > budget {
		candidates = candidates[:budget]
	}

	selected := make([]string, 0, len(candidates))
	for _, cand := range candidates {
		c.logger.Info("选中回收持仓以释放资金",
			zap.String("symbol", cand.symbol),
			zap.Float64("projected_net_profit", cand.profit),
			zap.Float64("deployable", deployable),
		)
		selected = append(selected, cand.symbol)
	}
	return selected
}

// PruneZombies 在资金稀缺且存在新机会时，清退同时满足
// 持有过久、收益接近横盘、且当前没有卖单挂出的僵尸持仓。
func (c *Controller) PruneZombies(positions []position.Position, deployable float64, opps []feed.Opportunity, hasOpenSell func(string) bool, now time.Time) []string {
	if deployable >= c.minTrade || len(opps) == 0 {
		return nil
	}

	budget := c.cfg.MaxPerCycle - c.guard.CycleCloses()
	if budget <= 0 {
		return nil
	}

	var pruned []string
	for _, p := range positions {
		if len(pruned) >= budget {
			break
		}
		if p.Age(now) <= c.maxHold {
			continue
		}
		if math.Abs(p.PnlPercent()) > c.cfg.ZombieFlatBand {
			continue
		}
		if hasOpenSell != nil && hasOpenSell(p.Symbol) {
			continue
		}
		if !c.guard.CanRecycle(p.Symbol, now) {
			continue
		}
		if p.ProjectedNetProfit(c.friction) < c.cfg.MinNetProfit && !c.cfg.AllowLossEviction {
			continue
		}

		c.logger.Info("清退僵尸持仓",
			zap.String("symbol", p.Symbol),
			zap.Duration("age", p.Age(now)),
			zap.Float64("pnl_percent", p.PnlPercent()),
		)
		pruned = append(pruned, p.Symbol)
	}
	return pruned
}

func (c *Controller) hasHighQualityOpportunity(opps []feed.Opportunity) bool {
	for _, opp := range opps {
		if opp.Score >= c.cfg.HighScoreThreshold {
			return true
		}
	}
	return false
}
