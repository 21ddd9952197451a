package exchange

import (
	"context"
	"errors"
	"net"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrMaintenance 表示交易所处于维护状态，需要上层跳过本轮交易。
	ErrMaintenance = errors.New("exchange on maintenance")
)

// Kind 对交易所错误做粗粒度分类，驱动上层的重试/纠正/对账决策。
type Kind int

const (
	// KindRetryable 为瞬时网络类错误，可带退避重试。
	KindRetryable Kind = iota
	// KindSizing 为下单尺寸类拒单（低于最小名义价值、步长非法），本地纠正后重试一次。
	KindSizing
	// KindBalanceState 为余额/状态不一致类拒单，需要立即对账而不是盲目重试。
	KindBalanceState
	// KindTerminal 为无法归类的终态错误，跳过该标的的本轮动作。
	KindTerminal
)

// Classify 将底层错误归入 Kind 分类。
func Classify(err error) Kind {
	if err == nil {
		return KindTerminal
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindRetryable
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return KindRetryable
		case ccxt.InvalidOrderErrType:
			return KindSizing
		case ccxt.InsufficientFundsErrType,
			ccxt.OrderNotFoundErrType,
			ccxt.BadSymbolErrType:
			return KindBalanceState
		default:
			return KindTerminal
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindRetryable
	}

	return KindTerminal
}

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err) == KindRetryable
}
