// Package consumer 上游交易执行方结算事件的 Kafka 入口
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/coresatellite/internal/allocation/application"
)

// SettlementMessage 上游结算消息
// kind 取值 trade / dividend；trade 的 side 取值 buy / sell。
type SettlementMessage struct {
	Kind        string `json:"kind"`
	BucketID    string `json:"bucket_id"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Side        string `json:"side"`
	Description string `json:"description"`
}

// SettlementHandler 把结算事件写入虚拟账本
type SettlementHandler struct {
	ledgerService *application.LedgerService
	logger        *slog.Logger
}

// NewSettlementHandler 创建结算消息处理器
func NewSettlementHandler(ledgerService *application.LedgerService, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{ledgerService: ledgerService, logger: logger}
}

// Handle 处理单条结算消息
// 格式错误的消息记日志后丢弃，避免毒消息阻塞分区；
// 账本写入失败则返回错误交由消费循环记录。
func (h *SettlementHandler) Handle(ctx context.Context, msg kafka.Message) error {
	var payload SettlementMessage
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		h.logger.ErrorContext(ctx, "failed to unmarshal settlement message",
			"topic", msg.Topic,
			"offset", msg.Offset,
			"error", err,
		)
		return nil
	}
	if payload.BucketID == "" || payload.Amount == "" {
		h.logger.WarnContext(ctx, "settlement message missing bucket_id or amount",
			"topic", msg.Topic,
			"offset", msg.Offset,
		)
		return nil
	}

	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		h.logger.ErrorContext(ctx, "settlement message has invalid amount",
			"bucket_id", payload.BucketID,
			"amount", payload.Amount,
			"error", err,
		)
		return nil
	}

	switch payload.Kind {
	case "trade":
		var isBuy bool
		switch payload.Side {
		case "buy":
			isBuy = true
		case "sell":
			isBuy = false
		default:
			h.logger.WarnContext(ctx, "settlement message has unknown side",
				"bucket_id", payload.BucketID,
				"side", payload.Side,
			)
			return nil
		}
		_, err = h.ledgerService.RecordTradeSettlement(ctx, payload.BucketID, amount, payload.Currency, isBuy, payload.Description)
		return err
	case "dividend":
		_, err = h.ledgerService.RecordDividend(ctx, payload.BucketID, amount, payload.Currency, payload.Description)
		return err
	default:
		return fmt.Errorf("unknown settlement kind %q", payload.Kind)
	}
}
