package meter

import (
	"context"
	"log/slog"
	"time"

	"AgentPay-Chain/internal/stream"
	"AgentPay-Chain/pkg/logger"
)

// Recorder 是会话授权器暴露给计量层的最小接口。
type Recorder interface {
	RecordUsage(ctx context.Context, amount int64) error
}

// CostTable 按内容形态给出成本估算参数，单位为支付代币的最小单位。
type CostTable struct {
	// PerTextRune 是流式文本每个字符的计价。
	PerTextRune int64
	// ImageFlat、AudioFlat、VideoFlat 是媒体结果的固定计价。
	ImageFlat int64
	AudioFlat int64
	VideoFlat int64
	// MinCharge 是任何成功调用的最低计费。
	MinCharge int64
}

// DefaultCostTable 返回与市场默认定价一致的成本表。
func DefaultCostTable() CostTable {
	return CostTable{
		PerTextRune: 50,
		ImageFlat:   200_000,
		AudioFlat:   150_000,
		VideoFlat:   500_000,
		MinCharge:   10_000,
	}
}

// Call 描述一次被计量的调用，进入用量事件供市场侧对账。
type Call struct {
	Owner    string
	Endpoint string
}

// Meter 在调用成功收尾后记录会话用量，失败的调用绝不计费。
// 计费严格发生在内容交付完成之后，避免为解码失败的内容扣费。
type Meter struct {
	recorder  Recorder
	publisher EventPublisher
	costs     CostTable
	log       *slog.Logger
}

// New 创建计量器。publisher 为 nil 时使用 NoopPublisher。
func New(recorder Recorder, publisher EventPublisher, costs CostTable) *Meter {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	if costs == (CostTable{}) {
		costs = DefaultCostTable()
	}
	return &Meter{
		recorder:  recorder,
		publisher: publisher,
		costs:     costs,
		log:       logger.Named("meter"),
	}
}

// Estimate 根据交付内容给出成本估算。
func (m *Meter) Estimate(result stream.Result) int64 {
	var amount int64
	switch result.Kind {
	case stream.KindBinaryMedia, stream.KindStructuredMedia:
		switch result.MediaKind {
		case "image":
			amount = m.costs.ImageFlat
		case "audio":
			amount = m.costs.AudioFlat
		case "video":
			amount = m.costs.VideoFlat
		default:
			amount = m.costs.ImageFlat
		}
	default:
		amount = int64(len([]rune(result.Text))) * m.costs.PerTextRune
	}
	if amount < m.costs.MinCharge {
		amount = m.costs.MinCharge
	}
	return amount
}

// Record 结算一次成功调用：更新会话额度并广播用量事件。
// 事件发布失败不影响本地额度记录。
func (m *Meter) Record(ctx context.Context, call Call, result stream.Result) (int64, error) {
	amount := m.Estimate(result)
	if err := m.recorder.RecordUsage(ctx, amount); err != nil {
		return 0, err
	}

	event := UsageEvent{
		Owner:      call.Owner,
		Endpoint:   call.Endpoint,
		Kind:       string(result.Kind),
		Amount:     amount,
		OccurredAt: time.Now().UnixMilli(),
	}
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.log.Warn("用量事件发布失败", "endpoint", call.Endpoint, "error", err)
	}
	return amount, nil
}
