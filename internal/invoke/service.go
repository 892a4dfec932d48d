package invoke

import (
	"context"
	"log/slog"
	"strings"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/executor"
	"AgentPay-Chain/internal/market"
	"AgentPay-Chain/internal/meter"
	"AgentPay-Chain/internal/session"
	"AgentPay-Chain/internal/stream"
	"AgentPay-Chain/pkg/logger"
)

// Request 描述一次智能体调用：目录条目标识加上按形态取用的输入。
type Request struct {
	ListingID string
	// Message 是聊天与文本形态的输入。
	Message string
	// Prompt 是生成与图像分析形态的提示词。
	Prompt string
	// ImageURL 与 AudioURL 是媒体输入的可解析地址。
	ImageURL string
	AudioURL string
}

// Outcome 是一次调用的最终产物与计费结果。
type Outcome struct {
	Listing market.Listing
	Result  stream.Result
	// Charged 是本次调用实际记入会话的用量，失败的调用恒为零。
	Charged int64
}

// Budget 是调用服务对会话授权器的最小依赖。
type Budget interface {
	Owner() string
	HasBudget(required int64) bool
}

// Service 把目录检索、预算预检、请求执行、流式消费与用量计量串成
// 一次完整的智能体调用。
type Service struct {
	catalog  market.Catalog
	budget   Budget
	executor *executor.Executor
	consumer *stream.Consumer
	meter    *meter.Meter
	log      *slog.Logger
}

// NewService 创建调用服务。
func NewService(catalog market.Catalog, budget Budget, exec *executor.Executor, consumer *stream.Consumer, m *meter.Meter) *Service {
	return &Service{
		catalog:  catalog,
		budget:   budget,
		executor: exec,
		consumer: consumer,
		meter:    m,
		log:      logger.Named("invoke"),
	}
}

// Call 执行一次智能体调用。onIncrement 在流式文本期间按显示帧回调快照，
// 可以为 nil。只有内容完整交付后才记账。
func (s *Service) Call(ctx context.Context, req Request, onIncrement func(string)) (Outcome, error) {
	listing, ok := s.catalog.Find(req.ListingID)
	if !ok {
		return Outcome{}, xerrors.New(xerrors.CodeInvalidArgument, "目录中不存在该智能体: "+req.ListingID)
	}
	outcome := Outcome{Listing: listing}

	if !s.budget.HasBudget(listing.Price) {
		return outcome, xerrors.New(xerrors.CodeInsufficientBalance, "会话预算不足，无法发起调用")
	}

	owner := s.budget.Owner()
	body, err := s.buildBody(req, listing, owner)
	if err != nil {
		return outcome, err
	}

	resp, err := s.executor.Do(ctx, listing.Endpoint, body, owner)
	if err != nil {
		return outcome, err
	}

	result, err := s.consumer.Consume(ctx, resp, onIncrement, nil)
	if err != nil {
		return outcome, err
	}
	outcome.Result = result

	charged, err := s.meter.Record(ctx, meter.Call{Owner: owner, Endpoint: listing.Endpoint}, result)
	if err != nil {
		// 内容已交付，记账失败不撤回结果，只向调用方如实汇报。
		s.log.Error("用量记账失败", "endpoint", listing.Endpoint, "error", err)
		return outcome, err
	}
	outcome.Charged = charged

	s.log.Info("调用完成",
		"listing", listing.ID,
		"kind", string(result.Kind),
		"charged", charged,
	)
	return outcome, nil
}

// ResetThread 丢弃与某个智能体的既有对话线程。
func (s *Service) ResetThread(listingID string) {
	listing, ok := s.catalog.Find(listingID)
	if !ok {
		return
	}
	s.executor.ResetThread(s.budget.Owner(), listing.Endpoint)
}

// buildBody 按目录条目的输入形态构造请求体。
func (s *Service) buildBody(req Request, listing market.Listing, owner string) (any, error) {
	switch listing.Modality {
	case market.ModalityChat:
		message := strings.TrimSpace(req.Message)
		if message == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "聊天调用缺少 message 输入")
		}
		return map[string]string{
			"message":  message,
			"threadId": s.executor.ThreadID(owner, listing.Endpoint),
		}, nil
	case market.ModalityImageAnalysis:
		if strings.TrimSpace(req.ImageURL) == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "图像分析调用缺少 image 输入")
		}
		body := map[string]string{"image": req.ImageURL}
		if prompt := strings.TrimSpace(req.Prompt); prompt != "" {
			body["prompt"] = prompt
		}
		return body, nil
	case market.ModalityVoice:
		if strings.TrimSpace(req.AudioURL) == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "语音调用缺少 audio 输入")
		}
		return map[string]string{"audio": req.AudioURL}, nil
	case market.ModalityGeneration:
		prompt := strings.TrimSpace(req.Prompt)
		if prompt == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "生成调用缺少 prompt 输入")
		}
		return map[string]string{"prompt": prompt}, nil
	case market.ModalityText:
		text := strings.TrimSpace(req.Message)
		if text == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "文本调用缺少 text 输入")
		}
		return map[string]string{"text": text}, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的输入形态: "+string(listing.Modality))
	}
}

var _ Budget = (*session.Authorizer)(nil)
