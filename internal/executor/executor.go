package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/pkg/logger"
)

// OwnerHeader 在调用方持有授权账户时携带其地址。
const OwnerHeader = "x-session-user-address"

// defaultRetryDelay 给后端资源供给留出的固定等待时间。
const defaultRetryDelay = 2 * time.Second

// RegistrationTrigger 由注册协作方实现：幂等地供给目标资源，
// "已存在" 响应视为成功。
type RegistrationTrigger interface {
	EnsureRegistered(ctx context.Context, endpoint string) error
}

// Executor 构造并发出带支付凭证的请求。404 视为资源尚未注册：触发一次
// 自动注册，等待固定延迟后恰好重试一次，重试不会级联。
type Executor struct {
	client     *http.Client
	registrar  RegistrationTrigger
	threads    *threadCache
	retryDelay time.Duration
	log        *slog.Logger
}

// New 创建执行器。client 应当由支付传输层包装（见 internal/payment），
// registrar 可以为 nil，此时 404 不触发注册直接失败。
func New(client *http.Client, registrar RegistrationTrigger, retryDelay time.Duration) *Executor {
	if client == nil {
		client = http.DefaultClient
	}
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return &Executor{
		client:     client,
		registrar:  registrar,
		threads:    newThreadCache(),
		retryDelay: retryDelay,
		log:        logger.Named("executor"),
	}
}

// ThreadID 返回 (授权账户, 目标资源) 对应的稳定会话线程标识，
// 重复调用返回同一标识，使多次请求延续同一逻辑对话。
func (e *Executor) ThreadID(owner, endpoint string) string {
	return e.threads.get(owner, endpoint)
}

// ResetThread 丢弃既有线程标识，下一次调用将开启新对话。
func (e *Executor) ResetThread(owner, endpoint string) {
	e.threads.reset(owner, endpoint)
}

// Do 向目标资源发出一次计量调用并返回成功响应，响应体由调用方消费关闭。
func (e *Executor) Do(ctx context.Context, endpoint string, body any, owner string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRequestFailed, err, "序列化请求体失败")
	}

	resp, err := e.send(ctx, endpoint, payload, owner)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound {
		drainBody(resp)
		if e.registrar == nil {
			return nil, xerrors.New(xerrors.CodeNotRegistered, "")
		}
		e.log.Info("目标资源未注册，触发自动注册后重试一次", "endpoint", endpoint)
		if regErr := e.registrar.EnsureRegistered(ctx, endpoint); regErr != nil {
			return nil, regErr
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.retryDelay):
		}

		resp, err = e.send(ctx, endpoint, payload, owner)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusNotFound {
			// 至多一次重试，注册后仍未命中直接失败。
			drainBody(resp)
			return nil, xerrors.New(xerrors.CodeNotRegistered, "自动注册后资源仍不可达")
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	return resp, nil
}

func (e *Executor) send(ctx context.Context, endpoint string, payload []byte, owner string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRequestFailed, err, "构建请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRequestFailed, err, "请求发送失败")
	}
	return resp, nil
}

// responseError 从响应体的 error 字段提取信息，缺失时退回状态码描述。
func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var decoded struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &decoded); err == nil && strings.TrimSpace(decoded.Error) != "" {
		return xerrors.New(xerrors.CodeRequestFailed, decoded.Error)
	}
	return xerrors.New(xerrors.CodeRequestFailed, fmt.Sprintf("请求失败，HTTP %d", resp.StatusCode))
}

func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
