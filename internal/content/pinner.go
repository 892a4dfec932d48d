package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

const defaultTimeout = 60 * time.Second

// Pinner 对接内容存储协作方：上传字节获得内容标识与可解析 URL，
// 以及按标识解除固定。用于附件与媒体结果的生命周期管理。
type Pinner struct {
	pinURL     string
	gatewayURL string
	token      string
	httpClient *http.Client
}

// Config 描述内容存储服务的接入参数。
type Config struct {
	PinURL     string
	GatewayURL string
	Token      string
	Timeout    time.Duration
}

// NewPinner 创建内容存储客户端。
func NewPinner(cfg Config) (*Pinner, error) {
	if strings.TrimSpace(cfg.PinURL) == "" {
		return nil, errors.New("内容存储上传地址不能为空")
	}
	if strings.TrimSpace(cfg.GatewayURL) == "" {
		return nil, errors.New("内容存储网关地址不能为空")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Pinner{
		pinURL:     strings.TrimRight(cfg.PinURL, "/"),
		gatewayURL: strings.TrimRight(cfg.GatewayURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Upload 上传字节并返回内容标识与可解析 URL。
func (p *Pinner) Upload(ctx context.Context, data []byte, mimeType string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.pinURL, bytes.NewReader(data))
	if err != nil {
		return "", "", xerrors.Wrap(xerrors.CodeUploadFailed, err, "构建上传请求失败")
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", mimeType)
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", "", xerrors.Wrap(xerrors.CodeUploadFailed, err, "上传请求失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", "", xerrors.New(xerrors.CodeUploadFailed,
			fmt.Sprintf("内容存储返回状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		CID string `json:"cid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", "", xerrors.Wrap(xerrors.CodeUploadFailed, err, "解析上传响应失败")
	}
	if decoded.CID == "" {
		return "", "", xerrors.New(xerrors.CodeUploadFailed, "上传响应缺少内容标识")
	}
	return decoded.CID, p.ResolveURL(decoded.CID), nil
}

// Unpin 解除指定内容标识的固定，附件被移除后调用。
func (p *Pinner) Unpin(ctx context.Context, cid string) error {
	if strings.TrimSpace(cid) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "内容标识不能为空")
	}
	endpoint := p.pinURL + "/" + url.PathEscape(cid)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUploadFailed, err, "构建解除固定请求失败")
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUploadFailed, err, "解除固定请求失败")
	}
	defer resp.Body.Close()

	// 记录已不存在视为成功，解除固定是幂等操作。
	if resp.StatusCode == http.StatusNotFound ||
		(resp.StatusCode >= 200 && resp.StatusCode <= 299) {
		return nil
	}
	return xerrors.New(xerrors.CodeUploadFailed, fmt.Sprintf("解除固定失败，HTTP %d", resp.StatusCode))
}

// ResolveURL 把内容标识转换为网关可解析的 URL。
func (p *Pinner) ResolveURL(cid string) string {
	return p.gatewayURL + "/" + cid
}

// StoreBlob 实现流式消费层的 BlobStore 端口：媒体结果直接固定到内容存储。
func (p *Pinner) StoreBlob(ctx context.Context, data []byte, mimeType string) (string, error) {
	_, resolvedURL, err := p.Upload(ctx, data, mimeType)
	if err != nil {
		return "", err
	}
	return resolvedURL, nil
}
