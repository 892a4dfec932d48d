package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

const defaultTimeout = 30 * time.Second

// Client 调用市场侧的自动注册端点，在代理资源首次被寻址时惰性供给后端。
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient 创建自动注册客户端。
func NewClient(endpoint string, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("注册端点不能为空")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{endpoint: endpoint, httpClient: httpClient}, nil
}

// EnsureRegistered 触发一次幂等注册。200 与 409（资源已存在）都视为就绪。
func (c *Client) EnsureRegistered(ctx context.Context, agentEndpoint string) error {
	payload, err := json.Marshal(map[string]string{"endpoint": agentEndpoint})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeNotRegistered, err, "序列化注册请求失败")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeNotRegistered, err, "构建注册请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeNotRegistered, err, "注册请求失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusConflict {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return xerrors.New(xerrors.CodeNotRegistered,
		"注册端点返回状态 "+resp.Status+": "+strings.TrimSpace(string(body)))
}
