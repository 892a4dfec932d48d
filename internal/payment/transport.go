package payment

import (
	"math/big"
	"net/http"
	"net/textproto"

	"AgentPay-Chain/pkg/logger"
)

// HeaderSigner 由钱包协作方实现：为出站请求签发一条受最大金额约束的支付凭证头。
type HeaderSigner interface {
	SignPaymentHeader(req *http.Request, maxValue *big.Int) (string, error)
}

// Transport 包装底层 RoundTripper，为每个出站请求附加支付凭证，并在发送前
// 对凭证内的签名做恢复字节规范化。这是浏览器端 "wrap fetch" 适配器的服务端版本。
type Transport struct {
	Base       http.RoundTripper
	Signer     HeaderSigner
	MaxValue   *big.Int
	Normalizer *Normalizer
	Header     string
}

// NewTransport 构造支付传输层。base 为 nil 时使用 http.DefaultTransport。
func NewTransport(base http.RoundTripper, signer HeaderSigner, maxValue *big.Int, normalizer *Normalizer) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{
		Base:       base,
		Signer:     signer,
		MaxValue:   maxValue,
		Normalizer: normalizer,
		Header:     DefaultHeader,
	}
}

// RoundTrip 实现 http.RoundTripper。
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())

	headerName := t.Header
	if headerName == "" {
		headerName = DefaultHeader
	}

	if t.Signer != nil && out.Header.Get(headerName) == "" {
		value, err := t.Signer.SignPaymentHeader(out, t.MaxValue)
		if err != nil {
			return nil, err
		}
		if value != "" {
			out.Header.Set(headerName, value)
		}
	}

	if t.Normalizer.Enabled() {
		t.normalizeHeaders(out)
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(out)
}

// normalizeHeaders 不区分大小写地定位支付凭证头并改写其中的签名。
func (t *Transport) normalizeHeaders(req *http.Request) {
	canonical := textproto.CanonicalMIMEHeaderKey(t.Header)
	for key, values := range req.Header {
		if textproto.CanonicalMIMEHeaderKey(key) != canonical {
			continue
		}
		for i, value := range values {
			rewritten, changed := RewriteHeader(value, t.Normalizer.Apply)
			if changed {
				values[i] = rewritten
				logger.Named("payment").Debug("已规范化支付凭证签名", "header", key)
			}
		}
		req.Header[key] = values
	}
}
