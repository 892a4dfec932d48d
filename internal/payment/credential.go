package payment

import (
	"encoding/base64"
	"encoding/json"
)

// DefaultHeader 是出站请求携带支付凭证的头名称。
const DefaultHeader = "X-Payment"

// RewriteHeader 解码 base64 JSON 形式的支付凭证头，仅改写 payload.signature
// 字段后重新编码。凭证结构未知的部分原样保留。
//
// 任何一步解码失败都返回原始头值和 false，凭证畸形时规范化只是被跳过，
// 不应阻断请求本身。
func RewriteHeader(headerValue string, rewrite func(sigHex string) string) (string, bool) {
	if headerValue == "" || rewrite == nil {
		return headerValue, false
	}

	decoded, err := base64.StdEncoding.DecodeString(headerValue)
	if err != nil {
		return headerValue, false
	}

	var credential map[string]json.RawMessage
	if err := json.Unmarshal(decoded, &credential); err != nil {
		return headerValue, false
	}

	rawPayload, ok := credential["payload"]
	if !ok {
		return headerValue, false
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return headerValue, false
	}

	rawSig, ok := payload["signature"]
	if !ok {
		return headerValue, false
	}
	var signature string
	if err := json.Unmarshal(rawSig, &signature); err != nil {
		return headerValue, false
	}

	rewritten := rewrite(signature)
	if rewritten == signature {
		return headerValue, false
	}

	encodedSig, err := json.Marshal(rewritten)
	if err != nil {
		return headerValue, false
	}
	payload["signature"] = encodedSig
	encodedPayload, err := json.Marshal(payload)
	if err != nil {
		return headerValue, false
	}
	credential["payload"] = encodedPayload
	encodedCredential, err := json.Marshal(credential)
	if err != nil {
		return headerValue, false
	}
	return base64.StdEncoding.EncodeToString(encodedCredential), true
}
