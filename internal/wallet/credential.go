package wallet

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"AgentPay-Chain/internal/payment"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var _ payment.HeaderSigner = (*Wallet)(nil)

// credentialVersion 对应 x402 凭证格式版本。
const credentialVersion = 1

// credentialTTL 是单条支付凭证的有效窗口。
const credentialTTL = 5 * time.Minute

// Authorization 是支付凭证的授权负载，签名覆盖其规范化 JSON。
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

type credentialPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

type credential struct {
	X402Version int               `json:"x402Version"`
	Scheme      string            `json:"scheme"`
	Network     string            `json:"network"`
	Payload     credentialPayload `json:"payload"`
}

// SetCollector 设置支付凭证的收款方地址。
func (w *Wallet) SetCollector(address string) {
	w.mu.Lock()
	w.collector = address
	w.mu.Unlock()
}

// SetNetwork 设置凭证中声明的网络名。
func (w *Wallet) SetNetwork(name string) {
	w.mu.Lock()
	w.network = name
	w.mu.Unlock()
}

// SignPaymentHeader 为出站请求签发一条 base64 编码的支付凭证。凭证由当前
// 持有的委托会话密钥签名，金额上限由 maxValue 限定。
func (w *Wallet) SignPaymentHeader(_ *http.Request, maxValue *big.Int) (string, error) {
	if w == nil || w.key == nil {
		return "", errors.New("钱包未初始化")
	}
	if maxValue == nil || maxValue.Sign() <= 0 {
		return "", errors.New("支付金额上限未配置")
	}

	w.mu.Lock()
	collector := w.collector
	network := w.network
	w.mu.Unlock()
	if network == "" {
		network = "base"
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("生成凭证随机数失败: %w", err)
	}

	now := time.Now()
	auth := Authorization{
		From:        w.address.Hex(),
		To:          collector,
		Value:       maxValue.String(),
		ValidAfter:  fmt.Sprintf("%d", now.Add(-time.Minute).Unix()),
		ValidBefore: fmt.Sprintf("%d", now.Add(credentialTTL).Unix()),
		Nonce:       hexutil.Encode(nonce),
	}

	signature, err := w.signAuthorization(auth)
	if err != nil {
		return "", err
	}

	cred := credential{
		X402Version: credentialVersion,
		Scheme:      "exact",
		Network:     network,
		Payload: credentialPayload{
			Signature:     signature,
			Authorization: auth,
		},
	}
	encoded, err := json.Marshal(cred)
	if err != nil {
		return "", fmt.Errorf("编码支付凭证失败: %w", err)
	}
	return base64.StdEncoding.EncodeToString(encoded), nil
}

// signAuthorization 用会话密钥签名授权负载，返回 0x 前缀的 65 字节签名。
// crypto.Sign 产出的恢复字节是原始的 0/1，链上校验前由规范化层改写。
func (w *Wallet) signAuthorization(auth Authorization) (string, error) {
	encoded, err := json.Marshal(auth)
	if err != nil {
		return "", fmt.Errorf("编码授权负载失败: %w", err)
	}
	digest := crypto.Keccak256(encoded)

	sig, err := crypto.Sign(digest, w.activeSessionKey())
	if err != nil {
		return "", fmt.Errorf("签名授权负载失败: %w", err)
	}
	return "0x" + hex.EncodeToString(sig), nil
}
