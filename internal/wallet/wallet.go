package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"AgentPay-Chain/internal/session"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	_ session.Wallet     = (*Wallet)(nil)
	_ session.KeyRevoker = (*Wallet)(nil)
)

// erc20ABI 覆盖支付流程用到的 ERC-20 方法子集。
const erc20ABI = `[
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const (
	approveGasLimit  = 80_000
	transferGasLimit = 21_000
)

// Config 描述钱包的构造参数。
type Config struct {
	RPCURL        string
	ChainID       int64
	PrivateKeyHex string
	TokenContract string
	Collector     string
	Network       string
}

// Wallet 是签名器协作方的以太坊实现：持有授权账户私钥，提供余额与授权
// 查询、价值交易发送、委托会话密钥签发，以及出站支付凭证签名。
type Wallet struct {
	eth     *ethclient.Client
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	token   common.Address
	erc20   abi.ABI

	mu        sync.Mutex
	collector string
	network   string
	delegate  *sessionKey
}

type sessionKey struct {
	key     *ecdsa.PrivateKey
	address common.Address
	spec    session.KeySpec
}

// New 连接 RPC 节点并构造钱包。
func New(ctx context.Context, cfg Config) (*Wallet, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	w, err := NewOffline(cfg)
	if err != nil {
		return nil, err
	}

	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	w.eth = eth

	if w.chainID == nil {
		chainID, err := eth.ChainID(ctx)
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
		w.chainID = chainID
	}
	return w, nil
}

// NewOffline 构造不连接节点的钱包，只保留签名能力，主要用于测试。
func NewOffline(cfg Config) (*Wallet, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x")
	if keyHex == "" {
		return nil, errors.New("未配置账户私钥")
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("解析账户私钥失败: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("解析 ERC-20 ABI 失败: %w", err)
	}

	w := &Wallet{
		key:       key,
		address:   crypto.PubkeyToAddress(key.PublicKey),
		token:     common.HexToAddress(cfg.TokenContract),
		erc20:     parsedABI,
		collector: cfg.Collector,
		network:   cfg.Network,
	}
	if cfg.ChainID > 0 {
		w.chainID = big.NewInt(cfg.ChainID)
	}
	return w, nil
}

// Close 释放节点连接。
func (w *Wallet) Close() {
	if w != nil && w.eth != nil {
		w.eth.Close()
		w.eth = nil
	}
}

// ChainID 返回钱包绑定的链标识，未知时为 0。
func (w *Wallet) ChainID() int64 {
	if w == nil || w.chainID == nil {
		return 0
	}
	return w.chainID.Int64()
}

// CurrentAccount 返回当前授权账户地址。
func (w *Wallet) CurrentAccount(_ context.Context) (string, error) {
	if w == nil || w.key == nil {
		return "", errors.New("钱包未初始化")
	}
	return w.address.Hex(), nil
}

// NativeBalance 查询账户的链原生资产余额。
func (w *Wallet) NativeBalance(ctx context.Context) (*big.Int, error) {
	if w.eth == nil {
		return nil, errors.New("钱包未连接节点")
	}
	balance, err := w.eth.BalanceAt(ctx, w.address, nil)
	if err != nil {
		return nil, fmt.Errorf("查询原生余额失败: %w", err)
	}
	return balance, nil
}

// TokenBalance 查询指定账户的支付代币余额。
func (w *Wallet) TokenBalance(ctx context.Context, owner string) (*big.Int, error) {
	return w.callUint256(ctx, "balanceOf", common.HexToAddress(owner))
}

// Allowance 查询账户对收款方的既有授权额度。
func (w *Wallet) Allowance(ctx context.Context, owner, collector string) (*big.Int, error) {
	return w.callUint256(ctx, "allowance", common.HexToAddress(owner), common.HexToAddress(collector))
}

func (w *Wallet) callUint256(ctx context.Context, method string, args ...any) (*big.Int, error) {
	if w.eth == nil {
		return nil, errors.New("钱包未连接节点")
	}
	data, err := w.erc20.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}
	raw, err := w.eth.CallContract(ctx, gethcore.CallMsg{To: &w.token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用 %s 失败: %w", method, err)
	}
	values, err := w.erc20.Unpack(method, raw)
	if err != nil || len(values) == 0 {
		return nil, fmt.Errorf("解码 %s 返回值失败: %w", method, err)
	}
	result, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s 返回值类型异常", method)
	}
	return result, nil
}

// Approve 将收款方的授权额度提升到 amount，等待交易上链。
func (w *Wallet) Approve(ctx context.Context, collector string, amount *big.Int) error {
	data, err := w.erc20.Pack("approve", common.HexToAddress(collector), amount)
	if err != nil {
		return fmt.Errorf("编码 approve 调用失败: %w", err)
	}
	receipt, err := w.sendTx(ctx, w.token, big.NewInt(0), approveGasLimit, data)
	if err != nil {
		return err
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return errors.New("approve 交易执行失败")
	}
	return nil
}

// SendValue 发送一笔价值交易。
func (w *Wallet) SendValue(ctx context.Context, to string, amountWei *big.Int) (string, error) {
	receipt, err := w.sendTx(ctx, common.HexToAddress(to), amountWei, transferGasLimit, nil)
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

func (w *Wallet) sendTx(ctx context.Context, to common.Address, value *big.Int, gasLimit uint64, data []byte) (*coretypes.Receipt, error) {
	if w.eth == nil {
		return nil, errors.New("钱包未连接节点")
	}
	if w.chainID == nil {
		return nil, errors.New("未配置链 ID")
	}

	nonce, err := w.eth.PendingNonceAt(ctx, w.address)
	if err != nil {
		return nil, fmt.Errorf("查询交易计数失败: %w", err)
	}
	gasPrice, err := w.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询 gas 价格失败: %w", err)
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := w.eth.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("发送交易失败: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, w.eth, signed)
	if err != nil {
		return nil, fmt.Errorf("等待交易上链失败: %w", err)
	}
	return receipt, nil
}

// IssueSessionKey 生成一把仅限支付代币、原生资产额度为零的委托会话密钥，
// 返回其地址。同一时刻只保留一把委托密钥，新签发会顶替旧密钥，因此凭证
// 签名方始终是最近一次授权绑定的那把。密钥保留在进程内存中，不落盘。
func (w *Wallet) IssueSessionKey(_ context.Context, spec session.KeySpec) (string, error) {
	if spec.NativeAllowance != nil && spec.NativeAllowance.Sign() != 0 {
		return "", errors.New("会话密钥不允许携带原生资产额度")
	}
	if spec.NotAfter.Before(spec.NotBefore) {
		return "", errors.New("会话密钥有效期配置异常")
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("生成会话密钥失败: %w", err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey)

	w.mu.Lock()
	w.delegate = &sessionKey{key: key, address: address, spec: spec}
	w.mu.Unlock()
	return address.Hex(), nil
}

// DropSessionKey 销毁委托会话密钥，会话终止后由授权器调用。地址不匹配
// 当前持有的密钥时不做任何事。
func (w *Wallet) DropSessionKey(address string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.delegate != nil && w.delegate.address == common.HexToAddress(address) {
		w.delegate = nil
	}
}

// activeSessionKey 返回仍在有效期内的委托会话密钥，过期的密钥就地丢弃，
// 没有可用密钥时退回账户主密钥。
func (w *Wallet) activeSessionKey() *ecdsa.PrivateKey {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.delegate != nil {
		now := time.Now()
		if now.Before(w.delegate.spec.NotBefore) || now.After(w.delegate.spec.NotAfter) {
			w.delegate = nil
		} else {
			return w.delegate.key
		}
	}
	return w.key
}
