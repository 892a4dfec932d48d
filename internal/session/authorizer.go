package session

import (
	"context"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/pkg/logger"
)

// KeySpec 描述签发委托会话密钥时的约束范围。
type KeySpec struct {
	// TokenContract 是会话密钥唯一可以动用的支付代币合约地址。
	TokenContract string
	// Collector 是固定的收款方地址。
	Collector string
	// TokenAllowance 是会话密钥在有效期内可拉取的代币总额（最小单位）。
	TokenAllowance *big.Int
	// NativeAllowance 必须为零：会话密钥不允许动用链原生资产。
	NativeAllowance *big.Int
	// NotBefore 与 NotAfter 限定密钥有效期。
	NotBefore time.Time
	NotAfter  time.Time
}

// Wallet 是授权器依赖的签名器协作方接口。
type Wallet interface {
	// CurrentAccount 返回当前授权账户地址，没有可用账户时报错。
	CurrentAccount(ctx context.Context) (string, error)
	// TokenBalance 查询账户的支付代币余额（最小单位）。
	TokenBalance(ctx context.Context, owner string) (*big.Int, error)
	// Allowance 查询账户对收款方的既有授权额度。
	Allowance(ctx context.Context, owner, collector string) (*big.Int, error)
	// Approve 将收款方的授权额度提升到 amount，交易上链后返回。
	Approve(ctx context.Context, collector string, amount *big.Int) error
	// IssueSessionKey 签发受 spec 约束的委托会话密钥并返回其地址。
	IssueSessionKey(ctx context.Context, spec KeySpec) (string, error)
}

// KeyRevoker 由支持主动销毁委托会话密钥的钱包实现。
type KeyRevoker interface {
	// DropSessionKey 销毁指定地址的委托会话密钥。
	DropSessionKey(address string)
}

// Config 描述授权器的支付参数。
type Config struct {
	// TokenContract 是结算用 ERC-20 合约地址。
	TokenContract string
	// Collector 是固定的支付收款方。
	Collector string
	// TokenDecimals 决定代币数量到最小单位的换算，默认 6。
	TokenDecimals int
}

// Authorizer 持有会话状态机：一次性授权创建、加载恢复、用量记录、
// 到期或耗尽下线、主动终止。所有会话变更都在同一把锁内完成读改写，
// 因此单进程内 RecordUsage 不会交错出负的剩余额度。
type Authorizer struct {
	mu      sync.Mutex
	wallet  Wallet
	store   Store
	cfg     Config
	log     *slog.Logger
	audit   *slog.Logger
	session Session
	owner   string
	cancel  context.CancelFunc
}

// NewAuthorizer 构造授权器。
func NewAuthorizer(wallet Wallet, store Store, cfg Config) *Authorizer {
	if cfg.TokenDecimals <= 0 {
		cfg.TokenDecimals = 6
	}
	return &Authorizer{
		wallet: wallet,
		store:  store,
		cfg:    cfg,
		log:    logger.Named("session"),
		audit:  logger.Audit(),
	}
}

// Init 绑定授权账户并尝试恢复既有会话，是账户切换时的唯一入口。
// 之前账户的监听会被停止。
func (a *Authorizer) Init(ctx context.Context, owner string) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.owner = normalizeOwner(owner)
	a.session = Session{}
	a.mu.Unlock()

	if err := a.RestoreSession(ctx); err != nil {
		return err
	}
	a.startWatch()
	return nil
}

// Teardown 停止变更监听并复位内存状态，不触碰持久化记录。
func (a *Authorizer) Teardown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.session = Session{}
	a.owner = ""
}

// Owner 返回当前绑定的授权账户。
func (a *Authorizer) Owner() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner
}

// Snapshot 返回会话状态副本。
func (a *Authorizer) Snapshot() Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// CreateSession 执行一次性消费授权：余额校验、额度授权、会话密钥签发，
// 三步全部成功后才落库并激活。任何一步失败都不会留下半激活的会话，
// 底层错误信息原样向上传递。
func (a *Authorizer) CreateSession(ctx context.Context, budgetTokens float64, durationHours int) error {
	if a.wallet == nil {
		return xerrors.New(xerrors.CodeAuthUnavailable, "")
	}
	if budgetTokens <= 0 || durationHours <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "预算与时长必须为正数")
	}

	owner, err := a.wallet.CurrentAccount(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeAuthUnavailable, err, "")
	}
	owner = normalizeOwner(owner)

	budgetUnits := tokensToUnits(budgetTokens, a.cfg.TokenDecimals)
	if budgetUnits <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "预算换算后为零")
	}
	budget := big.NewInt(budgetUnits)
	now := time.Now()
	expiresAt := now.Add(time.Duration(durationHours) * time.Hour)

	// 第一步：余额必须覆盖预算。
	balance, err := a.wallet.TokenBalance(ctx, owner)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSessionCreationFailed, err, "查询代币余额失败")
	}
	if balance.Cmp(budget) < 0 {
		return xerrors.New(xerrors.CodeInsufficientBalance, "")
	}

	// 第二步：收款方授权额度不足时补齐。
	allowance, err := a.wallet.Allowance(ctx, owner, a.cfg.Collector)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSessionCreationFailed, err, "查询授权额度失败")
	}
	if allowance.Cmp(budget) < 0 {
		if err := a.wallet.Approve(ctx, a.cfg.Collector, budget); err != nil {
			return xerrors.Wrap(xerrors.CodeAllowanceTxFailed, err, "")
		}
	}

	// 第三步：签发只能动用支付代币、原生资产额度为零的会话密钥。
	keyAddress, err := a.wallet.IssueSessionKey(ctx, KeySpec{
		TokenContract:   a.cfg.TokenContract,
		Collector:       a.cfg.Collector,
		TokenAllowance:  budget,
		NativeAllowance: big.NewInt(0),
		NotBefore:       now,
		NotAfter:        expiresAt,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSessionCreationFailed, err, "")
	}

	record := &StoredSession{
		BudgetLimit:       budgetUnits,
		BudgetUsed:        0,
		ExpiresAt:         expiresAt.UnixMilli(),
		SessionKeyAddress: keyAddress,
		UserAddress:       owner,
	}
	if err := a.store.Save(ctx, record); err != nil {
		return xerrors.Wrap(xerrors.CodeSessionCreationFailed, err, "写入会话记录失败")
	}

	a.mu.Lock()
	a.owner = owner
	a.session = record.toSession(true)
	a.mu.Unlock()

	a.audit.Info("会话已创建",
		slog.String("owner", owner),
		slog.Int64("budget_units", budgetUnits),
		slog.Int64("expires_at", record.ExpiresAt),
		slog.String("session_key", keyAddress),
	)
	return nil
}

// RestoreSession 加载持久化记录并校验归属与有效期，校验失败时清除
// 存储并保持会话未激活。这是重载后唯一能复活会话状态的入口。
func (a *Authorizer) RestoreSession(ctx context.Context) error {
	a.mu.Lock()
	owner := a.owner
	a.mu.Unlock()
	if owner == "" {
		return nil
	}

	record, err := a.store.Load(ctx, owner)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeSessionNotFound {
			return nil
		}
		return err
	}

	now := time.Now()
	valid := normalizeOwner(record.UserAddress) == owner &&
		record.ExpiresAt > now.UnixMilli() &&
		record.Remaining() > 0

	if !valid {
		if err := a.store.Clear(ctx, owner); err != nil {
			a.log.Warn("清除失效会话记录失败", "owner", owner, "error", err)
		}
		a.mu.Lock()
		a.session = Session{}
		a.mu.Unlock()
		a.audit.Warn("已丢弃失效的会话记录", slog.String("owner", owner))
		return nil
	}

	a.mu.Lock()
	a.session = record.toSession(true)
	a.mu.Unlock()
	a.audit.Info("会话已恢复",
		slog.String("owner", owner),
		slog.Int64("remaining", record.Remaining()),
	)
	return nil
}

// RecordUsage 记录一次成功计量调用的花费并写穿存储。剩余额度夹到 0，
// 耗尽即在同一次更新内转为未激活，预算耗尽是终态，只有新建会话能恢复。
func (a *Authorizer) RecordUsage(ctx context.Context, amount int64) error {
	if amount < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "用量不能为负数")
	}

	a.mu.Lock()
	if !a.session.IsActive {
		a.mu.Unlock()
		return nil
	}
	a.session.BudgetUsed += amount
	remaining := a.session.BudgetLimit - a.session.BudgetUsed
	if remaining < 0 {
		remaining = 0
	}
	a.session.BudgetRemaining = remaining
	if remaining <= 0 {
		a.session.IsActive = false
	}
	record := &StoredSession{
		BudgetLimit:       a.session.BudgetLimit,
		BudgetUsed:        a.session.BudgetUsed,
		ExpiresAt:         a.session.ExpiresAt,
		SessionKeyAddress: a.session.SessionKeyAddress,
		UserAddress:       a.owner,
	}
	exhausted := !a.session.IsActive
	owner := a.owner
	a.mu.Unlock()

	if err := a.store.Save(ctx, record); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入用量失败")
	}
	if exhausted {
		a.audit.Warn("会话预算已耗尽",
			slog.String("owner", owner),
			slog.Int64("used", record.BudgetUsed),
		)
	}
	return nil
}

// EndSession 清除存储并复位会话状态，可重复调用。钱包支持时同步销毁
// 本会话绑定的委托密钥，终止后的会话不再具备凭证签名能力。
func (a *Authorizer) EndSession(ctx context.Context) error {
	a.mu.Lock()
	owner := a.owner
	keyAddress := a.session.SessionKeyAddress
	a.session = Session{}
	a.mu.Unlock()

	if revoker, ok := a.wallet.(KeyRevoker); ok && keyAddress != "" {
		revoker.DropSessionKey(keyAddress)
	}

	if owner == "" {
		return nil
	}
	if err := a.store.Clear(ctx, owner); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清除会话记录失败")
	}
	a.audit.Info("会话已终止", slog.String("owner", owner))
	return nil
}

// HasBudget 判断活跃会话的剩余额度是否覆盖本次花费。纯查询、无副作用，
// 只是避免明显注定失败的请求。状态转换不在这里发生：耗尽转换由
// RecordUsage 负责，过期记录由 RestoreSession 负责丢弃。
func (a *Authorizer) HasBudget(required int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.session.IsActive || a.session.Expired(time.Now()) {
		return false
	}
	return a.session.BudgetRemaining >= required
}

// startWatch 订阅存储层的变更通知，近似跨进程（跨标签页）同步。
func (a *Authorizer) startWatch() {
	watcher, ok := a.store.(Watcher)
	if !ok {
		return
	}

	a.mu.Lock()
	owner := a.owner
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.mu.Unlock()
	if owner == "" {
		cancel()
		return
	}

	events, err := watcher.Watch(ctx, owner)
	if err != nil {
		a.log.Warn("订阅会话变更失败", "owner", owner, "error", err)
		cancel()
		return
	}

	go func() {
		for range events {
			if err := a.RestoreSession(ctx); err != nil {
				a.log.Warn("同步外部会话变更失败", "owner", owner, "error", err)
			}
		}
	}()
}

// tokensToUnits 把代币数量换算为最小单位整数。
func tokensToUnits(tokens float64, decimals int) int64 {
	return int64(math.Round(tokens * math.Pow10(decimals)))
}
