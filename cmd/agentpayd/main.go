package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"AgentPay-Chain/internal/api"
	"AgentPay-Chain/internal/chain"
	"AgentPay-Chain/internal/config"
	"AgentPay-Chain/internal/content"
	"AgentPay-Chain/internal/executor"
	"AgentPay-Chain/internal/invoke"
	"AgentPay-Chain/internal/market"
	"AgentPay-Chain/internal/meter"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/registry"
	"AgentPay-Chain/internal/session"
	"AgentPay-Chain/internal/storage/mysql"
	"AgentPay-Chain/internal/stream"
	"AgentPay-Chain/internal/wallet"
	"AgentPay-Chain/pkg/logger"
)

// main 是 AgentPay 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentpayd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTPAY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentpay.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 链定义决定结算代币、收款方与签名规范化参数。
	definitions, err := chain.LoadDefinitions(cfg.Chains.DefinitionsPath)
	if err != nil {
		return err
	}
	active, ok := definitions.Lookup(cfg.Chains.Active)
	if !ok {
		return fmt.Errorf("链定义中不存在 %q", cfg.Chains.Active)
	}

	rpcURL := cfg.Wallet.RPCURL
	if rpcURL == "" {
		rpcURL = active.RPCURL
	}
	signer, err := wallet.New(ctx, wallet.Config{
		RPCURL:        rpcURL,
		ChainID:       active.ChainID,
		PrivateKeyHex: os.Getenv(cfg.Wallet.PrivateKeyEnv),
		TokenContract: active.PaymentToken,
		Collector:     active.PaymentCollector,
		Network:       cfg.Chains.Active,
	})
	if err != nil {
		return err
	}
	defer signer.Close()

	sessionStore, err := createSessionStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer sessionStore.Close()

	authorizer := session.NewAuthorizer(signer, sessionStore, session.Config{
		TokenContract: active.PaymentToken,
		Collector:     active.PaymentCollector,
		TokenDecimals: active.TokenDecimals,
	})
	owner, err := signer.CurrentAccount(ctx)
	if err != nil {
		return err
	}
	if err := authorizer.Init(ctx, owner); err != nil {
		return err
	}
	defer authorizer.Teardown()

	// 出站 HTTP 客户端：支付凭证签发与可选的签名规范化在传输层完成。
	normalizer := payment.NewNormalizer(cfg.Payment.NormalizeSignatures, active.ChainID)
	transport := payment.NewTransport(nil, signer, big.NewInt(cfg.Payment.MaxCallValue), normalizer)
	if cfg.Payment.HeaderName != "" {
		transport.Header = cfg.Payment.HeaderName
	}
	httpClient := &http.Client{
		Transport: transport,
		Timeout:   cfg.Executor.Timeout(),
	}

	var registrar executor.RegistrationTrigger
	if cfg.Registry.Endpoint != "" {
		client, err := registry.NewClient(cfg.Registry.Endpoint, httpClient)
		if err != nil {
			return err
		}
		registrar = client
	}
	exec := executor.New(httpClient, registrar, cfg.Executor.RetryDelay())

	var blobs stream.BlobStore
	if cfg.Content.PinURL != "" {
		pinner, err := content.NewPinner(content.Config{
			PinURL:     cfg.Content.PinURL,
			GatewayURL: cfg.Content.GatewayURL,
			Token:      os.Getenv(cfg.Content.TokenEnv),
		})
		if err != nil {
			return err
		}
		blobs = pinner
	}
	consumer := stream.NewConsumer(nil, blobs)

	var publisher meter.EventPublisher
	if cfg.Meter.AMQPURL != "" {
		amqpPublisher, err := meter.NewAMQPPublisher(meter.AMQPConfig{
			URL:     cfg.Meter.AMQPURL,
			Queue:   cfg.Meter.Queue,
			Durable: true,
		})
		if err != nil {
			return err
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
	}
	usageMeter := meter.New(authorizer, publisher, meter.DefaultCostTable())

	catalog, err := createCatalog(cfg)
	if err != nil {
		return err
	}

	invoker := invoke.NewService(catalog, authorizer, exec, consumer, usageMeter)

	server := api.NewServer(cfg.Server.Address, authorizer, catalog, invoker, nil)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createSessionStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	switch cfg.Session.Driver {
	case "", "file":
		return session.NewFileStore(cfg.Session.Dir)
	case "memory":
		return session.NewMemoryStore(), nil
	case "redis":
		return session.NewRedisStore(session.RedisStoreConfig{
			Address:  cfg.Session.Redis.Address,
			Password: cfg.Session.Redis.Password,
			DB:       cfg.Session.Redis.DB,
		})
	case "mysql":
		return mysql.NewSessionStore(ctx, mysql.Config{DSN: cfg.Session.DSN})
	default:
		return nil, fmt.Errorf("未知的会话存储驱动: %s", cfg.Session.Driver)
	}
}

func createCatalog(cfg *config.Config) (market.Catalog, error) {
	if strings.TrimSpace(cfg.Catalog.Source) == "" {
		return market.NewStaticCatalog(nil, cfg.Catalog.MaxResults), nil
	}
	return market.LoadStaticCatalog(cfg.Catalog.Source, cfg.Catalog.MaxResults)
}

