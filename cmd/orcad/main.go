package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"Orca-Escrow/internal/api"
	"Orca-Escrow/internal/audit"
	"Orca-Escrow/internal/chain"
	"Orca-Escrow/internal/config"
	"Orca-Escrow/internal/escrow"
	"Orca-Escrow/internal/identity"
	"Orca-Escrow/internal/observability/alerting"
	"Orca-Escrow/internal/observability/metrics"
	"Orca-Escrow/internal/payment"
	"Orca-Escrow/internal/transfer"
	"Orca-Escrow/pkg/logger"
)

// main 是托管守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("orcad 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("ORCA_ESCROW_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "escrow.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:   cfg.Logging.Level,
		Service: "orca-escrow",
		Audit: logger.AuditConfig{
			Enabled:   true,
			Path:      filepath.Join(cfg.Logging.Dir, "audit.log"),
			MaxSizeMB: cfg.Logging.MaxSizeMB,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	// 结算链定义与 EIP-712 域。
	defs, err := chain.LoadDefinitions(cfg.Chain.Definitions)
	if err != nil {
		return err
	}
	def, err := defs.Lookup(cfg.Chain.Active)
	if err != nil {
		return err
	}
	domain, err := def.Domain()
	if err != nil {
		return err
	}

	// 任务账本。
	var ledger escrow.Ledger
	switch cfg.Storage.Ledger.Driver {
	case "", "memory":
		ledger = escrow.NewMemoryLedger()
	case "mysql":
		ledger, err = escrow.NewMySQLLedger(cfg.Storage.Ledger.DSN)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的账本驱动: %s", cfg.Storage.Ledger.Driver)
	}
	defer ledger.Close()

	// 收益金库。
	var vault escrow.Vault
	switch cfg.Storage.Vault.Driver {
	case "", "memory":
		if cfg.Storage.Vault.SovereignAgent != 0 {
			vault = escrow.NewSovereignVault(escrow.AgentID(cfg.Storage.Vault.SovereignAgent))
		} else {
			vault = escrow.NewMemoryVault()
		}
	case "mysql":
		vault, err = escrow.NewMySQLVault(cfg.Storage.Vault.DSN)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的金库驱动: %s", cfg.Storage.Vault.Driver)
	}
	defer vault.Close()

	// 授权 nonce 存储。
	var nonces payment.NonceStore
	switch cfg.Storage.Nonce.Driver {
	case "", "memory":
		nonces = payment.NewMemoryNonceStore()
	case "redis":
		nonces, err = payment.NewRedisNonceStore(payment.RedisNonceStoreConfig{
			Address:  cfg.Storage.Nonce.RedisAddress,
			Password: cfg.Storage.Nonce.RedisPassword,
			DB:       cfg.Storage.Nonce.RedisDB,
		})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的 nonce 驱动: %s", cfg.Storage.Nonce.Driver)
	}
	defer nonces.Close()

	verifier := payment.NewVerifier(domain, nonces)

	// 身份解析。
	resolver, closeResolver, err := createResolver(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeResolver()

	// 结算原语。
	escrowAccount := common.HexToAddress(cfg.Chain.EscrowAccount)
	funds, err := createSettlement(ctx, cfg, def, escrowAccount)
	if err != nil {
		return err
	}
	defer funds.Close()

	// 审计事件下游。
	journal, sink, closeSinks, err := createAudit(cfg)
	if err != nil {
		return err
	}
	defer closeSinks()

	alerter := alerting.NewFanout(alerting.LogNotifier{})

	opts := []escrow.EngineOption{
		escrow.WithVerifier(verifier),
		escrow.WithSink(sink),
		escrow.WithAlerter(alerter),
		escrow.WithEscrowAccount(escrowAccount),
	}
	if cfg.Fees.Admin != "" {
		if !common.IsHexAddress(cfg.Fees.Admin) {
			return fmt.Errorf("非法的管理员地址: %s", cfg.Fees.Admin)
		}
		opts = append(opts, escrow.WithAdmin(common.HexToAddress(cfg.Fees.Admin)))
	}

	engine, err := escrow.NewEngine(ledger, vault, resolver, funds, escrow.FeeConfig{
		Treasury: common.HexToAddress(cfg.Fees.Treasury),
		FeeBps:   cfg.Fees.FeeBps,
	}, opts...)
	if err != nil {
		return err
	}

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("metrics 服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(api.Config{
		Address:       cfg.Server.Address,
		Network:       cfg.Chain.Active,
		Token:         domain.VerifyingContract,
		EscrowAccount: escrowAccount,
	}, engine, journal)

	logger.L().Info("托管服务启动",
		slog.String("address", cfg.Server.Address),
		slog.String("chain", cfg.Chain.Active),
		slog.Uint64("fee_bps", uint64(cfg.Fees.FeeBps)),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createResolver(ctx context.Context, cfg *config.Config) (identity.Resolver, func(), error) {
	switch cfg.Identity.Driver {
	case "", "static":
		owners := make(map[escrow.AgentID]common.Address, len(cfg.Identity.Owners))
		for rawID, rawAddr := range cfg.Identity.Owners {
			id, err := strconv.ParseUint(rawID, 10, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("非法的 agent ID: %s", rawID)
			}
			if !common.IsHexAddress(rawAddr) {
				return nil, nil, fmt.Errorf("非法的所有者地址: %s", rawAddr)
			}
			owners[escrow.AgentID(id)] = common.HexToAddress(rawAddr)
		}
		return identity.NewStaticResolver(owners), func() {}, nil
	case "registry":
		if !common.IsHexAddress(cfg.Identity.Registry) {
			return nil, nil, fmt.Errorf("非法的注册表合约地址: %s", cfg.Identity.Registry)
		}
		resolver, err := identity.NewRegistryResolver(ctx, identity.RegistryConfig{
			RPCURL:   cfg.Identity.RPCURL,
			Contract: common.HexToAddress(cfg.Identity.Registry),
		})
		if err != nil {
			return nil, nil, err
		}
		return resolver, resolver.Close, nil
	default:
		return nil, nil, fmt.Errorf("未知的身份驱动: %s", cfg.Identity.Driver)
	}
}

func createSettlement(ctx context.Context, cfg *config.Config, def chain.Definition, escrowAccount common.Address) (transfer.FundsTransfer, error) {
	switch cfg.Chain.Settlement {
	case "", "memory":
		return transfer.NewMemoryBank(escrowAccount), nil
	case "chain":
		rawKey := strings.TrimSpace(os.Getenv("ORCA_ESCROW_PRIVATE_KEY"))
		if rawKey == "" {
			return nil, errors.New("链上结算需要设置 ORCA_ESCROW_PRIVATE_KEY")
		}
		key, err := crypto.HexToECDSA(strings.TrimPrefix(rawKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("解析托管账户私钥失败: %w", err)
		}
		transact, err := bind.NewKeyedTransactorWithChainID(key, new(big.Int).SetUint64(def.ChainID))
		if err != nil {
			return nil, fmt.Errorf("构造交易签名器失败: %w", err)
		}
		settlementCfg, err := def.SettlementConfig(cfg.Chain.Active)
		if err != nil {
			return nil, err
		}
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return transfer.NewChainSettlement(dialCtx, settlementCfg, transact)
	default:
		return nil, fmt.Errorf("未知的结算驱动: %s", cfg.Chain.Settlement)
	}
}

func createAudit(cfg *config.Config) (audit.Journal, escrow.Sink, func(), error) {
	var journal audit.Journal
	switch cfg.Audit.Journal.Driver {
	case "", "memory":
		journal = audit.NewMemoryJournal(4096)
	case "mysql":
		j, err := audit.NewMySQLJournal(cfg.Audit.Journal.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		journal = j
	default:
		return nil, nil, nil, fmt.Errorf("未知的审计日志驱动: %s", cfg.Audit.Journal.Driver)
	}

	sinks := []escrow.Sink{escrow.AuditLogSink{}, audit.NewSink(journal)}
	var closers []func() error
	closers = append(closers, journal.Close)

	if cfg.Audit.Redis.Address != "" {
		stream, err := audit.NewRedisStream(audit.RedisStreamConfig{
			Address:  cfg.Audit.Redis.Address,
			Password: cfg.Audit.Redis.Password,
			DB:       cfg.Audit.Redis.DB,
			Key:      cfg.Audit.Redis.Key,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		sinks = append(sinks, stream)
		closers = append(closers, stream.Close)
	}
	if cfg.Audit.Rabbit.URL != "" {
		stream, err := audit.NewRabbitStream(audit.RabbitStreamConfig{
			URL:     cfg.Audit.Rabbit.URL,
			Queue:   cfg.Audit.Rabbit.Queue,
			Durable: cfg.Audit.Rabbit.Durable,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		sinks = append(sinks, stream)
		closers = append(closers, stream.Close)
	}

	closeAll := func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logger.L().Error("关闭审计下游失败", slog.Any("error", err))
			}
		}
	}
	return journal, escrow.NewFanoutSink(sinks...), closeAll, nil
}
