package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"AgroTrack-Lite/internal/api"
	"AgroTrack-Lite/internal/config"
	"AgroTrack-Lite/internal/intake"
	"AgroTrack-Lite/internal/ledger"
	ledgereth "AgroTrack-Lite/internal/ledger/ethereum"
	ledgermem "AgroTrack-Lite/internal/ledger/memory"
	"AgroTrack-Lite/internal/market"
	"AgroTrack-Lite/internal/marketdata"
	"AgroTrack-Lite/internal/oracle"
	"AgroTrack-Lite/internal/oracle/openai"
	"AgroTrack-Lite/internal/oracle/rules"
	"AgroTrack-Lite/internal/pricing"
	"AgroTrack-Lite/internal/risk"
	"AgroTrack-Lite/internal/settlement"
	"AgroTrack-Lite/internal/trade"
	"AgroTrack-Lite/pkg/logger"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// main 是 AgroTrack 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agrotracked 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGROTRACK_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agrotrack.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}
	if err := logger.InitFromDir(cfg.Runtime.LogDir, "info"); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	// 初始化推荐服务客户端。
	oracleClient, err := createOracleClient(cfg)
	if err != nil {
		return err
	}

	var store trade.Store
	switch cfg.Storage.TradeStore.Driver {
	case "", "memory":
		store = trade.NewMemoryStore()
	case "mysql":
		mysqlStore, err := trade.NewMySQLStore(cfg.Storage.TradeStore.DSN)
		if err != nil {
			return err
		}
		store = mysqlStore
	default:
		return fmt.Errorf("未知的交易存储驱动: %s", cfg.Storage.TradeStore.Driver)
	}
	defer func() {
		if store != nil {
			_ = store.Close()
		}
	}()

	gateway, err := createLedgerGateway(ctx, cfg)
	if err != nil {
		return err
	}
	defer gateway.Close()

	directory, err := market.LoadDirectory(cfg.Market.BuyersPath)
	if err != nil {
		return err
	}

	var marketData marketdata.Provider
	if cfg.Market.MarketDataPath != "" {
		provider, err := marketdata.LoadStaticProvider(cfg.Market.MarketDataPath)
		if err != nil {
			return err
		}
		marketData = provider
	}

	oracleTimeout := time.Duration(cfg.Oracle.Timeout) * time.Second
	matcher := market.NewEngine(oracleClient,
		market.WithProximityKM(cfg.Market.ProximityKM),
		market.WithOracleTimeout(oracleTimeout),
	)
	pricer := pricing.NewEngine(oracleClient, marketData,
		pricing.WithOracleTimeout(oracleTimeout),
	)
	gate := risk.NewGate(oracleClient, risk.WithOracleTimeout(oracleTimeout))

	serviceOpts := []trade.ServiceOption{
		trade.WithTopic(cfg.Ledger.Topic),
		trade.WithRiskGate(gate),
		trade.WithMinConfidence(cfg.Settlement.MinConfidence),
	}
	if cfg.Settlement.Enabled {
		policy := settlement.NewPolicy(oracleClient,
			settlement.WithScaling(cfg.Settlement.Scaling),
			settlement.WithMinConfidence(cfg.Settlement.MinConfidence),
			settlement.WithOracleTimeout(oracleTimeout),
		)
		serviceOpts = append(serviceOpts, trade.WithPolicy(policy))
	}

	service := trade.NewService(store, gateway, directory, matcher, pricer, serviceOpts...)

	queue, err := createIntakeQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if queue != nil {
			if err := queue.Close(); err != nil {
				log.Printf("关闭采集队列失败: %v", err)
			}
		}
	}()

	worker := intake.NewWorker(service, queue, intake.WithWorkerCount(cfg.Intake.Workers))

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()

	go func() {
		if err := worker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("采集工作池异常退出: %v", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, service)

	if err := server.Start(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func createOracleClient(cfg *config.Config) (oracle.Client, error) {
	switch cfg.Oracle.Provider {
	case "", "rules":
		return rules.NewEngine(), nil
	case "openai":
		apiKey := strings.TrimSpace(os.Getenv(cfg.Oracle.OpenAI.APIKeyEnv))
		if apiKey == "" {
			return nil, fmt.Errorf("OpenAI provider 需要在环境变量 %s 中提供 API Key", cfg.Oracle.OpenAI.APIKeyEnv)
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.Oracle.OpenAI.BaseURL,
			Model:   cfg.Oracle.OpenAI.Model,
			Timeout: time.Duration(cfg.Oracle.Timeout) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的推荐服务 provider: %s", cfg.Oracle.Provider)
	}
}

func createLedgerGateway(ctx context.Context, cfg *config.Config) (ledger.Gateway, error) {
	switch cfg.Ledger.Driver {
	case "", "memory":
		return ledgermem.New(), nil
	case "ethereum":
		auth, err := buildTransactor(cfg.Ledger.Ethereum)
		if err != nil {
			return nil, err
		}

		abiData, err := os.ReadFile(cfg.Ledger.Ethereum.TokenABIPath)
		if err != nil {
			return nil, fmt.Errorf("读取代币合约 ABI 失败: %w", err)
		}
		binData, err := os.ReadFile(cfg.Ledger.Ethereum.TokenBinPath)
		if err != nil {
			return nil, fmt.Errorf("读取代币合约字节码失败: %w", err)
		}

		return ledgereth.NewGateway(ctx, ledgereth.Config{
			Name:          "agrotrack",
			RPCURL:        cfg.Ledger.Ethereum.RPCURL,
			TopicAddress:  cfg.Ledger.Ethereum.TopicAddress,
			TokenABI:      string(abiData),
			TokenBytecode: common.FromHex(strings.TrimSpace(string(binData))),
			Treasury:      cfg.Ledger.Ethereum.Treasury,
		}, auth)
	default:
		return nil, fmt.Errorf("未知的账本驱动: %s", cfg.Ledger.Driver)
	}
}

// buildTransactor 从环境变量读取私钥并构造交易签名器。
func buildTransactor(cfg config.EthereumConfig) (*bind.TransactOpts, error) {
	raw := strings.TrimSpace(os.Getenv(cfg.PrivateKeyEnv))
	if raw == "" {
		return nil, fmt.Errorf("以太坊账本驱动需要在环境变量 %s 中提供私钥", cfg.PrivateKeyEnv)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析以太坊私钥失败: %w", err)
	}
	chainID := cfg.ChainID
	if chainID <= 0 {
		chainID = 1337
	}
	return bind.NewKeyedTransactorWithChainID(key, big.NewInt(chainID))
}

func createIntakeQueue(cfg *config.Config) (intake.Queue, error) {
	switch cfg.Intake.Driver {
	case "", "memory":
		return intake.NewMemoryQueue(1024), nil
	case "redis":
		return intake.NewRedisQueue(intake.RedisQueueConfig{
			Address:  cfg.Intake.Redis.Address,
			Password: cfg.Intake.Redis.Password,
			DB:       cfg.Intake.Redis.DB,
			Queue:    cfg.Intake.Redis.Queue,
		})
	case "rabbitmq":
		return intake.NewRabbitMQQueue(intake.RabbitMQConfig{
			URL:      cfg.Intake.RabbitMQ.URL,
			Queue:    cfg.Intake.RabbitMQ.Queue,
			Prefetch: cfg.Intake.RabbitMQ.Prefetch,
			Durable:  cfg.Intake.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的采集队列驱动: %s", cfg.Intake.Driver)
	}
}
