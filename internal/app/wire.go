package app

import (
	"context"
	"fmt"
	"math/big"

	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/NEONdAPP/neon-core-go/internal/blob/s3"
	"github.com/NEONdAPP/neon-core-go/internal/cache/redis"
	"github.com/NEONdAPP/neon-core-go/internal/config"
	"github.com/NEONdAPP/neon-core-go/internal/crypto"
	"github.com/NEONdAPP/neon-core-go/internal/domain"
	"github.com/NEONdAPP/neon-core-go/internal/historian"
	"github.com/NEONdAPP/neon-core-go/internal/ledger"
	"github.com/NEONdAPP/neon-core-go/internal/notify"
	"github.com/NEONdAPP/neon-core-go/internal/registry"
	"github.com/NEONdAPP/neon-core-go/internal/resolver"
	"github.com/NEONdAPP/neon-core-go/internal/service"
	"github.com/NEONdAPP/neon-core-go/internal/store/postgres"
	"github.com/NEONdAPP/neon-core-go/internal/token"
	"github.com/NEONdAPP/neon-core-go/internal/token/eth"
)

// Dependencies bundles everything the application modes need to operate. It
// is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Protocol core
	Bridge       domain.TokenBridge
	Registry     *registry.Memory
	Historian    *historian.Historian
	Ledger       *ledger.Ledger
	Orchestrator *resolver.Orchestrator

	// Persistence
	PositionArchive domain.PositionArchive
	AuditStore      domain.AuditStore

	// Redis
	SignalBus   domain.SignalBus
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter

	// Blob storage
	BlobWriter   domain.BlobWriter
	BlobReader   domain.BlobReader
	BlobArchiver *s3blob.ArchiveImpl

	// Services
	Positions *service.PositionService
	Resolver  *service.ResolverService

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	resolverAddr := common.HexToAddress(cfg.Protocol.ResolverAddress)
	vaultAddr := common.HexToAddress(cfg.Protocol.VaultAddress)

	// --- Token bridge: live chain when an RPC endpoint is configured,
	// in-memory simulation otherwise ---
	if cfg.Chain.RPCURL != "" {
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("wire: operator key: %w", err)
		}

		bridge, err := eth.New(ctx, cfg.Chain.RPCURL, key, cfg.Chain.ChainID, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("wire: eth bridge: %w", err)
		}
		closers = append(closers, bridge.Close)

		if bridge.Address() != resolverAddr {
			logger.Warn("wire: operator wallet differs from configured resolver address",
				slog.String("wallet", bridge.Address().Hex()),
				slog.String("resolver", resolverAddr.Hex()),
			)
		}
		deps.Bridge = bridge
	} else {
		logger.Info("wire: no RPC endpoint configured, using in-memory token bridge")
		deps.Bridge = token.NewMemory(vaultAddr)
	}

	// --- Registry, seeded from config ---
	reg := registry.NewMemory()
	for _, pair := range cfg.Protocol.Pairs {
		reg.ListPair(
			common.HexToAddress(pair.SrcToken),
			pair.ChainID,
			common.HexToAddress(pair.DestToken),
		)
	}
	for _, strat := range cfg.Protocol.Strategies {
		reg.ListStrategy(
			common.HexToAddress(strat.Address),
			common.HexToAddress(strat.DestToken),
		)
	}
	deps.Registry = reg

	// --- Ledger and orchestrator ---
	deps.Historian = historian.New()
	deps.Ledger = ledger.New(ledger.Config{
		Resolver:        resolverAddr,
		Vault:           vaultAddr,
		HomeChainID:     cfg.Protocol.HomeChainID,
		DefaultApproval: big.NewInt(cfg.Protocol.DefaultApproval),
		TimeBase:        cfg.Protocol.TimeBase.Duration,
		MinTau:          cfg.Protocol.MinTau,
		MaxTau:          cfg.Protocol.MaxTau,
	}, ledger.NewStore(), deps.Bridge, reg, deps.Historian, logger)

	deps.Orchestrator = resolver.New(deps.Ledger, deps.Bridge, resolverAddr, vaultAddr, logger)

	// --- PostgreSQL archive ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.PositionArchive = postgres.NewPositionArchive(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	streamMaxLen := int64(10000)
	if cfg.Redis.StreamMaxLen > 0 {
		streamMaxLen = cfg.Redis.StreamMaxLen
	}

	deps.SignalBus = redis.NewSignalBus(redisClient, streamMaxLen)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)

	// --- S3 blob storage ---
	s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
		Endpoint:       cfg.S3.Endpoint,
		Region:         cfg.S3.Region,
		Bucket:         cfg.S3.Bucket,
		AccessKey:      cfg.S3.AccessKey,
		SecretKey:      cfg.S3.SecretKey,
		UseSSL:         cfg.S3.UseSSL,
		ForcePathStyle: cfg.S3.ForcePathStyle,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: s3: %w", err)
	}
	closers = append(closers, func() { _ = s3Client.Close() })

	deps.BlobWriter = s3blob.NewWriter(s3Client)
	deps.BlobReader = s3blob.NewReader(s3Client)
	deps.BlobArchiver = s3blob.NewArchiver(deps.BlobWriter, deps.PositionArchive, deps.AuditStore)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Services ---
	deps.Positions = service.NewPositionService(
		deps.Ledger,
		deps.Historian,
		deps.PositionArchive,
		deps.SignalBus,
		deps.AuditStore,
		deps.Notifier,
		logger,
	)
	deps.Resolver = service.NewResolverService(
		deps.Orchestrator,
		deps.PositionArchive,
		deps.SignalBus,
		deps.AuditStore,
		deps.LockManager,
		deps.Notifier,
		logger,
	)

	return deps, cleanup, nil
}
