package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"

	"bazaar/adapters/custody"
	"bazaar/adapters/economy"
	"bazaar/adapters/notify"
	"bazaar/adapters/redlock"
	"bazaar/adapters/storage"
	"bazaar/engine"
)

// ServerImpl 聚合市集服務的所有元件
// 對外只暴露 HTTP 介面，遊戲伺服器以玩家身分標頭代為操作市集。
type ServerImpl struct {
	engine      *engine.Engine
	hub         *notify.Hub
	producer    *notify.Producer
	consumer    *notify.Consumer
	custody     engine.ItemCustody
	htmlChecker *bluemonday.Policy
	redisClient *redis.Client
	config      ServerConfig
}

// NewServer 建立市集服務。
func NewServer(config ServerConfig) (*ServerImpl, error) {
	const op = "NewServer"

	// 初始化S3客戶端
	s3Cfg, err := awsCfg.LoadDefaultConfig(
		context.Background(),
		awsCfg.WithBaseEndpoint(config.S3.Endpoint),
		awsCfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(config.S3.AccessKeyID, config.S3.SecretAccessKey, "")),
		awsCfg.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to load AWS config, err=%w", op, err)
	}
	itemCustody, err := custody.NewS3Custody(s3.NewFromConfig(s3Cfg), config.S3.Bucket, config.Redis.KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create item custody, err=%w", op, err)
	}

	// 初始化資料庫連線
	db, err := storage.Open(storage.DBConfig{
		Host:     config.DB.Host,
		Port:     config.DB.Port,
		User:     config.DB.User,
		Password: config.DB.Password,
		Database: config.DB.Database,
		Schema:   config.DB.Schema,
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to open database, err=%w", op, err)
	}
	persistence, err := storage.NewGormPersistence(db)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create persistence, err=%w", op, err)
	}

	// 初始化Redis連線
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	// 初始化事件串流
	producer, err := notify.NewProducer(redisClient, config.Redis.StreamKeys.MarketEvents)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create event producer, err=%w", op, err)
	}
	consumer, err := notify.NewConsumer(redisClient, config.Redis.StreamKeys.MarketEvents)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create event consumer, err=%w", op, err)
	}
	hub, err := notify.NewHub(consumer)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create event hub, err=%w", op, err)
	}
	notifier, err := notify.NewStreamNotifier(producer)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create notifier, err=%w", op, err)
	}

	// 初始化市集引擎
	marketEngine := engine.New(engine.Config{
		DefaultDuration: time.Duration(config.Engine.DefaultDurationHours) * time.Hour,
		MaxDuration:     time.Duration(config.Engine.MaxDurationHours) * time.Hour,
		BuyoutTTL:       time.Duration(config.Engine.BuyoutTTLSeconds) * time.Second,
		SweepInterval:   time.Duration(config.Engine.SweepIntervalSeconds) * time.Second,
	}, engine.Dependencies{
		Persistence: persistence,
		Economy:     economy.New(redisClient, economy.WithKeyPrefix(config.Redis.KeyPrefix)),
		Custody:     itemCustody,
		Notifier:    notifier,
		SweepLock:   redlock.NewSweepLock(redisClient, config.Redis.KeyPrefix+"sweep-leader"),
		Logger:      slog.Default(),
	})

	return &ServerImpl{
		engine:      marketEngine,
		hub:         hub,
		producer:    producer,
		consumer:    consumer,
		custody:     itemCustody,
		htmlChecker: bluemonday.StrictPolicy(),
		redisClient: redisClient,
		config:      config,
	}, nil
}

// Start 還原狀態並啟動事件串流與到期排程器。
func (impl *ServerImpl) Start(ctx context.Context) error {
	const op = "Start"
	impl.producer.Start()
	impl.consumer.Start()
	impl.hub.Start()
	if err := impl.engine.Start(ctx); err != nil {
		return fmt.Errorf("[%s] Fail to start market engine, err=%w", op, err)
	}
	return nil
}

// Close 依啟動的相反順序關閉各元件。
func (impl *ServerImpl) Close() {
	impl.engine.Close()
	impl.hub.Close()
	impl.producer.Close()
}
