package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"csms/internal/broker"
	"csms/internal/config"
	"csms/internal/db"
	"csms/internal/gatewayclient"
	"csms/internal/httpapi"
	"csms/internal/jobs"
	"csms/internal/memstore"
	"csms/internal/modules"
	"csms/internal/repo"
	"csms/internal/router"
	"csms/internal/store"
	"csms/internal/wsconn"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Dependencies holds every long-lived component of the process.
type Dependencies struct {
	Store     store.Store
	Broker    broker.Broker
	Router    *router.Router
	Modules   *modules.Set
	Scheduler *jobs.Scheduler
	Server    *httpapi.Server

	database    *db.DB
	redisClient *redis.Client
}

// InitializeDependencies connects storage and transport and wires the modules.
// Nothing is consuming yet; call Start.
func InitializeDependencies(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*Dependencies, error) {
	d := &Dependencies{}
	ok := false
	defer func() {
		if !ok {
			_ = d.Close()
		}
	}()

	if err := d.openStore(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if err := d.openBroker(ctx, cfg, logger); err != nil {
		return nil, err
	}

	d.Router = router.New(d.Broker, d.Store, router.Options{
		TenantId:       cfg.TenantID,
		CallTimeout:    cfg.CallTimeout,
		SerializeCalls: cfg.SerializeCalls,
	}, logger.WithField("component", "router"))

	set, err := modules.NewSet(d.Broker, d.Store, modules.SetOptions{
		TenantId:     cfg.TenantID,
		BootProfiles: cfg.Boot,
		MaxEventSkew: cfg.MaxEventSkew,
	}, logger.WithField("component", "modules"))
	if err != nil {
		return nil, fmt.Errorf("build action table: %w", err)
	}
	d.Modules = set

	d.Scheduler = jobs.NewScheduler(logger.WithField("component", "jobs"))
	if err := d.Scheduler.Add("local-list-audit", cfg.LocalListAudit, &jobs.LocalListAudit{
		Stations:  d.Router,
		Requester: set.EVDriver,
		Log:       logger.WithField("component", "audit"),
	}); err != nil {
		return nil, err
	}

	d.Server = &httpapi.Server{
		Cfg:       cfg,
		Store:     d.Store,
		Router:    d.Router,
		Host:      set.Host,
		EVDriver:  set.EVDriver,
		LocalList: set.EVDriver.LocalList,
		Tx:        set.Transactions.Tx,
		Log:       logger.WithField("component", "http"),
	}
	switch cfg.Transport {
	case "gateway":
		d.Server.Gateway = gatewayclient.New(cfg.GatewayBaseURL, cfg.GatewayAPIKey)
	case "websocket":
		d.Server.Sessions = wsconn.NewServer(d.Router, wsconn.Options{
			Rate:  cfg.StationRate,
			Burst: cfg.StationBurst,
		}, logger.WithField("component", "wsconn"))
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	ok = true
	return d, nil
}

func (d *Dependencies) openStore(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	switch cfg.Store {
	case "memory":
		d.Store = memstore.New()
		logger.Warn("using in-memory store; state is lost on restart")
	case "postgres":
		database, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		d.database = database
		if err := database.Bootstrap(ctx); err != nil {
			return err
		}
		d.Store = repo.NewStore(database.Pool)
	default:
		return fmt.Errorf("unknown store %q", cfg.Store)
	}
	return nil
}

func (d *Dependencies) openBroker(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	log := logger.WithField("component", "broker")
	switch cfg.Broker {
	case "memory":
		d.Broker = broker.NewMemory(log)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		d.redisClient = client
		if _, err := client.Ping(ctx).Result(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.WithField("addr", cfg.RedisAddr).Info("connected to redis")
		d.Broker = broker.NewRedis(client, cfg.TenantID, log)
	case "kafka":
		k, err := broker.NewKafka(broker.KafkaConfig{
			Brokers:     cfg.KafkaBrokers,
			TopicPrefix: "ocpp." + cfg.TenantID,
			Group:       cfg.KafkaGroup,
			InstanceId:  instanceId(),
		}, log)
		if err != nil {
			return err
		}
		d.Broker = k
	default:
		return fmt.Errorf("unknown broker %q", cfg.Broker)
	}
	return nil
}

func instanceId() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.NewString()
	}
	return host + "-" + uuid.NewString()[:8]
}

// Start begins consuming station traffic and running jobs.
func (d *Dependencies) Start(ctx context.Context) error {
	if err := d.Modules.Start(ctx); err != nil {
		return err
	}
	d.Scheduler.Start()
	return nil
}

func (d *Dependencies) Handler() http.Handler {
	return d.Server.Routes()
}

// Close releases everything in reverse order of construction.
func (d *Dependencies) Close() error {
	if d.Scheduler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		d.Scheduler.Stop(ctx)
		cancel()
	}
	if d.Modules != nil {
		d.Modules.Stop()
	}
	if d.Broker != nil {
		_ = d.Broker.Close()
	}
	var err error
	if d.redisClient != nil {
		err = d.redisClient.Close()
	}
	if d.Store != nil {
		d.Store.Close()
	} else if d.database != nil {
		d.database.Close()
	}
	return err
}
