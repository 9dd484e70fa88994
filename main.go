package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/fincrime/mule-signal-service/api"
	"github.com/fincrime/mule-signal-service/batch"
	"github.com/fincrime/mule-signal-service/db"
	"github.com/fincrime/mule-signal-service/domain"
	muleelastic "github.com/fincrime/mule-signal-service/elastic"
	"github.com/fincrime/mule-signal-service/graph"
	mulekafka "github.com/fincrime/mule-signal-service/kafka"
	"github.com/fincrime/mule-signal-service/metrics"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
)

const envPrefix = "MULE_SIGNAL_SERVICE"

func main() {
	if err := run(); err != nil {
		log.Fatalf("main: exited with error: %s", err.Error())
	}
}

func run() error {
	log.SetOutput(os.Stdout) // default is stderr

	var cfg struct {
		Server struct {
			Port             int    `conf:"default:8000"`
			MetricsPort      int    `conf:"default:9999"`
			MetricsNamespace string `conf:"default:mule_signal_service"`
		}
		Store struct {
			Folder string `conf:"default:store"`
		}
		Batch struct {
			Enabled                bool          `conf:"default:true"`
			Interval               time.Duration `conf:"default:1h"`
			TopReportSize          int           `conf:"default:10"`
			MinReportCommunitySize int64         `conf:"default:10"`
		}
		Risk struct {
			MuleDensityThreshold          float64 `conf:"default:0.2"`
			DiversityRatioThreshold       float64 `conf:"default:0.1"`
			TopCounterpartyShareThreshold float64 `conf:"default:0.5"`
			MinTransactionVolume          int64   `conf:"default:50"`
		}
		Cache struct {
			AccountTTL time.Duration `conf:"default:10s"`
		}
		Redis struct {
			Address string        `conf:"optional"` // empty disables the distributed run lock
			LockTTL time.Duration `conf:"default:30m"`
		}
		Broker struct {
			Enabled          bool     `conf:"default:false"`
			BootstrapServers []string `conf:"default:localhost:9092"`
			ProduceTopic     string   `conf:"default:mule-community-summaries"`
		}
		Elastic struct {
			Enabled         bool     `conf:"default:false"`
			Addresses       []string `conf:"default:https://localhost:9200"`
			Username        string   `conf:"default:mule-signal"`
			Password        string   `conf:"optional"`
			SummaryIndex    string   `conf:"default:mule-community-summaries"`
			CertificatePath string   `conf:"default:http_ca.crt"`
		}
	}

	// load config
	if err := conf.Parse(os.Args[1:], envPrefix, &cfg); err != nil {
		switch {
		case errors.Is(err, conf.ErrHelpWanted):
			usage, err := conf.Usage(envPrefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config usage")
			}
			fmt.Println(usage)
			return nil
		case errors.Is(err, conf.ErrVersionWanted):
			version, err := conf.VersionString(envPrefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config version")
			}
			fmt.Println(version)
			return nil
		}
		return errors.Wrap(err, "parsing config")
	}

	out, err := conf.String(&cfg)
	if err != nil {
		return errors.Wrap(err, "generating config for output")
	}
	log.Printf("main: Config :\n%v\n", out)

	store, err := db.NewPebbleStore(cfg.Store.Folder)
	if err != nil {
		return errors.Wrap(err, "creating db")
	}
	defer store.Close()

	var publisher batch.SummaryPublisher
	if cfg.Broker.Enabled {
		kafkaMetrics := kprom.NewMetrics(cfg.Server.MetricsNamespace,
			kprom.Registerer(prometheus.DefaultRegisterer),
			kprom.Gatherer(prometheus.DefaultGatherer))
		kcl, err := kgo.NewClient(
			kgo.WithHooks(kafkaMetrics),
			kgo.SeedBrokers(cfg.Broker.BootstrapServers...),
			kgo.DefaultProduceTopic(cfg.Broker.ProduceTopic),
			kgo.ProducerBatchCompression(kgo.ZstdCompression()),
			kgo.WithLogger(kgo.BasicLogger(os.Stdout, kgo.LogLevelInfo, nil)),
		)
		if err != nil {
			return errors.Wrap(err, "creating kafka client")
		}
		defer kcl.Close()
		publisher = mulekafka.NewSummaryProducer(kcl)
	} else {
		log.Println("[WARN] main: summary publishing disabled")
	}

	var indexer batch.SummaryIndexer
	if cfg.Elastic.Enabled {
		cert, err := os.ReadFile(cfg.Elastic.CertificatePath)
		if err != nil {
			log.Printf("[WARN] main: could not read elastic certificate: %v", err)
		}
		esClient, err := elasticsearch.NewClient(elasticsearch.Config{
			Addresses:     cfg.Elastic.Addresses,
			Username:      cfg.Elastic.Username,
			Password:      cfg.Elastic.Password,
			CACert:        cert,
			RetryOnStatus: []int{502, 503, 504, 429},
		})
		if err != nil {
			return errors.Wrap(err, "creating elastic client")
		}
		indexer = muleelastic.NewClient(esClient, cfg.Elastic.SummaryIndex)
	} else {
		log.Println("[WARN] main: summary indexing disabled")
	}

	var redisClient *redis.Client
	if cfg.Redis.Address != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address})
		defer redisClient.Close()
	}
	guard := batch.NewRunGuard(redisClient, cfg.Redis.LockTTL)

	m := metrics.NewMetrics(cfg.Server.MetricsNamespace)
	orchestrator := batch.NewOrchestrator(store, graph.NewCatalog(), guard, publisher, indexer, m, batch.Config{
		ProjectionName:         graph.ProjectionName,
		Interval:               cfg.Batch.Interval,
		TopReportSize:          cfg.Batch.TopReportSize,
		MinReportCommunitySize: cfg.Batch.MinReportCommunitySize,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.Batch.Enabled {
		go orchestrator.StartScheduling(ctx)
	} else {
		log.Println("[WARN] main: batch processing disabled")
	}

	accountCache := ttlcache.New[string, *domain.Account](
		ttlcache.WithTTL[string, *domain.Account](cfg.Cache.AccountTTL),
	)
	go accountCache.Start()
	defer accountCache.Stop()

	handler := api.NewHandler(api.NewAccountCache(store, accountCache), orchestrator, m, domain.RiskThresholds{
		MuleDensity:          cfg.Risk.MuleDensityThreshold,
		DiversityRatio:       cfg.Risk.DiversityRatioThreshold,
		TopCounterpartyShare: cfg.Risk.TopCounterpartyShareThreshold,
		MinTransactionVolume: cfg.Risk.MinTransactionVolume,
	})

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	apiError := make(chan error, 1)
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", handler.GetHealth)
		mux.HandleFunc("/v1/community-risk", handler.GetCommunityRisk)
		mux.HandleFunc("/v1/diversity", handler.GetDiversity)
		mux.HandleFunc("/v1/diversity/realtime", handler.GetRealtimeDiversity)
		mux.HandleFunc("/v1/mule-distance", handler.GetMuleDistance)
		mux.HandleFunc("/v1/mule-path", handler.GetMulePath)
		log.Printf("main: Starting server on port [%d].", cfg.Server.Port)
		apiError <- http.ListenAndServe(fmt.Sprintf(":%d", cfg.Server.Port), mux)
	}()

	metricsError := make(chan error, 1)
	go func() {
		log.Printf("main: Starting metrics server on port [%d].", cfg.Server.MetricsPort)
		http.Handle("/metrics", promhttp.Handler())
		metricsError <- http.ListenAndServe(fmt.Sprintf(":%d", cfg.Server.MetricsPort), nil)
	}()

	log.Println("main: Service started.")

	for {
		select {
		case <-shutdown:
			log.Println("main: Received shutdown signal, shutting down...")
			return nil
		case err := <-metricsError:
			return fmt.Errorf("[ERROR] starting metrics server: %v", err)
		case err := <-apiError:
			return fmt.Errorf("[ERROR] starting server: %v", err)
		}
	}
}
