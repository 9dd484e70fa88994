//go:build !ci
// +build !ci

package elastic

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/fincrime/mule-signal-service/domain"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/require"
)

var elasticClient *Client

func TestElasticClient_indexSummaries(t *testing.T) {
	if elasticClient == nil {
		t.Skip("no elastic instance configured")
	}
	summaries := []domain.CommunitySummary{
		{CommunityID: 1, CommunitySize: 10, MuleCount: 3, MuleDensity: 0.3},
		{CommunityID: 2, CommunitySize: 5, MuleCount: 0, MuleDensity: 0},
	}
	err := elasticClient.IndexSummaries(context.Background(), summaries)
	require.NoError(t, err)

	// a rerun replaces the documents instead of duplicating them
	err = elasticClient.IndexSummaries(context.Background(), summaries)
	require.NoError(t, err)
}

func TestMain(m *testing.M) {
	setup()
	flag.Parse()
	os.Exit(m.Run())
}

func setup() {
	const envPrefix = "MULE_SIGNAL_SERVICE"
	err := godotenv.Load("../.env.local")
	if err != nil {
		log.Printf("[WARN] no env file found")
	}
	if os.Getenv(envPrefix+"_ELASTIC_ADDRESSES") == "" {
		return
	}
	var cfg struct {
		Elastic struct {
			Addresses []string `conf:"default:https://localhost:9200"`
			Username  string   `conf:"default:mule-signal"`
			Password  string   `conf:"optional"`
			Index     string   `conf:"default:mule-community-summaries"`
		}
	}
	err = conf.Parse(os.Args[1:], envPrefix, &cfg)
	if err != nil {
		log.Fatalf("error getting config: %v", err)
	}

	esClient, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Elastic.Addresses,
		Username:  cfg.Elastic.Username,
		Password:  cfg.Elastic.Password,
		Transport: &http.Transport{
			ResponseHeaderTimeout: time.Second,
			TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		},
	})
	if err != nil {
		log.Fatalf("error creating elastic client: %v", err)
	}
	elasticClient = NewClient(esClient, cfg.Elastic.Index)
}
