package svc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/fachebot/doc-digest/internal/config"
	"github.com/fachebot/doc-digest/internal/extract"
	"github.com/fachebot/doc-digest/internal/llm"
	"github.com/fachebot/doc-digest/internal/logger"
	"github.com/fachebot/doc-digest/internal/metrics"
	"github.com/fachebot/doc-digest/internal/model"
	"github.com/fachebot/doc-digest/internal/pipeline"
	"github.com/fachebot/doc-digest/internal/service"
	"github.com/fachebot/doc-digest/internal/store"
	"github.com/prometheus/client_golang/prometheus"

	"golang.org/x/net/proxy"
)

type ServiceContext struct {
	Config         *config.Config
	DbDriver       *entsql.Driver
	TransportProxy *http.Transport
	Registry       *prometheus.Registry
	Metrics        metrics.Recorder
	Store          *store.Store
	SummaryModel   *model.SummaryModel
	LLMClient      *llm.Client
	Pipeline       *pipeline.Pipeline
	Service        *service.Service
}

func NewServiceContext(c *config.Config) *ServiceContext {
	ctx := context.Background()

	// 创建数据库连接
	drv, err := model.Open(ctx, c.Database.DSN)
	if err != nil {
		logger.Fatalf("打开数据库失败, %v", err)
	}

	// 打开文档存储
	documentStore, err := store.Open(ctx, c.Storage.BucketURL)
	if err != nil {
		logger.Fatalf("打开文档存储失败, %v", err)
	}

	// 创建SOCKS5代理
	var transportProxy *http.Transport
	if c.Sock5Proxy.Enable {
		socks5Proxy := fmt.Sprintf("%s:%d", c.Sock5Proxy.Host, c.Sock5Proxy.Port)
		dialer, err := proxy.SOCKS5("tcp", socks5Proxy, nil, proxy.Direct)
		if err != nil {
			logger.Fatalf("创建SOCKS5代理失败, %v", err)
		}

		transportProxy = &http.Transport{
			Dial:            dialer.Dial,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	var httpClient *http.Client
	if transportProxy != nil {
		httpClient = &http.Client{Transport: transportProxy}
	}

	// 指标
	var registry *prometheus.Registry
	var recorder metrics.Recorder = metrics.Noop{}
	if c.Metrics.Enable {
		registry = prometheus.NewRegistry()
		recorder = metrics.NewPrometheus(registry)
	}

	llmClient, err := llm.NewClient(&c.LLM, httpClient, recorder)
	if err != nil {
		logger.Fatalf("创建 LLM 客户端失败, %v", err)
	}

	summaryModel := model.NewSummaryModel(drv)
	p := pipeline.NewPipeline(c.Pipeline, llmClient, llmClient.DefaultModel(), recorder)

	svcCtx := &ServiceContext{
		Config:         c,
		DbDriver:       drv,
		TransportProxy: transportProxy,
		Registry:       registry,
		Metrics:        recorder,
		Store:          documentStore,
		SummaryModel:   summaryModel,
		LLMClient:      llmClient,
		Pipeline:       p,
		Service:        service.NewService(documentStore, extract.NewExtractor(documentStore), p, summaryModel),
	}
	return svcCtx
}

func (svcCtx *ServiceContext) Close() {
	if err := svcCtx.Store.Close(); err != nil {
		logger.Errorf("关闭文档存储失败, %v", err)
	}
	if err := svcCtx.DbDriver.Close(); err != nil {
		logger.Errorf("关闭数据库失败, %v", err)
	}
}
