package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fachebot/doc-digest/internal/config"
	"github.com/fachebot/doc-digest/internal/logger"
	"github.com/fachebot/doc-digest/internal/svc"
	"github.com/fachebot/doc-digest/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	configFile = flag.String("f", "etc/config.yaml", "the config file")
	inputFile  = flag.String("file", "", "summarize a single local file and exit")
	modelName  = flag.String("model", "", "model override for -file")
)

func main() {
	flag.Parse()

	// 单文件模式下摘要输出到 stdout，日志改到 stderr
	if *inputFile != "" {
		logger.SetConsoleOutput(os.Stderr)
	}

	// 读取配置文件
	c, err := config.LoadFromFile(*configFile)
	if err != nil {
		logger.Fatalf("读取配置文件失败, %s", err)
	}
	if err := logger.Init(c.Log); err != nil {
		logger.Fatalf("初始化日志失败, %s", err)
	}

	// 创建数据目录
	if _, err := os.Stat("data"); os.IsNotExist(err) {
		err := os.Mkdir("data", 0755)
		if err != nil {
			logger.Fatalf("创建数据目录失败, %s", err)
		}
	}

	// 创建服务上下文
	svcCtx := svc.NewServiceContext(c)
	defer svcCtx.Close()

	if *inputFile != "" {
		if err := summarizeFile(svcCtx, *inputFile, *modelName); err != nil {
			svcCtx.Close()
			logger.Fatalf("摘要失败, %s", err)
		}
		return
	}

	// 指标服务
	var metricsServer *http.Server
	if c.Metrics.Enable {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(svcCtx.Registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: c.Metrics.Listen, Handler: mux}
		go func() {
			logger.Infof("[Metrics] 监听 %s", c.Metrics.Listen)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("[Metrics] 服务异常退出, %v", err)
			}
		}()
	}

	// 创建并启动后台处理
	w := worker.NewWorker(svcCtx.Service, svcCtx.SummaryModel, &c.Worker)
	if err := w.Start(); err != nil {
		logger.Fatalf("[Worker] 启动失败: %s", err)
	}

	// 等待程序退出
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	// 优雅关闭
	logger.Infof("正在关闭服务...")
	w.Stop()
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.Errorf("[Metrics] 关闭失败, %v", err)
		}
		cancel()
	}
	logger.Infof("服务已停止")
}

// summarizeFile 提交本地文件并立即生成摘要
func summarizeFile(svcCtx *svc.ServiceContext, path, modelName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	name := filepath.Base(path)
	record, err := svcCtx.Service.Submit(ctx, name, mime.TypeByExtension(filepath.Ext(name)), data)
	if err != nil {
		return err
	}

	done, err := svcCtx.Service.Summarize(ctx, record.ID, modelName)
	if err != nil {
		return err
	}

	fmt.Println(done.SummaryText)
	logger.Infof("[Main] 摘要完成: model=%s, chunks=%d/%d, allSections=%v",
		done.Model, done.ChunksProcessed, done.TotalChunks, done.AllSectionsIncluded)
	return nil
}
