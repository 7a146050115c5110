// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/c4fun/tell-stories-webui/internal/app"
	"github.com/c4fun/tell-stories-webui/internal/config"
	"github.com/c4fun/tell-stories-webui/internal/di"
)

func main() {
	log.Println("🚀 启动 tell-stories 剧本服务...")

	// 1. 加载配置
	if err := config.InitConfig("."); err != nil {
		log.Fatalf("❌ 加载配置失败: %v", err)
	}
	cfg := config.GetCurrentConfig()
	log.Printf("✅ 配置加载完成，存储: %s，主模型: %s", cfg.StorageBackend, cfg.PrimaryModel)

	// 2. 创建必要的目录
	createDirectories(cfg)
	log.Println("✅ 目录结构创建完成")

	// 3. 初始化所有服务（按依赖顺序）
	if err := app.InitServices(); err != nil {
		log.Fatalf("❌ 初始化服务失败: %v", err)
	}
	log.Println("✅ 所有服务初始化完成")

	if err := performHealthCheck(); err != nil {
		log.Printf("⚠️ 服务健康检查警告: %v", err)
	}

	// 4. 启动服务器
	log.Printf("🌐 服务器启动在 %s", cfg.Addr())
	log.Printf("🔗 进度查询: http://localhost:%s/api/script/<id>/lines/progress", cfg.Port)

	setupGracefulShutdown(app.GetApp())
}

// performHealthCheck 检查关键服务是否已注册
func performHealthCheck() error {
	container := di.GetContainer()
	if missing := container.Missing(di.Storage, di.Gateway, di.Books, di.Scripts); len(missing) > 0 {
		return fmt.Errorf("关键服务未注册: %v", missing)
	}

	log.Println("✅ 服务健康检查通过")
	return nil
}

// setupGracefulShutdown 等待中断信号后关闭服务并取消后台任务
func setupGracefulShutdown(application *app.App) {
	errChan := make(chan error, 1)
	go func() {
		errChan <- application.Run()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil {
			log.Fatalf("❌ 启动服务器失败: %v", err)
		}
		return
	case <-quit:
	}

	log.Println("🛑 正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := application.Shutdown(ctx); err != nil {
		log.Printf("⚠️ 关闭过程中出现错误: %v", err)
	}

	log.Println("✅ 服务器优雅关闭完成")
}

// createDirectories 创建应用所需的目录结构
func createDirectories(cfg *config.Config) {
	dirs := []string{cfg.DataDir, cfg.LogDir}
	if cfg.StorageBackend == "file" {
		dirs = append(dirs, filepath.Join(cfg.DataDir, "process"), filepath.Join(cfg.DataDir, "book"))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("创建目录失败 %s: %v", dir, err)
		}
	}
}
