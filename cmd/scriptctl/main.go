// cmd/scriptctl/main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/c4fun/tell-stories-webui/internal/app"
	"github.com/c4fun/tell-stories-webui/internal/config"
	"github.com/c4fun/tell-stories-webui/internal/di"
	"github.com/c4fun/tell-stories-webui/internal/models"
	"github.com/c4fun/tell-stories-webui/internal/services"
)

// 在命令行中同步执行剧本流水线，台词阶段不经过后台任务
func main() {
	var (
		id            = flag.String("id", "", "处理 ID（必填）")
		stage         = flag.String("stage", "all", "执行阶段: plot, cast, lines, all, progress")
		storyPath     = flag.String("story", "", "故事文件路径")
		textInput     = flag.String("text", "", "直接传入的故事文本")
		bookID        = flag.String("book", "", "书籍 ID，用于引用前文和已有声优")
		splitDialogue = flag.Bool("split-dialogue", true, "拆分对白和旁白")
		allCaps       = flag.Bool("all-caps-to-proper", true, "全大写单词转为首字母大写")
		configDir     = flag.String("config", ".", "tellstories.yaml 所在目录")
		timeout       = flag.Duration("timeout", 2*time.Hour, "整体超时")
	)
	flag.Parse()

	if *id == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := config.InitConfig(*configDir); err != nil {
		log.Fatalf("❌ 加载配置失败: %v", err)
	}
	application := app.GetApp()
	if err := application.Initialize(config.GetCurrentConfig()); err != nil {
		log.Fatalf("❌ 初始化服务失败: %v", err)
	}
	scripts, err := di.Resolve[*services.ScriptService](application.GetDIContainer(), di.Scripts)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	plotReq := models.PlotRequest{StoryPath: *storyPath, TextInput: *textInput, BookID: *bookID}
	opts := models.LineOptions{SplitDialogue: *splitDialogue, AllCapsToProper: *allCaps}

	if err := run(ctx, scripts, *stage, *id, plotReq, opts); err != nil {
		application.Shutdown(context.Background())
		log.Fatalf("❌ %s 阶段失败: %v", *stage, err)
	}
	application.Shutdown(context.Background())
}

func run(ctx context.Context, scripts *services.ScriptService, stage, id string, plotReq models.PlotRequest, opts models.LineOptions) error {
	switch stage {
	case "plot":
		return printResult(scripts.GeneratePlot(ctx, id, plotReq))
	case "cast":
		return printResult(scripts.GenerateCast(ctx, id, plotReq.BookID))
	case "lines":
		return runLines(ctx, scripts, id, opts)
	case "progress":
		return printResult(scripts.GetProgress(ctx, id))
	case "all":
		log.Println("📖 生成剧情...")
		if err := printResult(scripts.GeneratePlot(ctx, id, plotReq)); err != nil {
			return err
		}
		log.Println("🎭 分配声优...")
		if err := printResult(scripts.GenerateCast(ctx, id, plotReq.BookID)); err != nil {
			return err
		}
		return runLines(ctx, scripts, id, opts)
	default:
		return fmt.Errorf("未知阶段: %s", stage)
	}
}

func runLines(ctx context.Context, scripts *services.ScriptService, id string, opts models.LineOptions) error {
	log.Println("📝 生成台词...")
	if _, err := scripts.InitializeLines(ctx, id); err != nil {
		return err
	}
	if err := scripts.ProcessLines(ctx, id, opts); err != nil {
		return err
	}
	return printResult(scripts.GetProgress(ctx, id))
}

func printResult(resp *models.ScriptResponse, err error) error {
	if err != nil {
		return err
	}
	data, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Println(string(data))
	log.Println("✅ 完成")
	return nil
}
