package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/iBreaker/grok-gateway/internal/app"
	"github.com/iBreaker/grok-gateway/internal/store"
	"github.com/iBreaker/grok-gateway/pkg/types"
)

func main() {
	// .env用于本地开发，不存在时忽略
	_ = godotenv.Load()

	configPath := "./config.yaml"
	if home, err := os.UserHomeDir(); err == nil {
		configPath = filepath.Join(home, ".grok-gateway", "config.yaml")
	}
	if env := os.Getenv("CONFIG_PATH"); env != "" {
		configPath = env
	}

	application, err := app.NewApplication(configPath)
	if err != nil {
		log.Printf("初始化应用失败: %v\n", err)
		os.Exit(1)
	}
	defer application.Close()

	if err := runCLI(os.Args, application); err != nil {
		log.Printf("错误: %v\n", err)
		os.Exit(1)
	}
}

func runCLI(args []string, application *app.Application) error {
	if len(args) < 2 {
		printUsage()
		return nil
	}

	switch command := args[1]; command {
	case "server":
		return handleServer(args[2:], application)
	case "token":
		return handleToken(args[2:], application)
	case "refresh":
		return handleRefresh(args[2:], application)
	case "status":
		return handleStatus(args[2:], application)
	default:
		fmt.Printf("未知命令: %s\n\n", command)
		printUsage()
		return fmt.Errorf("未知命令: %s", command)
	}
}

func printUsage() {
	fmt.Println("Grok Gateway - OpenAI兼容的Grok账号池网关")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  grok-gateway <command> [arguments]")
	fmt.Println()
	fmt.Println("可用命令:")
	fmt.Println("  server     启动HTTP服务器")
	fmt.Println("  token      账号池管理")
	fmt.Println("  refresh    刷新账号额度")
	fmt.Println("  status     显示账号池状态")
}

// ===== server =====

func handleServer(args []string, application *app.Application) error {
	if err := application.Config.Validate(); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go application.Refresher.StartAutoRefresh(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- application.Server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	application.Logger.Info("收到退出信号，正在关闭")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return application.Server.Stop(shutdownCtx)
}

// ===== token =====

func handleToken(args []string, application *app.Application) error {
	if len(args) == 0 {
		printTokenUsage()
		return nil
	}

	switch subcommand := args[0]; subcommand {
	case "add":
		return handleTokenAdd(args[1:], application)
	case "list":
		return handleTokenList(args[1:], application)
	case "remove":
		return handleTokenRemove(args[1:], application)
	default:
		fmt.Printf("未知的token子命令: %s\n\n", subcommand)
		printTokenUsage()
		return fmt.Errorf("未知的token子命令: %s", subcommand)
	}
}

func printTokenUsage() {
	fmt.Println("用法: grok-gateway token <subcommand>")
	fmt.Println("描述: 账号池管理")
	fmt.Println()
	fmt.Println("子命令:")
	fmt.Println("  add        添加账号（-tokens支持逗号分隔批量）")
	fmt.Println("  list       列出所有账号")
	fmt.Println("  remove     删除账号")
}

func handleTokenAdd(args []string, application *app.Application) error {
	fs := flag.NewFlagSet("token add", flag.ContinueOnError)
	tokens := fs.String("tokens", "", "SSO凭证，逗号分隔")
	class := fs.String("class", "basic", "账号等级 (basic|elevated)")
	tags := fs.String("tags", "", "标签，逗号分隔")
	note := fs.String("note", "", "备注")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tokens == "" {
		return fmt.Errorf("缺少-tokens参数")
	}
	accountClass := types.AccountClass(*class)
	if !accountClass.IsValid() {
		return fmt.Errorf("非法的账号等级: %s", *class)
	}

	var tagList []string
	for _, t := range strings.Split(*tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tagList = append(tagList, t)
		}
	}

	ctx := context.Background()
	added, skipped := 0, 0
	for _, token := range strings.Split(*tokens, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		err := application.Store.CreateAccount(ctx, &types.Account{
			Token:                 token,
			Class:                 accountClass,
			CreatedAt:             time.Now(),
			RemainingQueries:      -1,
			HeavyRemainingQueries: -1,
			Status:                types.AccountStatusActive,
			Tags:                  tagList,
			Note:                  *note,
		})
		if err != nil {
			skipped++
			continue
		}
		added++
	}
	fmt.Printf("已添加 %d 个账号，跳过 %d 个\n", added, skipped)
	return nil
}

func handleTokenList(args []string, application *app.Application) error {
	ctx := context.Background()
	accounts, err := application.Store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		fmt.Println("账号池为空")
		return nil
	}

	now := time.Now()
	fmt.Printf("%-10s %-10s %-10s %-8s %-8s %s\n", "凭证尾部", "等级", "状态", "剩余", "heavy", "标签")
	for _, a := range accounts {
		buckets, err := application.Store.GetBuckets(ctx, a.Token, now)
		if err != nil {
			return err
		}
		display := store.ComputeDisplayStatus(a, buckets, now)
		fmt.Printf("%-10s %-10s %-10s %-8d %-8d %s\n",
			a.TokenSuffix(), a.Class, display,
			a.RemainingQueries, a.HeavyRemainingQueries,
			strings.Join(a.Tags, ","))
	}
	return nil
}

func handleTokenRemove(args []string, application *app.Application) error {
	fs := flag.NewFlagSet("token remove", flag.ContinueOnError)
	token := fs.String("token", "", "要删除的凭证")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *token == "" {
		return fmt.Errorf("缺少-token参数")
	}
	if err := application.Store.DeleteAccount(context.Background(), *token); err != nil {
		return err
	}
	fmt.Println("已删除")
	return nil
}

// ===== refresh =====

func handleRefresh(args []string, application *app.Application) error {
	fs := flag.NewFlagSet("refresh", flag.ContinueOnError)
	token := fs.String("token", "", "只刷新指定账号，缺省刷新全部")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	if *token != "" {
		if err := application.Refresher.RefreshAccount(ctx, *token, types.SourceManualRefresh); err != nil {
			return err
		}
		fmt.Println("刷新完成")
		return nil
	}

	if err := application.Refresher.RefreshAllNow(ctx, types.SourceManualRefresh); err != nil {
		return err
	}
	progress, err := application.Store.GetRefreshProgress(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("刷新完成: 成功 %d, 失败 %d, 共 %d\n", progress.Success, progress.Failed, progress.Total)
	return nil
}

// ===== status =====

func handleStatus(args []string, application *app.Application) error {
	ctx := context.Background()
	accounts, err := application.Store.ListAccounts(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	counts := map[types.DisplayStatus]int{}
	for _, a := range accounts {
		buckets, err := application.Store.GetBuckets(ctx, a.Token, now)
		if err != nil {
			return err
		}
		counts[store.ComputeDisplayStatus(a, buckets, now)]++
	}

	fmt.Printf("账号总数: %d\n", len(accounts))
	for _, s := range []types.DisplayStatus{
		types.DisplayActive, types.DisplayCooling, types.DisplayExhausted,
		types.DisplayInvalid, types.DisplayUnknown,
	} {
		if counts[s] > 0 {
			fmt.Printf("  %-10s %d\n", s, counts[s])
		}
	}

	progress, err := application.Store.GetRefreshProgress(ctx)
	if err != nil {
		return err
	}
	if progress.Running {
		fmt.Printf("额度刷新进行中: %d/%d\n", progress.Current, progress.Total)
	}
	return nil
}
