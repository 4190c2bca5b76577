package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"fibswing/internal/app"
	"fibswing/internal/backtest"
	"fibswing/internal/config"
	"fibswing/internal/logger"
	"fibswing/internal/render"
	"fibswing/internal/strategy/mtf"
	backtesthttp "fibswing/internal/transport/http/backtest"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const usage = `用法: fibswing <command> [flags]

commands:
  serve      启动 HTTP 接口（live.enabled 时同时运行纸面交易）
  live       强制开启实时纸面交易并启动服务
  backtest   同步 K 线、运行一次回测并输出图表与报告
  fetch      把指定区间的 K 线同步到本地缓存
  align      拉取三个周期判断方向是否一致

配置文件路径取 $FIBSWING_CONFIG，默认 configs/config.yaml。`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgPath := config.PathFromEnv()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Fatalf("初始化日志文件失败: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)
	logger.Infof("✓ 配置加载成功（环境=%s，路径=%s）", cfg.App.Env, cfgPath)

	switch cmd {
	case "serve":
		err = runServe(ctx, cfg, cfgPath)
	case "live":
		err = runLive(ctx, cfg, cfgPath, args)
	case "backtest":
		err = runBacktest(ctx, cfg, args)
	case "fetch":
		err = runFetch(ctx, cfg, args)
	case "align":
		err = runAlign(ctx, cfg, args)
	case "help", "-h", "--help":
		fmt.Println(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "未知命令 %q\n\n%s\n", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s 失败: %v", cmd, err)
	}
}

func runServe(ctx context.Context, cfg *config.Config, cfgPath string) error {
	a, err := app.NewApp(cfg, cfgPath)
	if err != nil {
		return fmt.Errorf("初始化应用失败: %w", err)
	}
	defer a.Close()
	return a.Run(ctx)
}

func runLive(ctx context.Context, cfg *config.Config, cfgPath string, args []string) error {
	fs := pflag.NewFlagSet("live", pflag.ExitOnError)
	symbol := fs.String("symbol", cfg.Live.Symbol, "交易对")
	interval := fs.String("interval", cfg.Live.Interval, "K 线周期")
	source := fs.String("source", cfg.Live.Source, "行情源")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*symbol) == "" {
		return fmt.Errorf("--symbol 必填")
	}
	cfg.Live.Enabled = true
	cfg.Live.Symbol = *symbol
	cfg.Live.Interval = *interval
	cfg.Live.Source = *source
	return runServe(ctx, cfg, cfgPath)
}

type rangeFlags struct {
	symbol   *string
	interval *string
	source   *string
	start    *string
	end      *string
}

func addRangeFlags(fs *pflag.FlagSet, cfg *config.Config) rangeFlags {
	return rangeFlags{
		symbol:   fs.StringP("symbol", "s", "", "交易对，如 BTCUSDT / AAPL"),
		interval: fs.StringP("interval", "i", cfg.Backtest.Interval, "K 线周期"),
		source:   fs.String("source", cfg.Backtest.Source, "行情源"),
		start:    fs.String("start", "", "开始时间（2006-01-02、RFC3339 或毫秒）"),
		end:      fs.String("end", "", "结束时间，留空表示到最新"),
	}
}

func (r rangeFlags) resolve() (symbol string, start, end int64, err error) {
	symbol = strings.ToUpper(strings.TrimSpace(*r.symbol))
	if symbol == "" {
		return "", 0, 0, fmt.Errorf("--symbol 必填")
	}
	if start, err = parseTimeArg(*r.start); err != nil {
		return "", 0, 0, fmt.Errorf("--start: %w", err)
	}
	if start == 0 {
		return "", 0, 0, fmt.Errorf("--start 必填")
	}
	if end, err = parseTimeArg(*r.end); err != nil {
		return "", 0, 0, fmt.Errorf("--end: %w", err)
	}
	return symbol, start, end, nil
}

func runFetch(ctx context.Context, cfg *config.Config, args []string) error {
	fs := pflag.NewFlagSet("fetch", pflag.ExitOnError)
	rf := addRangeFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return err
	}
	symbol, start, end, err := rf.resolve()
	if err != nil {
		return err
	}
	a, err := app.NewApp(cfg, "")
	if err != nil {
		return err
	}
	defer a.Close()
	job, err := a.Fetcher().Sync(ctx, backtest.FetchParams{
		Source:   *rf.source,
		Symbol:   symbol,
		Interval: *rf.interval,
		Start:    start,
		End:      end,
	})
	if err != nil {
		return err
	}
	return printYAML(job)
}

func runBacktest(ctx context.Context, cfg *config.Config, args []string) error {
	fs := pflag.NewFlagSet("backtest", pflag.ExitOnError)
	rf := addRangeFlags(fs, cfg)
	cash := fs.Float64("cash", cfg.Backtest.InitialCash, "初始资金")
	outDir := fs.StringP("out", "o", cfg.Render.OutputDir, "图表与报告输出目录")
	png := fs.Bool("png", cfg.Render.PNG, "额外用 headless Chrome 输出 PNG")
	if err := fs.Parse(args); err != nil {
		return err
	}
	symbol, start, end, err := rf.resolve()
	if err != nil {
		return err
	}
	if end == 0 {
		end = time.Now().UnixMilli()
	}
	a, err := app.NewApp(cfg, "")
	if err != nil {
		return err
	}
	defer a.Close()

	sim := a.Simulator()
	run, err := sim.Run(ctx, backtest.RunRequest{
		Symbol:      symbol,
		Interval:    *rf.interval,
		Source:      *rf.source,
		StartTS:     start,
		EndTS:       end,
		InitialCash: *cash,
	})
	if err != nil {
		return err
	}
	logger.InfoBlock(strings.Join([]string{
		fmt.Sprintf("回测 %s %s %s", run.ID, run.Symbol, run.Interval),
		fmt.Sprintf("Starting Portfolio Value: %.2f", run.InitialBalance),
		fmt.Sprintf("Final Portfolio Value: %.2f", run.FinalBalance),
		fmt.Sprintf("收益 %.2f (%.2f%%) 胜率 %.2f%% 最大回撤 %.2f%%", run.Profit, run.ReturnPct*100, run.WinRate*100, run.MaxDrawdownPct*100),
		fmt.Sprintf("订单 %d 持仓 %d", run.Orders, run.Positions),
	}, "\n"))
	if run.Status != backtest.RunStatusDone {
		return fmt.Errorf("回测未完成: %s", run.Message)
	}
	return writeRunOutputs(ctx, sim, run, *outDir, cfg.Render.EMAPeriods, *png)
}

func writeRunOutputs(ctx context.Context, sim *backtest.Simulator, run backtest.Run, dir string, ema []int, withPNG bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	base := filepath.Join(dir, fmt.Sprintf("%s_%s_%s", strings.ToLower(run.Symbol), run.Interval, run.ID[:8]))
	in, err := backtesthttp.RunChartInput(ctx, sim.Store(), sim.Results(), run, ema)
	if err != nil {
		return err
	}
	html, err := render.HTML(in)
	if err != nil {
		return err
	}
	if err := os.WriteFile(base+".html", html, 0o644); err != nil {
		return err
	}
	logger.Infof("✓ 图表 %s.html", base)

	report, err := backtesthttp.RunReportYAML(ctx, sim.Store(), run)
	if err != nil {
		logger.Warnf("报告未生成: %v", err)
	} else if err := os.WriteFile(base+".yaml", report, 0o644); err != nil {
		return err
	} else {
		logger.Infof("✓ 报告 %s.yaml", base)
	}

	if withPNG {
		img, err := render.RenderPNG(ctx, in)
		if err != nil {
			logger.Warnf("PNG 未生成: %v", err)
			return nil
		}
		if err := os.WriteFile(base+".png", img.Bytes, 0o644); err != nil {
			return err
		}
		logger.Infof("✓ 截图 %s.png", base)
	}
	return nil
}

func runAlign(ctx context.Context, cfg *config.Config, args []string) error {
	fs := pflag.NewFlagSet("align", pflag.ExitOnError)
	symbol := fs.StringP("symbol", "s", "", "交易对")
	coarse := fs.String("coarse", cfg.MultiTimeframe.Coarse, "粗周期")
	medium := fs.String("medium", cfg.MultiTimeframe.Medium, "中周期")
	fine := fs.String("fine", cfg.MultiTimeframe.Fine, "细周期")
	if err := fs.Parse(args); err != nil {
		return err
	}
	sym := strings.ToUpper(strings.TrimSpace(*symbol))
	if sym == "" {
		return fmt.Errorf("--symbol 必填")
	}
	a, err := app.NewApp(cfg, "")
	if err != nil {
		return err
	}
	defer a.Close()
	res, err := a.Aligner().Fetch(ctx, sym, mtf.Timeframes{Coarse: *coarse, Medium: *medium, Fine: *fine})
	if err != nil {
		return err
	}
	return printYAML(map[string]any{"symbol": sym, "alignment": res})
}

// parseTimeArg 接受日期、RFC3339 或毫秒时间戳，空串返回 0。
func parseTimeArg(v string) (int64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return ms, nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC().UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("无法解析时间 %q", v)
}

func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
