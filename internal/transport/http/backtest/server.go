package backtesthttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"fibswing/internal/backtest"
	"fibswing/internal/logger"
	"fibswing/internal/market"
	livehttp "fibswing/internal/transport/http/live"

	"github.com/gin-gonic/gin"
)

// Server 提供行情缓存、回测与策略计算的 HTTP API。
type Server struct {
	addr       string
	fetcher    *backtest.Fetcher
	sim        *backtest.Simulator
	results    *backtest.ResultStore
	store      *backtest.Store
	router     *gin.Engine
	strategy   *livehttp.Router
	emaPeriods []int
}

// Config 描述 HTTP Server 的依赖。
type Config struct {
	Addr       string
	Fetcher    *backtest.Fetcher
	Simulator  *backtest.Simulator
	Strategy   *livehttp.Router
	EMAPeriods []int
}

// NewServer 构建 HTTP Server。
func NewServer(cfg Config) (*Server, error) {
	if cfg.Simulator == nil {
		return nil, errors.New("simulator 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		addr:       cfg.Addr,
		fetcher:    cfg.Fetcher,
		sim:        cfg.Simulator,
		results:    cfg.Simulator.Results(),
		store:      cfg.Simulator.Store(),
		router:     router,
		strategy:   cfg.Strategy,
		emaPeriods: cfg.EMAPeriods,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := s.router.Group("/api")
	if s.strategy != nil {
		s.strategy.Register(api)
	}

	candles := api.Group("/candles")
	candles.GET("", s.handleCandles)
	candles.GET("/manifest", s.handleManifest)
	candles.GET("/integrity", s.handleIntegrity)
	candles.POST("/fetch", s.handleFetch)
	candles.GET("/fetch/:id", s.handleFetchStatus)
	candles.GET("/jobs", s.handleJobs)

	runs := api.Group("/backtests")
	runs.POST("", s.handleRunStart)
	runs.GET("", s.handleRunList)
	runs.GET("/:id", s.handleRunDetail)
	runs.GET("/:id/orders", s.handleRunOrders)
	runs.GET("/:id/positions", s.handleRunPositions)
	runs.GET("/:id/snapshots", s.handleRunSnapshots)
	runs.GET("/:id/chart", s.handleRunChart)
	runs.GET("/:id/report", s.handleRunReport)
}

// Handler 暴露底层路由，便于测试或嵌入其它服务。
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleFetch(c *gin.Context) {
	if s.fetcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "行情同步未启用"})
		return
	}
	var req struct {
		Source   string `json:"source"`
		Symbol   string `json:"symbol" binding:"required"`
		Interval string `json:"interval" binding:"required"`
		StartTS  int64  `json:"start_ts" binding:"required"`
		EndTS    int64  `json:"end_ts"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.fetcher.Submit(backtest.FetchParams{
		Source:   req.Source,
		Symbol:   req.Symbol,
		Interval: req.Interval,
		Start:    req.StartTS,
		End:      req.EndTS,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (s *Server) handleFetchStatus(c *gin.Context) {
	if s.fetcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "行情同步未启用"})
		return
	}
	job, ok := s.fetcher.Job(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *Server) handleJobs(c *gin.Context) {
	if s.fetcher == nil {
		c.JSON(http.StatusOK, gin.H{"jobs": []backtest.FetchJob{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": s.fetcher.Jobs()})
}

func symbolInterval(c *gin.Context) (string, string, bool) {
	symbol := c.Query("symbol")
	interval := c.Query("interval")
	if symbol == "" || interval == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/interval 必填"})
		return "", "", false
	}
	return symbol, interval, true
}

func (s *Server) handleManifest(c *gin.Context) {
	symbol, interval, ok := symbolInterval(c)
	if !ok {
		return
	}
	info, err := s.store.Manifest(c.Request.Context(), symbol, interval)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"manifest": info})
}

func (s *Server) handleIntegrity(c *gin.Context) {
	symbol, interval, ok := symbolInterval(c)
	if !ok {
		return
	}
	iv, err := market.ParseInterval(interval)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	start, _ := strconv.ParseInt(c.Query("start_ts"), 10, 64)
	end, _ := strconv.ParseInt(c.Query("end_ts"), 10, 64)
	if start <= 0 || end <= start {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start_ts/end_ts 非法"})
		return
	}
	report, err := s.store.CheckIntegrity(c.Request.Context(), symbol, iv, start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (s *Server) handleCandles(c *gin.Context) {
	symbol, interval, ok := symbolInterval(c)
	if !ok {
		return
	}
	start, _ := strconv.ParseInt(c.Query("start_ts"), 10, 64)
	end, _ := strconv.ParseInt(c.Query("end_ts"), 10, 64)
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "200"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit 非法"})
		return
	}
	ctx := c.Request.Context()
	if start > 0 {
		data, err := s.store.RangeCandles(ctx, symbol, interval, start, end)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"candles": data})
		return
	}
	data, err := s.store.TailCandles(ctx, symbol, interval, end, limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"candles": data})
}

func (s *Server) handleRunStart(c *gin.Context) {
	var req backtest.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run, err := s.sim.StartRun(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run": run})
}

func (s *Server) handleRunList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.results.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) loadRun(c *gin.Context) (backtest.Run, bool) {
	run, err := s.results.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, backtest.ErrRunNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return backtest.Run{}, false
	}
	return run, true
}

func (s *Server) handleRunDetail(c *gin.Context) {
	run, ok := s.loadRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func (s *Server) handleRunOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	orders, err := s.results.ListOrders(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) handleRunPositions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	positions, err := s.results.ListPositions(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) handleRunSnapshots(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "5000"))
	snaps, err := s.results.ListSnapshots(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps})
}

func (s *Server) handleRunChart(c *gin.Context) {
	run, ok := s.loadRun(c)
	if !ok {
		return
	}
	html, err := RunChartHTML(c.Request.Context(), s.store, s.results, run, s.emaPeriods)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", html)
}

func (s *Server) handleRunReport(c *gin.Context) {
	run, ok := s.loadRun(c)
	if !ok {
		return
	}
	raw, err := RunReportYAML(c.Request.Context(), s.store, run)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/yaml; charset=utf-8", raw)
}

// requestLogger 记录接口调用，便于追踪回测提交与查询。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery
		client := c.ClientIP()
		c.Next()
		fullPath := path
		if query != "" {
			fullPath = path + "?" + query
		}
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", method, fullPath, c.Writer.Status(), client, time.Since(start))
	}
}

// Addr 返回监听地址。
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start 启动 HTTP 服务，阻塞直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("[http] 监听 %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
