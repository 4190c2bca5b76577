package livehttp

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"fibswing/internal/live"
	"fibswing/internal/market"
	"fibswing/internal/strategy/fib"
	"fibswing/internal/strategy/mtf"

	"github.com/gin-gonic/gin"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Aligner 拉取三个周期并判断方向是否一致。
type Aligner interface {
	Fetch(ctx context.Context, symbol string, tf mtf.Timeframes) (mtf.Alignment, error)
}

// StatusSource 提供实时纸面交易的状态。
type StatusSource interface {
	Status() live.Status
}

// Router 暴露策略计算接口：斐波那契水平、单步评估、多周期对齐与实时状态。
type Router struct {
	params     func() fib.Params
	timeframes mtf.Timeframes
	aligner    Aligner
	live       StatusSource

	levelsSchema   *jsonschema.Schema
	evaluateSchema *jsonschema.Schema
	resampleSchema *jsonschema.Schema
}

// RouterConfig 描述 Router 依赖；Params 返回当前生效的策略参数（支持热更新）。
type RouterConfig struct {
	Params     func() fib.Params
	Timeframes mtf.Timeframes
	Aligner    Aligner
	Live       StatusSource
}

func NewRouter(cfg RouterConfig) *Router {
	params := cfg.Params
	if params == nil {
		params = fib.DefaultParams
	}
	return &Router{
		params:         params,
		timeframes:     cfg.Timeframes,
		aligner:        cfg.Aligner,
		live:           cfg.Live,
		levelsSchema:   mustCompile(levelsRequestSchema),
		evaluateSchema: mustCompile(evaluateRequestSchema),
		resampleSchema: mustCompile(resampleAlignSchema),
	}
}

// Register 把路由挂到给定分组（通常是 /api）。
func (r *Router) Register(group *gin.RouterGroup) {
	group.POST("/levels", r.handleLevels)
	group.POST("/evaluate", r.handleEvaluate)
	group.GET("/align", r.handleAlign)
	group.POST("/align/resample", r.handleAlignResample)
	group.GET("/live/status", r.handleLiveStatus)
}

// paramsPatch 覆盖部分策略参数，未给出的字段沿用当前配置。
type paramsPatch struct {
	Lookback     *int     `json:"lookback"`
	Retrace      *float64 `json:"retrace"`
	StopLevel    *float64 `json:"stop_level"`
	RiskPerTrade *float64 `json:"risk_per_trade"`
	Target       *string  `json:"target"`
}

func (p *paramsPatch) apply(base fib.Params) fib.Params {
	if p == nil {
		return base
	}
	if p.Lookback != nil {
		base.Lookback = *p.Lookback
	}
	if p.Retrace != nil {
		base.RetraceRatio = *p.Retrace
	}
	if p.StopLevel != nil {
		base.StopRatio = *p.StopLevel
	}
	if p.RiskPerTrade != nil {
		base.RiskPerTrade = *p.RiskPerTrade
	}
	if p.Target != nil {
		base.TargetMode = fib.TargetMode(strings.ToLower(strings.TrimSpace(*p.Target)))
	}
	return base
}

type levelsRequest struct {
	Bars   []market.Candle `json:"bars"`
	Params *paramsPatch    `json:"params"`
}

type levelsResponse struct {
	Swing  fib.Swing    `json:"swing"`
	Levels fib.LevelSet `json:"levels"`
	Params fib.Params   `json:"params"`
}

func (r *Router) handleLevels(c *gin.Context) {
	var req levelsRequest
	if !r.bind(c, r.levelsSchema, &req) {
		return
	}
	p := req.Params.apply(r.params())
	if err := p.Validate(); err != nil {
		writeError(c, err)
		return
	}
	swing, err := fib.DetectSwing(req.Bars, p.Lookback)
	if err != nil {
		writeError(c, err)
		return
	}
	set, err := fib.BuildLevelSet(swing, p)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, levelsResponse{Swing: swing, Levels: set, Params: p})
}

type evaluateRequest struct {
	Bars     []market.Candle `json:"bars"`
	Params   *paramsPatch    `json:"params"`
	Position fib.Position    `json:"position"`
	Cash     float64         `json:"cash"`
}

type evaluateResponse struct {
	fib.Step
	Skip   string     `json:"skip,omitempty"`
	Params fib.Params `json:"params"`
}

func (r *Router) handleEvaluate(c *gin.Context) {
	var req evaluateRequest
	if !r.bind(c, r.evaluateSchema, &req) {
		return
	}
	p := req.Params.apply(r.params())
	machine, err := fib.NewMachine(p)
	if err != nil {
		writeError(c, err)
		return
	}
	if !market.Candles(req.Bars).Ordered() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bars 需按 open_time 严格递增"})
		return
	}
	step := machine.Evaluate(fib.Input{Bars: req.Bars, Position: req.Position, Cash: req.Cash})
	resp := evaluateResponse{Step: step, Params: p}
	if step.Skip != nil {
		resp.Skip = step.Skip.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) timeframesFrom(coarse, medium, fine string) mtf.Timeframes {
	tf := r.timeframes
	if v := strings.TrimSpace(coarse); v != "" {
		tf.Coarse = v
	}
	if v := strings.TrimSpace(medium); v != "" {
		tf.Medium = v
	}
	if v := strings.TrimSpace(fine); v != "" {
		tf.Fine = v
	}
	return tf
}

func (r *Router) handleAlign(c *gin.Context) {
	if r.aligner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "多周期分析未启用"})
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol 必填"})
		return
	}
	tf := r.timeframesFrom(c.Query("coarse"), c.Query("medium"), c.Query("fine"))
	if err := tf.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := r.aligner.Fetch(c.Request.Context(), symbol, tf)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "timeframes": tf, "alignment": res})
}

type resampleAlignRequest struct {
	Bars   []market.Candle `json:"bars"`
	Params *paramsPatch    `json:"params"`
	Coarse string          `json:"coarse"`
	Medium string          `json:"medium"`
	Fine   string          `json:"fine"`
}

// handleAlignResample 用一组细周期 K 线重采样出中、粗周期后对齐，不访问数据源。
func (r *Router) handleAlignResample(c *gin.Context) {
	var req resampleAlignRequest
	if !r.bind(c, r.resampleSchema, &req) {
		return
	}
	p := req.Params.apply(r.params())
	if err := p.Validate(); err != nil {
		writeError(c, err)
		return
	}
	analyzer, err := mtf.NewAnalyzer(nil, p, 0)
	if err != nil {
		writeError(c, err)
		return
	}
	tf := r.timeframesFrom(req.Coarse, req.Medium, req.Fine)
	res, err := analyzer.Resampled(req.Bars, tf)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"timeframes": tf, "alignment": res})
}

func (r *Router) handleLiveStatus(c *gin.Context) {
	if r.live == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "live 未启用"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": r.live.Status()})
}

func (r *Router) bind(c *gin.Context, schema *jsonschema.Schema, out any) bool {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	if err := decodeValidated(schema, raw, out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

// writeError 把策略错误映射为 HTTP 状态：配置非法 400，数据不足以计算 422。
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fib.ErrInvalidConfiguration):
		status = http.StatusBadRequest
	case errors.Is(err, fib.ErrInsufficientData), errors.Is(err, fib.ErrDegenerateSwing), errors.Is(err, fib.ErrZeroRiskDistance):
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
