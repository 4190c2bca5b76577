package backtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"fibswing/internal/logger"
	"fibswing/internal/market"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// FetcherConfig 配置 Fetcher。
type FetcherConfig struct {
	Store           *Store
	Sources         map[string]market.Source
	DefaultSource   string
	RateLimitPerMin int
	MaxBatch        int
	MaxConcurrent   int
}

// Fetcher 负责把远端 K 线补齐到本地缓存：按缺口分批拉取，限速写库。
type Fetcher struct {
	store         *Store
	sources       map[string]market.Source
	defaultSource string
	maxBatch      int

	limiter *rate.Limiter
	sem     chan struct{}

	mu   sync.RWMutex
	jobs map[string]*FetchJob

	baseCtx context.Context
}

func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store 不能为空")
	}
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("至少需要一个数据源")
	}
	ratePerSec := rate.Limit(float64(cfg.RateLimitPerMin) / 60.0)
	if cfg.RateLimitPerMin <= 0 {
		ratePerSec = 8
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	f := &Fetcher{
		store:         cfg.Store,
		sources:       make(map[string]market.Source),
		defaultSource: strings.ToLower(cfg.DefaultSource),
		maxBatch:      maxBatch,
		limiter:       rate.NewLimiter(ratePerSec, 1),
		sem:           make(chan struct{}, maxConcurrent),
		jobs:          make(map[string]*FetchJob),
		baseCtx:       context.Background(),
	}
	for k, v := range cfg.Sources {
		if v != nil {
			f.sources[strings.ToLower(k)] = v
		}
	}
	if f.defaultSource == "" || f.sources[f.defaultSource] == nil {
		keys := make([]string, 0, len(f.sources))
		for k := range f.sources {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > 0 {
			f.defaultSource = keys[0]
		}
	}
	return f, nil
}

// SetContext 注入宿主 ctx，用于后台任务取消。
func (f *Fetcher) SetContext(ctx context.Context) {
	if ctx != nil {
		f.baseCtx = ctx
	}
}

func (f *Fetcher) ctx() context.Context {
	if f.baseCtx == nil {
		return context.Background()
	}
	return f.baseCtx
}

// Source 返回命名数据源，name 为空时取默认源。
func (f *Fetcher) Source(name string) (market.Source, string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = f.defaultSource
	}
	src := f.sources[name]
	if src == nil {
		return nil, "", fmt.Errorf("未知数据源: %s", name)
	}
	return src, name, nil
}

func (f *Fetcher) Store() *Store { return f.store }

func (f *Fetcher) prepare(params FetchParams) (FetchParams, market.Interval, market.Source, error) {
	params.Symbol = strings.ToUpper(strings.TrimSpace(params.Symbol))
	if params.Symbol == "" {
		return params, market.Interval{}, nil, fmt.Errorf("symbol 不能为空")
	}
	iv, err := market.ParseInterval(params.Interval)
	if err != nil {
		return params, market.Interval{}, nil, err
	}
	params.Interval = iv.Key
	src, name, err := f.Source(params.Source)
	if err != nil {
		return params, iv, nil, err
	}
	params.Source = name
	if params.End <= 0 {
		params.End = time.Now().UnixMilli()
	}
	start, end := iv.AlignRange(params.Start, params.End)
	if start <= 0 || start == end {
		return params, iv, nil, fmt.Errorf("start 与 end 需要构成区间")
	}
	params.Start, params.End = start, end
	return params, iv, src, nil
}

// Submit 提交后台拉取任务；若区间已完整只做一致性检查。
func (f *Fetcher) Submit(params FetchParams) (FetchJob, error) {
	params, iv, src, err := f.prepare(params)
	if err != nil {
		return FetchJob{}, err
	}
	report, err := f.store.CheckIntegrity(f.ctx(), params.Symbol, iv, params.Start, params.End)
	if err != nil {
		return FetchJob{}, err
	}
	job := f.newJob(params, report)
	logger.Infof("[backtest] 任务 %s 提交：%s %s %s [%d,%d] 预计=%d 缺口=%d", job.ID, params.Source, params.Symbol, params.Interval, params.Start, params.End, report.Expected, len(report.Gaps))
	if report.Expected == 0 || report.Complete() {
		f.setJobStatus(job.ID, JobStatusDone, "数据已完整，无需重新拉取", report.Gaps)
		return f.snapshot(job.ID), nil
	}
	go func() {
		select {
		case f.sem <- struct{}{}:
		case <-f.ctx().Done():
			f.setJobStatus(job.ID, JobStatusFailed, "服务已关闭", nil)
			return
		}
		defer func() { <-f.sem }()
		f.runJob(f.ctx(), job.ID, iv, report, src)
	}()
	return f.snapshot(job.ID), nil
}

// Sync 同步补齐缺口并返回最终任务状态，供回测与 CLI 使用。
func (f *Fetcher) Sync(ctx context.Context, params FetchParams) (FetchJob, error) {
	params, iv, src, err := f.prepare(params)
	if err != nil {
		return FetchJob{}, err
	}
	report, err := f.store.CheckIntegrity(ctx, params.Symbol, iv, params.Start, params.End)
	if err != nil {
		return FetchJob{}, err
	}
	job := f.newJob(params, report)
	if report.Expected == 0 || report.Complete() {
		f.setJobStatus(job.ID, JobStatusDone, "数据已完整，无需重新拉取", nil)
		return f.snapshot(job.ID), nil
	}
	f.runJob(ctx, job.ID, iv, report, src)
	out := f.snapshot(job.ID)
	if out.Status == JobStatusFailed {
		return out, fmt.Errorf("fetch %s %s: %s", params.Symbol, params.Interval, out.Message)
	}
	return out, nil
}

func (f *Fetcher) newJob(params FetchParams, report IntegrityReport) *FetchJob {
	now := time.Now()
	job := &FetchJob{
		ID:        uuid.NewString(),
		Status:    JobStatusPending,
		Params:    params,
		Total:     report.Expected,
		Completed: min(report.Present, report.Expected),
		StartedAt: now,
		UpdatedAt: now,
		Missing:   append([]Gap{}, report.Gaps...),
	}
	f.mu.Lock()
	f.jobs[job.ID] = job
	f.mu.Unlock()
	return job
}

// runJob 把所有缺口合并成一个区间，按 maxBatch 根一批拉取；已存在的行由 upsert 覆盖。
func (f *Fetcher) runJob(ctx context.Context, jobID string, iv market.Interval, report IntegrityReport, src market.Source) {
	job := f.getJob(jobID)
	if job == nil {
		return
	}
	params := job.Params
	logger.Infof("[backtest] 任务 %s 开始，缺口=%d", jobID, len(report.Gaps))
	f.updateJob(jobID, func(j *FetchJob) {
		j.Status = JobStatusRunning
		j.Message = ""
	})

	var warnings []string
	spanStart := report.Gaps[0].From
	spanEnd := iv.NextBucket(report.Gaps[len(report.Gaps)-1].To) - 1
	batchMs := int64(f.maxBatch) * iv.Millis()
	for cursor := spanStart; cursor <= spanEnd; {
		if err := ctx.Err(); err != nil {
			f.setJobStatus(jobID, JobStatusFailed, err.Error(), nil)
			return
		}
		if err := f.limiter.Wait(ctx); err != nil {
			f.setJobStatus(jobID, JobStatusFailed, err.Error(), nil)
			return
		}
		chunkEnd := min(cursor+batchMs-1, spanEnd)
		data, err := src.FetchRange(ctx, params.Symbol, params.Interval, cursor, chunkEnd)
		if err != nil {
			f.setJobStatus(jobID, JobStatusFailed, fmt.Sprintf("%s 拉取失败: %v", src.Name(), err), nil)
			return
		}
		if len(data) == 0 {
			warnings = append(warnings, fmt.Sprintf("区间 [%d,%d] 拉取为空", cursor, chunkEnd))
		}
		inserted, err := f.store.InsertCandles(ctx, params.Symbol, params.Interval, data)
		if err != nil {
			f.setJobStatus(jobID, JobStatusFailed, fmt.Sprintf("写入失败: %v", err), nil)
			return
		}
		f.updateJob(jobID, func(j *FetchJob) {
			j.Completed = min(j.Completed+int64(inserted), j.Total)
			j.UpdatedAt = time.Now()
			if warnings != nil {
				j.Warnings = append([]string{}, warnings...)
			}
		})
		cursor = chunkEnd + 1
	}

	finalReport, err := f.store.CheckIntegrity(ctx, params.Symbol, iv, params.Start, params.End)
	status := JobStatusDone
	message := "拉取完成"
	if err != nil {
		status = JobStatusFailed
		message = "完整性检查失败: " + err.Error()
	} else if !finalReport.Complete() {
		// 股票休市日、交易所停机都会留下缺口
		status = JobStatusPartial
		message = "已完成，但仍存在缺口"
	}
	f.updateJob(jobID, func(j *FetchJob) {
		j.Status = status
		j.Message = message
		j.Missing = append([]Gap{}, finalReport.Gaps...)
		j.Completed = finalReport.Present
		j.UpdatedAt = time.Now()
		if len(warnings) > 0 {
			j.Warnings = append([]string{}, warnings...)
		}
	})
	logger.Infof("[backtest] 任务 %s 完成，状态=%s，缺口=%d", jobID, status, len(finalReport.Gaps))
}

func (f *Fetcher) setJobStatus(jobID, status, message string, gaps []Gap) {
	f.updateJob(jobID, func(j *FetchJob) {
		j.Status = status
		j.Message = message
		j.Missing = append([]Gap{}, gaps...)
		j.UpdatedAt = time.Now()
	})
}

func (f *Fetcher) getJob(id string) *FetchJob {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.jobs[id]
}

func (f *Fetcher) updateJob(id string, fn func(*FetchJob)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[id]; ok && fn != nil {
		fn(job)
	}
}

func (f *Fetcher) snapshot(id string) FetchJob {
	job, _ := f.Job(id)
	return job
}

// Job 返回任务副本。
func (f *Fetcher) Job(id string) (FetchJob, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	job, ok := f.jobs[id]
	if !ok {
		return FetchJob{}, false
	}
	return job.copy(), true
}

// Jobs 返回所有任务的拷贝列表（按开始时间倒序）。
func (f *Fetcher) Jobs() []FetchJob {
	f.mu.RLock()
	out := make([]FetchJob, 0, len(f.jobs))
	for _, job := range f.jobs {
		out = append(out, job.copy())
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}
