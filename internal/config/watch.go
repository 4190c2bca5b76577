package config

import (
	"context"
	"sync"
	"time"

	"fibswing/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// reloadDebounce 合并编辑器一次保存触发的多次写事件。
const reloadDebounce = 200 * time.Millisecond

// Watch 监听主配置及所有 include 文件，变更后重新 Load；
// 校验失败的版本只记录日志，不会交给 onChange。
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	_, files, err := loadWithFiles(path)
	if err != nil {
		return err
	}
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func(e fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() {
			if ctx.Err() != nil {
				return
			}
			cfg, err := Load(path)
			if err != nil {
				logger.Warnf("[config] 忽略无效配置 (%s): %v", e.Name, err)
				return
			}
			logger.Infof("[config] 已重新加载 %s", e.Name)
			if onChange != nil {
				onChange(cfg)
			}
		})
	}
	for _, file := range files {
		v := viper.New()
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return err
		}
		v.OnConfigChange(reload)
		v.WatchConfig()
	}
	go func() {
		<-ctx.Done()
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()
	return nil
}
