package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"SyncFM/logger"
	"SyncFM/repository"

	"github.com/fsnotify/fsnotify"
)

// BlobUploader 对象上传端，由 storage 包实现
type BlobUploader interface {
	Put(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) error
}

// AutoStarter 上传完成后的自动起播入口，由 core/room 实现
type AutoStarter interface {
	AutoStart(ctx context.Context, roomID string, trackID, uploaderID int64) error
}

// Task 一个待入库的暂存文件
type Task struct {
	Path       string
	RoomID     string
	TrackID    int64
	UploaderID int64
}

// Ingester 上传暂存目录的接力处理器
// 架构：HTTP 层落盘暂存文件 → fsnotify 监听 → WorkerPool 并行上传
// MinIO → 自动起播。暂存文件名编码路由信息：<roomID>_<trackID>_<uploaderID>.<ext>
type Ingester struct {
	spoolDir    string
	store       BlobUploader
	tracks      repository.TrackRepository
	starter     AutoStarter
	workerCount int

	tasks chan *Task
	// 防止 Create + Write 事件对同一文件重复入队
	inflight sync.Map
}

// NewIngester 创建处理器，workers <= 0 时按 CPU 数取，上限 8
func NewIngester(spoolDir string, store BlobUploader, tracks repository.TrackRepository, starter AutoStarter, workers int) *Ingester {
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers > 8 {
			workers = 8
		}
	}
	return &Ingester{
		spoolDir:    spoolDir,
		store:       store,
		tracks:      tracks,
		starter:     starter,
		workerCount: workers,
		tasks:       make(chan *Task, 100),
	}
}

// SpoolName 暂存文件名约定，HTTP 层落盘时使用
func SpoolName(roomID string, trackID, uploaderID int64, ext string) string {
	return fmt.Sprintf("%s_%d_%d%s", roomID, trackID, uploaderID, ext)
}

// parseSpoolName 解析暂存文件名，不符合约定返回 nil
func parseSpoolName(path string) *Task {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	parts := strings.SplitN(name, "_", 3)
	if len(parts) != 3 {
		return nil
	}
	trackID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil
	}
	uploaderID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil
	}
	return &Task{
		Path:       path,
		RoomID:     parts[0],
		TrackID:    trackID,
		UploaderID: uploaderID,
	}
}

// Run 启动监听与工作协程，阻塞到 ctx 取消
func (g *Ingester) Run(ctx context.Context) error {
	if err := os.MkdirAll(g.spoolDir, 0755); err != nil {
		return fmt.Errorf("创建暂存目录失败: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听器失败: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(g.spoolDir); err != nil {
		return fmt.Errorf("监听暂存目录失败: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < g.workerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			g.worker(ctx, workerID)
		}(i)
	}

	logger.Info("ingest 启动",
		logger.String("spoolDir", g.spoolDir),
		logger.Int("workerCount", g.workerCount))

	// 先补扫一遍，处理进程重启前遗留的暂存文件
	g.scanExisting()

	for {
		select {
		case <-ctx.Done():
			close(g.tasks)
			wg.Wait()
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				close(g.tasks)
				wg.Wait()
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				g.enqueue(ev.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				close(g.tasks)
				wg.Wait()
				return nil
			}
			logger.Warn("文件监听错误", logger.ErrorField(err))
		}
	}
}

// scanExisting 补扫暂存目录
func (g *Ingester) scanExisting() {
	entries, err := os.ReadDir(g.spoolDir)
	if err != nil {
		logger.Warn("补扫暂存目录失败", logger.ErrorField(err))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		g.enqueue(filepath.Join(g.spoolDir, entry.Name()))
	}
}

// enqueue 解析并入队，同一文件只入队一次
func (g *Ingester) enqueue(path string) {
	task := parseSpoolName(path)
	if task == nil {
		logger.Warn("暂存文件名不符合约定，跳过", logger.String("path", path))
		return
	}
	if _, loaded := g.inflight.LoadOrStore(path, struct{}{}); loaded {
		return
	}

	select {
	case g.tasks <- task:
	default:
		// 任务缓冲写满，回退给补扫兜底
		g.inflight.Delete(path)
		logger.Warn("ingest 任务队列已满", logger.String("path", path))
	}
}

// worker 消费任务，上传完成后触发自动起播
func (g *Ingester) worker(ctx context.Context, workerID int) {
	for task := range g.tasks {
		if err := g.process(ctx, task); err != nil {
			logger.Error("暂存文件处理失败",
				logger.ErrorField(err),
				logger.Int("workerId", workerID),
				logger.String("path", task.Path))
		}
		g.inflight.Delete(task.Path)
	}
}

// process 等文件写稳 → 上传 → 清理暂存 → 自动起播
func (g *Ingester) process(ctx context.Context, task *Task) error {
	if err := waitStable(ctx, task.Path); err != nil {
		return err
	}

	track, err := g.tracks.GetTrackByID(task.TrackID)
	if err != nil {
		return fmt.Errorf("查询曲目失败: %w", err)
	}
	if track == nil || track.RoomID != task.RoomID {
		// 曲目已删除或路由对不上，丢弃暂存文件
		os.Remove(task.Path)
		return fmt.Errorf("曲目 %d 不存在或不属于房间 %s", task.TrackID, task.RoomID)
	}

	file, err := os.Open(task.Path)
	if err != nil {
		return fmt.Errorf("打开暂存文件失败: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("读取文件信息失败: %w", err)
	}

	err = g.store.Put(ctx, track.ObjectKey, file, info.Size(), contentTypeOf(task.Path))
	file.Close()
	if err != nil {
		return fmt.Errorf("上传到对象存储失败: %w", err)
	}

	if err := os.Remove(task.Path); err != nil {
		logger.Warn("清理暂存文件失败",
			logger.ErrorField(err),
			logger.String("path", task.Path))
	}

	logger.Info("曲目音频入库完成",
		logger.String("roomId", task.RoomID),
		logger.Int64("trackId", task.TrackID),
		logger.Int64("size", info.Size()))

	if g.starter != nil {
		if err := g.starter.AutoStart(ctx, task.RoomID, task.TrackID, task.UploaderID); err != nil {
			logger.Warn("自动起播失败",
				logger.ErrorField(err),
				logger.String("roomId", task.RoomID),
				logger.Int64("trackId", task.TrackID))
		}
	}

	return nil
}

// waitStable 轮询到文件大小连续两次不变，避免读到写了一半的文件
func waitStable(ctx context.Context, path string) error {
	var lastSize int64 = -1
	for i := 0; i < 50; i++ {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("等待文件就绪失败: %w", err)
		}
		if info.Size() == lastSize && info.Size() > 0 {
			return nil
		}
		lastSize = info.Size()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return fmt.Errorf("文件大小长时间不稳定: %s", path)
}

// contentTypeOf 按扩展名映射 MIME 类型
func contentTypeOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".wav":
		return "audio/wav"
	case ".ogg":
		return "audio/ogg"
	case ".m4a":
		return "audio/mp4"
	default:
		return "application/octet-stream"
	}
}
