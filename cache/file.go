package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tradingagents/lock"
	"tradingagents/logger"
)

const (
	metadataDir = "metadata"
	payloadExt  = ".json"
)

// fileIndex 旁路索引，描述 payload 的元数据
type fileIndex struct {
	Fingerprint   string    `json:"fingerprint"`
	Kind          Kind      `json:"kind"`
	Symbol        string    `json:"symbol"`
	Start         string    `json:"start,omitempty"`
	End           string    `json:"end,omitempty"`
	Source        string    `json:"source"`
	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
	TTLSeconds    float64   `json:"ttl"`
	SizeBytes     int       `json:"size_bytes"`
	Path          string    `json:"path"`
}

// FileBackend 基于目录树的缓存后端，始终可用
//
//	root/{kind}/{fp[0:2]}/{fp}.json        payload
//	root/metadata/{fp[0:2]}/{fp}.json      索引
type FileBackend struct {
	root  string
	locks *lock.KeyedLock
}

// NewFileBackend 创建文件后端
func NewFileBackend(root string) (*FileBackend, error) {
	if root == "" {
		return nil, fmt.Errorf("缓存目录不能为空")
	}
	if err := os.MkdirAll(filepath.Join(root, metadataDir), 0755); err != nil {
		return nil, fmt.Errorf("创建缓存目录失败: %w", err)
	}
	return &FileBackend{root: root, locks: lock.NewKeyedLock()}, nil
}

// Name 后端名称
func (f *FileBackend) Name() string { return BackendFile }

// Root 缓存根目录
func (f *FileBackend) Root() string { return f.root }

func shard(fp string) string {
	if len(fp) < 2 {
		return "00"
	}
	return fp[:2]
}

func (f *FileBackend) payloadPath(kind Kind, fp string) string {
	return filepath.Join(f.root, kind.Dir(), shard(fp), fp+payloadExt)
}

func (f *FileBackend) indexPath(fp string) string {
	return filepath.Join(f.root, metadataDir, shard(fp), fp+".json")
}

// Probe 写入并删除一个探测文件
func (f *FileBackend) Probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := os.MkdirAll(f.root, 0755); err != nil {
		return 0, err
	}
	probe := filepath.Join(f.root, ".probe")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		return 0, err
	}
	os.Remove(probe)
	return time.Since(start), nil
}

// Put 先写 payload 再写索引，两者都经临时文件原子替换
func (f *FileBackend) Put(ctx context.Context, entry *Entry) error {
	if err := f.locks.Lock(ctx, entry.Fingerprint, 0); err != nil {
		return err
	}
	defer f.locks.Unlock(ctx, entry.Fingerprint)

	path := f.payloadPath(entry.Kind, entry.Fingerprint)
	if err := atomicWrite(path, entry.Payload); err != nil {
		return fmt.Errorf("写入缓存数据失败: %w", err)
	}

	rel, _ := filepath.Rel(f.root, path)
	idx := fileIndex{
		Fingerprint:   entry.Fingerprint,
		Kind:          entry.Kind,
		Symbol:        entry.Symbol,
		Start:         entry.Start,
		End:           entry.End,
		Source:        entry.Source,
		SchemaVersion: entry.SchemaVersion,
		CreatedAt:     entry.CreatedAt,
		TTLSeconds:    entry.TTL.Seconds(),
		SizeBytes:     len(entry.Payload),
		Path:          filepath.ToSlash(rel),
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化缓存索引失败: %w", err)
	}
	if err := atomicWrite(f.indexPath(entry.Fingerprint), data); err != nil {
		return fmt.Errorf("写入缓存索引失败: %w", err)
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (f *FileBackend) readIndex(fp string) (*fileIndex, error) {
	data, err := os.ReadFile(f.indexPath(fp))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var idx fileIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("解析缓存索引失败: %w", err)
	}
	return &idx, nil
}

// Get 读取条目，读路径不加锁
func (f *FileBackend) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	idx, err := f.readIndex(fingerprint)
	if err != nil {
		return nil, err
	}
	payload, err := os.ReadFile(f.payloadPath(idx.Kind, fingerprint))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &Entry{
		Fingerprint:   idx.Fingerprint,
		Kind:          idx.Kind,
		Symbol:        idx.Symbol,
		Start:         idx.Start,
		End:           idx.End,
		Source:        idx.Source,
		SchemaVersion: idx.SchemaVersion,
		Payload:       payload,
		CreatedAt:     idx.CreatedAt,
		TTL:           time.Duration(idx.TTLSeconds * float64(time.Second)),
		SizeBytes:     len(payload),
	}, nil
}

// Exists 判断未过期的条目是否存在
func (f *FileBackend) Exists(ctx context.Context, fingerprint string) (bool, error) {
	return f.ExistsAt(ctx, fingerprint, time.Now())
}

// ExistsAt 读取索引，按 created_at + ttl 判断 now 时刻条目是否仍有效
func (f *FileBackend) ExistsAt(ctx context.Context, fingerprint string, now time.Time) (bool, error) {
	idx, err := f.readIndex(fingerprint)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if idx.TTLSeconds <= 0 {
		return true, nil
	}
	expires := idx.CreatedAt.Add(time.Duration(idx.TTLSeconds * float64(time.Second)))
	return now.Before(expires), nil
}

// Delete 删除索引与 payload
func (f *FileBackend) Delete(ctx context.Context, fingerprint string) error {
	if err := f.locks.Lock(ctx, fingerprint, 0); err != nil {
		return err
	}
	defer f.locks.Unlock(ctx, fingerprint)
	return f.deleteLocked(fingerprint)
}

func (f *FileBackend) deleteLocked(fingerprint string) error {
	idx, err := f.readIndex(fingerprint)
	if err != nil && !errors.Is(err, ErrNotFound) {
		// 索引损坏时仍删除索引文件
		logger.Warn("⚠️ 缓存索引损坏，直接删除: %s (%v)", fingerprint, err)
	}
	if idx != nil {
		if err := os.Remove(f.payloadPath(idx.Kind, fingerprint)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if err := os.Remove(f.indexPath(fingerprint)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (f *FileBackend) walkIndex(fn func(fp string) error) error {
	dir := filepath.Join(f.root, metadataDir)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		name := d.Name()
		if d.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".tmp-") {
			return nil
		}
		return fn(strings.TrimSuffix(name, ".json"))
	})
	return err
}

// Count 索引文件数量
func (f *FileBackend) Count(ctx context.Context) (int64, error) {
	var n int64
	err := f.walkIndex(func(string) error {
		n++
		return ctx.Err()
	})
	return n, err
}

// Cleanup 删除过期条目
func (f *FileBackend) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	var expired []string
	err := f.walkIndex(func(fp string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx, err := f.readIndex(fp)
		if err != nil {
			return nil
		}
		e := Entry{CreatedAt: idx.CreatedAt, TTL: time.Duration(idx.TTLSeconds * float64(time.Second))}
		if e.Expired(now) {
			expired = append(expired, fp)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var removed int64
	for _, fp := range expired {
		if err := f.Delete(ctx, fp); err != nil {
			logger.Warn("⚠️ 删除过期缓存失败 %s: %v", fp, err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Close 文件后端无需释放资源
func (f *FileBackend) Close() error { return nil }
