package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tradingagents/logger"
)

const defaultStatePrefix = "tradingagents:session:"

// ErrStateNotFound 会话状态不存在或已过期
var ErrStateNotFound = errors.New("session state not found")

// NewSessionID 生成会话 ID
func NewSessionID() string {
	return uuid.NewString()
}

// AnalysisState 一次分析任务的会话状态
type AnalysisState struct {
	SessionID   string                 `json:"session_id"`
	AnalysisID  string                 `json:"analysis_id"`
	Status      string                 `json:"status"`
	StockSymbol string                 `json:"stock_symbol"`
	MarketType  string                 `json:"market_type"`
	FormConfig  map[string]interface{} `json:"form_config,omitempty"`
	Timestamp   Timestamp              `json:"timestamp"`
	LastUpdate  Timestamp              `json:"last_update"`
}

// StateStore 会话状态存储：优先 Redis，不可用时写入 {dir}/{id}.json
type StateStore struct {
	client *redis.Client
	dir    string
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

// NewStateStore 创建会话状态存储，client 为 nil 时只使用文件
func NewStateStore(client *redis.Client, dir string, ttl time.Duration, opts ...Option) (*StateStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建会话目录失败: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	o := buildOptions(opts)
	return &StateStore{client: client, dir: dir, ttl: ttl, prefix: defaultStatePrefix, now: o.now}, nil
}

// Backend 首选后端名称
func (s *StateStore) Backend() string {
	if s.client != nil {
		return "redis"
	}
	return "file"
}

func (s *StateStore) key(id string) string { return s.prefix + id }

func (s *StateStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save 保存会话状态，SessionID 为空时自动生成
func (s *StateStore) Save(ctx context.Context, st *AnalysisState) error {
	if st.SessionID == "" {
		st.SessionID = NewSessionID()
	}
	if st.AnalysisID == "" {
		st.AnalysisID = uuid.NewString()
	}
	now := FromTime(s.now())
	if st.Timestamp == 0 {
		st.Timestamp = now
	}
	st.LastUpdate = now

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("序列化会话状态失败: %w", err)
	}
	if s.client != nil {
		err := s.client.Set(ctx, s.key(st.SessionID), data, s.ttl).Err()
		if err == nil {
			return nil
		}
		logger.Warn("⚠️ Redis 保存会话状态失败，改用文件: %v", err)
	}
	if err := s.writeFile(st.SessionID, data); err != nil {
		return fmt.Errorf("保存会话状态失败: %w", err)
	}
	return nil
}

func (s *StateStore) writeFile(id string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path(id))
}

// Load 读取会话状态，Redis 未命中或出错时再查文件
func (s *StateStore) Load(ctx context.Context, id string) (*AnalysisState, error) {
	if s.client != nil {
		data, err := s.client.Get(ctx, s.key(id)).Bytes()
		switch {
		case err == nil:
			var st AnalysisState
			if err := json.Unmarshal(data, &st); err != nil {
				return nil, fmt.Errorf("解析会话状态失败: %w", err)
			}
			return &st, nil
		case !errors.Is(err, redis.Nil):
			logger.Warn("⚠️ Redis 读取会话状态失败，尝试文件: %v", err)
		}
	}
	return s.loadFile(id)
}

func (s *StateStore) loadFile(id string) (*AnalysisState, error) {
	path := s.path(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrStateNotFound
		}
		return nil, err
	}
	var st AnalysisState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("解析会话状态失败: %w", err)
	}
	if s.now().Sub(st.LastUpdate.Time()) >= s.ttl {
		os.Remove(path)
		return nil, ErrStateNotFound
	}
	return &st, nil
}

// Clear 删除会话状态
func (s *StateStore) Clear(ctx context.Context, id string) error {
	if s.client != nil {
		if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
			logger.Warn("⚠️ Redis 删除会话状态失败: %v", err)
		}
	}
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("删除会话文件失败: %w", err)
	}
	return nil
}
