package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoDoc MongoDB 中的文档结构，expires_at 上建 TTL 索引
type mongoDoc struct {
	Entry     `bson:",inline"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty"`
}

// MongoBackend 每种数据类型一个集合，文档以指纹为 _id
type MongoBackend struct {
	client *mongo.Client
	db     *mongo.Database

	indexMu    sync.Mutex
	indexReady bool

	kinds sync.Map // fingerprint -> Kind
}

// NewMongoBackend 创建 MongoDB 后端，连接在首次操作时建立
func NewMongoBackend(uri, database string) (*MongoBackend, error) {
	if uri == "" {
		return nil, fmt.Errorf("未配置 MongoDB 连接串")
	}
	if database == "" {
		database = "tradingagents"
	}
	opts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(3 * time.Second).
		SetConnectTimeout(3 * time.Second)
	client, err := mongo.Connect(context.Background(), opts)
	if err != nil {
		return nil, fmt.Errorf("创建 MongoDB 客户端失败: %w", err)
	}
	return newMongoBackend(client, database), nil
}

func newMongoBackend(client *mongo.Client, database string) *MongoBackend {
	return &MongoBackend{client: client, db: client.Database(database)}
}

// Name 后端名称
func (m *MongoBackend) Name() string { return BackendMongoDB }

func (m *MongoBackend) collections() []string {
	seen := make(map[string]bool)
	var names []string
	for _, k := range Kinds {
		if !seen[k.Dir()] {
			seen[k.Dir()] = true
			names = append(names, k.Dir())
		}
	}
	return names
}

// Probe PING 往返，首次成功时建立索引
func (m *MongoBackend) Probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := m.client.Ping(ctx, nil); err != nil {
		return 0, err
	}
	latency := time.Since(start)
	if err := m.ensureIndexes(ctx); err != nil {
		return latency, err
	}
	return latency, nil
}

func (m *MongoBackend) ensureIndexes(ctx context.Context) error {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	if m.indexReady {
		return nil
	}
	for _, name := range m.collections() {
		models := []mongo.IndexModel{
			{
				Keys:    bson.D{{Key: "expires_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(0).SetName("expires_at_ttl"),
			},
			{
				Keys: bson.D{{Key: "symbol", Value: 1}, {Key: "created_at", Value: -1}},
			},
		}
		if _, err := m.db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("创建索引失败 (%s): %w", name, err)
		}
	}
	m.indexReady = true
	return nil
}

// Put upsert 文档
func (m *MongoBackend) Put(ctx context.Context, entry *Entry) error {
	doc := mongoDoc{Entry: *entry}
	doc.SizeBytes = len(entry.Payload)
	if exp := entry.ExpiresAt(); !exp.IsZero() {
		doc.ExpiresAt = &exp
	}
	coll := m.db.Collection(entry.Kind.Dir())
	_, err := coll.ReplaceOne(ctx, bson.M{"_id": entry.Fingerprint}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb 写入失败: %w", err)
	}
	m.kinds.Store(entry.Fingerprint, entry.Kind)
	return nil
}

func (m *MongoBackend) candidateCollections(fp string) []string {
	if k, ok := m.kinds.Load(fp); ok {
		return []string{k.(Kind).Dir()}
	}
	return m.collections()
}

// Get 读取文档
func (m *MongoBackend) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	for _, name := range m.candidateCollections(fingerprint) {
		var doc mongoDoc
		err := m.db.Collection(name).FindOne(ctx, bson.M{"_id": fingerprint}).Decode(&doc)
		if err == nil {
			m.kinds.Store(fingerprint, doc.Kind)
			return &doc.Entry, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("mongodb 读取失败: %w", err)
		}
	}
	return nil, ErrNotFound
}

// Exists 判断未过期的文档是否存在
func (m *MongoBackend) Exists(ctx context.Context, fingerprint string) (bool, error) {
	return m.ExistsAt(ctx, fingerprint, time.Now())
}

// ExistsAt TTL 监视器存在延迟，按 expires_at 过滤掉 now 时刻已过期的文档
func (m *MongoBackend) ExistsAt(ctx context.Context, fingerprint string, now time.Time) (bool, error) {
	filter := bson.M{
		"_id": fingerprint,
		"$or": bson.A{
			bson.M{"expires_at": bson.M{"$exists": false}},
			bson.M{"expires_at": bson.M{"$gt": now}},
		},
	}
	for _, name := range m.candidateCollections(fingerprint) {
		n, err := m.db.Collection(name).CountDocuments(ctx, filter, options.Count().SetLimit(1))
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Delete 删除文档
func (m *MongoBackend) Delete(ctx context.Context, fingerprint string) error {
	for _, name := range m.candidateCollections(fingerprint) {
		if _, err := m.db.Collection(name).DeleteOne(ctx, bson.M{"_id": fingerprint}); err != nil {
			return err
		}
	}
	m.kinds.Delete(fingerprint)
	return nil
}

// Count 所有集合的文档总数
func (m *MongoBackend) Count(ctx context.Context) (int64, error) {
	var total int64
	for _, name := range m.collections() {
		n, err := m.db.Collection(name).EstimatedDocumentCount(ctx)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Cleanup 删除已过期文档（TTL 监视器每 60 秒运行一次，这里补齐间隙）
func (m *MongoBackend) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	var removed int64
	for _, name := range m.collections() {
		res, err := m.db.Collection(name).DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": now}})
		if err != nil {
			return removed, err
		}
		removed += res.DeletedCount
	}
	return removed, nil
}

// Close 断开连接
func (m *MongoBackend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
