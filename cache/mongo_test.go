package cache

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

const mongoTestDB = "tradingagents"

// mongoDocResponse 把条目编码为 find 游标的首批结果
func mongoDocResponse(t *testing.T, e *Entry) bson.D {
	t.Helper()
	doc := mongoDoc{Entry: *e}
	if exp := e.ExpiresAt(); !exp.IsZero() {
		doc.ExpiresAt = &exp
	}
	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	var d bson.D
	require.NoError(t, bson.Unmarshal(raw, &d))
	return mtest.CreateCursorResponse(0, mongoTestDB+"."+e.Kind.Dir(), mtest.FirstBatch, d)
}

func emptyCursor(coll string) bson.D {
	return mtest.CreateCursorResponse(0, mongoTestDB+"."+coll, mtest.FirstBatch)
}

func startedCommands(mt *mtest.T, name string) []string {
	var out []string
	for _, evt := range mt.GetAllStartedEvents() {
		if evt.CommandName == name {
			out = append(out, evt.Command.String())
		}
	}
	return out
}

func TestMongoBackendMock(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("probe 建立 TTL 索引", func(mt *mtest.T) {
		mb := newMongoBackend(mt.Client, mongoTestDB)
		responses := []bson.D{mtest.CreateSuccessResponse()}
		for range mb.collections() {
			responses = append(responses, mtest.CreateSuccessResponse())
		}
		mt.AddMockResponses(responses...)

		_, err := mb.Probe(context.Background())
		require.NoError(mt, err)

		cmds := startedCommands(mt, "createIndexes")
		require.Len(mt, cmds, len(mb.collections()), "每个集合都应建立索引")
		assert.Contains(mt, cmds[0], "expires_at_ttl")
		assert.Contains(mt, cmds[0], "expireAfterSeconds")

		// 索引只建立一次
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		_, err = mb.Probe(context.Background())
		require.NoError(mt, err)
		assert.Len(mt, startedCommands(mt, "createIndexes"), len(mb.collections()))
	})

	mt.Run("写入读取与删除", func(mt *mtest.T) {
		ctx := context.Background()
		mb := newMongoBackend(mt.Client, mongoTestDB)
		e := newEntry(KindBars, "AAPL", "yfinance", `{"rows":[1,2]}`, time.Hour)
		e.CreatedAt = e.CreatedAt.Truncate(time.Millisecond)

		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))
		require.NoError(mt, mb.Put(ctx, e))
		updates := startedCommands(mt, "update")
		require.Len(mt, updates, 1)
		assert.Contains(mt, updates[0], "stock_data")
		assert.Contains(mt, updates[0], "expires_at", "有 TTL 的条目应写入 expires_at")

		mt.AddMockResponses(mongoDocResponse(mt.T, e))
		got, err := mb.Get(ctx, e.Fingerprint)
		require.NoError(mt, err)
		assert.Equal(mt, e.Payload, got.Payload)
		assert.Equal(mt, KindBars, got.Kind)
		assert.Equal(mt, time.Hour, got.TTL)
		assert.True(mt, e.CreatedAt.Equal(got.CreatedAt))

		mt.AddMockResponses(mtest.CreateCursorResponse(0, mongoTestDB+".stock_data", mtest.FirstBatch, bson.D{{Key: "n", Value: int32(1)}}))
		ok, err := mb.Exists(ctx, e.Fingerprint)
		require.NoError(mt, err)
		assert.True(mt, ok)

		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))
		require.NoError(mt, mb.Delete(ctx, e.Fingerprint))

		// 删除后不再知道所属集合，逐个集合查找
		var misses []bson.D
		for _, coll := range mb.collections() {
			misses = append(misses, emptyCursor(coll))
		}
		mt.AddMockResponses(misses...)
		_, err = mb.Get(ctx, e.Fingerprint)
		assert.ErrorIs(mt, err, ErrNotFound)
		assert.Len(mt, startedCommands(mt, "find"), 1+len(mb.collections()))
	})

	mt.Run("未知指纹遍历所有集合", func(mt *mtest.T) {
		ctx := context.Background()
		mb := newMongoBackend(mt.Client, mongoTestDB)
		e := newEntry(KindSentiment, "TSLA", "finnhub", `{"score":0.4}`, 0)
		e.CreatedAt = e.CreatedAt.Truncate(time.Millisecond)

		colls := mb.collections()
		require.Equal(mt, "sentiment_data", colls[len(colls)-1])
		var responses []bson.D
		for _, coll := range colls[:len(colls)-1] {
			responses = append(responses, emptyCursor(coll))
		}
		responses = append(responses, mongoDocResponse(mt.T, e))
		mt.AddMockResponses(responses...)

		got, err := mb.Get(ctx, e.Fingerprint)
		require.NoError(mt, err)
		assert.Equal(mt, KindSentiment, got.Kind)
		assert.True(mt, got.ExpiresAt().IsZero(), "TTL 为 0 的条目永不过期")

		// 命中后记住集合，只查询一次
		mt.AddMockResponses(mtest.CreateCursorResponse(0, mongoTestDB+".sentiment_data", mtest.FirstBatch, bson.D{{Key: "n", Value: int32(1)}}))
		ok, err := mb.Exists(ctx, e.Fingerprint)
		require.NoError(mt, err)
		assert.True(mt, ok)
	})

	mt.Run("统计所有集合", func(mt *mtest.T) {
		mb := newMongoBackend(mt.Client, mongoTestDB)
		var responses []bson.D
		for range mb.collections() {
			responses = append(responses, mtest.CreateSuccessResponse(bson.E{Key: "n", Value: int32(2)}))
		}
		mt.AddMockResponses(responses...)

		n, err := mb.Count(context.Background())
		require.NoError(mt, err)
		assert.EqualValues(mt, 2*len(mb.collections()), n)
	})

	mt.Run("以 mongodb 为主后端往返", func(mt *mtest.T) {
		ctx := context.Background()
		now := time.Now().Truncate(time.Millisecond)
		mb := newMongoBackend(mt.Client, mongoTestDB)

		// 启动探测：ping + 每个集合建索引
		probe := []bson.D{mtest.CreateSuccessResponse()}
		for range mb.collections() {
			probe = append(probe, mtest.CreateSuccessResponse())
		}
		mt.AddMockResponses(probe...)

		fb, err := NewFileBackend(mt.TempDir())
		require.NoError(mt, err)
		m := NewManager(ctx, fb, []Backend{mb}, Options{
			Preference:      []string{BackendMongoDB, BackendFile},
			FallbackEnabled: true,
			Now:             func() time.Time { return now },
		})
		require.Equal(mt, BackendMongoDB, m.Backend())

		payload := []byte(`{"title":"earnings"}`)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))
		fp, err := m.Save(ctx, KindNews, "AAPL", "", "10", "yfinance", payload, 6*time.Hour)
		require.NoError(mt, err)

		stored := &Entry{
			Fingerprint:   fp,
			Kind:          KindNews,
			Symbol:        "AAPL",
			End:           "10",
			Source:        "yfinance",
			SchemaVersion: 1,
			Payload:       payload,
			CreatedAt:     now,
			TTL:           6 * time.Hour,
			SizeBytes:     len(payload),
		}
		mt.AddMockResponses(mongoDocResponse(mt.T, stored))
		got, ok := m.Load(ctx, fp)
		require.True(mt, ok, "主后端为 mongodb 时应命中")
		assert.Equal(mt, payload, got)

		count, err := fb.Count(ctx)
		require.NoError(mt, err)
		assert.Zero(mt, count, "未开启镜像时不应写入文件后端")
	})
}

// 需要真实 MongoDB：设置 MONGODB_CONNECTION_STRING 后运行
func TestMongoBackendIntegration(t *testing.T) {
	uri := os.Getenv("MONGODB_CONNECTION_STRING")
	if uri == "" {
		t.Skip("未设置 MONGODB_CONNECTION_STRING，跳过 MongoDB 集成测试")
	}
	ctx := context.Background()
	db := "tradingagents_test_" + strings.ReplaceAll(time.Now().Format("150405.000"), ".", "")
	mb, err := NewMongoBackend(uri, db)
	require.NoError(t, err)
	defer func() {
		_ = mb.db.Drop(ctx)
		mb.Close()
	}()

	_, err = mb.Probe(ctx)
	require.NoError(t, err)

	e := newEntry(KindFundamentals, "600036", "tushare", `{"pe":6.2}`, time.Hour)
	e.CreatedAt = e.CreatedAt.Truncate(time.Millisecond)
	require.NoError(t, mb.Put(ctx, e))
	require.NoError(t, mb.Put(ctx, e), "重复写入应覆盖")

	fresh := newMongoBackend(mb.client, db)
	got, err := fresh.Get(ctx, e.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, e.Payload, got.Payload)

	ok, err := fresh.Exists(ctx, e.Fingerprint)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := mb.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	removed, err := mb.Cleanup(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	require.NoError(t, mb.Delete(ctx, e.Fingerprint))
	_, err = mb.Get(ctx, e.Fingerprint)
	assert.ErrorIs(t, err, ErrNotFound)
}
