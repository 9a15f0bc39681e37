// internal/storage/fragment_cache.go
package storage

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// FragmentEntry 缓存中的一个上下文片段
type FragmentEntry struct {
	Value    interface{}
	StoredAt time.Time
}

// Age 条目已存在的时长
func (e *FragmentEntry) Age() time.Duration {
	return time.Since(e.StoredAt)
}

// FragmentCache 上下文片段缓存：LRU 容量上限 + 条目级TTL。
// 键形如 "storyID:fragmentKind[:discriminator]"，
// 按故事清理时用 "storyID:" 前缀匹配。
type FragmentCache struct {
	cache  *lru.Cache[string, *FragmentEntry]
	expiry time.Duration

	mu          sync.Mutex
	cleanupStop chan struct{}
	cleanupOnce sync.Once
}

// NewFragmentCache 创建片段缓存。
// size<=0 使用默认容量，expiry<=0 使用默认过期时间。
func NewFragmentCache(size int, expiry time.Duration) (*FragmentCache, error) {
	if size <= 0 {
		size = 512
	}
	if expiry <= 0 {
		expiry = 5 * time.Minute
	}

	cache, err := lru.New[string, *FragmentEntry](size)
	if err != nil {
		return nil, err
	}

	fc := &FragmentCache{
		cache:       cache,
		expiry:      expiry,
		cleanupStop: make(chan struct{}),
	}
	fc.startCleanup()

	return fc, nil
}

// CacheKey 拼接缓存键
func CacheKey(storyID, kind string, extras ...string) string {
	parts := append([]string{storyID, kind}, extras...)
	return strings.Join(parts, ":")
}

// Get 按键取条目。maxAge>0 时超龄条目视为未命中；
// maxAge==0 表示会话内任意年龄都可用（仍受缓存自身过期时间约束）。
func (fc *FragmentCache) Get(key string, maxAge time.Duration) (*FragmentEntry, bool) {
	entry, ok := fc.cache.Get(key)
	if !ok {
		return nil, false
	}

	age := entry.Age()
	if age > fc.expiry {
		fc.cache.Remove(key)
		return nil, false
	}
	if maxAge > 0 && age > maxAge {
		return nil, false
	}

	return entry, true
}

// Put 写入条目
func (fc *FragmentCache) Put(key string, value interface{}) {
	fc.cache.Add(key, &FragmentEntry{
		Value:    value,
		StoredAt: time.Now(),
	})
}

// Remove 移除单个条目
func (fc *FragmentCache) Remove(key string) {
	fc.cache.Remove(key)
}

// ClearAll 清空全部条目
func (fc *FragmentCache) ClearAll() {
	fc.cache.Purge()
}

// ClearPrefix 清除指定前缀的条目，返回清除数量
func (fc *FragmentCache) ClearPrefix(prefix string) int {
	removed := 0
	for _, key := range fc.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			fc.cache.Remove(key)
			removed++
		}
	}
	return removed
}

// Len 当前条目数
func (fc *FragmentCache) Len() int {
	return fc.cache.Len()
}

// startCleanup 周期性淘汰过期条目，LRU 只控制容量不管年龄
func (fc *FragmentCache) startCleanup() {
	go func() {
		ticker := time.NewTicker(2 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				fc.evictExpired()
			case <-fc.cleanupStop:
				return
			}
		}
	}()
}

func (fc *FragmentCache) evictExpired() {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	for _, key := range fc.cache.Keys() {
		if entry, ok := fc.cache.Peek(key); ok {
			if entry.Age() > fc.expiry {
				fc.cache.Remove(key)
			}
		}
	}
}

// Close 停止后台清理
func (fc *FragmentCache) Close() {
	fc.cleanupOnce.Do(func() {
		close(fc.cleanupStop)
	})
}
