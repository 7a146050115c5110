// internal/storage/redis_storage.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c4fun/tell-stories-webui/internal/utils"
)

// RedisOptions Redis 存储连接参数
type RedisOptions struct {
	URL      string
	Password string
	DB       int
	Prefix   string
	Timeout  time.Duration
}

// RedisStorage 把产物保存为 Redis 字符串键，SET 本身即原子替换
type RedisStorage struct {
	rdb     *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedisStorage 解析 URL 并测试连接
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	opt, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("解析Redis地址失败: %w", err)
	}
	if opts.Password != "" {
		opt.Password = opts.Password
	}
	if opts.DB > 0 {
		opt.DB = opts.DB
	}

	storage := NewRedisStorageWithClient(redis.NewClient(opt), opts.Prefix)
	if opts.Timeout > 0 {
		storage.timeout = opts.Timeout
	}

	ctx, cancel := storage.ctx()
	defer cancel()
	if err := storage.rdb.Ping(ctx).Err(); err != nil {
		storage.rdb.Close()
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}

	utils.GetLogger().Info("Redis connected", map[string]interface{}{
		"addr":   opt.Addr,
		"prefix": storage.prefix,
	})
	return storage, nil
}

// NewRedisStorageWithClient 使用已有客户端
func NewRedisStorageWithClient(rdb *redis.Client, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = "tellstories"
	}
	return &RedisStorage{
		rdb:     rdb,
		prefix:  prefix,
		timeout: 5 * time.Second,
	}
}

func (s *RedisStorage) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *RedisStorage) key(dirPath, filename string) string {
	return s.prefix + ":" + path.Join(dirPath, filename)
}

// dirPattern 匹配目录下所有键，转义通配符
func (s *RedisStorage) dirPattern(dirPath string) string {
	replacer := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	base := s.prefix + ":"
	if clean := path.Clean(dirPath); clean != "." && clean != "/" {
		base += clean + "/"
	}
	return replacer.Replace(base) + "*"
}

// Location 返回 redis://前缀:路径
func (s *RedisStorage) Location(dirPath, filename string) string {
	return "redis://" + s.key(dirPath, filename)
}

func (s *RedisStorage) SaveTextFile(dirPath, filename string, content []byte) error {
	ctx, cancel := s.ctx()
	defer cancel()

	if err := s.rdb.Set(ctx, s.key(dirPath, filename), content, 0).Err(); err != nil {
		return fmt.Errorf("保存文件失败: %w", err)
	}
	return nil
}

func (s *RedisStorage) SaveJSONFile(dirPath, filename string, data interface{}) error {
	content, err := marshalArtifact(data)
	if err != nil {
		return err
	}
	return s.SaveTextFile(dirPath, filename, content)
}

func (s *RedisStorage) LoadTextFile(dirPath, filename string) ([]byte, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	key := s.key(dirPath, filename)
	content, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("读取文件失败: %s: %w", key, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}
	return content, nil
}

func (s *RedisStorage) LoadJSONFile(dirPath, filename string, v interface{}) error {
	content, err := s.LoadTextFile(dirPath, filename)
	if err != nil {
		return err
	}
	return unmarshalArtifact(content, v)
}

func (s *RedisStorage) FileExists(dirPath, filename string) bool {
	ctx, cancel := s.ctx()
	defer cancel()

	n, err := s.rdb.Exists(ctx, s.key(dirPath, filename)).Result()
	return err == nil && n > 0
}

func (s *RedisStorage) DeleteFile(dirPath, filename string) error {
	ctx, cancel := s.ctx()
	defer cancel()

	key := s.key(dirPath, filename)
	n, err := s.rdb.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("删除文件失败: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("文件不存在: %s: %w", key, fs.ErrNotExist)
	}
	return nil
}

// DeleteDir 删除目录前缀下的所有键
func (s *RedisStorage) DeleteDir(dirPath string) error {
	ctx, cancel := s.ctx()
	defer cancel()

	var deleted int64
	var cursor uint64
	pattern := s.dirPattern(dirPath)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("删除目录失败: %w", err)
		}
		if len(keys) > 0 {
			n, err := s.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return fmt.Errorf("删除目录失败: %w", err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if deleted == 0 {
		return fmt.Errorf("目录不存在: %s: %w", dirPath, fs.ErrNotExist)
	}
	return nil
}

// ListDirs 根据键的下一级路径推导子目录
func (s *RedisStorage) ListDirs(dirPath string) ([]string, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	base := s.prefix + ":"
	if clean := path.Clean(dirPath); clean != "." && clean != "/" {
		base += clean + "/"
	}

	seen := map[string]bool{}
	iter := s.rdb.Scan(ctx, 0, s.dirPattern(dirPath), 100).Iterator()
	for iter.Next(ctx) {
		rest := strings.TrimPrefix(iter.Val(), base)
		if dir, _, nested := strings.Cut(rest, "/"); nested && dir != "" {
			seen[dir] = true
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("读取目录失败: %w", err)
	}

	dirs := make([]string, 0, len(seen))
	for dir := range seen {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs, nil
}

// Ping 健康检查使用
func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close 关闭连接
func (s *RedisStorage) Close() error {
	return s.rdb.Close()
}
