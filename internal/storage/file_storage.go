// internal/storage/file_storage.go
package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c4fun/tell-stories-webui/internal/utils"
)

// FileStorage 提供文件存储服务
type FileStorage struct {
	BaseDir string

	// 并发控制
	fileLocks sync.Map // 文件级别锁 path -> *sync.RWMutex

	// 简单缓存
	cache        map[string]*CacheEntry
	cacheMutex   sync.RWMutex
	cacheExpiry  time.Duration
	maxCacheSize int
}

// CacheEntry 缓存条目
type CacheEntry struct {
	Data      []byte
	Timestamp time.Time
}

// NewFileStorage 创建文件存储服务，缓存清理由调度器调用 CleanupCache
func NewFileStorage(baseDir string) (*FileStorage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}

	return &FileStorage{
		BaseDir:      baseDir,
		cache:        make(map[string]*CacheEntry),
		cacheExpiry:  5 * time.Minute,
		maxCacheSize: 100,
	}, nil
}

// 获取文件锁
func (s *FileStorage) getFileLock(fullPath string) *sync.RWMutex {
	value, _ := s.fileLocks.LoadOrStore(fullPath, &sync.RWMutex{})
	return value.(*sync.RWMutex)
}

// Location 返回产物的完整路径
func (s *FileStorage) Location(dirPath, filename string) string {
	return filepath.Join(s.BaseDir, dirPath, filename)
}

// SaveTextFile 原子写入：先写临时文件再重命名
func (s *FileStorage) SaveTextFile(dirPath, filename string, content []byte) error {
	fullDirPath := filepath.Join(s.BaseDir, dirPath)
	fullPath := filepath.Join(fullDirPath, filename)

	lock := s.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(fullDirPath, 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	tempFile, err := os.CreateTemp(fullDirPath, filename+".*.tmp")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tempPath := tempFile.Name()

	if _, err := tempFile.Write(content); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return fmt.Errorf("保存临时文件失败: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("保存临时文件失败: %w", err)
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		if removeErr := os.Remove(tempPath); removeErr != nil {
			utils.GetLogger().Warn("清理临时文件失败", map[string]interface{}{
				"path":  tempPath,
				"error": removeErr.Error(),
			})
		}
		return fmt.Errorf("保存文件失败: %w", err)
	}

	s.invalidateCache(fullPath)
	return nil
}

// SaveJSONFile 保存JSON文件
func (s *FileStorage) SaveJSONFile(dirPath, filename string, data interface{}) error {
	content, err := marshalArtifact(data)
	if err != nil {
		return err
	}
	return s.SaveTextFile(dirPath, filename, content)
}

// LoadTextFile 读取文本文件，命中缓存时不访问磁盘
func (s *FileStorage) LoadTextFile(dirPath, filename string) ([]byte, error) {
	fullPath := filepath.Join(s.BaseDir, dirPath, filename)

	if data, ok := s.cached(fullPath); ok {
		return data, nil
	}

	lock := s.getFileLock(fullPath)
	lock.RLock()
	defer lock.RUnlock()

	// 双重检查缓存
	if data, ok := s.cached(fullPath); ok {
		return data, nil
	}

	content, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}

	s.updateCache(fullPath, content)
	return content, nil
}

// LoadJSONFile 读取并解析JSON文件
func (s *FileStorage) LoadJSONFile(dirPath, filename string, v interface{}) error {
	content, err := s.LoadTextFile(dirPath, filename)
	if err != nil {
		return err
	}
	return unmarshalArtifact(content, v)
}

// FileExists 检查文件是否存在
func (s *FileStorage) FileExists(dirPath, filename string) bool {
	info, err := os.Stat(filepath.Join(s.BaseDir, dirPath, filename))
	return err == nil && !info.IsDir()
}

// DeleteFile 删除文件
func (s *FileStorage) DeleteFile(dirPath, filename string) error {
	fullPath := filepath.Join(s.BaseDir, dirPath, filename)

	lock := s.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("文件不存在: %s: %w", fullPath, fs.ErrNotExist)
		}
		return fmt.Errorf("删除文件失败: %w", err)
	}

	s.invalidateCache(fullPath)
	return nil
}

// DeleteDir 删除目录及其内容
func (s *FileStorage) DeleteDir(dirPath string) error {
	fullPath := filepath.Join(s.BaseDir, dirPath)

	lock := s.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return fmt.Errorf("目录不存在: %s: %w", fullPath, fs.ErrNotExist)
	}

	if err := os.RemoveAll(fullPath); err != nil {
		return fmt.Errorf("删除目录失败: %w", err)
	}

	s.removeCacheEntriesWithPrefix(fullPath + string(filepath.Separator))
	return nil
}

// ListDirs 列出目录下的所有子目录，目录不存在时返回空列表
func (s *FileStorage) ListDirs(dirPath string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.BaseDir, dirPath))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("读取目录失败: %w", err)
	}

	dirs := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

func (s *FileStorage) cached(path string) ([]byte, bool) {
	s.cacheMutex.RLock()
	defer s.cacheMutex.RUnlock()

	entry, exists := s.cache[path]
	if !exists || time.Since(entry.Timestamp) >= s.cacheExpiry {
		return nil, false
	}
	return entry.Data, true
}

func (s *FileStorage) updateCache(path string, data []byte) {
	s.cacheMutex.Lock()
	defer s.cacheMutex.Unlock()

	s.cache[path] = &CacheEntry{
		Data:      data,
		Timestamp: time.Now(),
	}
	if len(s.cache) > s.maxCacheSize {
		s.evictOldestLocked(len(s.cache) - s.maxCacheSize)
	}
}

// CleanupCache 清理过期缓存并执行容量上限，返回移除的条目数
func (s *FileStorage) CleanupCache() int {
	s.cacheMutex.Lock()
	defer s.cacheMutex.Unlock()

	removed := 0
	now := time.Now()
	for path, entry := range s.cache {
		if now.Sub(entry.Timestamp) > s.cacheExpiry {
			delete(s.cache, path)
			removed++
		}
	}

	if excess := len(s.cache) - s.maxCacheSize; excess > 0 {
		removed += s.evictOldestLocked(excess)
	}
	return removed
}

// evictOldestLocked 删除最旧的 n 个条目，调用方持有写锁
func (s *FileStorage) evictOldestLocked(n int) int {
	type keyed struct {
		key       string
		timestamp time.Time
	}

	entries := make([]keyed, 0, len(s.cache))
	for key, entry := range s.cache {
		entries = append(entries, keyed{key: key, timestamp: entry.Timestamp})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].timestamp.Before(entries[j].timestamp)
	})

	if n > len(entries) {
		n = len(entries)
	}
	for i := 0; i < n; i++ {
		delete(s.cache, entries[i].key)
	}
	return n
}

// removeCacheEntriesWithPrefix 移除指定前缀的缓存条目
func (s *FileStorage) removeCacheEntriesWithPrefix(prefix string) {
	s.cacheMutex.Lock()
	defer s.cacheMutex.Unlock()

	for key := range s.cache {
		if strings.HasPrefix(key, prefix) {
			delete(s.cache, key)
		}
	}
}

// invalidateCache 清除指定路径的缓存
func (s *FileStorage) invalidateCache(path string) {
	s.cacheMutex.Lock()
	defer s.cacheMutex.Unlock()

	delete(s.cache, path)
}
