// internal/storage/storage.go
package storage

import (
	"encoding/json"
	"fmt"
)

// ArtifactStore 按作用域目录保存流水线产物
// 读取不存在的产物时返回的错误满足 errors.Is(err, fs.ErrNotExist)
type ArtifactStore interface {
	SaveJSONFile(dirPath, filename string, data interface{}) error
	LoadJSONFile(dirPath, filename string, v interface{}) error
	SaveTextFile(dirPath, filename string, content []byte) error
	LoadTextFile(dirPath, filename string) ([]byte, error)
	FileExists(dirPath, filename string) bool
	DeleteFile(dirPath, filename string) error
	DeleteDir(dirPath string) error
	ListDirs(dirPath string) ([]string, error)

	// Location 返回产物的可读位置，写入 output_path
	Location(dirPath, filename string) string
}

// CacheCleaner 由定时任务调用的缓存清理
type CacheCleaner interface {
	CleanupCache() int
}

func marshalArtifact(data interface{}) ([]byte, error) {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("序列化JSON失败: %w", err)
	}
	return content, nil
}

func unmarshalArtifact(content []byte, v interface{}) error {
	if err := json.Unmarshal(content, v); err != nil {
		return fmt.Errorf("解析JSON失败: %w", err)
	}
	return nil
}
