// internal/services/voice_catalog.go
package services

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/c4fun/tell-stories-webui/internal/models"
	"github.com/c4fun/tell-stories-webui/internal/utils"
)

// 不发送给模型的字段
var hiddenVoiceFields = []string{"prompt_text", "prompt_wav"}

// VoiceCatalog 只读声优目录，来自各目录下的 */meta.json
type VoiceCatalog struct {
	dirs    []string
	mu      sync.RWMutex
	entries []models.VoiceActor
	loaded  bool
	logger  *utils.Logger
}

// NewVoiceCatalog 创建声优目录，首次访问时加载
func NewVoiceCatalog(dirs ...string) *VoiceCatalog {
	return &VoiceCatalog{
		dirs:   dirs,
		logger: utils.GetLogger(),
	}
}

// Entries 返回所有声优
func (c *VoiceCatalog) Entries() []models.VoiceActor {
	c.mu.RLock()
	if c.loaded {
		defer c.mu.RUnlock()
		return c.entries
	}
	c.mu.RUnlock()

	c.Reload()

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries
}

// Reload 重新扫描目录
func (c *VoiceCatalog) Reload() int {
	var entries []models.VoiceActor
	for _, dir := range c.dirs {
		entries = append(entries, c.loadDir(dir)...)
	}

	c.mu.Lock()
	c.entries = entries
	c.loaded = true
	c.mu.Unlock()

	c.logger.Info("声优目录已加载", map[string]interface{}{
		"dirs":  c.dirs,
		"count": len(entries),
	})
	return len(entries)
}

func (c *VoiceCatalog) loadDir(dir string) []models.VoiceActor {
	children, err := os.ReadDir(dir)
	if err != nil {
		c.logger.Warn("读取声优目录失败", map[string]interface{}{
			"dir":   dir,
			"error": err.Error(),
		})
		return nil
	}

	sort.Slice(children, func(i, j int) bool { return children[i].Name() < children[j].Name() })

	var entries []models.VoiceActor
	for _, child := range children {
		if !child.IsDir() {
			continue
		}
		metaPath := filepath.Join(dir, child.Name(), "meta.json")
		content, err := os.ReadFile(metaPath)
		if err != nil {
			c.logger.Warn("缺少 meta.json", map[string]interface{}{"dir": filepath.Join(dir, child.Name())})
			continue
		}

		var attrs map[string]interface{}
		if err := json.Unmarshal(content, &attrs); err != nil {
			c.logger.Error("解析 meta.json 失败", map[string]interface{}{
				"path":  metaPath,
				"error": err.Error(),
			})
			continue
		}
		for _, field := range hiddenVoiceFields {
			delete(attrs, field)
		}

		name, _ := attrs["name"].(string)
		if name == "" {
			name = child.Name()
		}
		delete(attrs, "name")
		entries = append(entries, models.VoiceActor{Name: name, Attributes: attrs})
	}
	return entries
}
