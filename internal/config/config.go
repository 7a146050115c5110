// internal/config/config.go
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 当前配置的单例实例
var (
	currentConfig *Config
	configMutex   sync.RWMutex
)

// ProviderConfig 单个模型后端的连接配置
type ProviderConfig struct {
	APIKey  string `json:"-"`
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model,omitempty"`
}

// Config 存储应用配置
type Config struct {
	// 基础配置
	Host      string `json:"host"`
	Port      string `json:"port"`
	DataDir   string `json:"data_dir"`
	LogDir    string `json:"log_dir"`
	DebugMode bool   `json:"debug_mode"`

	// 日志
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	LogOutput string `json:"log_output"`

	// 存储
	StorageBackend string `json:"storage_backend"` // file / redis
	RedisURL       string `json:"redis_url,omitempty"`
	RedisPassword  string `json:"-"`
	RedisDB        int    `json:"redis_db"`
	RedisPrefix    string `json:"redis_prefix"`

	// 模型网关
	PrimaryModel   string                    `json:"primary_model"`
	FallbackOrder  []string                  `json:"fallback_order"`
	LLMMaxAttempts int                       `json:"llm_max_attempts"`
	LLMRetryDelay  time.Duration             `json:"llm_retry_delay"`
	Providers      map[string]ProviderConfig `json:"providers"`

	// 剧本流水线
	Workers           int `json:"workers"`
	SplitBatchSize    int `json:"split_batch_size"`
	SplitTargetLength int `json:"split_target_length"`
	SplitMaxDeclines  int `json:"split_max_declines"`
	PartTokenBudget   int `json:"part_token_budget"`

	// 声优目录
	VADirs []string `json:"va_dirs"`

	ProgressRetention time.Duration `json:"progress_retention"`
}

// Addr 返回监听地址
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// Provider 返回指定后端的配置，不存在时返回零值
func (c *Config) Provider(name string) ProviderConfig {
	if c.Providers == nil {
		return ProviderConfig{}
	}
	return c.Providers[name]
}

// ProviderSettings 转为 llm.BuildBackends 使用的键值配置
func (c *Config) ProviderSettings() map[string]map[string]string {
	settings := make(map[string]map[string]string, len(c.Providers))
	for name, provider := range c.Providers {
		entry := map[string]string{}
		if provider.APIKey != "" {
			entry["api_key"] = provider.APIKey
		}
		if provider.BaseURL != "" {
			entry["base_url"] = provider.BaseURL
		}
		if provider.Model != "" {
			entry["default_model"] = provider.Model
		}
		settings[name] = entry
	}
	return settings
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("tellstoriesai_host", "0.0.0.0")
	v.SetDefault("tellstoriesai_port", "8080")
	v.SetDefault("data_dir", "data")
	v.SetDefault("log_dir", "logs")
	v.SetDefault("debug_mode", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("log_output", "stdout")

	v.SetDefault("storage_backend", "file")
	v.SetDefault("redis_url", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_prefix", "tellstories")

	v.SetDefault("primary_model", "deepseek")
	v.SetDefault("model_fallback_order", "deepseek,openrouter,qwen")
	v.SetDefault("llm_max_attempts", 3)
	v.SetDefault("llm_retry_delay", "1s")

	v.SetDefault("deepseek_api_key", "")
	v.SetDefault("deepseek_base_url", "https://api.deepseek.com/v1")
	v.SetDefault("deepseek_model", "deepseek-chat")
	v.SetDefault("dashscope_api_key", "")
	v.SetDefault("dashscope_base_url", "https://dashscope.aliyuncs.com/compatible-mode/v1")
	v.SetDefault("qwen_model", "qwen-max")
	v.SetDefault("openrouter_api_key", "")
	v.SetDefault("openrouter_base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("openrouter_model", "deepseek/deepseek-chat")
	v.SetDefault("gemini_api_key", "")
	v.SetDefault("gemini_model", "gemini-1.5-flash")

	v.SetDefault("script_workers", 16)
	v.SetDefault("split_batch_size", 40)
	v.SetDefault("split_target_length", 60)
	v.SetDefault("split_max_declines", 3)
	v.SetDefault("part_token_budget", 3000)
	v.SetDefault("va_dir", filepath.Join("data", "va"))
	v.SetDefault("progress_retention", "1h")

	// 环境变量与键同名（大写），例如 DEEPSEEK_API_KEY
	v.AutomaticEnv()
	return v
}

// Load 从 .env、可选的 tellstories.yaml 和环境变量加载配置
func Load(searchDirs ...string) (*Config, error) {
	// 尝试加载.env文件（可选）
	godotenv.Load()

	v := newViper()
	v.SetConfigName("tellstories")
	v.SetConfigType("yaml")
	for _, dir := range searchDirs {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	} else {
		log.Printf("已加载配置文件: %s", v.ConfigFileUsed())
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Host:      v.GetString("tellstoriesai_host"),
		Port:      v.GetString("tellstoriesai_port"),
		DataDir:   v.GetString("data_dir"),
		LogDir:    v.GetString("log_dir"),
		DebugMode: v.GetBool("debug_mode"),

		LogLevel:  v.GetString("log_level"),
		LogFormat: v.GetString("log_format"),
		LogOutput: v.GetString("log_output"),

		StorageBackend: strings.ToLower(v.GetString("storage_backend")),
		RedisURL:       v.GetString("redis_url"),
		RedisPassword:  v.GetString("redis_password"),
		RedisDB:        v.GetInt("redis_db"),
		RedisPrefix:    v.GetString("redis_prefix"),

		PrimaryModel:   strings.ToLower(strings.TrimSpace(v.GetString("primary_model"))),
		FallbackOrder:  splitList(v.GetString("model_fallback_order")),
		LLMMaxAttempts: v.GetInt("llm_max_attempts"),
		LLMRetryDelay:  v.GetDuration("llm_retry_delay"),
		Providers: map[string]ProviderConfig{
			"deepseek": {
				APIKey:  v.GetString("deepseek_api_key"),
				BaseURL: v.GetString("deepseek_base_url"),
				Model:   v.GetString("deepseek_model"),
			},
			"qwen": {
				APIKey:  v.GetString("dashscope_api_key"),
				BaseURL: v.GetString("dashscope_base_url"),
				Model:   v.GetString("qwen_model"),
			},
			"openrouter": {
				APIKey:  v.GetString("openrouter_api_key"),
				BaseURL: v.GetString("openrouter_base_url"),
				Model:   v.GetString("openrouter_model"),
			},
			"gemini": {
				APIKey: v.GetString("gemini_api_key"),
				Model:  v.GetString("gemini_model"),
			},
		},

		Workers:           v.GetInt("script_workers"),
		SplitBatchSize:    v.GetInt("split_batch_size"),
		SplitTargetLength: v.GetInt("split_target_length"),
		SplitMaxDeclines:  v.GetInt("split_max_declines"),
		PartTokenBudget:   v.GetInt("part_token_budget"),

		VADirs:            append([]string{v.GetString("va_dir")}, vaFolders()...),
		ProgressRetention: v.GetDuration("progress_retention"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置取值
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case "file":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("STORAGE_BACKEND=redis 时必须设置 REDIS_URL")
		}
	default:
		return fmt.Errorf("不支持的存储后端: %s", c.StorageBackend)
	}

	if c.PrimaryModel == "" {
		return fmt.Errorf("PRIMARY_MODEL 不能为空")
	}
	if c.LLMMaxAttempts < 1 {
		return fmt.Errorf("LLM_MAX_ATTEMPTS 必须大于0")
	}
	if c.Workers < 1 {
		return fmt.Errorf("SCRIPT_WORKERS 必须大于0")
	}
	if c.SplitBatchSize < 1 || c.SplitTargetLength < c.SplitBatchSize {
		return fmt.Errorf("分段参数无效: batch=%d target=%d", c.SplitBatchSize, c.SplitTargetLength)
	}
	if c.SplitMaxDeclines < 1 {
		return fmt.Errorf("SPLIT_MAX_DECLINES 必须大于0")
	}
	if c.PartTokenBudget < 1 {
		return fmt.Errorf("PART_TOKEN_BUDGET 必须大于0")
	}
	return nil
}

// splitList 解析逗号分隔的列表，去掉空项
func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}

// vaFolders 收集 VA_FOLDER_* 环境变量指向的目录，按变量名排序
func vaFolders() []string {
	found := map[string]string{}
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "VA_FOLDER_") || value == "" {
			continue
		}
		found[key] = value
	}

	keys := make([]string, 0, len(found))
	for key := range found {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	dirs := make([]string, 0, len(keys))
	for _, key := range keys {
		dirs = append(dirs, found[key])
	}
	return dirs
}

// ensureDir 确保目录存在
func ensureDir(path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			fmt.Printf("警告: 创建目录失败 %s: %v\n", path, err)
		}
	}
}

// InitConfig 初始化配置管理器
func InitConfig(dataDir string) error {
	cfg, err := Load(dataDir)
	if err != nil {
		return err
	}

	ensureDir(cfg.DataDir)
	ensureDir(cfg.LogDir)

	configMutex.Lock()
	defer configMutex.Unlock()
	currentConfig = cfg
	return nil
}

// GetCurrentConfig 返回当前配置的副本
func GetCurrentConfig() *Config {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		// 紧急情况，返回默认配置
		cfg, err := fromViper(newViper())
		if err != nil {
			log.Printf("警告: 默认配置无效: %v", err)
			return &Config{}
		}
		return cfg
	}

	configCopy := *currentConfig
	configCopy.FallbackOrder = append([]string(nil), currentConfig.FallbackOrder...)
	configCopy.VADirs = append([]string(nil), currentConfig.VADirs...)
	configCopy.Providers = make(map[string]ProviderConfig, len(currentConfig.Providers))
	for name, provider := range currentConfig.Providers {
		configCopy.Providers[name] = provider
	}
	return &configCopy
}

// SetCurrentConfig 替换当前配置（命令行工具和测试使用）
func SetCurrentConfig(cfg *Config) {
	configMutex.Lock()
	defer configMutex.Unlock()
	currentConfig = cfg
}
