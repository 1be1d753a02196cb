package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"PoF-Vault/internal/custody"
	"PoF-Vault/internal/events"
	"PoF-Vault/internal/ledger"
	"PoF-Vault/internal/signature"
	"PoF-Vault/pkg/logger"
)

// EnvPath 指定配置文件路径的环境变量。
const EnvPath = "POF_CONFIG"

// DefaultPath 是未设置 EnvPath 时使用的配置文件。
var DefaultPath = filepath.Join("configs", "pof.json")

// Config 描述了 PoF 金库在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Metrics   MetricsConfig   `json:"metrics"`
	Logging   logger.Config   `json:"logging"`
	Vault     VaultConfig     `json:"vault"`
	Storage   StorageConfig   `json:"storage"`
	Events    EventsConfig    `json:"events"`
	Custody   CustodyConfig   `json:"custody"`
	Auth      AuthConfig      `json:"auth"`
	Allowlist AllowlistConfig `json:"allowlist"`
	Alerting  AlertingConfig  `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address string `json:"address"`
}

// MetricsConfig 控制独立的 Prometheus 抓取端口，地址为空时不启动。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// VaultConfig 描述金库管理员与签名域。
type VaultConfig struct {
	Owner             string `json:"owner"`
	DomainName        string `json:"domain_name"`
	DomainVersion     string `json:"domain_version"`
	ChainID           int64  `json:"chain_id"`
	VerifyingContract string `json:"verifying_contract"`
}

// StorageConfig 选择账本后端。
type StorageConfig struct {
	Driver string              `json:"driver"`
	Pebble ledger.PebbleConfig `json:"pebble"`
	MySQL  ledger.MySQLConfig  `json:"mysql"`
}

// EventsConfig 选择事件发布方式以及后台投递参数。
type EventsConfig struct {
	Drivers               []string              `json:"drivers"`
	Workers               int                   `json:"workers"`
	Buffer                int                   `json:"buffer"`
	PublishTimeoutSeconds int                   `json:"publish_timeout_sec"`
	Redis                 events.RedisConfig    `json:"redis"`
	RabbitMQ              events.RabbitMQConfig `json:"rabbitmq"`
}

// CustodyConfig 选择托管实现。
type CustodyConfig struct {
	Driver string              `json:"driver"`
	ERC20  custody.ERC20Config `json:"erc20"`
}

// AuthConfig 描述 API 的身份认证方式。SecretEnv 优先于 Secret。
type AuthConfig struct {
	Mode               string   `json:"mode"`
	Secret             string   `json:"secret"`
	SecretEnv          string   `json:"secret_env"`
	Issuer             string   `json:"issuer"`
	Audience           []string `json:"audience"`
	AccessTTLSeconds   int64    `json:"access_ttl_sec"`
	LoginWindowSeconds int64    `json:"login_window_sec"`
}

// AllowlistConfig 指定名单种子文件（YAML）。
type AllowlistConfig struct {
	SeedPath string `json:"seed_path"`
}

// AlertingConfig 配置告警渠道。
type AlertingConfig struct {
	Log     bool              `json:"log"`
	Webhook string            `json:"webhook_url"`
	Headers map[string]string `json:"webhook_headers"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PathFromEnv 返回 EnvPath 指定的路径，未设置时返回 DefaultPath。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvPath)); path != "" {
		return path
	}
	return DefaultPath
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}

	if c.Vault.DomainName == "" {
		c.Vault.DomainName = "PoF-Vault"
	}
	if c.Vault.DomainVersion == "" {
		c.Vault.DomainVersion = "1"
	}
	if c.Vault.ChainID == 0 {
		c.Vault.ChainID = 1
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Driver == "pebble" {
		if c.Storage.Pebble.Path == "" {
			c.Storage.Pebble.Path = filepath.Join(baseDir, "data", "ledger")
		} else {
			c.Storage.Pebble.Path = resolve(baseDir, c.Storage.Pebble.Path)
		}
	}

	if len(c.Events.Drivers) == 0 {
		c.Events.Drivers = []string{"memory"}
	}
	if c.Events.Workers <= 0 {
		c.Events.Workers = 2
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 256
	}
	if c.Events.PublishTimeoutSeconds <= 0 {
		c.Events.PublishTimeoutSeconds = 5
	}
	if c.Events.Redis.List == "" {
		c.Events.Redis.List = "pof:events"
	}
	if c.Events.RabbitMQ.Queue == "" {
		c.Events.RabbitMQ.Queue = "pof.events"
	}

	if c.Custody.Driver == "" {
		c.Custody.Driver = "memory"
	}
	if c.Custody.ERC20.PrivateKeyEnv == "" {
		c.Custody.ERC20.PrivateKeyEnv = "POF_CUSTODY_KEY"
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "pof-vault"
	}
	if c.Auth.AccessTTLSeconds <= 0 {
		c.Auth.AccessTTLSeconds = 3600
	}
	if c.Auth.LoginWindowSeconds <= 0 {
		c.Auth.LoginWindowSeconds = 300
	}

	if c.Allowlist.SeedPath != "" {
		c.Allowlist.SeedPath = resolve(baseDir, c.Allowlist.SeedPath)
	}
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Validate 检查无法给出默认值的字段。
func (c *Config) Validate() error {
	if !common.IsHexAddress(c.Vault.Owner) {
		return fmt.Errorf("vault.owner 不是合法的地址: %q", c.Vault.Owner)
	}
	if !common.IsHexAddress(c.Vault.VerifyingContract) {
		return fmt.Errorf("vault.verifying_contract 不是合法的地址: %q", c.Vault.VerifyingContract)
	}
	switch c.Storage.Driver {
	case "memory", "pebble":
	case "mysql":
		if c.Storage.MySQL.DSN == "" {
			return errors.New("storage.mysql.dsn 不能为空")
		}
	default:
		return fmt.Errorf("不支持的存储驱动: %s", c.Storage.Driver)
	}
	for _, driver := range c.Events.Drivers {
		switch driver {
		case "memory", "redis", "rabbitmq":
		default:
			return fmt.Errorf("不支持的事件驱动: %s", driver)
		}
	}
	switch c.Custody.Driver {
	case "memory", "erc20":
	default:
		return fmt.Errorf("不支持的托管驱动: %s", c.Custody.Driver)
	}
	switch c.Auth.Mode {
	case "disabled", "jwt":
	default:
		return fmt.Errorf("不支持的认证模式: %s", c.Auth.Mode)
	}
	return nil
}

// OwnerAddress 返回金库管理员地址。
func (c *Config) OwnerAddress() common.Address {
	return common.HexToAddress(c.Vault.Owner)
}

// Domain 构造签名域。
func (c *Config) Domain() signature.Domain {
	return signature.Domain{
		Name:              c.Vault.DomainName,
		Version:           c.Vault.DomainVersion,
		ChainID:           big.NewInt(c.Vault.ChainID),
		VerifyingContract: common.HexToAddress(c.Vault.VerifyingContract),
	}
}

// JWTSecret 返回签发令牌的密钥，优先读取 SecretEnv 指定的环境变量。
func (a AuthConfig) JWTSecret() string {
	if a.SecretEnv != "" {
		if secret := os.Getenv(a.SecretEnv); secret != "" {
			return secret
		}
	}
	return a.Secret
}
