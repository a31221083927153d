// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config 是 redemption 服务的完整配置树，对应 configs/redemption-service.yaml。
type Config struct {
	App        AppConfig        `yaml:"app"`
	Redemption RedemptionConfig `yaml:"redemption"`
	Fraud      FraudConfig      `yaml:"fraud"`
	Retry      RetryConfig      `yaml:"retry"`
	Token      TokenConfig      `yaml:"token"`
	Infra      InfraConfig      `yaml:"infra"`
	Services   ServicesConfig   `yaml:"services"`
}

type AppConfig struct {
	Name              string        `yaml:"name"`
	Port              int           `yaml:"port"`
	LogLevel          string        `yaml:"logLevel"`
	DefaultLanguage   string        `yaml:"defaultLanguage"`
	ProcessingTimeout time.Duration `yaml:"processingTimeout"`
}

type RedemptionConfig struct {
	RateLimit      RateLimitConfig `yaml:"rateLimit"`
	FraudTimeout   time.Duration   `yaml:"fraudTimeout"`
	RetryTTL       time.Duration   `yaml:"retryTTL"`
	StatsCacheTTL  time.Duration   `yaml:"statsCacheTTL"`
	InsertAttempts int             `yaml:"insertAttempts"`

	// MaxClockSkew 离线兑换时间最多可以超前服务器时间多少
	MaxClockSkew        time.Duration `yaml:"maxClockSkew"`
	ShortCodeClaimLease time.Duration `yaml:"shortCodeClaimLease"`
}

type RateLimitConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// FraudRuleConfig 是一条 CEL 欺诈规则。
type FraudRuleConfig struct {
	Name         string `yaml:"name"`
	Expression   string `yaml:"expression"`
	Weight       int    `yaml:"weight"`
	HighSeverity bool   `yaml:"highSeverity"`
}

type FraudConfig struct {
	ReviewThreshold     int               `yaml:"reviewThreshold"`
	VelocityWindow      time.Duration     `yaml:"velocityWindow"`
	VelocityLimit       int               `yaml:"velocityLimit"`
	MaxTravelSpeedKmh   float64           `yaml:"maxTravelSpeedKmh"`
	DeviceWindow        time.Duration     `yaml:"deviceWindow"`
	DeviceCustomerLimit int               `yaml:"deviceCustomerLimit"`
	ProviderBurstWindow time.Duration     `yaml:"providerBurstWindow"`
	ProviderBurstLimit  int               `yaml:"providerBurstLimit"`
	KnownBadDevices     []string          `yaml:"knownBadDevices"`
	Rules               []FraudRuleConfig `yaml:"rules"`
}

type RetryConfig struct {
	MaxAttempts     int           `yaml:"maxAttempts"`
	BaseBackoff     time.Duration `yaml:"baseBackoff"`
	MaxBackoff      time.Duration `yaml:"maxBackoff"`
	Lease           time.Duration `yaml:"lease"`
	BatchSize       int           `yaml:"batchSize"`
	DrainSchedule   string        `yaml:"drainSchedule"`
	DeadLetterTopic string        `yaml:"deadLetterTopic"`
	LockPath        string        `yaml:"lockPath"`
}

type TokenConfig struct {
	Issuer         string `yaml:"issuer"`
	PublicKeyPath  string `yaml:"publicKeyPath"`
	PrivateKeyPath string `yaml:"privateKeyPath"`
}

type InfraConfig struct {
	MySQL     MySQLConfig     `yaml:"mysql"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	Nacos     NacosConfig     `yaml:"nacos"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
}

type MySQLConfig struct {
	Addr     string `yaml:"addr"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type RedisConfig struct {
	Addrs string `yaml:"addrs"`
}

type KafkaConfig struct {
	Brokers string `yaml:"brokers"`
}

type JaegerConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type NacosConfig struct {
	Addrs     string `yaml:"addrs"`
	Namespace string `yaml:"namespace"`
	Group     string `yaml:"group"`
}

type ZookeeperConfig struct {
	Servers string        `yaml:"servers"`
	Timeout time.Duration `yaml:"timeout"`
}

// ServiceEndpoint 描述一个下游协作服务：优先通过 Nacos 用 Name 发现，否则使用 BaseURL。
type ServiceEndpoint struct {
	Name    string        `yaml:"name"`
	BaseURL string        `yaml:"baseURL"`
	Timeout time.Duration `yaml:"timeout"`
}

type ServicesConfig struct {
	Voucher  ServiceEndpoint `yaml:"voucher"`
	Provider ServiceEndpoint `yaml:"provider"`
}

var (
	currentConfig *Config
	configMu      sync.RWMutex
)

// Init 读取配置文件（CONFIG_PATH，默认 configs/redemption-service.yaml）并应用环境变量覆盖。
// 文件不存在时使用默认值启动。
func Init() *Config {
	cfg, err := Load(getEnv("CONFIG_PATH", "configs/redemption-service.yaml"))
	if err != nil {
		panic(err)
	}
	SetCurrentConfig(cfg)
	return cfg
}

// Load 解析指定路径的配置文件，缺失的字段填充默认值。
func Load(path string) (*Config, error) {
	cfg := &Config{}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	case os.IsNotExist(err):
	default:
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

// GetCurrentConfig 返回进程级配置；Init 之前调用会得到默认配置。
func GetCurrentConfig() *Config {
	configMu.RLock()
	cfg := currentConfig
	configMu.RUnlock()
	if cfg != nil {
		return cfg
	}
	cfg = &Config{}
	applyDefaults(cfg)
	return cfg
}

func SetCurrentConfig(cfg *Config) {
	configMu.Lock()
	currentConfig = cfg
	configMu.Unlock()
}

func applyEnv(cfg *Config) {
	cfg.Infra.MySQL.Addr = getEnv("MYSQL_ADDR", cfg.Infra.MySQL.Addr)
	cfg.Infra.MySQL.User = getEnv("MYSQL_USER", cfg.Infra.MySQL.User)
	cfg.Infra.MySQL.Password = getEnv("MYSQL_PASSWORD", cfg.Infra.MySQL.Password)
	cfg.Infra.MySQL.Database = getEnv("MYSQL_DATABASE", cfg.Infra.MySQL.Database)
	cfg.Infra.Redis.Addrs = getEnv("REDIS_ADDRS", cfg.Infra.Redis.Addrs)
	cfg.Infra.Kafka.Brokers = getEnv("KAFKA_BROKERS", cfg.Infra.Kafka.Brokers)
	cfg.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", cfg.Infra.Jaeger.Endpoint)
	cfg.Infra.Nacos.Addrs = getEnv("NACOS_SERVER_ADDRS", cfg.Infra.Nacos.Addrs)
	cfg.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", cfg.Infra.Nacos.Namespace)
	cfg.Infra.Nacos.Group = getEnv("NACOS_GROUP", cfg.Infra.Nacos.Group)
	cfg.Infra.Zookeeper.Servers = getEnv("ZOOKEEPER_SERVERS", cfg.Infra.Zookeeper.Servers)
	cfg.Token.PublicKeyPath = getEnv("TOKEN_PUBLIC_KEY_PATH", cfg.Token.PublicKeyPath)
	cfg.Token.PrivateKeyPath = getEnv("TOKEN_PRIVATE_KEY_PATH", cfg.Token.PrivateKeyPath)
	if port, err := strconv.Atoi(getEnv("SERVICE_PORT", "")); err == nil && port > 0 {
		cfg.App.Port = port
	}
}

func applyDefaults(cfg *Config) {
	setString(&cfg.App.Name, "redemption-service")
	setInt(&cfg.App.Port, 8090)
	setString(&cfg.App.LogLevel, "info")
	setString(&cfg.App.DefaultLanguage, "en")
	setDuration(&cfg.App.ProcessingTimeout, 10*time.Second)

	setInt(&cfg.Redemption.RateLimit.Limit, 30)
	setDuration(&cfg.Redemption.RateLimit.Window, time.Minute)
	setDuration(&cfg.Redemption.FraudTimeout, 300*time.Millisecond)
	setDuration(&cfg.Redemption.RetryTTL, 24*time.Hour)
	setDuration(&cfg.Redemption.StatsCacheTTL, 5*time.Minute)
	setInt(&cfg.Redemption.InsertAttempts, 3)
	setDuration(&cfg.Redemption.MaxClockSkew, 5*time.Minute)
	setDuration(&cfg.Redemption.ShortCodeClaimLease, 5*time.Minute)

	setInt(&cfg.Fraud.ReviewThreshold, 70)
	setDuration(&cfg.Fraud.VelocityWindow, time.Hour)
	setInt(&cfg.Fraud.VelocityLimit, 5)
	if cfg.Fraud.MaxTravelSpeedKmh <= 0 {
		cfg.Fraud.MaxTravelSpeedKmh = 900
	}
	setDuration(&cfg.Fraud.DeviceWindow, 24*time.Hour)
	setInt(&cfg.Fraud.DeviceCustomerLimit, 3)
	setDuration(&cfg.Fraud.ProviderBurstWindow, 5*time.Minute)
	setInt(&cfg.Fraud.ProviderBurstLimit, 50)

	setInt(&cfg.Retry.MaxAttempts, 5)
	setDuration(&cfg.Retry.BaseBackoff, 30*time.Second)
	setDuration(&cfg.Retry.MaxBackoff, 30*time.Minute)
	setDuration(&cfg.Retry.Lease, time.Minute)
	setInt(&cfg.Retry.BatchSize, 100)
	setString(&cfg.Retry.DrainSchedule, "@every 15s")
	setString(&cfg.Retry.DeadLetterTopic, "redemption-retry-dlt")
	setString(&cfg.Retry.LockPath, "retry-queue-drain")

	setString(&cfg.Token.Issuer, "voucher-platform")

	setString(&cfg.Infra.MySQL.Addr, "localhost:3306")
	setString(&cfg.Infra.MySQL.User, "root")
	setString(&cfg.Infra.MySQL.Database, "vouchers")
	setString(&cfg.Infra.Redis.Addrs, "localhost:6379")
	setString(&cfg.Infra.Nacos.Group, "DEFAULT_GROUP")
	setDuration(&cfg.Infra.Zookeeper.Timeout, 5*time.Second)

	setString(&cfg.Services.Voucher.Name, "voucher-service")
	setDuration(&cfg.Services.Voucher.Timeout, 2*time.Second)
	setString(&cfg.Services.Provider.Name, "provider-service")
	setDuration(&cfg.Services.Provider.Timeout, 2*time.Second)
}

// SplitList 把 "a,b,c" 形式的配置拆成去空白的切片。
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setString(dst *string, def string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst <= 0 {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst <= 0 {
		*dst = def
	}
}
