package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// CADListener 单个CAD入站监听端口
// 厂商CAD系统按租户分别投递，一个监听地址对应一个租户
type CADListener struct {
	Addr     string
	TenantID string
}

// Config runsheet服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig

	HTTP struct {
		Addr string
	}

	// CAD 监听器配置
	CAD struct {
		Listeners     []CADListener
		MaxReportSize int64         // 单个报文最大字节数
		ReadTimeout   time.Duration // 入站连接读取超时
		MailboxDir    string        // 备份中转信箱目录（按租户分子目录）
	}

	// 广播Hub配置
	Hub struct {
		PingInterval time.Duration // 服务端心跳间隔
		PongWait     time.Duration // 心跳应答宽限时间
		SendBuffer   int           // 每连接发送缓冲区大小
	}

	// 认证配置
	Auth struct {
		JWTSecret       string
		AccessTTL       time.Duration // 访问令牌有效期
		RefreshTTL      time.Duration // 刷新令牌有效期
		RevocationEvery time.Duration // 紧急吊销缓存刷新间隔
		InternalCIDRs   []string      // 允许使用租户覆盖头的内网网段
		CookieDomain    string
		CookieSecure    bool
	}

	// 备份中转服务配置
	Relay struct {
		MailboxDir   string
		RemoteAddr   string        // 远端镜像 host:port
		PollInterval time.Duration // 信箱轮询间隔
		QuiesceAge   time.Duration // 文件静默期（防止转发写入中的文件）
		DialTimeout  time.Duration
		WriteTimeout time.Duration
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "runsheet")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	// CAD_LISTENERS 格式: "addr=tenant_id,addr=tenant_id"
	// 例如: ":9100=550e8400-e29b-41d4-a716-446655440000"
	listeners, err := parseListeners(getEnv("CAD_LISTENERS", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid CAD_LISTENERS: %w", err)
	}
	cfg.CAD.Listeners = listeners
	cfg.CAD.MaxReportSize = int64(getEnvInt("CAD_MAX_REPORT_SIZE", 1<<20))
	cfg.CAD.ReadTimeout = getEnvDuration("CAD_READ_TIMEOUT", 30*time.Second)
	cfg.CAD.MailboxDir = getEnv("CAD_MAILBOX_DIR", "/var/lib/runsheet/mailbox")

	cfg.Hub.PingInterval = getEnvDuration("HUB_PING_INTERVAL", 25*time.Second)
	cfg.Hub.PongWait = getEnvDuration("HUB_PONG_WAIT", 60*time.Second)
	cfg.Hub.SendBuffer = getEnvInt("HUB_SEND_BUFFER", 32)

	cfg.Auth.JWTSecret = getEnv("AUTH_JWT_SECRET", "")
	cfg.Auth.AccessTTL = getEnvDuration("AUTH_ACCESS_TTL", 15*time.Minute)
	cfg.Auth.RefreshTTL = getEnvDuration("AUTH_REFRESH_TTL", 30*24*time.Hour)
	cfg.Auth.RevocationEvery = getEnvDuration("AUTH_REVOCATION_REFRESH", 30*time.Second)
	if cidrs := getEnv("AUTH_INTERNAL_CIDRS", "10.0.0.0/8,127.0.0.1/32"); cidrs != "" {
		cfg.Auth.InternalCIDRs = strings.Split(cidrs, ",")
	}
	cfg.Auth.CookieDomain = getEnv("AUTH_COOKIE_DOMAIN", "")
	cfg.Auth.CookieSecure = getEnv("AUTH_COOKIE_SECURE", "true") == "true"

	cfg.Relay.MailboxDir = getEnv("RELAY_MAILBOX_DIR", cfg.CAD.MailboxDir)
	cfg.Relay.RemoteAddr = getEnv("RELAY_REMOTE_ADDR", "")
	cfg.Relay.PollInterval = getEnvDuration("RELAY_POLL_INTERVAL", 2*time.Second)
	cfg.Relay.QuiesceAge = getEnvDuration("RELAY_QUIESCE_AGE", 3*time.Second)
	cfg.Relay.DialTimeout = getEnvDuration("RELAY_DIAL_TIMEOUT", 5*time.Second)
	cfg.Relay.WriteTimeout = getEnvDuration("RELAY_WRITE_TIMEOUT", 10*time.Second)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

// parseListeners 解析 CAD_LISTENERS 环境变量
func parseListeners(raw string) ([]CADListener, error) {
	if raw == "" {
		return nil, nil
	}
	var out []CADListener
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.LastIndex(part, "=")
		if idx <= 0 || idx == len(part)-1 {
			return nil, fmt.Errorf("listener entry %q must be addr=tenant_id", part)
		}
		out = append(out, CADListener{
			Addr:     part[:idx],
			TenantID: part[idx+1:],
		})
	}
	return out, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
