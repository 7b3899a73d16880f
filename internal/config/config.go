package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	apperrors "github.com/wfunc/shelf-locker/internal/errors"
)

// Config 全局配置结构体
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Serial    SerialConfig    `mapstructure:"serial"`
	Protocol  ProtocolConfig  `mapstructure:"protocol"`
	Sequencer SequencerConfig `mapstructure:"sequencer"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig 维护接口服务器配置
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// WebSocketConfig 事件推送WebSocket配置
type WebSocketConfig struct {
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// SerialConfig 串口与设备发现配置
type SerialConfig struct {
	VendorID            int           `mapstructure:"vendor_id"` // USB厂商ID
	Port                string        `mapstructure:"port"`      // 指定端口时跳过枚举
	BaudRate            int           `mapstructure:"baud_rate"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout"` // 单字节读取超时
	MaxReadTimeouts     int           `mapstructure:"max_read_timeouts"`
	ReconnectInterval   time.Duration `mapstructure:"reconnect_interval"`
	ErrorAfterFailures  int           `mapstructure:"error_after_failures"`
	ErrorReportInterval time.Duration `mapstructure:"error_report_interval"` // 设备错误上报最小间隔
	QueueSize           int           `mapstructure:"queue_size"`            // 接收字节队列容量
}

// ProtocolConfig 可靠指令通道配置
type ProtocolConfig struct {
	Repeat          int           `mapstructure:"repeat"`
	RepeatInterval  time.Duration `mapstructure:"repeat_interval"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	LoopInterval    time.Duration `mapstructure:"loop_interval"`
	ActionQueueSize int           `mapstructure:"action_queue_size"`
}

// SequencerConfig 开锁序列配置
type SequencerConfig struct {
	WatchdogTimeout  time.Duration `mapstructure:"watchdog_timeout"`
	StrictCloseMatch bool          `mapstructure:"strict_close_match"`
}

// AuditConfig 串口帧审计日志配置
type AuditConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	BufferSize    int           `mapstructure:"buffer_size"`
	RetentionDays int           `mapstructure:"retention_days"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = newViper(configPath)

		var loaded *Config
		if loaded, err = decode(v); err != nil {
			return
		}
		cfg = loaded
	})

	return err
}

// Load 不经过全局单例加载一份配置，测试和工具命令使用
func Load(configPath string) (*Config, error) {
	return decode(newViper(configPath))
}

// decode 读取并校验配置，配置文件不存在时使用默认配置
func decode(cv *viper.Viper) (*Config, error) {
	if err := cv.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, apperrors.Wrap(err, apperrors.ErrConfigLoad)
		}
	}

	loaded := &Config{}
	if err := cv.Unmarshal(loaded); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrConfigLoad)
	}
	if err := loaded.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrConfigValidate)
	}
	return loaded, nil
}

func newViper(configPath string) *viper.Viper {
	nv := viper.New()

	if configPath != "" {
		nv.SetConfigFile(configPath)
	} else {
		nv.SetConfigName("config")
		nv.SetConfigType("yaml")
		nv.AddConfigPath("./config")
		nv.AddConfigPath(".")
	}

	// 环境变量前缀，如 LOCKER_KIOSK_SERIAL_PORT
	nv.SetEnvPrefix("LOCKER_KIOSK")
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	nv.AutomaticEnv()

	setDefaults(nv)
	return nv
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// 数据库默认配置
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/shelf-locker.db")
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.auto_migrate", true)

	// WebSocket默认配置
	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_timeout", "60s")
	v.SetDefault("websocket.write_timeout", "10s")

	// 串口默认配置
	v.SetDefault("serial.vendor_id", 0x0483)
	v.SetDefault("serial.port", "")
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.read_timeout", "500ms")
	v.SetDefault("serial.max_read_timeouts", 5)
	v.SetDefault("serial.reconnect_interval", "1s")
	v.SetDefault("serial.error_after_failures", 5)
	v.SetDefault("serial.error_report_interval", "30s")
	v.SetDefault("serial.queue_size", 1<<20)

	// 协议默认配置
	v.SetDefault("protocol.repeat", 5)
	v.SetDefault("protocol.repeat_interval", "100ms")
	v.SetDefault("protocol.ping_interval", "1s")
	v.SetDefault("protocol.loop_interval", "10ms")
	v.SetDefault("protocol.action_queue_size", 64)

	// 开锁序列默认配置
	v.SetDefault("sequencer.watchdog_timeout", "60s")
	v.SetDefault("sequencer.strict_close_match", false)

	// 串口审计默认配置
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.flush_interval", "5s")
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.buffer_size", 1000)
	v.SetDefault("audit.retention_days", 14)

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "both")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "shelf-locker.log")
	v.SetDefault("log.file.max_size", 50)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	switch {
	case c.Serial.MaxReadTimeouts < 1:
		return fmt.Errorf("serial.max_read_timeouts 必须大于0: %d", c.Serial.MaxReadTimeouts)
	case c.Serial.ReadTimeout <= 0:
		return fmt.Errorf("serial.read_timeout 必须大于0: %s", c.Serial.ReadTimeout)
	case c.Serial.ReconnectInterval <= 0:
		return fmt.Errorf("serial.reconnect_interval 必须大于0: %s", c.Serial.ReconnectInterval)
	case c.Serial.QueueSize < 1:
		return fmt.Errorf("serial.queue_size 必须大于0: %d", c.Serial.QueueSize)
	case c.Protocol.Repeat < 1:
		return fmt.Errorf("protocol.repeat 必须大于0: %d", c.Protocol.Repeat)
	case c.Protocol.ActionQueueSize < 1:
		return fmt.Errorf("protocol.action_queue_size 必须大于0: %d", c.Protocol.ActionQueueSize)
	case c.Serial.ReadTimeout*time.Duration(c.Serial.MaxReadTimeouts) <= c.Protocol.PingInterval:
		// 空闲时心跳应答要在判定断线之前到达
		return fmt.Errorf("serial.read_timeout*max_read_timeouts 必须大于 protocol.ping_interval")
	case c.Sequencer.WatchdogTimeout <= 0:
		return fmt.Errorf("sequencer.watchdog_timeout 必须大于0: %s", c.Sequencer.WatchdogTimeout)
	}
	return nil
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
// 只有日志级别即时生效，其余参数重启后生效
func Watch(callback func(*Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()

		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}
		if err := newCfg.Validate(); err != nil {
			fmt.Printf("配置重载校验失败: %v\n", err)
			return
		}

		cfg = newCfg

		if callback != nil {
			callback(cfg)
		}

		fmt.Println("配置已重新加载:", e.Name)
	})
}

// GetString 获取字符串配置
func GetString(key string) string {
	return v.GetString(key)
}

// GetDuration 获取时间间隔配置
func GetDuration(key string) time.Duration {
	return v.GetDuration(key)
}

// IsSet 检查配置项是否存在
func IsSet(key string) bool {
	return v.IsSet(key)
}
