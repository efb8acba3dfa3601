// Package config загружает настройки softphone из файла и переменных
// окружения SOFTPHONE_*
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/spf13/viper"

	"github.com/arzzra/callsession/internal/logging"
	"github.com/arzzra/callsession/pkg/sip/dialog"
	"github.com/arzzra/callsession/pkg/sip/transaction"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "SOFTPHONE"

// Config настройки процесса
type Config struct {
	SIP     SIPConfig     `mapstructure:"sip"`
	Timers  TimersConfig  `mapstructure:"timers"`
	Call    CallConfig    `mapstructure:"call"`
	Media   MediaConfig   `mapstructure:"media"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// SIPConfig локальная сторона и транспорт
type SIPConfig struct {
	Listen        string `mapstructure:"listen"`
	LocalURI      string `mapstructure:"local_uri"`
	DisplayName   string `mapstructure:"display_name"`
	Contact       string `mapstructure:"contact"`
	OutboundProxy string `mapstructure:"outbound_proxy"`
	DSCP          int    `mapstructure:"dscp"`
}

// TimersConfig таймеры RFC 3261
type TimersConfig struct {
	T1             time.Duration `mapstructure:"t1"`
	T2             time.Duration `mapstructure:"t2"`
	T4             time.Duration `mapstructure:"t4"`
	MaxRetransmits int           `mapstructure:"max_retransmits"`
}

// CallConfig параметры звонка
type CallConfig struct {
	IntentTimeout      time.Duration `mapstructure:"intent_timeout"`
	TransactionTimeout time.Duration `mapstructure:"transaction_timeout"`
}

// MediaConfig адрес и диапазон RTP портов, объявляемые в SDP
type MediaConfig struct {
	Address string `mapstructure:"address"`
	PortMin int    `mapstructure:"port_min"`
	PortMax int    `mapstructure:"port_max"`
}

// LogConfig параметры логирования
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// MetricsConfig HTTP endpoint /metrics; пустой Listen отключает его
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

func setDefaults(v *viper.Viper) {
	timers := transaction.DefaultTimers()

	v.SetDefault("sip.listen", "0.0.0.0:5060")
	v.SetDefault("sip.local_uri", "sip:softphone@127.0.0.1")
	v.SetDefault("sip.display_name", "")
	v.SetDefault("sip.contact", "")
	v.SetDefault("sip.outbound_proxy", "")
	v.SetDefault("sip.dscp", 24)
	v.SetDefault("timers.t1", timers.T1)
	v.SetDefault("timers.t2", timers.T2)
	v.SetDefault("timers.t4", timers.T4)
	v.SetDefault("timers.max_retransmits", timers.MaxRetransmits)
	v.SetDefault("call.intent_timeout", 2*time.Second)
	v.SetDefault("call.transaction_timeout", time.Duration(0))
	v.SetDefault("media.address", "127.0.0.1")
	v.SetDefault("media.port_min", 10000)
	v.SetDefault("media.port_max", 20000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("metrics.listen", "")
}

// Load читает настройки. path - YAML/TOML/JSON файл, может быть пустым.
// Переменные окружения имеют приоритет: SOFTPHONE_SIP_LOCAL_URI и т.д.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек
func (c Config) Validate() error {
	var errs []error

	var uri sip.Uri
	if c.SIP.LocalURI == "" {
		errs = append(errs, errors.New("sip.local_uri is required"))
	} else if err := sip.ParseUri(c.SIP.LocalURI, &uri); err != nil {
		errs = append(errs, fmt.Errorf("sip.local_uri %q: %w", c.SIP.LocalURI, err))
	}
	if c.SIP.Listen == "" {
		errs = append(errs, errors.New("sip.listen is required"))
	}
	if c.Timers.T1 <= 0 || c.Timers.T2 < c.Timers.T1 || c.Timers.T4 <= 0 {
		errs = append(errs, fmt.Errorf("timers: need 0 < t1 <= t2 and t4 > 0, got t1=%s t2=%s t4=%s",
			c.Timers.T1, c.Timers.T2, c.Timers.T4))
	}
	if c.Media.PortMin <= 0 || c.Media.PortMax > 65535 || c.Media.PortMin > c.Media.PortMax {
		errs = append(errs, fmt.Errorf("media: bad port range %d-%d", c.Media.PortMin, c.Media.PortMax))
	}
	if c.Call.IntentTimeout <= 0 {
		errs = append(errs, errors.New("call.intent_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// TransactionTimers возвращает таймеры для движка транзакций
func (c Config) TransactionTimers() transaction.Timers {
	timers := transaction.DefaultTimers()
	timers.T1 = c.Timers.T1
	timers.T2 = c.Timers.T2
	timers.T4 = c.Timers.T4
	if c.Timers.MaxRetransmits > 0 {
		timers.MaxRetransmits = c.Timers.MaxRetransmits
	}
	return timers
}

// Dialog возвращает параметры локальной стороны диалога. viaHost -
// фактический адрес транспорта host:port.
func (c Config) Dialog(viaHost string) dialog.Config {
	contact := c.SIP.Contact
	if contact == "" {
		contact = c.SIP.LocalURI
	}
	return dialog.Config{
		LocalURI:           c.SIP.LocalURI,
		DisplayName:        c.SIP.DisplayName,
		Contact:            contact,
		ViaHost:            viaHost,
		Transport:          "UDP",
		OutboundProxy:      c.SIP.OutboundProxy,
		TransactionTimeout: c.Call.TransactionTimeout,
	}
}

// Logging возвращает параметры логгера
func (c Config) Logging() logging.Config {
	return logging.Config{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}
