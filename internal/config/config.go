package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"

	handlerConfig "github.com/iurnickita/commission/internal/handler/config"
	loggerConfig "github.com/iurnickita/commission/internal/logger/config"
	serviceConfig "github.com/iurnickita/commission/internal/service/config"
	storeConfig "github.com/iurnickita/commission/internal/store/config"
)

type Config struct {
	Handler handlerConfig.Config
	Service serviceConfig.Config
	Store   storeConfig.Config
	Logger  loggerConfig.Config
}

const envPrefix = "COMMISSION"

// GetConfig: значения по умолчанию, затем config.yaml, затем
// переменные окружения COMMISSION_<СЕКЦИЯ>_<КЛЮЧ>.
func GetConfig() (Config, error) {
	return load(viper.New(), ".")
}

func load(v *viper.Viper, paths ...string) (Config, error) {
	v.SetDefault("handler.address", "localhost:8080")
	v.SetDefault("handler.token_secret", "")
	v.SetDefault("handler.shutdown_timeout", 10*time.Second)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.lock_timeout", 5*time.Second)
	v.SetDefault("service.profile_address", "")
	v.SetDefault("service.max_retries", 3)
	v.SetDefault("service.retry_interval", 50*time.Millisecond)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.file", "")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, err
		}
	}

	var cfg Config
	cfg.Handler.ServerAddr = v.GetString("handler.address")
	cfg.Handler.TokenSecret = v.GetString("handler.token_secret")
	cfg.Handler.ShutdownTimeout = v.GetDuration("handler.shutdown_timeout")
	cfg.Store.DBDsn = v.GetString("store.dsn")
	cfg.Store.LockTimeout = v.GetDuration("store.lock_timeout")
	cfg.Service.ProfileAddr = v.GetString("service.profile_address")
	cfg.Service.MaxRetries = v.GetInt("service.max_retries")
	cfg.Service.RetryInterval = v.GetDuration("service.retry_interval")
	cfg.Logger.LogLevel = v.GetString("logger.level")
	cfg.Logger.LogFile = v.GetString("logger.file")

	if cfg.Handler.TokenSecret == "" {
		return Config{}, errors.New("handler.token_secret is required")
	}
	return cfg, nil
}
