package config

import "time"

type Config struct {
	ProfileAddr   string
	MaxRetries    int
	RetryInterval time.Duration
}
