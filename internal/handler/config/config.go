package config

import "time"

type Config struct {
	ServerAddr      string
	TokenSecret     string
	ShutdownTimeout time.Duration
}
