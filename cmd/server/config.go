package main

import "time"

type Config struct {
	Host string `env:"HOST"`
	Port int    `env:"PORT,required=true"`

	BadgerFilepath string `env:"BADGER_FILEPATH,required=true"`
	LogLevel       string `env:"LOG_LEVEL,required=true"`
	AuthSecret     string `env:"AUTH_SECRET,required=true"`

	SessionQueueSize int   `env:"SESSION_QUEUE_SIZE,required=true"`
	TypingQueueSize  int   `env:"TYPING_QUEUE_SIZE,required=true"`
	MaxFrameSize     int64 `env:"MAX_FRAME_SIZE,required=true"`
	MaxContentLength int   `env:"MAX_CONTENT_LENGTH,required=true"`
	LimitMessages    *int  `env:"LIMIT_MESSAGES"`

	// DebugPort enables the store inspector on localhost when set.
	DebugPort *int `env:"DEBUG_PORT"`

	TypingTTL       time.Duration `env:"TYPING_TTL,required=true"`
	StoreTimeout    time.Duration `env:"STORE_TIMEOUT,required=true"`
	RestartInterval time.Duration `env:"RESTART_INTERVAL,required=true"`
	HealthInterval  time.Duration `env:"HEALTH_INTERVAL,required=true"`
	GCInterval      time.Duration `env:"GC_INTERVAL,required=true"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,required=true"`
}
