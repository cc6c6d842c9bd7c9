package domain

import "time"

type AnalyticsConfig struct {
	Window    time.Duration // 1m, 5m, 1h
	Retention time.Duration // TTL, must be >= Window
}
