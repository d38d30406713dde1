package network

import "time"

const (
	connTimeout      = 5 * time.Second
	discoveryTimeout = 3 * time.Second
	readTimeout      = 10 * time.Second
	writeTimeout     = 5 * time.Second
	maxLineSize      = 1024 * 1024 // 1MB
	acceptBackoff    = 50 * time.Millisecond
)
