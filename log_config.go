package qnode

// LogConfig controls logging behavior.
type LogConfig struct {
	// Logger allows injecting a custom logger. If nil, a default logger
	// is created based on Level.
	Logger Logger `json:"-"`

	// Level controls the log level when using the default logger.
	// One of "debug", "info", "warn", "error", "none".
	Level string `json:"level"`
}
