package constants

type ContextKey string

const (
	TxKey     ContextKey = "tx"
	LoggerKey ContextKey = "logger"
	RunIDKey  ContextKey = "run_id"
)
