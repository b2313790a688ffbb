package logging

import (
	"strings"

	"go.uber.org/zap"
)

// New builds the process logger. Production emits JSON at info level,
// everything else gets the human readable development encoder.
func New(env string) *zap.Logger {
	if strings.EqualFold(strings.TrimSpace(env), "production") {
		return zap.Must(zap.NewProduction())
	}
	return zap.Must(zap.NewDevelopment())
}
