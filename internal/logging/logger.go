package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	*zap.Logger
}

func NewLogger(level string) (*Logger, error) {
	config := zap.NewProductionConfig()

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{logger}, nil
}

// WithRepo returns a child logger carrying the repository field.
func (l *Logger) WithRepo(repoID string) *zap.Logger {
	return l.With(zap.String("repo", repoID))
}

// WithBranch returns a child logger carrying repository and branch fields.
func (l *Logger) WithBranch(repoID, branchID string) *zap.Logger {
	return l.With(zap.String("repo", repoID), zap.String("branch", branchID))
}
