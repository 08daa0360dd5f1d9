package logging

import (
	"go.uber.org/zap"
)

type impl struct {
	*zap.SugaredLogger
	level zap.AtomicLevel
}

func (imp *impl) Sublogger(subname string) Logger {
	return &impl{
		SugaredLogger: imp.SugaredLogger.Named(subname),
		level:         imp.level,
	}
}

func (imp *impl) SetLevel(level Level) {
	imp.level.SetLevel(level.AsZap())
}

func (imp *impl) GetLevel() Level {
	return levelFromZap(imp.level.Level())
}
