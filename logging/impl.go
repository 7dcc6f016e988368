package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type impl struct {
	*zap.SugaredLogger

	name  string
	level zap.AtomicLevel
	// base is the unfiltered output; the level is applied by levelCore so that subloggers can
	// share outputs while keeping their own level.
	base zapcore.Core
}

func newImpl(name string, level Level, base zapcore.Core) *impl {
	imp := &impl{
		name:  name,
		level: zap.NewAtomicLevelAt(level.AsZap()),
		base:  base,
	}
	zl := zap.New(&levelCore{Core: base, level: imp.level}, zap.AddCaller())
	if name != "" {
		zl = zl.Named(name)
	}
	imp.SugaredLogger = zl.Sugar()
	return imp
}

func (imp *impl) Sublogger(subname string) Logger {
	newName := subname
	if imp.name != "" {
		newName = fmt.Sprintf("%s.%s", imp.name, subname)
	}
	return newImpl(newName, imp.GetLevel(), imp.base)
}

func (imp *impl) SetLevel(level Level) {
	imp.level.SetLevel(level.AsZap())
}

func (imp *impl) GetLevel() Level {
	return LevelFromZap(imp.level.Level())
}

func (imp *impl) AsZap() *zap.SugaredLogger {
	return imp.SugaredLogger
}

// levelCore filters entries below a mutable level before handing them to the wrapped core.
type levelCore struct {
	zapcore.Core
	level zap.AtomicLevel
}

func (c *levelCore) Enabled(lvl zapcore.Level) bool {
	return c.level.Enabled(lvl) && c.Core.Enabled(lvl)
}

func (c *levelCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelCore{Core: c.Core.With(fields), level: c.level}
}

func (c *levelCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.level.Enabled(ent.Level) {
		return ce
	}
	return c.Core.Check(ent, ce)
}
