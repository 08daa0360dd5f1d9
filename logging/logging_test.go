package logging

import (
	"testing"

	"go.viam.com/test"
)

func TestLevelFromString(t *testing.T) {
	for _, tc := range []struct {
		in       string
		expected Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"Warn", WARN},
		{"warning", WARN},
		{"error", ERROR},
	} {
		level, err := LevelFromString(tc.in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, level, test.ShouldEqual, tc.expected)
	}

	_, err := LevelFromString("loud")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestObservedLoggerLevels(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	logger.Debugw("tick", "n", 1)
	logger.Info("hello")
	test.That(t, logs.Len(), test.ShouldEqual, 2)

	logger.SetLevel(WARN)
	test.That(t, logger.GetLevel(), test.ShouldEqual, WARN)
	logger.Info("dropped")
	logger.Warn("kept")
	test.That(t, logs.Len(), test.ShouldEqual, 3)
	test.That(t, logs.All()[2].Message, test.ShouldEqual, "kept")
}

func TestSublogger(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	sub := logger.Sublogger("control").Sublogger("mode")
	sub.Infow("transition", "from", "idle", "to", "teleop")
	test.That(t, logs.Len(), test.ShouldEqual, 1)
	entry := logs.All()[0]
	test.That(t, entry.LoggerName, test.ShouldEqual, "control.mode")
	test.That(t, entry.ContextMap()["to"], test.ShouldEqual, "teleop")
}
