package stagewise

import (
	"github.com/rs/zerolog"
)

type EngineOption func(engine *Engine)

func WithConditionEvaluator(evaluator ConditionEvaluator) EngineOption {
	return func(engine *Engine) {
		engine.evaluator = evaluator
	}
}

func WithFeatureFlags(flags FeatureFlags) EngineOption {
	return func(engine *Engine) {
		engine.flags = flags
	}
}

func WithNotifier(notifier *Notifier) EngineOption {
	return func(engine *Engine) {
		engine.notifier = notifier
	}
}

func WithMetrics(metrics *Metrics) EngineOption {
	return func(engine *Engine) {
		engine.metrics = metrics
	}
}

func WithLogger(logger zerolog.Logger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

func WithVersionService(versions *VersionService) EngineOption {
	return func(engine *Engine) {
		engine.versions = versions
	}
}
