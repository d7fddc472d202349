package factory

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/model"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ModelFactory builds one ensemble member from its config entry.
type ModelFactory func(cfg config.MemberConfig) (model.ScoringModel, error)

// ActuatorFactory builds a control-plane backend.
type ActuatorFactory func(cfg *config.Config, logger *zap.SugaredLogger) (model.Actuator, error)

// WriterFactory builds a snapshot writer from its config entry.
type WriterFactory func(def config.WriterDef, logger *zap.SugaredLogger) (model.Writer, error)

var (
	mu        sync.RWMutex
	models    = make(map[string]ModelFactory)
	actuators = make(map[string]ActuatorFactory)
	writers   = make(map[string]WriterFactory)
)

// RegisterModel registers a scoring model type with its factory function.
func RegisterModel(name string, f ModelFactory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := models[name]; exists {
		panic(fmt.Sprintf("scoring model type '%s' already registered", name))
	}
	models[name] = f
}

// RegisterActuator registers an actuator backend with its factory function.
func RegisterActuator(name string, f ActuatorFactory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := actuators[name]; exists {
		panic(fmt.Sprintf("actuator type '%s' already registered", name))
	}
	actuators[name] = f
}

// CreateModel builds the member described by cfg.
func CreateModel(cfg config.MemberConfig) (model.ScoringModel, error) {
	mu.RLock()
	f, ok := models[cfg.Type]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown scoring model type: '%s'", cfg.Type)
	}
	m, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating scoring model '%s': %w", cfg.Name, err)
	}
	return m, nil
}

// CreateActuator builds the backend registered under name.
func CreateActuator(name string, cfg *config.Config, logger *zap.SugaredLogger) (model.Actuator, error) {
	mu.RLock()
	f, ok := actuators[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown actuator type: '%s' (known: %v)", name, ActuatorTypes())
	}
	a, err := f(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("error creating actuator '%s': %w", name, err)
	}
	return a, nil
}

// ActuatorTypes lists the registered actuator backends.
func ActuatorTypes() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(actuators))
	for name := range actuators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterWriter registers a snapshot writer type with its factory function.
func RegisterWriter(name string, f WriterFactory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := writers[name]; exists {
		panic(fmt.Sprintf("writer type '%s' already registered", name))
	}
	writers[name] = f
}

// CreateWriters builds every enabled writer in defs.
func CreateWriters(defs []config.WriterDef, logger *zap.SugaredLogger) ([]model.Writer, error) {
	var out []model.Writer
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		mu.RLock()
		f, ok := writers[def.Type]
		mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("unknown writer type: '%s'", def.Type)
		}
		w, err := f(def, logger)
		if err != nil {
			return nil, fmt.Errorf("error creating writer '%s': %w", def.Type, err)
		}
		out = append(out, w)
	}
	return out, nil
}
