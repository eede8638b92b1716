package config

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigNotFound means a required configuration file is missing.
	ErrConfigNotFound = errors.New("configuration file not found")
	// ErrInvalidYAML means a configuration file failed to parse.
	ErrInvalidYAML = errors.New("invalid YAML")
	// ErrProviderNotFound means a named LLM provider is not registered.
	ErrProviderNotFound = errors.New("llm provider not found")
)

// LoadError wraps a failure to load one configuration file.
type LoadError struct {
	File string
	Err  error
}

// NewLoadError builds a LoadError for the given file.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading %s: %v", e.File, e.Err)
}

// Unwrap returns the underlying load failure
func (e *LoadError) Unwrap() error {
	return e.Err
}

// ValidationError reports one invalid configuration field.
type ValidationError struct {
	Section string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config %s.%s: %s", e.Section, e.Field, e.Message)
}
