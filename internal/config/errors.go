package config

import "errors"

var (
	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConfigVersionTooNew is returned when a config file was
	// written by a newer murmur than this one.
	ErrConfigVersionTooNew = errors.New("config version too new")
)
