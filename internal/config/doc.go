// Package config provides centralized configuration management for the
// bazaard runtime: the JSON daemon configuration plus the YAML role roster
// describing the worker marketplace. Typed accessors keep downstream
// services free of raw file handling.
package config
