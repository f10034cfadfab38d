// Package config loads registry configuration from HANGAR_* environment
// variables and validates it before the process starts serving.
package config
