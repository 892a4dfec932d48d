// Package config provides centralized configuration management for the
// AgentPay daemon. It loads a JSON configuration file, applies defaults
// relative to the file location, and exposes typed accessors for downstream
// services.
package config
