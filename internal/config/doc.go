// Package config loads and validates the relay server configuration.
//
// A YAML file is optional; Default supplies every value. PORT and API_KEY are
// read from the environment, and the API key is never taken from the file.
package config
