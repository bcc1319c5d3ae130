// Package config loads process settings from CAPSTAN_* environment
// variables and the YAML target registry that declares what Capstan is
// allowed to deploy.
package config
