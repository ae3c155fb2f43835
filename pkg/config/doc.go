// Package config loads Marquee's application configuration and parses
// policy documents.
//
// # Application configuration
//
// Load builds an AppConfig in three layers: the built-in defaults, an
// optional YAML file, then environment variables prefixed with MARQUEE_.
// Environment variables always win. The result is validated with struct tags
// before it is returned.
//
//	cfg, err := config.Load("marquee.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Variable names follow the section layout, for example
// MARQUEE_DATABASE_PATH, MARQUEE_ACTIVATION_WATCHDOG_INTERVAL or
// MARQUEE_TELEMETRY_LOG_LEVEL.
//
// # Policy documents
//
// A policy document names a policy and carries its eligibility rules. It may
// be written as CUE, YAML or JSON:
//
//	name: "default"
//	description: "US and UK English catalog"
//	config: {
//	    allowedCountries: ["US", "GB"]
//	    allowedLanguages: ["en"]
//	    blockMode: "ANY"
//	    eligibilityMode: "STRICT"
//	}
//
// Every document is unified with an embedded CUE schema, so omitted modes
// take their defaults and unknown fields are rejected. Problems are reported
// as ValidationErrors carrying file, line and column where CUE knows them.
package config
