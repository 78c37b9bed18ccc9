// Package config loads the webhook configuration.
//
// Defaults are overlaid by an optional YAML file named by WEBHOOK_CONFIG_FILE,
// then by WEBHOOK_* environment variables:
//
//	server:
//	  port: "8443"
//	plugins:
//	  dirs: [/etc/stellar-webhook/plugins]
//	store:
//	  redisURL: redis://redis:6379/0
//	  blobBackend: s3
//
// LoadConfig validates the result.
package config
