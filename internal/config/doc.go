// Package config defines configuration structures for the proxyfetch CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (PROXYFETCH_ prefix)
//   - YAML configuration file
//
// # Example
//
//	proxy_list:
//	  bucket: file:///etc/proxyfetch
//	  object: proxylist.txt
//	url_file: urls.txt
//	workers: 64
//	throttle:
//	  budget: 10m
//	  growth: 2.1
//	http:
//	  max_body_size: 64MiB
//	output:
//	  bucket: s3://results?region=eu-west-1
//	  prefix: sitemaps/
package config
