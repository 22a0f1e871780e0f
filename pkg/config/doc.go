/*
Package config loads the flowsync configuration file.

The file is YAML. Environment variables written as ${VAR} or ${VAR:default}
are expanded before parsing, so secrets can stay out of the file:

	nifi:
	  url: https://nifi.internal:8443/nifi-api
	  username: ${NIFI_USER:admin}
	  password: ${NIFI_PASSWORD}
	  ca_file: /etc/flowsync/ca.pem
	  rate_limit: 20
	reconcile:
	  deletion: authoritative
	  on_failure: skip
	  call_timeout: 15s
	  interval: 2m
	manifests:
	  - flows/
	parameters:
	  env_prefix: FLOW_PARAM_
	  files: [params/prod.yaml]
	history:
	  dir: /var/lib/flowsync
	  keep: 200

Missing values take defaults in Load. Command-line flags override file values
after loading; Validate runs last.
*/
package config
