// Package params resolves parameter context values from the environment and
// from YAML files before a declaration is reconciled. The engine sees the
// result as plain desired parameter values.
//
// Environment variables are named <prefix><CONTEXT>__<PARAMETER>, so with the
// prefix FLOW_PARAM_ the variable FLOW_PARAM_PROD__DB_URL sets the parameter
// db.url of the context prod. Names are matched after Normalize.
package params
