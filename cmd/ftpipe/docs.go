package main

// General API documentation for swaggo. Regenerate internal/httpapi/docs with
// `swag init -g cmd/ftpipe/docs.go -o internal/httpapi/docs`.
//
// @title           ftpipe API
// @version         1.0
// @description     Generation and run history for LoRA fine-tuned models.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
