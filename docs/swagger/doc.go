// Package swagger provides OpenAPI documentation for the taskflow API.
//
//	@title						Taskflow API
//	@version					1.0
//	@description				Taskflow ingests heterogeneous files and routes them through extraction engines on GPU/CPU workers.
//	@termsOfService				https://github.com/smilemakc/taskflow
//
//	@contact.name				Taskflow Support
//	@contact.url				https://github.com/smilemakc/taskflow/issues
//	@contact.email				support@taskflow.io
//
//	@license.name				MIT
//	@license.url				https://opensource.org/licenses/MIT
//
//	@host						localhost:8080
//	@BasePath					/api/v1
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				JWT Bearer token authentication. Format: "Bearer {token}"
//
//	@securityDefinitions.apikey	ApiKeyAuth
//	@in							header
//	@name						X-API-Key
//	@description				API Key authentication for service-to-service calls
//
//	@tag.name					tasks
//	@tag.description			Task submission, status and cancellation
//
//	@tag.name					queue
//	@tag.description			Queue listing and statistics
//
//	@tag.name					admin
//	@tag.description			Retention cleanup and stale-claim recovery
//
//	@tag.name					engines
//	@tag.description			Extraction engine catalog
//
//	@tag.name					events
//	@tag.description			Websocket task lifecycle event stream
package swagger
