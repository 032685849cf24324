// Package main is the entry point for featuregate.
//
//	@title						featuregate API
//	@version					1.0
//	@description				Feature entitlement engine: resolves whether a tenant may use a feature from plan access, global defaults and time-bounded overrides.
//
//	@license.name				MIT
//	@license.url				https://opensource.org/licenses/MIT
//
//	@host						localhost:8080
//	@BasePath					/
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				Admin token (format: "Bearer {token}")
package main

func main() {
	Execute()
}
