package assets

import (
	"embed"
	"io/fs"
)

//go:embed schema.sql
var schema string

//go:embed roles
var roleFiles embed.FS

// GetSchema returns the admin database schema
func GetSchema() string {
	return schema
}

// GetBuiltinRoles returns the embedded builtin role definitions, rooted so
// that each file sits at the top level
func GetBuiltinRoles() fs.FS {
	sub, err := fs.Sub(roleFiles, "roles")
	if err != nil {
		panic(err)
	}
	return sub
}
