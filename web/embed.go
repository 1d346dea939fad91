package web

import "embed"

// FS holds the map page served at /.
//
//go:embed *.html *.css *.js
var FS embed.FS
