package web

import "embed"

// FS contains the embedded live view.
//
//go:embed *.html
var FS embed.FS
