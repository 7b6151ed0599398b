package static

import "embed"

//go:embed *.html *.css *.js
var Content embed.FS
