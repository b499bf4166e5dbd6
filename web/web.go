// Package web embeds the front-end's static assets so cmd/ghostlinkd can
// serve them without depending on a filesystem layout at runtime. This is
// the minimal HTML/JS/CSS needed to exercise the control surface end to
// end, not a polished chat UI.
package web

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static
var embedded embed.FS

// FileSystem returns an http.FileSystem rooted at the embedded static
// directory, ready to hand to http.FileServer.
func FileSystem() http.FileSystem {
	sub, err := fs.Sub(embedded, "static")
	if err != nil {
		panic(err) // embed.FS content is compiled in; this cannot fail at runtime
	}
	return http.FS(sub)
}
