// Package webassets embeds the jokes site and the pages served when it is
// missing.
package webassets

import (
	"embed"
	"io/fs"
)

//go:embed fallback site
var assets embed.FS

func sub(dir string) fs.FS {
	fsys, err := fs.Sub(assets, dir)
	if err != nil {
		// only reachable if the embed directive above changes
		panic(err)
	}
	return fsys
}

// FallbackFS holds maintenance.html and 404.html.
func FallbackFS() fs.FS { return sub("fallback") }

// SiteFS is the embedded site. ok is false when it was built without an index.html.
func SiteFS() (fsys fs.FS, ok bool) {
	fsys = sub("site")
	_, err := fs.Stat(fsys, "index.html")
	return fsys, err == nil
}
