package sitehandler

import (
	"io/fs"
	"path"
	"strings"
)

type target struct {
	file     string // name inside the site FS
	redirect string // canonical URL path, set instead of file
}

// resolve maps a request path onto the site FS. Directories serve their
// index.html, and an extensionless path with an index behind it redirects to
// the slash form. Unsafe paths resolve to nothing.
func resolve(fsys fs.FS, urlPath string) (target, bool) {
	if unsafePath(urlPath) {
		return target{}, false
	}
	name := strings.Trim(path.Clean("/"+urlPath), "/")

	switch {
	case urlPath == "" || strings.HasSuffix(urlPath, "/"):
		name = path.Join(name, indexPage)
	case path.Ext(name) == "":
		if isFile(fsys, path.Join(name, indexPage)) {
			return target{redirect: "/" + name + "/"}, true
		}
		return target{}, false
	}

	if !isFile(fsys, name) {
		return target{}, false
	}
	return target{file: name}, true
}

// unsafePath rejects NUL, backslashes, any "..", and "." segments before the
// path is cleaned, so an encoded traversal never reaches fs.Stat.
func unsafePath(p string) bool {
	if strings.ContainsAny(p, "\x00\\") || strings.Contains(p, "..") {
		return true
	}
	for seg := range strings.SplitSeq(p, "/") {
		if seg == "." {
			return true
		}
	}
	return false
}

func isFile(fsys fs.FS, name string) bool {
	if !fs.ValidPath(name) {
		return false
	}
	info, err := fs.Stat(fsys, name)
	return err == nil && !info.IsDir()
}

const (
	cacheRevalidate = "no-cache"
	cacheImmutable  = "public, max-age=31536000, immutable"
	cacheHour       = "public, max-age=3600"
)

var assetExts = map[string]bool{
	".css": true, ".js": true, ".mjs": true, ".map": true,
	".png": true, ".jpg": true, ".jpeg": true, ".webp": true, ".gif": true, ".svg": true, ".ico": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
}

// cacheControl revalidates pages and extensionless files, and pins assets.
func cacheControl(name string) string {
	ext := strings.ToLower(path.Ext(name))
	switch {
	case ext == "" || ext == ".html":
		return cacheRevalidate
	case assetExts[ext]:
		return cacheImmutable
	}
	return cacheHour
}
