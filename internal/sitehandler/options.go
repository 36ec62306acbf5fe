package sitehandler

import (
	"errors"
	"io/fs"
	"os"

	"github.com/keithlinneman/linnemanlabs-jokes/internal/log"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/xerrors"
)

var ErrInvalidOptions = errors.New("sitehandler: invalid options")

// Page names, looked up in the site FS first and then in FallbackFS.
const (
	indexPage       = "index.html"
	notFoundPage    = "404.html"
	maintenancePage = "maintenance.html"
)

type Options struct {
	Logger log.Logger
	Site   SiteSource
	// FallbackFS must carry maintenance.html and may carry a 404.html
	FallbackFS fs.FS
}

func (o Options) validate() error {
	switch {
	case o.Site == nil:
		return xerrors.Wrapf(ErrInvalidOptions, "no site source")
	case o.FallbackFS == nil:
		return xerrors.Wrapf(ErrInvalidOptions, "no fallback fs")
	case !isFile(o.FallbackFS, maintenancePage):
		return xerrors.Wrapf(ErrInvalidOptions, "fallback fs has no %s", maintenancePage)
	}
	return nil
}

// SiteSource hands out the filesystem the site is served from. ok=false
// puts the site into maintenance.
type SiteSource interface {
	SiteFS() (fsys fs.FS, ok bool)
}

// Static serves a fixed filesystem, normally the embedded site.
type Static struct {
	FS fs.FS
}

func (s Static) SiteFS() (fs.FS, bool) { return s.FS, s.FS != nil }

// Dir serves the site from disk so it can be edited without a rebuild. It is
// live only while the directory has an index.html.
type Dir struct {
	Path string
}

func (d Dir) SiteFS() (fs.FS, bool) {
	if d.Path == "" {
		return nil, false
	}
	fsys := os.DirFS(d.Path)
	return fsys, isFile(fsys, indexPage)
}
