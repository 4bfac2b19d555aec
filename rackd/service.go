package rackd

import (
	"context"

	"github.com/metalwire/metalwire/api"
	"github.com/metalwire/metalwire/ioutils"
	"github.com/metalwire/metalwire/log"
)

// FileService writes adopted configuration to the DHCP daemon's config file
// and signals the daemon to reload it. The write is atomic, so the daemon
// never parses a half-written file.
type FileService struct {
	// Path is the daemon's configuration file, e.g. /var/lib/metalwire/dhcpd.conf.
	Path string
	// ReloadFunc signals the daemon after the file lands. Nil means
	// write-only, for daemons that watch the file themselves.
	ReloadFunc func(ctx context.Context) error
}

// Reload implements Service.
func (s *FileService) Reload(ctx context.Context, doc *api.ConfigDocument) error {
	if err := ioutils.AtomicWriteFile(s.Path, []byte(doc.Output), 0o644); err != nil {
		return err
	}
	log.G(ctx).WithField("path", s.Path).Debug("configuration written")
	if s.ReloadFunc != nil {
		return s.ReloadFunc(ctx)
	}
	return nil
}
