// Package node implements a storage node: it owns one file category and
// executes commands against its private root directory.
package node

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ssd-technologies/shardfs/internal/category"
	"github.com/ssd-technologies/shardfs/internal/command"
	"github.com/ssd-technologies/shardfs/internal/storage"
	"github.com/ssd-technologies/shardfs/internal/vfs"
	"github.com/ssd-technologies/shardfs/internal/wire"
)

// Service executes commands for one category against one root. It is safe
// for concurrent use; each connection calls Handle sequentially.
type Service struct {
	cat  category.Category
	root *vfs.Root
	db   *storage.DB
}

// NewService creates a Service. db may be nil to run without a catalog.
func NewService(cat category.Category, root *vfs.Root, db *storage.DB) *Service {
	return &Service{cat: cat, root: root, db: db}
}

// Category returns the category this service owns.
func (s *Service) Category() category.Category { return s.cat }

// Root returns the storage root.
func (s *Service) Root() *vfs.Root { return s.root }

// Handle implements server.Handler.
func (s *Service) Handle(ctx context.Context, conn *wire.Conn, cmd command.Command) error {
	log := zerolog.Ctx(ctx).With().
		Str("category", s.cat.String()).
		Stringer("verb", cmd.Verb).
		Logger()

	switch cmd.Verb {
	case command.Upload:
		return s.upload(log, conn, cmd)
	case command.Download:
		return s.download(log, conn, cmd)
	case command.Remove:
		return s.remove(log, conn, cmd)
	case command.List:
		return s.list(log, conn, cmd)
	case command.Archive:
		return s.archive(log, conn, cmd)
	case command.Ping:
		return conn.WriteText(command.ReplyPong)
	default:
		return conn.WriteError(command.ReplyUnknown)
	}
}

func (s *Service) upload(log zerolog.Logger, conn *wire.Conn, cmd command.Command) error {
	h, err := conn.ReadTransferHeader()
	if err != nil {
		if errors.Is(err, wire.ErrNoData) {
			return conn.WriteError(command.ReplyUploadFailed)
		}
		return fmt.Errorf("upload %s: %w", cmd.Name, err)
	}

	reject := func(reply string) error {
		if err := conn.DiscardPayload(h); err != nil {
			return fmt.Errorf("discard upload %s: %w", cmd.Name, err)
		}
		return conn.WriteError(reply)
	}

	if !s.cat.Matches(cmd.Name) {
		return reject(command.ReplyBadExtension)
	}
	dir, err := s.root.Resolve(cmd.Path)
	if err != nil {
		log.Warn().Err(err).Str("path", cmd.Path).Msg("upload rejected")
		return reject(command.ReplyMalformed)
	}
	pf, err := s.root.Create(dir, cmd.Name)
	if err != nil {
		log.Error().Err(err).Str("dir", dir).Msg("upload create failed")
		return reject(command.ReplyUploadFailed)
	}

	sum := storage.NewChecksum()
	if _, err := conn.ReceivePayload(io.MultiWriter(pf, sum), h); err != nil {
		pf.Abort()
		if errors.Is(err, wire.ErrSinkFailed) {
			log.Error().Err(err).Str("dest", pf.Dest()).Msg("upload write failed")
			return conn.WriteError(command.ReplyUploadFailed)
		}
		return fmt.Errorf("upload %s: %w", cmd.Name, err)
	}
	if err := pf.Commit(); err != nil {
		log.Error().Err(err).Str("dest", pf.Dest()).Msg("upload commit failed")
		return conn.WriteError(command.ReplyUploadFailed)
	}

	s.record(log, &storage.File{
		ID:          uuid.NewString(),
		Name:        cmd.Name,
		VirtualPath: path.Join(cmd.Path, cmd.Name),
		LocalPath:   pf.Dest(),
		Size:        pf.Written(),
		Checksum:    sum.Hex(),
		Category:    s.cat.String(),
		StoredAt:    time.Now().Unix(),
	})
	log.Info().
		Str("dest", pf.Dest()).
		Str("size", humanize.Bytes(uint64(pf.Written()))).
		Msg("file stored")
	return conn.WriteText(command.ReplyUploaded)
}

func (s *Service) download(log zerolog.Logger, conn *wire.Conn, cmd command.Command) error {
	if !s.cat.Matches(cmd.Path) {
		return conn.SendNoData(command.ReplyBadExtension)
	}
	local, err := s.root.Resolve(cmd.Path)
	if err != nil {
		return conn.SendNoData(command.ReplyMalformed)
	}
	f, size, err := s.root.Open(local)
	if err != nil {
		if !errors.Is(err, vfs.ErrNotFound) {
			log.Error().Err(err).Str("path", local).Msg("download open failed")
		}
		return conn.SendNoData(command.ReplyNotFound)
	}
	defer f.Close()

	if err := conn.SendTransfer(f, size); err != nil {
		return fmt.Errorf("download %s: %w", local, err)
	}
	log.Info().Str("path", local).Int64("size", size).Msg("file sent")
	return nil
}

func (s *Service) remove(log zerolog.Logger, conn *wire.Conn, cmd command.Command) error {
	if !s.cat.Matches(cmd.Path) {
		return conn.WriteError(command.ReplyBadExtension)
	}
	local, err := s.root.Resolve(cmd.Path)
	if err != nil {
		return conn.WriteError(command.ReplyMalformed)
	}
	if err := s.root.Remove(local); err != nil {
		if !errors.Is(err, vfs.ErrNotFound) {
			log.Error().Err(err).Str("path", local).Msg("remove failed")
		}
		return conn.WriteError(command.ReplyRemoveFailed)
	}
	if s.db != nil {
		if err := s.db.DeleteFile(local); err != nil && !errors.Is(err, sql.ErrNoRows) {
			log.Warn().Err(err).Str("path", local).Msg("catalog delete failed")
		}
	}
	log.Info().Str("path", local).Msg("file removed")
	return conn.WriteText(command.ReplyRemoved)
}

func (s *Service) list(log zerolog.Logger, conn *wire.Conn, cmd command.Command) error {
	names, err := s.ListNames(cmd.Path)
	switch {
	case errors.Is(err, vfs.ErrNotFound), errors.Is(err, vfs.ErrOutsideRoot):
		return conn.WriteError(command.ReplyNoPath)
	case err != nil:
		log.Error().Err(err).Str("path", cmd.Path).Msg("list failed")
		return conn.WriteError(command.ReplyListFailed)
	}
	text, err := RenderListing(names)
	if err != nil {
		log.Warn().Err(err).Str("path", cmd.Path).Int("names", len(names)).Msg("list refused")
		return conn.WriteError(command.ReplyListTooLarge)
	}
	return conn.WriteText(text)
}

// ErrListingTooLarge means a rendered listing does not fit in one Text frame.
var ErrListingTooLarge = errors.New("listing too large")

// RenderListing is JoinNames bounded by wire.MaxTextSize.
func RenderListing(names []string) (string, error) {
	text := JoinNames(names)
	if int64(len(text)) > wire.MaxTextSize {
		return "", fmt.Errorf("%w: %d bytes (max %d)", ErrListingTooLarge, len(text), wire.MaxTextSize)
	}
	return text, nil
}

// ListNames returns the sorted base names of every file with this service's
// extension under the directory virtualDir resolves to.
func (s *Service) ListNames(virtualDir string) ([]string, error) {
	local, err := s.root.Resolve(virtualDir)
	if err != nil {
		return nil, err
	}
	return s.root.List(local, s.cat.Extension())
}

// JoinNames renders a listing as one name per line with a trailing newline.
// An empty listing renders as the empty string.
func JoinNames(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.Join(names, "\n") + "\n"
}

// SplitNames is the inverse of JoinNames.
func SplitNames(text string) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func (s *Service) archive(log zerolog.Logger, conn *wire.Conn, cmd command.Command) error {
	if cmd.Ext != s.cat.Extension() {
		return conn.SendNoData(command.ReplyUnsupportedArchive)
	}
	rels, err := s.root.Match(cmd.Ext)
	if err != nil {
		log.Error().Err(err).Msg("archive scan failed")
		return conn.SendNoData(command.ReplyArchiveFailed)
	}
	if len(rels) == 0 {
		return conn.SendNoData(command.ReplyNoArchiveFiles(cmd.Ext))
	}
	a, err := s.root.BuildArchive(rels)
	if err != nil {
		log.Error().Err(err).Msg("archive build failed")
		return conn.SendNoData(command.ReplyArchiveFailed)
	}
	defer a.Close()

	if err := conn.SendTransfer(a, a.Size()); err != nil {
		return fmt.Errorf("archive %s: %w", cmd.Ext, err)
	}
	log.Info().Int("files", len(rels)).Int64("size", a.Size()).Msg("archive sent")
	return nil
}

func (s *Service) record(log zerolog.Logger, f *storage.File) {
	if s.db == nil {
		return
	}
	if prev, err := s.db.GetFile(f.LocalPath); err == nil && prev.Checksum != f.Checksum {
		log.Info().Str("path", f.LocalPath).Str("previous", prev.Checksum).Msg("file replaced")
	}
	if err := s.db.UpsertFile(f); err != nil {
		log.Warn().Err(err).Str("path", f.LocalPath).Msg("catalog update failed")
	}
}

// CatalogStats returns the catalog totals, or zero stats when the service
// runs without a catalog.
func (s *Service) CatalogStats() (storage.Stats, error) {
	if s.db == nil {
		return storage.Stats{}, nil
	}
	return s.db.Stats()
}

// Reconcile drops catalog rows whose files are gone and returns how many.
func (s *Service) Reconcile() (int, error) {
	if s.db == nil {
		return 0, nil
	}
	return s.db.Reconcile(func(p string) bool {
		fi, err := os.Stat(p)
		return err == nil && fi.Mode().IsRegular()
	})
}
