// Package client talks to a shardfs gateway over one persistent framed
// connection, one command at a time.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/ssd-technologies/shardfs/internal/command"
	"github.com/ssd-technologies/shardfs/internal/node"
	"github.com/ssd-technologies/shardfs/internal/vfs"
	"github.com/ssd-technologies/shardfs/internal/wire"
)

// Client is safe for concurrent use; commands are serialized on the
// connection.
type Client struct {
	mu   sync.Mutex
	conn *wire.Conn
}

// Dial connects to the gateway at addr.
func Dial(ctx context.Context, addr string, opts wire.Options) (*Client, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial gateway %s: %w", addr, err)
	}
	return New(c, opts), nil
}

// New wraps an established connection.
func New(c net.Conn, opts wire.Options) *Client {
	return &Client{conn: wire.NewConn(c, opts)}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) send(cmd command.Command) error {
	if err := c.conn.WriteCommand(cmd.String()); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Verb, err)
	}
	return nil
}

func (c *Client) request(cmd command.Command) (string, error) {
	if err := c.send(cmd); err != nil {
		return "", err
	}
	return c.conn.ReadReply()
}

// Upload stores size bytes from r as name under the virtual directory dir and
// returns the gateway's acknowledgment. A rejected upload returns a
// *wire.RemoteError.
func (c *Client) Upload(name, dir string, r io.Reader, size int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(command.Command{Verb: command.Upload, Name: name, Path: dir}); err != nil {
		return "", err
	}
	if err := c.conn.SendTransfer(r, size); err != nil {
		return "", err
	}
	return c.conn.ReadReply()
}

// UploadFile uploads the local file at localPath under dir, keeping its base
// name.
func (c *Client) UploadFile(localPath, dir string) (string, int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "", 0, err
	}
	if !fi.Mode().IsRegular() {
		return "", 0, fmt.Errorf("%s is not a regular file", localPath)
	}
	msg, err := c.Upload(filepath.Base(localPath), dir, f, fi.Size())
	return msg, fi.Size(), err
}

// Download writes the file at virtualPath to w. A missing file returns a
// *wire.NoDataError carrying the reason.
func (c *Client) Download(virtualPath string, w io.Writer) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(command.Command{Verb: command.Download, Path: virtualPath}); err != nil {
		return 0, err
	}
	return c.conn.ReceiveTransfer(w)
}

// DownloadFile downloads virtualPath into dst. dst is written atomically and
// left untouched on failure.
func (c *Client) DownloadFile(virtualPath, dst string) (int64, error) {
	return c.receiveFile(dst, func(w io.Writer) (int64, error) {
		return c.Download(virtualPath, w)
	})
}

// Remove deletes the file at virtualPath.
func (c *Client) Remove(virtualPath string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.request(command.Command{Verb: command.Remove, Path: virtualPath})
}

// List returns the merged listing of dir in category order. An empty
// directory returns no names and no error.
func (c *Client) List(dir string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	text, err := c.request(command.Command{Verb: command.List, Path: dir})
	if err != nil {
		return nil, err
	}
	if text == command.ReplyNoFiles {
		return nil, nil
	}
	return node.SplitNames(text), nil
}

// Archive writes a tar of every file with extension ext to w.
func (c *Client) Archive(ext string, w io.Writer) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(command.Command{Verb: command.Archive, Ext: ext}); err != nil {
		return 0, err
	}
	return c.conn.ReceiveTransfer(w)
}

// ArchiveFile downloads the archive for ext into dst.
func (c *Client) ArchiveFile(ext, dst string) (int64, error) {
	return c.receiveFile(dst, func(w io.Writer) (int64, error) {
		return c.Archive(ext, w)
	})
}

// Ping checks that the gateway answers.
func (c *Client) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, err := c.request(command.Command{Verb: command.Ping})
	if err != nil {
		return err
	}
	if msg != command.ReplyPong {
		return fmt.Errorf("unexpected ping reply %q", msg)
	}
	return nil
}

func (c *Client) receiveFile(dst string, recv func(io.Writer) (int64, error)) (int64, error) {
	dir, name := filepath.Split(dst)
	if dir == "" {
		dir = "."
	}
	root, err := vfs.OpenRoot(dir, "", false)
	if err != nil {
		return 0, err
	}
	pf, err := root.Create(root.Dir(), name)
	if err != nil {
		return 0, err
	}
	n, err := recv(pf)
	if err != nil {
		pf.Abort()
		return n, err
	}
	return n, pf.Commit()
}

// ArchiveFileName is the local file name an archive of ext is saved under.
func ArchiveFileName(ext string) string {
	switch ext {
	case ".c":
		return "cfiles.tar"
	case ".pdf":
		return "pdf.tar"
	case ".txt":
		return "text.tar"
	default:
		return "downloaded.tar"
	}
}

// IsNoData reports whether err is a NoData reply rather than a connection
// failure.
func IsNoData(err error) bool {
	return errors.Is(err, wire.ErrNoData)
}

// IsRemote reports whether err is an Error reply from the gateway.
func IsRemote(err error) bool {
	var re *wire.RemoteError
	return errors.As(err, &re)
}
